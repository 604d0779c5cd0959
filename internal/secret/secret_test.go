package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	box, err := NewBox("test-secret")
	require.NoError(t, err)

	enc, err := box.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", enc)

	dec, err := box.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", dec)
}

func TestNonceIsRandom(t *testing.T) {
	box, err := NewBox("test-secret")
	require.NoError(t, err)

	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	assert.NotEqual(t, a, b)
}

func TestEmptyValues(t *testing.T) {
	box, err := NewBox("test-secret")
	require.NoError(t, err)

	enc, err := box.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := box.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestWrongKeyFails(t *testing.T) {
	a, _ := NewBox("key-a")
	b, _ := NewBox("key-b")

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.Error(t, err)
}

func TestMalformedCiphertext(t *testing.T) {
	box, _ := NewBox("k")

	_, err := box.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = box.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNotConfigured(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrNotConfigured)

	var box *Box
	_, err = box.Encrypt("x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
