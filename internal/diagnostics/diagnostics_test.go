package diagnostics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larder/internal/browser/fakepage"
	"larder/internal/failures"
)

func TestCaptureCollectsPageState(t *testing.T) {
	p := fakepage.New()
	p.URL = "https://shop.example.com/login"
	p.Title = "Sign in"
	p.Set(".login-error", "Your account is locked")
	p.EvalFunc = func(js string, args ...any) (string, error) {
		return `{"live":["Signing in..."],"errors":["Your account is locked","Try again later"],
			"controls":[{"tag":"input","type":"email","name":"username","label":"Email"}]}`, nil
	}

	d := Capture(context.Background(), p, ".login-error", ".missing")
	assert.Equal(t, "https://shop.example.com/login", d.URL)
	assert.Equal(t, "Sign in", d.Title)
	assert.Equal(t, []string{"Your account is locked", "Try again later"}, d.ErrorTexts)
	assert.Equal(t, []string{"Signing in..."}, d.LiveRegions)
	require.Len(t, d.FormControls, 1)
	assert.Equal(t, "username", d.FormControls[0].Name)
}

func TestCaptureSurvivesScanFailure(t *testing.T) {
	p := fakepage.New()
	p.URL = "https://x.example.com"
	p.EvalFunc = func(string, ...any) (string, error) { return "", errors.New("context destroyed") }
	d := Capture(context.Background(), p)
	assert.Equal(t, "https://x.example.com", d.URL)
	assert.Empty(t, d.FormControls)
}

func TestAttachWrapsUnclassified(t *testing.T) {
	p := fakepage.New()
	p.Title = "Oops"
	err := Attach(context.Background(), errors.New("login button vanished"), "broadline", p)

	var fe *failures.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failures.KindScraping, fe.Kind)
	require.NotNil(t, fe.Diagnostics)
	assert.Equal(t, "Oops", fe.Diagnostics.Title)

	auth := failures.Authentication("broadline", "rejected")
	err = Attach(context.Background(), auth, "broadline", p)
	assert.True(t, failures.Is(err, failures.KindAuthentication))
	assert.NotNil(t, auth.Diagnostics)

	assert.NoError(t, Attach(context.Background(), nil, "broadline", p))
}
