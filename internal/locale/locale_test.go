package locale

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectSystemLocale(t *testing.T) {
	testCases := []struct {
		name           string
		lang           string
		lcAll          string
		lcMessages     string
		expectedLocale string
	}{
		{name: "LANG with encoding", lang: "en_US.UTF-8", expectedLocale: "en_US"},
		{name: "Spanish from LANG", lang: "es_ES.UTF-8", expectedLocale: "es_ES"},
		{name: "LANG takes precedence", lang: "en_US.UTF-8", lcAll: "es_ES.UTF-8", expectedLocale: "en_US"},
		{name: "LC_ALL when LANG empty", lcAll: "es_ES.UTF-8", expectedLocale: "es_ES"},
		{name: "LC_MESSAGES last", lcMessages: "es_ES", expectedLocale: "es_ES"},
		{name: "POSIX locale ignored", lang: "C.UTF-8", expectedLocale: "en_US"},
		{name: "Nothing set", expectedLocale: "en_US"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LANG", tc.lang)
			t.Setenv("LC_ALL", tc.lcAll)
			t.Setenv("LC_MESSAGES", tc.lcMessages)
			assert.Equal(t, tc.expectedLocale, DetectSystemLocale())
		})
	}
}

func TestLoadBundledLocale(t *testing.T) {
	l, err := LoadLocale("en_US", "")
	require.NoError(t, err)
	assert.Equal(t, "en_US", l.locale)
	assert.NotEmpty(t, l.translations["error_authentication"])

	_, err = LoadLocale("xx_XX", "")
	assert.Error(t, err)
}

func TestLoadLocaleOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en_US.yaml"), []byte("validation_ok: \"Linked %s\"\n"), 0o644))

	l, err := LoadLocale("en_US", dir)
	require.NoError(t, err)
	assert.Equal(t, "Linked %s", l.translations["validation_ok"])
}

func TestTranslate(t *testing.T) {
	t.Setenv("LANG", "en_US.UTF-8")
	require.NoError(t, Init(""))

	assert.Equal(t, "Connected to Acme.", T("validation_ok", "Acme"))
	assert.Equal(t, "missing_key", T("missing_key"))
	assert.Equal(t, "en_US", GetLocale())
}

func TestInitFallsBackToEnglish(t *testing.T) {
	t.Setenv("LANG", "fr_FR.UTF-8")
	require.NoError(t, Init(""))
	assert.Equal(t, "en_US", GetLocale())
}
