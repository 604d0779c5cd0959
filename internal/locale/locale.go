package locale

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed lang/*.yaml
var bundled embed.FS

const fallbackLocale = "en_US"

type Locale struct {
	translations map[string]string
	locale       string
}

var (
	mu           sync.RWMutex
	globalLocale *Locale
)

// Init loads the locale detected from the environment, falling back to
// en_US. An override directory may hold <locale>.yaml files that replace
// the bundled catalogue.
func Init(overrideDir string) error {
	locale := DetectSystemLocale()

	l, err := LoadLocale(locale, overrideDir)
	if err != nil {
		l, err = LoadLocale(fallbackLocale, overrideDir)
		if err != nil {
			return fmt.Errorf("failed to load fallback locale %s: %w", fallbackLocale, err)
		}
	}

	mu.Lock()
	globalLocale = l
	mu.Unlock()
	return nil
}

// DetectSystemLocale reads LANG, LC_ALL and LC_MESSAGES in that order.
func DetectSystemLocale() string {
	for _, name := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		if v := os.Getenv(name); v != "" {
			parts := strings.Split(v, ".")
			if parts[0] != "" && parts[0] != "C" && parts[0] != "POSIX" {
				return parts[0]
			}
		}
	}
	return fallbackLocale
}

func LoadLocale(locale, overrideDir string) (*Locale, error) {
	var (
		data []byte
		err  error
	)
	if overrideDir != "" {
		data, err = os.ReadFile(filepath.Join(overrideDir, locale+".yaml"))
	}
	if overrideDir == "" || err != nil {
		data, err = bundled.ReadFile("lang/" + locale + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("failed to read locale %s: %w", locale, err)
		}
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse locale %s: %w", locale, err)
	}

	return &Locale{
		translations: translations,
		locale:       locale,
	}, nil
}

// T translates key, formatting params into the translation fmt-style.
// Unknown keys come back unchanged. Before Init the bundled en_US
// catalogue is used.
func T(key string, params ...interface{}) string {
	l := current()
	if l == nil {
		return key
	}

	translation, ok := l.translations[key]
	if !ok {
		return key
	}
	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}
	return translation
}

func GetLocale() string {
	if l := current(); l != nil {
		return l.locale
	}
	return fallbackLocale
}

var loadDefault sync.Once

func current() *Locale {
	mu.RLock()
	l := globalLocale
	mu.RUnlock()
	if l != nil {
		return l
	}

	loadDefault.Do(func() {
		def, err := LoadLocale(fallbackLocale, "")
		if err != nil {
			return
		}
		mu.Lock()
		if globalLocale == nil {
			globalLocale = def
		}
		mu.Unlock()
	})

	mu.RLock()
	defer mu.RUnlock()
	return globalLocale
}
