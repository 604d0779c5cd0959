package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StealthProfile describes the fingerprint patches and request filtering
// applied to a supplier's pages.
type StealthProfile struct {
	Enabled       bool     `yaml:"enabled"`
	Languages     []string `yaml:"languages"`
	Platform      string   `yaml:"platform"`
	WebGLVendor   string   `yaml:"webgl_vendor"`
	WebGLRenderer string   `yaml:"webgl_renderer"`
	// BlockResources lists CDP resource types to fail, e.g. Image, Font.
	BlockResources []string `yaml:"block_resources"`
	// BlockHosts lists host substrings (analytics, ad networks) to fail.
	BlockHosts []string `yaml:"block_hosts"`
	WarmUp     bool     `yaml:"warm_up"`
}

// DefaultStealthProfile masks the usual automation markers and drops the
// heavy, non-functional requests.
func DefaultStealthProfile() StealthProfile {
	return StealthProfile{
		Enabled:        true,
		Languages:      []string{"en-US", "en"},
		Platform:       "MacIntel",
		WebGLVendor:    "Intel Inc.",
		WebGLRenderer:  "Intel Iris OpenGL Engine",
		BlockResources: []string{"Image", "Font", "Media"},
		BlockHosts: []string{
			"google-analytics.com",
			"googletagmanager.com",
			"doubleclick.net",
			"facebook.net",
			"hotjar.com",
			"segment.io",
			"newrelic.com",
			"nr-data.net",
		},
		WarmUp: true,
	}
}

// ShouldBlock reports whether a request of resourceType to url is dropped.
func (p StealthProfile) ShouldBlock(resourceType, url string) bool {
	for _, rt := range p.BlockResources {
		if strings.EqualFold(rt, resourceType) {
			return true
		}
	}
	lower := strings.ToLower(url)
	for _, host := range p.BlockHosts {
		if host != "" && strings.Contains(lower, strings.ToLower(host)) {
			return true
		}
	}
	return false
}

// FingerprintScript returns the JS evaluated on every new document to spoof
// navigator and WebGL properties. It returns "" when the profile spoofs
// nothing.
func (p StealthProfile) FingerprintScript() string {
	if !p.Enabled {
		return ""
	}
	langs, _ := json.Marshal(p.Languages)
	if len(p.Languages) == 0 {
		langs = []byte(`["en-US","en"]`)
	}

	var b strings.Builder
	b.WriteString("() => {\n")
	b.WriteString("  Object.defineProperty(navigator, 'webdriver', {get: () => undefined});\n")
	fmt.Fprintf(&b, "  Object.defineProperty(navigator, 'languages', {get: () => %s});\n", langs)
	if p.Platform != "" {
		fmt.Fprintf(&b, "  Object.defineProperty(navigator, 'platform', {get: () => %q});\n", p.Platform)
	}
	b.WriteString(`  Object.defineProperty(navigator, 'plugins', {get: () => [
    {name: 'PDF Viewer', filename: 'internal-pdf-viewer'},
    {name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer'},
    {name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer'}
  ]});
`)
	if p.WebGLVendor != "" || p.WebGLRenderer != "" {
		fmt.Fprintf(&b, `  const vendor = %q, renderer = %q;
  for (const ctx of [window.WebGLRenderingContext, window.WebGL2RenderingContext]) {
    if (!ctx) continue;
    const getParameter = ctx.prototype.getParameter;
    ctx.prototype.getParameter = function(param) {
      if (param === 37445 && vendor) return vendor;
      if (param === 37446 && renderer) return renderer;
      return getParameter.call(this, param);
    };
  }
`, p.WebGLVendor, p.WebGLRenderer)
	}
	b.WriteString("}")
	return b.String()
}
