package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StorageKind names one of the origin-scoped key/value stores of a page.
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// Cookie is the serialisable form of a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Expired reports whether the cookie carries an expiry before now. Session
// cookies (no expiry) never expire here.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now)
}

type PageInfo struct {
	URL   string
	Title string
}

// Page is the set of primitives supplier adapters drive a live page with.
// Blocking calls honour ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Info(ctx context.Context) (PageInfo, error)
	// Has reports whether selector currently matches, without waiting.
	Has(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	// Eval runs a JS function expression and returns its result as JSON.
	Eval(ctx context.Context, js string, args ...any) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)
	SetStorage(ctx context.Context, kind StorageKind, values map[string]string) error
	ScrollBy(ctx context.Context, viewports float64) error
}

// EvalInto runs js and decodes its JSON result into v.
func EvalInto(ctx context.Context, p Page, v any, js string, args ...any) error {
	raw, err := p.Eval(ctx, js, args...)
	if err != nil {
		return err
	}
	if raw == "" || raw == "null" || raw == "undefined" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode eval result: %w", err)
	}
	return nil
}

// BodyText returns the visible text of the document body, or "" when it
// cannot be read.
func BodyText(ctx context.Context, p Page) string {
	text, err := p.Text(ctx, "body")
	if err != nil {
		return ""
	}
	return text
}

// FirstPresent returns the first selector that matches, or "".
func FirstPresent(ctx context.Context, p Page, selectors ...string) string {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if ok, err := p.Has(ctx, sel); err == nil && ok {
			return sel
		}
	}
	return ""
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
