// Package fakepage provides a scriptable in-memory browser.Page for tests.
package fakepage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"larder/internal/browser"
)

// Page records every interaction and serves canned state. Elements maps a
// selector to its text; a selector is present when it is a key.
type Page struct {
	mu sync.Mutex

	URL      string
	Title    string
	Body     string
	Elements map[string]string

	// OnNavigate and OnClick let a test script page transitions.
	OnNavigate func(p *Page, url string) error
	OnClick    map[string]func(p *Page) error
	OnScroll   func(p *Page) error
	// EvalFunc answers Eval calls; without it Eval returns "null".
	EvalFunc func(js string, args ...any) (string, error)

	ClickErrors map[string]error

	cookies []browser.Cookie
	storage map[browser.StorageKind]map[string]string

	Events      []string
	Navigations []string
	Clicks      []string
	Typed       map[string]string
	Scrolls     int
}

func New() *Page {
	return &Page{
		Elements:    map[string]string{},
		OnClick:     map[string]func(p *Page) error{},
		ClickErrors: map[string]error{},
		Typed:       map[string]string{},
		storage:     map[browser.StorageKind]map[string]string{},
	}
}

var _ browser.Page = (*Page)(nil)

// Set makes selector present with the given text.
func (p *Page) Set(selector, text string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Elements[selector] = text
	return p
}

// Remove makes selector absent.
func (p *Page) Remove(selectors ...string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.Elements, s)
	}
	return p
}

func (p *Page) event(format string, args ...any) {
	p.Events = append(p.Events, fmt.Sprintf(format, args...))
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.URL = url
	p.Navigations = append(p.Navigations, url)
	p.event("navigate:%s", url)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return nil
}

func (p *Page) Info(ctx context.Context) (browser.PageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return browser.PageInfo{URL: p.URL, Title: p.Title}, nil
}

func (p *Page) Has(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.Elements[selector]
	return ok, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if err := p.ClickErrors[selector]; err != nil {
		p.mu.Unlock()
		return err
	}
	if _, ok := p.Elements[selector]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("element %q not found", selector)
	}
	p.Clicks = append(p.Clicks, selector)
	p.event("click:%s", selector)
	hook := p.OnClick[selector]
	p.mu.Unlock()
	if hook != nil {
		return hook(p)
	}
	return nil
}

// Clicked returns how many times selector was clicked.
func (p *Page) Clicked(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Clicks {
		if c == selector {
			n++
		}
	}
	return n
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.Elements[selector]; !ok {
		return fmt.Errorf("element %q not found", selector)
	}
	p.Typed[selector] = text
	p.event("type:%s", selector)
	return nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == "body" {
		if p.Body != "" {
			return p.Body, nil
		}
		keys := make([]string, 0, len(p.Elements))
		for k := range p.Elements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if t := p.Elements[k]; t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n"), nil
	}
	text, ok := p.Elements[selector]
	if !ok {
		return "", fmt.Errorf("element %q not found", selector)
	}
	return text, nil
}

func (p *Page) Eval(ctx context.Context, js string, args ...any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	fn := p.EvalFunc
	p.mu.Unlock()
	if fn == nil {
		return "null", nil
	}
	return fn(js, args...)
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	p.event("set_cookies:%d", len(cookies))
	return nil
}

func (p *Page) Storage(ctx context.Context, kind browser.StorageKind) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]string{}
	for k, v := range p.storage[kind] {
		out[k] = v
	}
	return out, nil
}

func (p *Page) SetStorage(ctx context.Context, kind browser.StorageKind, values map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage[kind] == nil {
		p.storage[kind] = map[string]string{}
	}
	for k, v := range values {
		p.storage[kind][k] = v
	}
	p.event("set_storage:%s", kind)
	return nil
}

func (p *Page) ScrollBy(ctx context.Context, viewports float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Scrolls++
	hook := p.OnScroll
	p.mu.Unlock()
	if hook != nil {
		return hook(p)
	}
	return nil
}

// Launcher hands out sessions over fresh fake pages and counts launches
// and teardowns.
type Launcher struct {
	mu       sync.Mutex
	NewPage  func() *Page
	Err      error
	Launched int
	Closed   int
	Pages    []*Page
}

func (l *Launcher) Launch(ctx context.Context, cfg browser.Config) (*browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var page *Page
	if l.NewPage != nil {
		page = l.NewPage()
	} else {
		page = New()
	}
	l.Launched++
	l.Pages = append(l.Pages, page)
	return browser.NewSession(page, func() error {
		l.mu.Lock()
		l.Closed++
		l.mu.Unlock()
		return nil
	}), nil
}

// Open reports launches not yet torn down.
func (l *Launcher) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Launched - l.Closed
}
