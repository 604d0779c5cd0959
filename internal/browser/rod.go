package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	actionTimeout    = 10 * time.Second
)

var ErrBrowserAlreadyRunning = errors.New("browser profile is locked by another running browser")

// RodLauncher starts Chrome through rod's launcher.
type RodLauncher struct{}

func (RodLauncher) Launch(ctx context.Context, cfg Config) (*Session, error) {
	// Leakless deadlocks on Windows, see go-rod/rod#853.
	useLeakless := runtime.GOOS != "windows"

	width, height := cfg.WindowWidth, cfg.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}

	l := launcher.New().
		Leakless(useLeakless).
		Headless(cfg.Headless).
		Set("window-size", fmt.Sprintf("%d,%d", width, height))

	// Must be set before Bin so it is applied to the right binary.
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}

	bin := cfg.ExecutablePath
	if bin == "" {
		if path, ok := launcher.LookPath(); ok {
			bin = path
		}
	}
	if bin != "" {
		l = l.Bin(bin)
		log.Debug().Str("bin", bin).Msg("Using system Chrome")
	}

	controlURL, err := l.Launch()
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Opening in existing browser session") ||
			strings.Contains(msg, "ProcessSingleton") ||
			strings.Contains(msg, "SingletonLock") {
			return nil, fmt.Errorf("%w: %s", ErrBrowserAlreadyRunning, cfg.UserDataDir)
		}
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	teardown := func(b *rod.Browser) {
		if b != nil {
			_ = b.Close()
		}
		l.Kill()
		l.Cleanup()
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		teardown(nil)
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, router, err := openPage(b, cfg, width, height)
	if err != nil {
		teardown(b)
		return nil, err
	}

	rp := &rodPage{
		browser:    b,
		page:       page,
		navTimeout: cfg.NavigationTimeout,
	}
	if rp.navTimeout <= 0 {
		rp.navTimeout = DefaultNavigationTimeout
	}

	return NewSession(rp, func() error {
		if router != nil {
			_ = router.Stop()
		}
		_ = page.Close()
		teardown(b)
		log.Debug().Msg("Browser process destroyed")
		return nil
	}), nil
}

func openPage(b *rod.Browser, cfg Config, width, height int) (*rod.Page, *rod.HijackRouter, error) {
	var (
		page *rod.Page
		err  error
	)
	if cfg.Stealth.Enabled {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create page: %w", err)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		log.Debug().Err(err).Msg("Failed to set User-Agent")
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}); err != nil {
		log.Debug().Err(err).Msg("Failed to set viewport")
	}

	if script := cfg.Stealth.FingerprintScript(); script != "" {
		if _, err := page.EvalOnNewDocument("(" + script + ")()"); err != nil {
			log.Debug().Err(err).Msg("Failed to install fingerprint patches")
		}
	}

	if len(cfg.Stealth.BlockResources) == 0 && len(cfg.Stealth.BlockHosts) == 0 {
		return page, nil, nil
	}

	profile := cfg.Stealth
	router := page.HijackRequests()
	err = router.Add("*", "", func(h *rod.Hijack) {
		if profile.ShouldBlock(string(h.Request.Type()), h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to install request filter")
		return page, nil, nil
	}
	go router.Run()

	return page, router, nil
}

type rodPage struct {
	browser    *rod.Browser
	page       *rod.Page
	navTimeout time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("page %s failed to load: %w", url, err)
	}
	return nil
}

func (p *rodPage) Info(ctx context.Context) (PageInfo, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: info.URL, Title: info.Title}, nil
}

func (p *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	return has, err
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Timeout(actionTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %q not found: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		log.Debug().Err(err).Str("selector", selector).Msg("Scroll into view failed")
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		log.Debug().Err(err).Str("selector", selector).Msg("Select all text failed")
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("failed to type into %q: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.element(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (string, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.JSON("", ""), nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	cookies, err := p.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	return p.browser.Context(ctx).SetCookies(params)
}

const readStorageJS = `(kind) => {
	const store = window[kind];
	const out = {};
	if (!store) return out;
	for (let i = 0; i < store.length; i++) {
		const key = store.key(i);
		out[key] = store.getItem(key);
	}
	return out;
}`

const writeStorageJS = `(kind, values) => {
	const store = window[kind];
	if (!store) return 0;
	let n = 0;
	for (const [key, value] of Object.entries(values)) {
		store.setItem(key, value);
		n++;
	}
	return n;
}`

func (p *rodPage) Storage(ctx context.Context, kind StorageKind) (map[string]string, error) {
	out := map[string]string{}
	if err := EvalInto(ctx, p, &out, readStorageJS, string(kind)); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	return out, nil
}

func (p *rodPage) SetStorage(ctx context.Context, kind StorageKind, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if _, err := p.Eval(ctx, writeStorageJS, string(kind), values); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

func (p *rodPage) ScrollBy(ctx context.Context, viewports float64) error {
	_, err := p.Eval(ctx, `(n) => window.scrollBy(0, Math.round(window.innerHeight * n))`, viewports)
	return err
}
