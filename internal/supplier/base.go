package supplier

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/catalog"
	"larder/internal/config"
	"larder/internal/diagnostics"
	"larder/internal/failures"
	"larder/internal/models"
	"larder/internal/twofactor"
)

const DefaultSettle = 1500 * time.Millisecond

// Hooks replace individual site steps. Nil hooks use the Base defaults.
type Hooks struct {
	// Login fills and submits the sign-in form.
	Login func(ctx context.Context, page browser.Page, username, password string) error
	// Advance moves a product listing on by one page or viewport.
	Advance func(ctx context.Context, page browser.Page) (bool, error)
	// AddItem puts one item on the cart.
	AddItem   func(ctx context.Context, page browser.Page, sku string, quantity int) error
	Responder twofactor.Responder
}

// Base is a complete adapter driven by the profile's selectors. Variants
// embed it and set Hooks for the steps their site does differently.
type Base struct {
	profile config.SupplierProfile
	Cred    *models.SupplierCredential
	Deps    Deps
	Hooks   Hooks
	Pacer   *catalog.Pacer
	Rand    *rand.Rand
	// Settle is the pause after a form submission before reading the page.
	Settle time.Duration
}

func NewBase(profile config.SupplierProfile, cred *models.SupplierCredential, deps Deps) *Base {
	pacer := catalog.DefaultPacer()
	if profile.MaxDelayBetween > 0 {
		pacer = catalog.NewPacer(seconds(profile.MinDelayBetween), seconds(profile.MaxDelayBetween))
	}
	return &Base{
		profile: profile,
		Cred:    cred,
		Deps:    deps,
		Pacer:   pacer,
		Rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		Settle:  DefaultSettle,
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (b *Base) Code() string {
	if b.Cred != nil && b.Cred.Supplier.Code != "" {
		return b.Cred.Supplier.Code
	}
	return b.profile.Adapter
}

func (b *Base) Profile() config.SupplierProfile { return b.profile }

func (b *Base) logger() *zerolog.Logger {
	l := log.With().Str("supplier", b.Code())
	if b.Cred != nil {
		l = l.Uint("credential_id", b.Cred.ID)
	}
	logger := l.Logger()
	return &logger
}

func (b *Base) loginURL() string {
	if b.profile.LoginURL != "" {
		return b.profile.LoginURL
	}
	if b.Cred != nil && b.Cred.Supplier.LoginURL != "" {
		return b.Cred.Supplier.LoginURL
	}
	return b.baseURL()
}

func (b *Base) baseURL() string {
	if b.profile.BaseURL != "" {
		return b.profile.BaseURL
	}
	if b.Cred != nil {
		return b.Cred.Supplier.BaseURL
	}
	return ""
}

func (b *Base) authType() models.AuthType {
	if b.profile.AuthType != "" {
		return b.profile.AuthType
	}
	return b.Cred.Supplier.AuthType
}

// Authenticate plants a trusted-device token, tries the stored session and
// falls back to a fresh login, resolving any verification challenge.
func (b *Base) Authenticate(ctx context.Context, page browser.Page) error {
	logger := b.logger()

	if b.profile.TrustedDeviceCookie != "" {
		planted, err := b.Deps.Sessions.RestoreTrustedDevice(ctx, page, b.Cred, b.profile.TrustedDeviceCookie)
		if err != nil {
			logger.Warn().Err(err).Msg("Trusted device token unusable")
		} else if planted {
			logger.Debug().Msg("Trusted device token planted")
		}
	}

	restored, err := b.Deps.Sessions.Restore(ctx, page, b.Cred, b.profile.SessionTTL())
	if err != nil {
		logger.Warn().Err(err).Msg("Stored session unusable")
	}
	if restored {
		if err := b.Goto(ctx, page, b.baseURL()); err != nil && !failures.Is(err, failures.KindSessionExpired) {
			return err
		}
		ok, err := b.IsAuthenticated(ctx, page)
		if err == nil && ok {
			logger.Info().Msg("Restored stored session")
			return nil
		}
		logger.Info().Msg("Stored session is signed out, logging in again")
	}

	return b.login(ctx, page)
}

func (b *Base) login(ctx context.Context, page browser.Page) error {
	code := b.Code()
	logger := b.logger()

	if b.authType() == models.AuthWelcomeURL {
		return failures.SessionExpired(code, "the welcome link session has ended; a new link from the supplier is needed")
	}
	username, password, err := b.secrets()
	if err != nil {
		return err
	}

	if err := b.open(ctx, page, b.loginURL()); err != nil {
		return err
	}
	if b.profile.Stealth.WarmUp {
		browser.WarmUp(ctx, page, b.Rand)
	}

	login := b.Hooks.Login
	if login == nil {
		login = b.FormLogin
	}
	if err := login(ctx, page, username, password); err != nil {
		if failures.KindOf(err) != "" {
			return err
		}
		return diagnostics.Attach(ctx, err, code, page, b.profile.Selectors.LoginError)
	}
	if err := browser.Sleep(ctx, b.Settle); err != nil {
		return err
	}

	text := browser.BodyText(ctx, page)
	if kind := failures.ClassifyPage(text); kind != "" {
		return failures.New(kind, code, "login was blocked")
	}

	resolved, err := b.clearChallenge(ctx, page, models.RequestLogin)
	if err != nil {
		return err
	}
	if resolved {
		text = browser.BodyText(ctx, page)
	}

	if msg := b.loginError(ctx, page, text); msg != "" {
		return failures.Authentication(code, msg)
	}

	ok, err := b.IsAuthenticated(ctx, page)
	if err != nil {
		return diagnostics.Attach(ctx, err, code, page, b.profile.Selectors.LoginError)
	}
	if !ok {
		return diagnostics.Attach(ctx, failures.Authentication(code, "login did not reach a signed-in page"), code, page, b.profile.Selectors.LoginError)
	}

	if err := b.Deps.Sessions.Save(ctx, page, b.Cred); err != nil {
		return err
	}
	logger.Info().Bool("two_fa", resolved).Msg("Logged in")
	return nil
}

func (b *Base) secrets() (username, password string, err error) {
	if b.Cred.EncryptedUsername != "" {
		if username, err = b.Deps.Box.Decrypt(b.Cred.EncryptedUsername); err != nil {
			return "", "", fmt.Errorf("failed to decrypt username: %w", err)
		}
	}
	if b.Cred.EncryptedPassword != "" {
		if password, err = b.Deps.Box.Decrypt(b.Cred.EncryptedPassword); err != nil {
			return "", "", fmt.Errorf("failed to decrypt password: %w", err)
		}
	}
	if username == "" || (password == "" && b.authType().RequiresPassword()) {
		return "", "", failures.Authentication(b.Code(), models.ErrPasswordRequired.Error())
	}
	return username, password, nil
}

// FormLogin types the username and, when there is one, the password, then
// submits.
func (b *Base) FormLogin(ctx context.Context, page browser.Page, username, password string) error {
	sel := b.profile.Selectors
	if err := page.Type(ctx, sel.Username, username); err != nil {
		return err
	}
	if password != "" && sel.Password != "" {
		if err := page.Type(ctx, sel.Password, password); err != nil {
			return err
		}
	}
	return page.Click(ctx, sel.LoginSubmit)
}

func (b *Base) loginError(ctx context.Context, page browser.Page, text string) string {
	if sel := b.profile.Selectors.LoginError; sel != "" {
		if ok, _ := page.Has(ctx, sel); ok {
			if msg, err := page.Text(ctx, sel); err == nil && msg != "" {
				return msg
			}
		}
	}
	if failures.LooksLikeBadCredentials(text) {
		return "the supplier rejected the username or password"
	}
	return ""
}

// clearChallenge resolves a verification challenge if the page shows one.
func (b *Base) clearChallenge(ctx context.Context, page browser.Page, purpose models.TwoFactorRequestType) (bool, error) {
	ch, err := twofactor.Detect(ctx, page, b.profile.Selectors.TwoFAInput)
	if err != nil {
		return false, err
	}
	if ch == nil {
		return false, nil
	}
	if b.Deps.TwoFactor == nil {
		return false, failures.SessionExpired(b.Code(), "a verification code is required")
	}
	b.logger().Info().Str("purpose", string(purpose)).Str("two_fa_type", string(ch.Type)).Msg("Verification challenge")
	err = b.Deps.TwoFactor.Resolve(ctx, page, b.Cred, ch, b.responder(), twofactor.Options{
		RequestType:         purpose,
		Timeout:             b.profile.TwoFATimeout(),
		RememberDevice:      b.profile.RememberDevice,
		TrustedDeviceCookie: b.profile.TrustedDeviceCookie,
	})
	return err == nil, err
}

func (b *Base) responder() twofactor.Responder {
	if b.Hooks.Responder != nil {
		return b.Hooks.Responder
	}
	sel := b.profile.Selectors
	return twofactor.Form{
		Input:        sel.TwoFAInput,
		Submit:       sel.TwoFASubmit,
		ResendButton: sel.TwoFAResend,
		Remember:     sel.RememberDevice,
		Settle:       b.Settle,
	}
}

// IsAuthenticated checks the signed-in marker, falling back to page text.
func (b *Base) IsAuthenticated(ctx context.Context, page browser.Page) (bool, error) {
	sel := b.profile.Selectors
	if sel.LoggedInMarker != "" {
		ok, err := page.Has(ctx, sel.LoggedInMarker)
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	if failures.LooksLoggedOut(browser.BodyText(ctx, page)) {
		return false, nil
	}
	if sel.Username != "" {
		onForm, err := page.Has(ctx, sel.Username)
		return !onForm, err
	}
	return false, nil
}

const statusJS = `() => {
	return window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 0;
}`

// Goto navigates and turns a blocked, throttled or signed-out page into the
// matching failure.
func (b *Base) Goto(ctx context.Context, page browser.Page, url string) error {
	if err := b.open(ctx, page, url); err != nil {
		return err
	}
	if failures.LooksLoggedOut(browser.BodyText(ctx, page)) {
		return failures.SessionExpired(b.Code(), "signed out while opening "+url)
	}
	return nil
}

// open is Goto without the signed-out check, for the login page itself.
func (b *Base) open(ctx context.Context, page browser.Page, url string) error {
	code := b.Code()
	if err := page.Navigate(ctx, url); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failures.Scraping(code, err, "navigation failed")
	}

	var status int
	if err := browser.EvalInto(ctx, page, &status, statusJS); err == nil {
		switch {
		case status == 429:
			return failures.New(failures.KindRateLimited, code, "HTTP 429 from "+url)
		case status == 503:
			return failures.New(failures.KindMaintenance, code, "HTTP 503 from "+url)
		}
	}

	if kind := failures.ClassifyPage(browser.BodyText(ctx, page)); kind != "" {
		return failures.New(kind, code, "while opening "+url)
	}
	return nil
}

// visit is Goto for flows that may be interrupted by a verification step.
func (b *Base) visit(ctx context.Context, page browser.Page, url string, purpose models.TwoFactorRequestType) error {
	if err := b.Goto(ctx, page, url); err != nil {
		return err
	}
	_, err := b.clearChallenge(ctx, page, purpose)
	return err
}
