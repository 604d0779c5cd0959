package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larder/internal/browser"
	"larder/internal/browser/fakepage"
	"larder/internal/cart"
	"larder/internal/catalog"
	"larder/internal/checkout"
	"larder/internal/config"
	"larder/internal/failures"
	"larder/internal/models"
	"larder/internal/notify"
	"larder/internal/secret"
	"larder/internal/store"
	"larder/internal/supplier"
)

const (
	shopCode = "testshop"
	baseURL  = "https://shop.example.com"
	loginURL = "https://shop.example.com/login"
)

// script is the catalog and cart behaviour shared by every adapter the
// fixture builds.
type script struct {
	mu         sync.Mutex
	browse     map[string][]catalog.Product
	browseErrs []error
	search     map[string][]catalog.Product
	searched   []string
	lists      []catalog.List
	cleared    int
	added      [][]cart.Item
	checkouts  []bool
	steps      []string
}

func (s *script) step(name string) {
	s.mu.Lock()
	s.steps = append(s.steps, name)
	s.mu.Unlock()
}

type stubAdapter struct {
	*supplier.Base
	script *script
}

func (a *stubAdapter) BrowseCategory(ctx context.Context, page browser.Page, category string) ([]catalog.Product, error) {
	a.script.mu.Lock()
	defer a.script.mu.Unlock()
	if len(a.script.browseErrs) > 0 {
		err := a.script.browseErrs[0]
		a.script.browseErrs = a.script.browseErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return a.script.browse[category], nil
}

func (a *stubAdapter) SearchCatalog(ctx context.Context, page browser.Page, terms []string) ([]catalog.Product, error) {
	a.script.mu.Lock()
	defer a.script.mu.Unlock()
	var out []catalog.Product
	for _, t := range terms {
		a.script.searched = append(a.script.searched, t)
		out = append(out, a.script.search[t]...)
	}
	return out, nil
}

func (a *stubAdapter) Lists(ctx context.Context, page browser.Page) ([]catalog.List, error) {
	return a.script.lists, nil
}

func (a *stubAdapter) ClearCart(ctx context.Context, page browser.Page) error {
	a.script.mu.Lock()
	a.script.cleared++
	a.script.mu.Unlock()
	a.script.step("clear")
	return nil
}

func (a *stubAdapter) AddItems(ctx context.Context, page browser.Page, items []cart.Item, delivery *time.Time) (cart.Result, error) {
	a.script.mu.Lock()
	a.script.added = append(a.script.added, items)
	a.script.mu.Unlock()
	a.script.step("add")

	var res cart.Result
	var missing []failures.UnavailableItem
	for _, it := range items {
		if strings.HasPrefix(it.SKU, "GONE") {
			gone := failures.UnavailableItem{SKU: it.SKU, Reason: failures.ReasonOutOfStock, Message: "out of stock"}
			res.Failed = append(res.Failed, gone)
			missing = append(missing, gone)
			continue
		}
		res.Added++
		res.AddedSKUs = append(res.AddedSKUs, it.SKU)
	}
	if res.Added == 0 && len(items) > 0 {
		return res, &failures.ItemUnavailableError{Supplier: shopCode, Items: missing}
	}
	return res, nil
}

func (a *stubAdapter) Checkout(ctx context.Context, page browser.Page, dryRun bool) (*checkout.Confirmation, error) {
	a.script.mu.Lock()
	a.script.checkouts = append(a.script.checkouts, dryRun)
	a.script.mu.Unlock()
	a.script.step("checkout")
	return &checkout.Confirmation{
		ID:     checkout.DryRunPrefix + "1760000000",
		DryRun: true,
		State:  checkout.DryRunHalt,
		Cart:   checkout.CartSnapshot{ItemCount: 3, Subtotal: 240, Lines: []checkout.CartLine{{SKU: "A1", Quantity: 3, LineTotal: 240}}},
	}, nil
}

type fixture struct {
	svc      *Service
	st       *store.Store
	box      *secret.Box
	launcher *fakepage.Launcher
	rec      *notify.Recorder
	script   *script
	profile  config.SupplierProfile
	sup      *models.Supplier
	cred     *models.SupplierCredential
}

func testProfile(auth models.AuthType) config.SupplierProfile {
	return config.SupplierProfile{
		Name:       "Test Shop",
		Adapter:    shopCode,
		AuthType:   auth,
		BaseURL:    baseURL,
		LoginURL:   loginURL,
		Categories: []string{"produce", "dairy"},
		Selectors: config.SelectorConfig{
			Username:       "#user",
			Password:       "#pass",
			LoginSubmit:    "#login",
			LoggedInMarker: "#account",
			LoginError:     "#error",
			TwoFAInput:     "#code",
			TwoFASubmit:    "#verify",
		},
	}
}

func newFixture(t *testing.T, auth models.AuthType) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	box, err := secret.NewBox("service-test")
	require.NoError(t, err)

	f := &fixture{
		st:      st,
		box:     box,
		rec:     &notify.Recorder{},
		script:  &script{browse: map[string][]catalog.Product{}, search: map[string][]catalog.Product{}},
		profile: testProfile(auth),
	}
	f.launcher = &fakepage.Launcher{NewPage: f.shopPage}

	cfg := config.Default()
	cfg.Suppliers = map[string]config.SupplierProfile{shopCode: f.profile}
	cfg.Jobs = config.JobsConfig{Workers: 2, MaxRetries: 1}

	reg := supplier.NewRegistry()
	reg.Register(shopCode, func(p config.SupplierProfile, c *models.SupplierCredential, d supplier.Deps) supplier.Adapter {
		b := supplier.NewBase(p, c, d)
		b.Settle = 0
		b.Pacer = nil
		return &stubAdapter{Base: b, script: f.script}
	})

	f.svc = New(Options{Config: cfg, Store: st, Registry: reg, Launcher: f.launcher, Notifier: f.rec, Box: box})
	f.svc.PollInterval = 10 * time.Millisecond
	f.svc.TwoFactor().PollInterval = 10 * time.Millisecond

	f.sup = &models.Supplier{Code: shopCode, Name: "Test Shop", AuthType: auth, BaseURL: baseURL, LoginURL: loginURL, Active: true}
	require.NoError(t, st.Suppliers.Upsert(ctx, f.sup))
	f.cred = f.newCredential(t, "hunter2")
	return f
}

func (f *fixture) newCredential(t *testing.T, password string) *models.SupplierCredential {
	t.Helper()
	user, err := f.box.Encrypt("chef@bistro.example")
	require.NoError(t, err)
	pass, err := f.box.Encrypt(password)
	require.NoError(t, err)
	cred := &models.SupplierCredential{
		UserID:            3,
		SupplierID:        f.sup.ID,
		EncryptedUsername: user,
		EncryptedPassword: pass,
		Status:            models.CredentialPending,
	}
	require.NoError(t, f.st.Credentials.Create(context.Background(), cred))
	return cred
}

func (f *fixture) reload(t *testing.T, id uint) *models.SupplierCredential {
	t.Helper()
	cred, err := f.st.Credentials.Get(context.Background(), id)
	require.NoError(t, err)
	return cred
}

func (f *fixture) logs(t *testing.T, id uint) []models.ScrapingLog {
	t.Helper()
	rows, err := f.st.Logs.Recent(context.Background(), id, 20)
	require.NoError(t, err)
	return rows
}

// shopPage signs in with the right password and treats a planted sid
// cookie as a live session.
func (f *fixture) shopPage() *fakepage.Page {
	p := fakepage.New()
	p.OnNavigate = func(p *fakepage.Page, url string) error {
		switch url {
		case loginURL:
			p.Set("#user", "").Set("#pass", "").Set("#login", "Sign in")
		case baseURL:
			cookies, _ := p.Cookies(context.Background())
			for _, c := range cookies {
				if c.Name == "sid" {
					p.Set("#account", "Chef")
				}
			}
		}
		return nil
	}
	p.OnClick["#login"] = func(p *fakepage.Page) error {
		if p.Typed["#pass"] != "hunter2" {
			p.Set("#error", "Invalid password, please try again")
			return nil
		}
		p.Remove("#user", "#pass", "#login")
		if f.profile.AuthType == models.AuthTwoFA {
			p.Set("#code", "").Set("#verify", "Verify")
			p.Body = "Enter the verification code we sent by text message"
			return nil
		}
		p.Set("#account", "Chef")
		return p.SetCookies(context.Background(), []browser.Cookie{{Name: "sid", Value: "s1", Domain: "shop.example.com"}})
	}
	p.OnClick["#verify"] = func(p *fakepage.Page) error {
		if p.Typed["#code"] != "481516" {
			return nil
		}
		p.Remove("#code", "#verify")
		p.Set("#account", "Chef")
		p.Body = "Welcome back"
		return p.SetCookies(context.Background(), []browser.Cookie{{Name: "sid", Value: "s2", Domain: "shop.example.com"}})
	}
	return p
}

func TestAuthenticateRecordsLogAndTearsDownBrowser(t *testing.T) {
	f := newFixture(t, models.AuthPassword)

	require.NoError(t, f.svc.Authenticate(context.Background(), f.cred.ID))

	cred := f.reload(t, f.cred.ID)
	assert.Equal(t, models.CredentialActive, cred.Status)
	assert.NotEmpty(t, cred.EncryptedSessionData)

	rows := f.logs(t, f.cred.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, OpAuthenticate, rows[0].Operation)
	assert.Equal(t, models.ScrapeCompleted, rows[0].Status)
	assert.NotNil(t, rows[0].StartedAt)
	assert.NotNil(t, rows[0].CompletedAt)

	assert.Equal(t, 1, f.launcher.Launched)
	assert.Zero(t, f.launcher.Open())
}

func TestAuthenticateWrongPasswordMarksCredentialFailed(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	bad := f.newCredential(t, "letmein")

	err := f.svc.Authenticate(context.Background(), bad.ID)
	require.Error(t, err)
	assert.Equal(t, failures.KindAuthentication, failures.KindOf(err))

	cred := f.reload(t, bad.ID)
	assert.Equal(t, models.CredentialFailed, cred.Status)
	assert.NotEmpty(t, cred.LastError)

	rows := f.logs(t, bad.ID)
	require.Len(t, rows, 1, "authentication failures are not retried")
	assert.Equal(t, models.ScrapeFailed, rows[0].Status)
	assert.Zero(t, f.launcher.Open())
}

func TestScrapeCatalogReusesStoredSession(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()
	f.script.browse["produce"] = []catalog.Product{{SupplierSKU: "A1", Name: "Gala Apples", Category: "produce", InStock: true}}
	f.script.browse["dairy"] = []catalog.Product{{SupplierSKU: "B2", Name: "Whole Milk", Category: "dairy", InStock: true}}
	f.script.search["saffron"] = []catalog.Product{{SupplierSKU: "C3", Name: "Saffron Threads", InStock: true}}

	require.NoError(t, f.svc.Authenticate(ctx, f.cred.ID))
	products, err := f.svc.ScrapeCatalog(ctx, f.cred.ID, []string{"apples", "saffron"})
	require.NoError(t, err)

	skus := make([]string, 0, len(products))
	for _, p := range products {
		skus = append(skus, p.SupplierSKU)
	}
	assert.Equal(t, []string{"A1", "B2", "C3"}, skus)
	assert.Equal(t, []string{"saffron"}, f.script.searched, "covered terms are not searched")

	require.Len(t, f.launcher.Pages, 2)
	assert.NotContains(t, f.launcher.Pages[1].Navigations, loginURL)

	rows := f.logs(t, f.cred.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, OpScrape, rows[0].Operation)
	assert.Equal(t, 3, rows[0].ProductsImported)
}

func TestScrapeCatalogRetriesRateLimit(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	f.script.browse["produce"] = []catalog.Product{{SupplierSKU: "A1", Name: "Gala Apples"}}
	f.script.browseErrs = []error{failures.New(failures.KindRateLimited, shopCode, "slow down")}

	products, err := f.svc.ScrapeCatalog(context.Background(), f.cred.ID, nil)
	require.NoError(t, err)
	assert.Len(t, products, 1)

	rows := f.logs(t, f.cred.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, models.ScrapeCompleted, rows[0].Status)
	assert.Equal(t, models.ScrapeFailed, rows[1].Status)
	assert.Equal(t, models.CredentialActive, f.reload(t, f.cred.ID).Status, "rate limiting is not the account's fault")
	assert.Equal(t, 2, f.launcher.Launched)
	assert.Zero(t, f.launcher.Open())
}

func TestScrapeSupplierLists(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	f.script.lists = []catalog.List{
		{Name: "Weekly", Products: []catalog.Product{{SupplierSKU: "A1"}, {SupplierSKU: "B2"}}},
		{Name: "Bar", Products: []catalog.Product{{SupplierSKU: "L9"}}},
	}

	lists, err := f.svc.ScrapeSupplierLists(context.Background(), f.cred.ID)
	require.NoError(t, err)
	assert.Len(t, lists, 2)
	assert.Equal(t, 3, f.logs(t, f.cred.ID)[0].ProductsImported)
}

func TestValidateCredentials(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	bad := f.newCredential(t, "letmein")
	ctx := context.Background()

	v, err := f.svc.ValidateCredentials(ctx, f.cred.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Contains(t, v.Message, "Test Shop")

	v, err = f.svc.ValidateCredentials(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.TwoFARequired)
	assert.NotEmpty(t, v.Message)

	_, err = f.svc.ValidateCredentials(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
	f.svc.Wait()
}

func TestValidateCredentialsReportsPendingVerification(t *testing.T) {
	f := newFixture(t, models.AuthTwoFA)
	ctx := context.Background()

	v, err := f.svc.ValidateCredentials(ctx, f.cred.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.TwoFARequired)
	require.NotZero(t, v.RequestID)
	assert.Equal(t, 1, f.rec.Count(notify.EventTwoFARequired))

	sub, err := f.svc.SubmitTwoFactorCode(ctx, v.RequestID, "481516")
	require.NoError(t, err)
	assert.True(t, sub.Success)

	f.svc.Wait()
	cred := f.reload(t, f.cred.ID)
	assert.Equal(t, models.CredentialActive, cred.Status)
	assert.True(t, cred.TwoFAEnabled)
	assert.Equal(t, models.ScrapeCompleted, f.logs(t, f.cred.ID)[0].Status)
	assert.Zero(t, f.launcher.Open())
}

func TestCancelTwoFactorRequestFailsWaitingJob(t *testing.T) {
	f := newFixture(t, models.AuthTwoFA)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.svc.Authenticate(ctx, f.cred.ID) }()

	require.Eventually(t, func() bool { return f.rec.Count(notify.EventTwoFARequired) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := f.rec.Last().(notify.TwoFARequired)
	require.NoError(t, f.svc.CancelTwoFactorRequest(ctx, msg.RequestID))

	select {
	case err := <-done:
		assert.Equal(t, failures.KindTwoFactorCancelled, failures.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("job did not notice the cancellation")
	}

	rows := f.logs(t, f.cred.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ScrapeCancelled, rows[0].Status)
	assert.NotEqual(t, models.CredentialFailed, f.reload(t, f.cred.ID).Status)
	assert.Zero(t, f.launcher.Open())

	_, err := f.svc.SubmitTwoFactorCode(ctx, msg.RequestID, "481516")
	require.NoError(t, err)
	assert.Error(t, f.svc.CancelTwoFactorRequest(ctx, msg.RequestID))
}

func TestAddToCartAndCheckout(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()
	when := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

	res, err := f.svc.AddToCart(ctx, f.cred.ID, []cart.Item{{SKU: "A1", Quantity: 2}, {SKU: "GONE1", Quantity: 1}}, &when)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "GONE1", res.Failed[0].SKU)

	_, err = f.svc.AddToCart(ctx, f.cred.ID, []cart.Item{{SKU: "GONE2", Quantity: 1}}, nil)
	var unavailable *failures.ItemUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Len(t, unavailable.Items, 1)
	assert.Equal(t, models.CredentialActive, f.reload(t, f.cred.ID).Status)

	conf, err := f.svc.Checkout(ctx, f.cred.ID, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conf.ID, checkout.DryRunPrefix))
	assert.Equal(t, []bool{true}, f.script.checkouts)
	assert.Zero(t, f.launcher.Open())
}

func TestPlaceOrderUsesOneBrowser(t *testing.T) {
	f := newFixture(t, models.AuthPassword)

	out, err := f.svc.PlaceOrder(context.Background(), f.cred.ID, []cart.Item{{SKU: "A1", Quantity: 3}}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Cart.Added)
	require.NotNil(t, out.Confirmation)
	assert.Equal(t, []string{"clear", "add", "checkout"}, f.script.steps)
	assert.Equal(t, []bool{false}, f.script.checkouts)
	assert.Equal(t, 1, f.launcher.Launched)
	assert.Zero(t, f.launcher.Open())
}

func TestPlaceOrderStopsWhenNothingAdded(t *testing.T) {
	f := newFixture(t, models.AuthPassword)

	_, err := f.svc.PlaceOrder(context.Background(), f.cred.ID, []cart.Item{{SKU: "GONE1", Quantity: 1}}, nil, true)
	assert.True(t, failures.MarksOutOfStock(err))
	assert.Empty(t, f.script.checkouts)
}

func TestOrderSessionHoldsCredential(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()

	o, err := f.svc.OpenOrderSession(ctx, f.cred.ID)
	require.NoError(t, err)

	require.NoError(t, o.ClearCart(ctx))
	res, err := o.AddItems(ctx, []cart.Item{{SKU: "A1", Quantity: 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err = f.svc.Authenticate(short, f.cred.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the open order session owns the credential")

	conf, err := o.Checkout(ctx, true)
	require.NoError(t, err)
	assert.NotEmpty(t, conf.ID)
	assert.Equal(t, 1, f.launcher.Launched)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.Zero(t, f.launcher.Open())

	_, err = o.AddItems(ctx, []cart.Item{{SKU: "A1", Quantity: 1}}, nil)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)

	require.NoError(t, f.svc.Authenticate(ctx, f.cred.ID))
}

func TestOpenOrderSessionReleasesOnLoginFailure(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	bad := f.newCredential(t, "letmein")
	ctx := context.Background()

	_, err := f.svc.OpenOrderSession(ctx, bad.ID)
	require.Error(t, err)
	assert.Zero(t, f.launcher.Open())

	unlock, err := f.svc.Runner().Lock(ctx, bad.ID)
	require.NoError(t, err, "a failed open must not keep the credential locked")
	unlock()
}

func TestDisconnectForgetsSession(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()
	require.NoError(t, f.svc.Authenticate(ctx, f.cred.ID))

	require.NoError(t, f.svc.Disconnect(ctx, f.cred.ID))
	cred := f.reload(t, f.cred.ID)
	assert.Empty(t, cred.EncryptedSessionData)
	assert.Nil(t, cred.LastLoginAt)
	assert.Equal(t, models.CredentialPending, cred.Status)

	require.NoError(t, f.svc.Authenticate(ctx, f.cred.ID))
	assert.Contains(t, f.launcher.Pages[1].Navigations, loginURL)
}

func TestHoldBlocksJobs(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()

	require.NoError(t, f.svc.Hold(ctx, f.cred.ID, "billing dispute"))
	err := f.svc.Authenticate(ctx, f.cred.ID)
	assert.ErrorIs(t, err, ErrCredentialOnHold)
	assert.Zero(t, f.launcher.Launched)

	require.NoError(t, f.svc.Release(ctx, f.cred.ID))
	require.NoError(t, f.svc.Authenticate(ctx, f.cred.ID))
}

func TestUnknownSupplier(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	ctx := context.Background()
	other := &models.Supplier{Code: "nowhere", Name: "Nowhere", AuthType: models.AuthPassword, Active: true}
	require.NoError(t, f.st.Suppliers.Upsert(ctx, other))
	cred := &models.SupplierCredential{UserID: 3, SupplierID: other.ID, Status: models.CredentialPending}
	require.NoError(t, f.st.Credentials.Create(ctx, cred))

	err := f.svc.Authenticate(ctx, cred.ID)
	assert.ErrorIs(t, err, ErrUnknownSupplier)
}

func TestRefreshCatalogs(t *testing.T) {
	f := newFixture(t, models.AuthPassword)
	bad := f.newCredential(t, "letmein")
	f.script.browse["produce"] = []catalog.Product{{SupplierSKU: "A1", Name: "Gala Apples"}}

	found, errs := f.svc.RefreshCatalogs(context.Background(), []uint{f.cred.ID, bad.ID}, nil)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.Equal(t, failures.KindAuthentication, failures.KindOf(errs[1]))
	assert.Len(t, found[f.cred.ID], 1)
	assert.Empty(t, found[bad.ID])
	assert.Zero(t, f.launcher.Open())
}

func TestSweepTwoFactorRequests(t *testing.T) {
	f := newFixture(t, models.AuthTwoFA)
	ctx := context.Background()
	req := &models.TwoFactorRequest{
		CredentialID: f.cred.ID,
		UserID:       f.cred.UserID,
		RequestType:  models.RequestLogin,
		TwoFAType:    models.TwoFactorSMS,
		SessionToken: "tok",
		Status:       models.TwoFactorPending,
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.st.TwoFactor.Create(ctx, req))

	n, err := f.svc.SweepTwoFactorRequests(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.st.TwoFactor.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TwoFactorExpired, got.Status)
}
