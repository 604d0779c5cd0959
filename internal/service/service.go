// Package service exposes the operations the business layer calls. Each one
// runs as a job under its credential's lock, in a browser of its own, and
// leaves a ScrapingLog row behind.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/cart"
	"larder/internal/catalog"
	"larder/internal/checkout"
	"larder/internal/config"
	"larder/internal/failures"
	"larder/internal/jobs"
	"larder/internal/locale"
	"larder/internal/models"
	"larder/internal/notify"
	"larder/internal/secret"
	"larder/internal/session"
	"larder/internal/store"
	"larder/internal/supplier"
	"larder/internal/twofactor"
)

const (
	OpAuthenticate = "authenticate"
	OpValidate     = "validate_credentials"
	OpScrape       = "scrape_catalog"
	OpLists        = "scrape_lists"
	OpAddToCart    = "add_to_cart"
	OpCheckout     = "checkout"
	OpPlaceOrder   = "place_order"
)

var (
	ErrCredentialOnHold = errors.New("credential is on hold")
	ErrUnknownSupplier  = errors.New("supplier is not configured")
	ErrSupplierDisabled = errors.New("supplier is disabled")
)

// CodeSubmission answers a human code submission.
type CodeSubmission = twofactor.Submission

// Validation is the outcome of a credential check.
type Validation struct {
	Valid         bool   `json:"valid"`
	Message       string `json:"message"`
	TwoFARequired bool   `json:"twoFaRequired,omitempty"`
	RequestID     uint   `json:"requestId,omitempty"`
}

// OrderResult is what PlaceOrder did to the cart and what checkout returned.
type OrderResult struct {
	Cart         cart.Result            `json:"cart"`
	Confirmation *checkout.Confirmation `json:"confirmation"`
}

type Options struct {
	Config   *config.Config
	Store    *store.Store
	Registry *supplier.Registry
	Launcher browser.Launcher
	Notifier notify.Notifier
	Box      *secret.Box
}

type Service struct {
	cfg       *config.Config
	store     *store.Store
	registry  *supplier.Registry
	launcher  browser.Launcher
	sessions  *session.Store
	twoFactor *twofactor.Orchestrator
	box       *secret.Box
	runner    *jobs.Runner

	// PollInterval is how often ValidateCredentials looks for a pending
	// verification request.
	PollInterval time.Duration
	Now          func() time.Time

	wg sync.WaitGroup
}

func New(opts Options) *Service {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Log{}
	}
	sessions := session.New(opts.Box, opts.Store.Credentials)
	jc := opts.Config.Jobs
	return &Service{
		cfg:       opts.Config,
		store:     opts.Store,
		registry:  opts.Registry,
		launcher:  opts.Launcher,
		sessions:  sessions,
		twoFactor: twofactor.New(opts.Store.TwoFactor, opts.Store.Credentials, sessions, notifier, opts.Box),
		box:       opts.Box,
		runner: jobs.NewRunner(jc.Workers, &jobs.RetryPolicy{
			MaxRetries: jc.MaxRetries,
			MinDelay:   time.Duration(jc.RetryDelayMinMs) * time.Millisecond,
			MaxDelay:   time.Duration(jc.RetryDelayMaxMs) * time.Millisecond,
		}),
		PollInterval: twofactor.DefaultPollInterval,
		Now:          time.Now,
	}
}

func (s *Service) TwoFactor() *twofactor.Orchestrator { return s.twoFactor }

func (s *Service) Runner() *jobs.Runner { return s.runner }

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Wait blocks until background authentications started by
// ValidateCredentials have finished.
func (s *Service) Wait() { s.wg.Wait() }

// call is one loaded credential with its profile and adapter.
type call struct {
	cred    *models.SupplierCredential
	profile config.SupplierProfile
	adapter supplier.Adapter
}

func (s *Service) load(ctx context.Context, credentialID uint) (*call, error) {
	cred, err := s.store.Credentials.Get(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential %d: %w", credentialID, err)
	}
	if cred.Status == models.CredentialHold {
		return nil, fmt.Errorf("%w: %s", ErrCredentialOnHold, cred.LastError)
	}
	if !cred.Supplier.Active {
		return nil, fmt.Errorf("%w: %s", ErrSupplierDisabled, cred.Supplier.Code)
	}
	profile, ok := s.cfg.Supplier(cred.Supplier.Code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSupplier, cred.Supplier.Code)
	}
	if profile.AuthType == "" {
		profile.AuthType = cred.Supplier.AuthType
	}
	adapter, err := s.registry.New(profile, cred, supplier.Deps{
		Sessions:  s.sessions,
		TwoFactor: s.twoFactor,
		Box:       s.box,
	})
	if err != nil {
		return nil, err
	}
	return &call{cred: cred, profile: profile, adapter: adapter}, nil
}

// job runs fn for the credential through the runner. Every attempt reloads
// the credential and records its own log row.
func (s *Service) job(ctx context.Context, credentialID uint, op string, fn func(ctx context.Context, c *call) (int, error)) error {
	return s.runner.Do(ctx, jobs.Job{
		Name:         op,
		CredentialID: credentialID,
		Run: func(ctx context.Context) error {
			c, err := s.load(ctx, credentialID)
			if err != nil {
				return err
			}
			return s.attempt(ctx, c, op, fn)
		},
	})
}

// attempt wraps fn in the ScrapingLog lifecycle and applies the credential
// status change its failure calls for.
func (s *Service) attempt(ctx context.Context, c *call, op string, fn func(ctx context.Context, c *call) (int, error)) error {
	logger := log.With().Str("supplier", c.cred.Supplier.Code).Uint("credential_id", c.cred.ID).Str("operation", op).Logger()

	entry := &models.ScrapingLog{
		SupplierID:   c.cred.SupplierID,
		CredentialID: c.cred.ID,
		Operation:    op,
		Status:       models.ScrapePending,
	}
	if err := s.store.Logs.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to create scraping log: %w", err)
	}
	entry.Start(s.now())
	if err := s.store.Logs.Save(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark scraping log running")
	}

	n, err := fn(ctx, c)

	// the log row must land even when ctx is what ended the attempt
	saveCtx := context.WithoutCancel(ctx)
	now := s.now()
	switch {
	case err == nil:
		entry.Complete(now, n)
	case cancelled(err):
		entry.Cancel(now, err.Error())
	default:
		entry.Fail(now, err.Error())
	}
	if serr := s.store.Logs.Save(saveCtx, entry); serr != nil {
		logger.Warn().Err(serr).Msg("Failed to finish scraping log")
	}
	if err == nil {
		return nil
	}

	switch {
	case failures.MarksCredentialFailed(err):
		c.cred.MarkFailed(failures.UserMessage(err))
	case failures.Is(err, failures.KindSessionExpired):
		c.cred.MarkExpired(failures.UserMessage(err))
	default:
		logger.Warn().Err(err).Str("kind", string(failures.KindOf(err))).Msg("Operation failed")
		return err
	}
	if serr := s.store.Credentials.Save(saveCtx, c.cred); serr != nil {
		logger.Error().Err(serr).Msg("Failed to record credential status")
	}
	logger.Warn().Err(err).Str("status", string(c.cred.Status)).Msg("Operation failed, credential status changed")
	return err
}

func cancelled(err error) bool {
	return failures.Is(err, failures.KindTwoFactorCancelled) ||
		errors.Is(err, context.Canceled)
}

// inBrowser launches a browser for the profile, authenticates and runs fn.
// The process is gone when it returns.
func (s *Service) inBrowser(ctx context.Context, c *call, fn func(ctx context.Context, page browser.Page) (int, error)) (int, error) {
	return browser.WithSession(ctx, s.launcher, s.cfg.SessionConfig(c.profile), func(ctx context.Context, bs *browser.Session) (int, error) {
		page := bs.Page()
		if err := c.adapter.Authenticate(ctx, page); err != nil {
			return 0, err
		}
		if fn == nil {
			return 0, nil
		}
		return fn(ctx, page)
	})
}

func (s *Service) Authenticate(ctx context.Context, credentialID uint) error {
	return s.job(ctx, credentialID, OpAuthenticate, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, nil)
	})
}

// ValidateCredentials signs in with a fresh browser. When the supplier asks
// for a verification code it returns as soon as the request exists, with
// TwoFARequired set; the sign-in keeps waiting for the code in the
// background and completes once the user submits it.
func (s *Service) ValidateCredentials(ctx context.Context, credentialID uint) (Validation, error) {
	cred, err := s.store.Credentials.Get(ctx, credentialID)
	if err != nil {
		return Validation{}, fmt.Errorf("failed to load credential %d: %w", credentialID, err)
	}
	name := supplierName(cred)

	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.job(context.WithoutCancel(ctx), credentialID, OpValidate, func(ctx context.Context, c *call) (int, error) {
			return s.inBrowser(ctx, c, nil)
		})
	}()

	interval := s.PollInterval
	if interval <= 0 {
		interval = twofactor.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return s.validation(ctx, credentialID, name, err)
		case <-ticker.C:
			req, err := s.store.TwoFactor.ActiveFor(ctx, credentialID)
			if err == nil {
				return Validation{
					Message:       locale.T("validation_two_fa_required", name),
					TwoFARequired: true,
					RequestID:     req.ID,
				}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return Validation{}, err
			}
		case <-ctx.Done():
			return Validation{}, ctx.Err()
		}
	}
}

func (s *Service) validation(ctx context.Context, credentialID uint, name string, err error) (Validation, error) {
	if err == nil {
		return Validation{Valid: true, Message: locale.T("validation_ok", name)}, nil
	}
	if failures.KindOf(err) == "" {
		return Validation{}, err
	}
	v := Validation{Message: failures.UserMessage(err)}
	switch failures.KindOf(err) {
	case failures.KindSessionExpired, failures.KindTwoFactorTimeout, failures.KindTwoFactorCancelled:
		v.TwoFARequired = true
		if req, rerr := s.store.TwoFactor.ActiveFor(ctx, credentialID); rerr == nil {
			v.RequestID = req.ID
		}
	}
	return v, nil
}

func supplierName(cred *models.SupplierCredential) string {
	if cred.Supplier.Name != "" {
		return cred.Supplier.Name
	}
	return cred.Supplier.Code
}

// ScrapeCatalog browses the supplier's configured categories, then searches
// the terms the categories did not cover.
func (s *Service) ScrapeCatalog(ctx context.Context, credentialID uint, terms []string) ([]catalog.Product, error) {
	var products []catalog.Product
	err := s.job(ctx, credentialID, OpScrape, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
			found, err := discover(ctx, c, page, terms)
			products = found
			return len(found), err
		})
	})
	return products, err
}

func discover(ctx context.Context, c *call, page browser.Page, terms []string) ([]catalog.Product, error) {
	d := catalog.Discovery{
		Supplier:   c.adapter.Code(),
		Categories: c.profile.Categories,
		Browse: func(ctx context.Context, category string) ([]catalog.Product, error) {
			return c.adapter.BrowseCategory(ctx, page, category)
		},
		Search: func(ctx context.Context, term string) ([]catalog.Product, error) {
			return c.adapter.SearchCatalog(ctx, page, []string{term})
		},
	}
	return d.Run(ctx, terms)
}

// RefreshCatalogs scrapes several credentials in parallel, bounded by the
// worker limit. errs[i] belongs to credentialIDs[i].
func (s *Service) RefreshCatalogs(ctx context.Context, credentialIDs []uint, terms []string) (map[uint][]catalog.Product, []error) {
	var mu sync.Mutex
	found := make(map[uint][]catalog.Product, len(credentialIDs))
	batch := make([]jobs.Job, len(credentialIDs))
	for i, id := range credentialIDs {
		id := id
		batch[i] = jobs.Job{
			Name:         OpScrape,
			CredentialID: id,
			Run: func(ctx context.Context) error {
				c, err := s.load(ctx, id)
				if err != nil {
					return err
				}
				return s.attempt(ctx, c, OpScrape, func(ctx context.Context, c *call) (int, error) {
					return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
						products, err := discover(ctx, c, page, terms)
						mu.Lock()
						found[id] = products
						mu.Unlock()
						return len(products), err
					})
				})
			},
		}
	}
	errs := s.runner.RunAll(ctx, batch)
	return found, errs
}

func (s *Service) ScrapeSupplierLists(ctx context.Context, credentialID uint) ([]catalog.List, error) {
	var lists []catalog.List
	err := s.job(ctx, credentialID, OpLists, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
			found, err := c.adapter.Lists(ctx, page)
			lists = found
			n := 0
			for _, l := range found {
				n += len(l.Products)
			}
			return n, err
		})
	})
	return lists, err
}

func (s *Service) AddToCart(ctx context.Context, credentialID uint, items []cart.Item, delivery *time.Time) (cart.Result, error) {
	var res cart.Result
	err := s.job(ctx, credentialID, OpAddToCart, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
			r, err := c.adapter.AddItems(ctx, page, items, delivery)
			res = r
			return r.Added, err
		})
	})
	return res, err
}

// Checkout runs the checkout state machine on the cart the supplier holds
// for the account.
func (s *Service) Checkout(ctx context.Context, credentialID uint, dryRun bool) (*checkout.Confirmation, error) {
	var conf *checkout.Confirmation
	err := s.job(ctx, credentialID, OpCheckout, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
			cf, err := c.adapter.Checkout(ctx, page, dryRun)
			conf = cf
			if cf == nil {
				return 0, err
			}
			return len(cf.Cart.Lines), err
		})
	})
	return conf, err
}

// PlaceOrder empties the cart, fills it and checks out in one browser, for
// suppliers whose cart lives only as long as the page.
func (s *Service) PlaceOrder(ctx context.Context, credentialID uint, items []cart.Item, delivery *time.Time, dryRun bool) (OrderResult, error) {
	var out OrderResult
	err := s.job(ctx, credentialID, OpPlaceOrder, func(ctx context.Context, c *call) (int, error) {
		return s.inBrowser(ctx, c, func(ctx context.Context, page browser.Page) (int, error) {
			return placeOrder(ctx, c.adapter, page, items, delivery, dryRun, &out)
		})
	})
	return out, err
}

func placeOrder(ctx context.Context, a supplier.Adapter, page browser.Page, items []cart.Item, delivery *time.Time, dryRun bool, out *OrderResult) (int, error) {
	if err := a.ClearCart(ctx, page); err != nil {
		return 0, err
	}
	res, err := a.AddItems(ctx, page, items, delivery)
	out.Cart = res
	if err != nil {
		return res.Added, err
	}
	conf, err := a.Checkout(ctx, page, dryRun)
	out.Confirmation = conf
	return res.Added, err
}

func (s *Service) SubmitTwoFactorCode(ctx context.Context, requestID uint, code string) (CodeSubmission, error) {
	return s.twoFactor.SubmitCode(ctx, requestID, code)
}

func (s *Service) CancelTwoFactorRequest(ctx context.Context, requestID uint) error {
	return s.twoFactor.Cancel(ctx, requestID)
}

// SweepTwoFactorRequests expires pending requests past their deadline.
func (s *Service) SweepTwoFactorRequests(ctx context.Context) (int64, error) {
	return s.twoFactor.ExpireStale(ctx)
}

// Disconnect forgets the stored session and trusted device, cancels any
// pending verification and puts the credential back to pending.
func (s *Service) Disconnect(ctx context.Context, credentialID uint) error {
	unlock, err := s.runner.Lock(ctx, credentialID)
	if err != nil {
		return err
	}
	defer unlock()

	cred, err := s.store.Credentials.Get(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("failed to load credential %d: %w", credentialID, err)
	}
	if req, err := s.store.TwoFactor.ActiveFor(ctx, credentialID); err == nil {
		if err := s.twoFactor.Cancel(ctx, req.ID); err != nil && !errors.Is(err, twofactor.ErrNotPending) {
			return err
		}
	}
	cred.Status = models.CredentialPending
	cred.LastError = ""
	if err := s.sessions.Clear(ctx, cred); err != nil {
		return err
	}
	log.Info().Str("supplier", cred.Supplier.Code).Uint("credential_id", cred.ID).Msg("Supplier disconnected")
	return nil
}

// Hold pauses all jobs for the credential until Release.
func (s *Service) Hold(ctx context.Context, credentialID uint, reason string) error {
	cred, err := s.store.Credentials.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	cred.MarkOnHold(reason)
	return s.store.Credentials.Save(ctx, cred)
}

func (s *Service) Release(ctx context.Context, credentialID uint) error {
	cred, err := s.store.Credentials.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.Status != models.CredentialHold {
		return nil
	}
	cred.Status = models.CredentialPending
	cred.LastError = ""
	return s.store.Credentials.Save(ctx, cred)
}
