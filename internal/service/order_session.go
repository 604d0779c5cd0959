package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/cart"
	"larder/internal/checkout"
)

// OrderSession keeps one authenticated browser open across several order
// steps, for suppliers whose cart does not survive a new browser. It holds
// the credential's lock until Close, or until the idle watchdog closes the
// browser.
type OrderSession struct {
	svc     *Service
	call    *call
	browser *browser.Session
	unlock  func()
	once    sync.Once
}

func (s *Service) OpenOrderSession(ctx context.Context, credentialID uint) (*OrderSession, error) {
	unlock, err := s.runner.Lock(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	c, err := s.load(ctx, credentialID)
	if err != nil {
		unlock()
		return nil, err
	}

	cfg := s.cfg.SessionConfig(c.profile)
	bs, err := browser.Open(ctx, s.launcher, cfg)
	if err != nil {
		unlock()
		return nil, err
	}
	o := &OrderSession{svc: s, call: c, browser: bs, unlock: unlock}
	go func() {
		<-bs.Done()
		o.release()
	}()

	err = s.attempt(ctx, c, OpAuthenticate, func(ctx context.Context, c *call) (int, error) {
		return 0, c.adapter.Authenticate(ctx, bs.Page())
	})
	if err != nil {
		_ = o.Close()
		return nil, err
	}
	log.Info().Str("supplier", c.cred.Supplier.Code).Uint("credential_id", c.cred.ID).Dur("idle_timeout", cfg.IdleTimeout).Msg("Order session opened")
	return o, nil
}

func (o *OrderSession) release() {
	o.once.Do(o.unlock)
}

func (o *OrderSession) page() (browser.Page, error) {
	if o.browser.Closed() {
		return nil, browser.ErrSessionClosed
	}
	return o.browser.Page(), nil
}

// ClearCart empties whatever the supplier's cart already holds.
func (o *OrderSession) ClearCart(ctx context.Context) error {
	page, err := o.page()
	if err != nil {
		return err
	}
	return o.call.adapter.ClearCart(ctx, page)
}

func (o *OrderSession) AddItems(ctx context.Context, items []cart.Item, delivery *time.Time) (cart.Result, error) {
	page, err := o.page()
	if err != nil {
		return cart.Result{}, err
	}
	var res cart.Result
	err = o.svc.attempt(ctx, o.call, OpAddToCart, func(ctx context.Context, c *call) (int, error) {
		r, err := c.adapter.AddItems(ctx, page, items, delivery)
		res = r
		return r.Added, err
	})
	return res, err
}

func (o *OrderSession) Checkout(ctx context.Context, dryRun bool) (*checkout.Confirmation, error) {
	page, err := o.page()
	if err != nil {
		return nil, err
	}
	var conf *checkout.Confirmation
	err = o.svc.attempt(ctx, o.call, OpCheckout, func(ctx context.Context, c *call) (int, error) {
		cf, err := c.adapter.Checkout(ctx, page, dryRun)
		conf = cf
		if cf == nil {
			return 0, err
		}
		return len(cf.Cart.Lines), err
	})
	return conf, err
}

// Close tears the browser down and releases the credential. It is safe to
// call more than once.
func (o *OrderSession) Close() error {
	err := o.browser.Close()
	o.release()
	return err
}
