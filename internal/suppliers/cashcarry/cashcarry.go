// Package cashcarry drives a cash-and-carry wholesaler: email-first sign-in
// that usually ends in a texted code, a virtualised product grid and an
// order that only survives within one browser session.
package cashcarry

import (
	"context"

	"larder/internal/browser"
	"larder/internal/config"
	"larder/internal/models"
	"larder/internal/supplier"
)

const Name = "cashcarry"

// scrollStep stays under one viewport so recycled rows overlap between
// extractions.
const scrollStep = 0.9

type Adapter struct {
	*supplier.Base
}

func New(profile config.SupplierProfile, cred *models.SupplierCredential, deps supplier.Deps) supplier.Adapter {
	a := &Adapter{Base: supplier.NewBase(profile, cred, deps)}
	a.Hooks.Login = a.login
	a.Hooks.Advance = a.scrollWindow
	return a
}

func Register(r *supplier.Registry) {
	r.Register(Name, New)
}

// login enters the email, continues, and only then finds out whether the
// account has a password step.
func (a *Adapter) login(ctx context.Context, page browser.Page, username, password string) error {
	sel := a.Profile().Selectors
	if err := page.Type(ctx, sel.Username, username); err != nil {
		return err
	}
	if err := page.Click(ctx, sel.LoginSubmit); err != nil {
		return err
	}
	if err := browser.Sleep(ctx, a.Settle); err != nil {
		return err
	}

	if password == "" || sel.Password == "" {
		return nil
	}
	if ok, _ := page.Has(ctx, sel.Password); !ok {
		return nil
	}
	if err := page.Type(ctx, sel.Password, password); err != nil {
		return err
	}
	return page.Click(ctx, sel.LoginSubmit)
}

func (a *Adapter) scrollWindow(ctx context.Context, page browser.Page) (bool, error) {
	if err := page.ScrollBy(ctx, scrollStep); err != nil {
		return false, err
	}
	if err := browser.Sleep(ctx, a.Settle/2); err != nil {
		return false, err
	}
	return true, nil
}
