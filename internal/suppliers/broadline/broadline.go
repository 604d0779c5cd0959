// Package broadline drives a broadline foodservice distributor: password
// sign-in, paginated catalog pages and a quick-order pad on the cart page.
package broadline

import (
	"context"
	"strconv"
	"strings"

	"larder/internal/browser"
	"larder/internal/cart"
	"larder/internal/config"
	"larder/internal/failures"
	"larder/internal/models"
	"larder/internal/supplier"
)

const Name = "broadline"

var (
	notFoundMarkers   = []string{"not found", "invalid item", "no longer available", "discontinued"}
	outOfStockMarkers = []string{"out of stock", "unavailable", "not available for your delivery"}
)

type Adapter struct {
	*supplier.Base
}

func New(profile config.SupplierProfile, cred *models.SupplierCredential, deps supplier.Deps) supplier.Adapter {
	a := &Adapter{Base: supplier.NewBase(profile, cred, deps)}
	if profile.Selectors.QuickOrderSKU != "" {
		a.Hooks.AddItem = a.quickOrder
	}
	return a
}

func Register(r *supplier.Registry) {
	r.Register(Name, New)
}

// quickOrder adds one line through the SKU pad and reads the pad's verdict.
func (a *Adapter) quickOrder(ctx context.Context, page browser.Page, sku string, quantity int) error {
	p := a.Profile()
	sel := p.Selectors
	if info, err := page.Info(ctx); err != nil || info.URL != p.CartURL {
		if err := a.Goto(ctx, page, p.CartURL); err != nil {
			return err
		}
	}

	if err := page.Type(ctx, sel.QuickOrderSKU, sku); err != nil {
		return err
	}
	if sel.QuickOrderQuantity != "" {
		if err := page.Type(ctx, sel.QuickOrderQuantity, strconv.Itoa(quantity)); err != nil {
			return err
		}
	}
	if err := page.Click(ctx, sel.QuickOrderAdd); err != nil {
		return err
	}
	if err := browser.Sleep(ctx, a.Settle); err != nil {
		return err
	}

	if sel.QuickOrderMessage == "" {
		return nil
	}
	if ok, _ := page.Has(ctx, sel.QuickOrderMessage); !ok {
		return nil
	}
	msg, err := page.Text(ctx, sel.QuickOrderMessage)
	if err != nil {
		return nil
	}
	return verdict(a.Code(), sku, msg)
}

func verdict(supplierCode, sku, msg string) error {
	lower := strings.ToLower(msg)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return cart.NotFound("%s: %s", sku, strings.TrimSpace(msg))
		}
	}
	for _, m := range outOfStockMarkers {
		if strings.Contains(lower, m) {
			return cart.OutOfStock("%s: %s", sku, strings.TrimSpace(msg))
		}
	}
	if kind := failures.ClassifyPage(msg); kind != "" {
		return failures.New(kind, supplierCode, msg)
	}
	return nil
}
