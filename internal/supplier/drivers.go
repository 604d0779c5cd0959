package supplier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"larder/internal/browser"
	"larder/internal/cart"
	"larder/internal/checkout"
	"larder/internal/failures"
	"larder/internal/models"
)

const cartLinesJS = `(sel) => {
	const text = (root, s) => {
		if (!s) return '';
		const el = root.querySelector(s);
		return el ? el.textContent.trim() : '';
	};
	return Array.from(document.querySelectorAll(sel.line)).map(line => {
		const qty = sel.quantity ? line.querySelector(sel.quantity) : null;
		return {
			sku: (sel.skuAttr && line.getAttribute(sel.skuAttr)) || '',
			name: text(line, sel.name),
			quantity: qty ? String(qty.value || qty.textContent || '').trim() : '',
			total: text(line, sel.total),
			unavailable: !!(sel.unavailable && line.querySelector(sel.unavailable))
		};
	});
}`

type rawLine struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Quantity    string `json:"quantity"`
	Total       string `json:"total"`
	Unavailable bool   `json:"unavailable"`
}

// CartLines reads the lines of the cart page the browser is on.
func (b *Base) CartLines(ctx context.Context, page browser.Page) ([]checkout.CartLine, error) {
	sel := b.profile.Selectors
	var raw []rawLine
	err := browser.EvalInto(ctx, page, &raw, cartLinesJS, map[string]string{
		"line":        sel.CartLine,
		"skuAttr":     sel.CartLineSKUAttr,
		"name":        sel.ProductName,
		"quantity":    sel.CartLineQuantity,
		"total":       sel.CartLineTotal,
		"unavailable": sel.CartLineUnavailable,
	})
	if err != nil {
		return nil, failures.Scraping(b.Code(), err, "cart extraction failed")
	}
	lines := make([]checkout.CartLine, 0, len(raw))
	for _, r := range raw {
		qty, err := strconv.Atoi(strings.TrimSpace(r.Quantity))
		if err != nil || qty <= 0 {
			qty = 1
		}
		total, _ := ParsePrice(r.Total)
		lines = append(lines, checkout.CartLine{
			SKU:         strings.TrimSpace(r.SKU),
			Name:        r.Name,
			Quantity:    qty,
			LineTotal:   total,
			Unavailable: r.Unavailable,
		})
	}
	return lines, nil
}

// AddBySearch searches for the SKU and adds the matching card.
func (b *Base) AddBySearch(ctx context.Context, page browser.Page, sku string, quantity int) error {
	sel := b.profile.Selectors
	if err := b.Goto(ctx, page, fill(b.profile.SearchURL, sku)); err != nil {
		return err
	}
	products, err := b.ExtractProducts(ctx, page, "")
	if err != nil {
		return err
	}
	found := false
	for _, p := range products {
		if !strings.EqualFold(p.SupplierSKU, sku) {
			continue
		}
		if !p.InStock {
			return cart.OutOfStock("%s is out of stock", sku)
		}
		found = true
		break
	}
	if !found {
		return cart.NotFound("no product with SKU %s", sku)
	}

	if sel.QuantityInput != "" {
		if err := page.Type(ctx, sel.QuantityInput, strconv.Itoa(quantity)); err != nil {
			return err
		}
	}
	if err := page.Click(ctx, sel.AddToCartButton); err != nil {
		return err
	}
	return browser.Sleep(ctx, b.Settle)
}

// ClearCart empties the supplier cart, if it has anything to clear.
func (b *Base) ClearCart(ctx context.Context, page browser.Page) error {
	if err := b.Goto(ctx, page, b.profile.CartURL); err != nil {
		return err
	}
	button := b.profile.Selectors.ClearCartButton
	if button == "" {
		return nil
	}
	if ok, _ := page.Has(ctx, button); !ok {
		return nil
	}
	if err := page.Click(ctx, button); err != nil {
		return failures.Scraping(b.Code(), err, "could not clear the cart")
	}
	b.logger().Info().Msg("Cart cleared")
	return browser.Sleep(ctx, b.Settle)
}

func (b *Base) AddItems(ctx context.Context, page browser.Page, items []cart.Item, delivery *time.Time) (cart.Result, error) {
	return cart.Builder{
		Supplier: b.Code(),
		Driver:   &cartDriver{b: b, page: page},
		Pacer:    b.Pacer,
	}.Build(ctx, items, delivery)
}

func (b *Base) Checkout(ctx context.Context, page browser.Page, dryRun bool) (*checkout.Confirmation, error) {
	m := &checkout.Machine{
		Supplier: b.Code(),
		Driver:   &checkoutDriver{b: b, page: page},
		Policy: checkout.Policy{
			MinimumOrder:    b.profile.MinimumOrder,
			LiveModeEnabled: b.profile.LiveModeEnabled,
			Unavailable:     b.profile.UnavailablePolicy,
		},
	}
	return m.Run(ctx, dryRun)
}

type cartDriver struct {
	b    *Base
	page browser.Page
}

func (d *cartDriver) AddItem(ctx context.Context, item cart.Item) error {
	if d.b.Hooks.AddItem != nil {
		return d.b.Hooks.AddItem(ctx, d.page, item.SKU, item.Quantity)
	}
	return d.b.AddBySearch(ctx, d.page, item.SKU, item.Quantity)
}

func (d *cartDriver) CartSKUs(ctx context.Context) ([]string, error) {
	if err := d.b.Goto(ctx, d.page, d.b.profile.CartURL); err != nil {
		return nil, err
	}
	lines, err := d.b.CartLines(ctx, d.page)
	if err != nil {
		return nil, err
	}
	skus := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.SKU != "" {
			skus = append(skus, l.SKU)
		}
	}
	return skus, nil
}

func (d *cartDriver) SetDeliveryDate(ctx context.Context, date time.Time) error {
	input := d.b.profile.Selectors.DeliveryDateInput
	if input == "" {
		return fmt.Errorf("%s has no delivery date field configured", d.b.Code())
	}
	if err := d.b.Goto(ctx, d.page, d.b.profile.CartURL); err != nil {
		return err
	}
	if err := d.page.Type(ctx, input, date.Format("2006-01-02")); err != nil {
		return failures.Scraping(d.b.Code(), err, "could not set the delivery date")
	}
	return nil
}

type checkoutDriver struct {
	b    *Base
	page browser.Page
}

func (d *checkoutDriver) ExtractCart(ctx context.Context) (checkout.CartSnapshot, error) {
	var snap checkout.CartSnapshot
	if err := d.b.Goto(ctx, d.page, d.b.profile.CartURL); err != nil {
		return snap, err
	}
	lines, err := d.b.CartLines(ctx, d.page)
	if err != nil {
		return snap, err
	}
	snap.Lines = lines
	sum := 0.0
	for _, l := range lines {
		snap.ItemCount += l.Quantity
		sum += l.LineTotal
	}
	snap.Subtotal = sum
	if sel := d.b.profile.Selectors.CartSubtotal; sel != "" {
		if ok, _ := d.page.Has(ctx, sel); ok {
			text, err := d.page.Text(ctx, sel)
			if err == nil {
				if v, err := ParsePrice(text); err == nil && v > 0 {
					snap.Subtotal = v
				}
			}
		}
	}
	return snap, nil
}

func (d *checkoutDriver) OpenReview(ctx context.Context) error {
	if err := d.page.Click(ctx, d.b.profile.Selectors.CheckoutButton); err != nil {
		return failures.Scraping(d.b.Code(), err, "could not open checkout review")
	}
	if err := browser.Sleep(ctx, d.b.Settle); err != nil {
		return err
	}
	if kind := failures.ClassifyPage(browser.BodyText(ctx, d.page)); kind != "" {
		return failures.New(kind, d.b.Code(), "checkout review was blocked")
	}
	_, err := d.b.clearChallenge(ctx, d.page, models.RequestCheckout)
	return err
}

func (d *checkoutDriver) ExtractReview(ctx context.Context) (checkout.Review, error) {
	sel := d.b.profile.Selectors
	var review checkout.Review
	text, err := d.page.Text(ctx, sel.ReviewTotal)
	if err != nil {
		return review, failures.Scraping(d.b.Code(), err, "review total not found")
	}
	if review.Total, err = ParsePrice(text); err != nil {
		return review, failures.Scraping(d.b.Code(), err, "review total unreadable")
	}
	if sel.ReviewDeliveryDate != "" {
		if date, err := d.page.Text(ctx, sel.ReviewDeliveryDate); err == nil {
			review.DeliveryDate = strings.TrimSpace(date)
		}
	}
	return review, nil
}

func (d *checkoutDriver) Submit(ctx context.Context) error {
	sel := d.b.profile.Selectors.FinalCheckoutButton
	if sel == "" {
		return errors.New("no place-order control configured")
	}
	if err := d.page.Click(ctx, sel); err != nil {
		return failures.Scraping(d.b.Code(), err, "could not place the order")
	}
	return nil
}

func (d *checkoutDriver) ProbeConfirmation(ctx context.Context) (checkout.Probe, error) {
	sel := d.b.profile.Selectors
	var probe checkout.Probe
	if sel.ConfirmationError != "" {
		if ok, _ := d.page.Has(ctx, sel.ConfirmationError); ok {
			text, _ := d.page.Text(ctx, sel.ConfirmationError)
			probe.ErrorText = firstNonEmpty(strings.TrimSpace(text), "the supplier reported an error")
			return probe, nil
		}
	}
	ok, err := d.page.Has(ctx, sel.ConfirmationNumber)
	if err != nil || !ok {
		return probe, err
	}
	number, err := d.page.Text(ctx, sel.ConfirmationNumber)
	if err != nil {
		return probe, err
	}
	probe.Done = true
	probe.ConfirmationNumber = strings.TrimSpace(number)
	if sel.ConfirmationTotal != "" {
		if text, err := d.page.Text(ctx, sel.ConfirmationTotal); err == nil {
			probe.Total, _ = ParsePrice(text)
		}
	}
	if sel.ConfirmationDelivery != "" {
		if text, err := d.page.Text(ctx, sel.ConfirmationDelivery); err == nil {
			probe.DeliveryDate = strings.TrimSpace(text)
		}
	}
	return probe, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
