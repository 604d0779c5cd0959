package supplier

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"larder/internal/browser"
	"larder/internal/catalog"
	"larder/internal/failures"
	"larder/internal/models"
)

const productsJS = `(sel) => {
	const text = (root, s) => {
		if (!s) return '';
		const el = root.querySelector(s);
		return el ? el.textContent.trim() : '';
	};
	return Array.from(document.querySelectorAll(sel.card)).map(card => ({
		sku: (sel.skuAttr && card.getAttribute(sel.skuAttr)) || text(card, sel.sku),
		name: text(card, sel.name),
		price: text(card, sel.price),
		pack: text(card, sel.pack),
		out_of_stock: !!(sel.outOfStock && card.querySelector(sel.outOfStock))
	}));
}`

const listLinksJS = `(sel) => {
	return Array.from(document.querySelectorAll(sel.link)).map(a => ({
		name: a.textContent.trim(),
		href: a.href
	}));
}`

type rawProduct struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Price      string `json:"price"`
	Pack       string `json:"pack"`
	OutOfStock bool   `json:"out_of_stock"`
}

type listLink struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// ExtractProducts reads every product card currently in the DOM.
func (b *Base) ExtractProducts(ctx context.Context, page browser.Page, category string) ([]catalog.Product, error) {
	sel := b.profile.Selectors
	var raw []rawProduct
	err := browser.EvalInto(ctx, page, &raw, productsJS, map[string]string{
		"card":       sel.ProductCard,
		"skuAttr":    sel.ProductSKUAttr,
		"sku":        sel.ProductSKU,
		"name":       sel.ProductName,
		"price":      sel.ProductPrice,
		"pack":       sel.ProductPack,
		"outOfStock": sel.ProductOutOfStock,
	})
	if err != nil {
		return nil, failures.Scraping(b.Code(), err, "product extraction failed")
	}

	out := make([]catalog.Product, 0, len(raw))
	for _, r := range raw {
		sku := strings.TrimSpace(r.SKU)
		if sku == "" {
			continue
		}
		price, err := ParsePrice(r.Price)
		if err != nil {
			b.logger().Debug().Str("sku", sku).Str("price", r.Price).Msg("Unreadable price")
		}
		out = append(out, catalog.Product{
			SupplierSKU: sku,
			Name:        r.Name,
			Price:       price,
			PackSize:    r.Pack,
			InStock:     !r.OutOfStock,
			Category:    category,
		})
	}
	return out, nil
}

// Advance clicks the next-page control, reporting false when there is none.
func (b *Base) Advance(ctx context.Context, page browser.Page) (bool, error) {
	next := b.profile.Selectors.NextPage
	if next == "" {
		return false, nil
	}
	ok, err := page.Has(ctx, next)
	if err != nil || !ok {
		return false, err
	}
	if err := page.Click(ctx, next); err != nil {
		return false, err
	}
	if err := browser.Sleep(ctx, b.Settle); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Base) scroll(ctx context.Context, page browser.Page, category string) ([]catalog.Product, error) {
	advance := b.Hooks.Advance
	if advance == nil {
		advance = b.Advance
	}
	return catalog.Scroller{
		Extract: func(ctx context.Context) ([]catalog.Product, error) {
			return b.ExtractProducts(ctx, page, category)
		},
		Advance: func(ctx context.Context) (bool, error) {
			return advance(ctx, page)
		},
	}.Run(ctx)
}

func (b *Base) BrowseCategory(ctx context.Context, page browser.Page, category string) ([]catalog.Product, error) {
	if b.profile.CategoryURL == "" {
		return nil, fmt.Errorf("%s has no category pages configured", b.Code())
	}
	if err := b.visit(ctx, page, fill(b.profile.CategoryURL, category), models.RequestPriceRefresh); err != nil {
		return nil, err
	}
	products, err := b.scroll(ctx, page, category)
	if err != nil {
		return products, err
	}
	return catalog.DedupeBySKU(products), nil
}

// SearchCatalog runs one keyword search per term.
func (b *Base) SearchCatalog(ctx context.Context, page browser.Page, terms []string) ([]catalog.Product, error) {
	if b.profile.SearchURL == "" {
		return nil, fmt.Errorf("%s has no search page configured", b.Code())
	}
	var found []catalog.Product
	for i, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if err := b.visit(ctx, page, fill(b.profile.SearchURL, term), models.RequestPriceRefresh); err != nil {
			return catalog.DedupeBySKU(found), err
		}
		products, err := b.scroll(ctx, page, "")
		found = append(found, products...)
		if err != nil {
			return catalog.DedupeBySKU(found), err
		}
		if i < len(terms)-1 {
			if err := b.Pacer.Wait(ctx); err != nil {
				return catalog.DedupeBySKU(found), err
			}
		}
	}
	return catalog.DedupeBySKU(found), nil
}

// Lists reads every saved list or order guide with its products.
func (b *Base) Lists(ctx context.Context, page browser.Page) ([]catalog.List, error) {
	if b.profile.ListsURL == "" {
		return nil, nil
	}
	if err := b.visit(ctx, page, b.profile.ListsURL, models.RequestPriceRefresh); err != nil {
		return nil, err
	}
	var links []listLink
	if err := browser.EvalInto(ctx, page, &links, listLinksJS, map[string]string{"link": b.profile.Selectors.ListLink}); err != nil {
		return nil, failures.Scraping(b.Code(), err, "list extraction failed")
	}

	lists := make([]catalog.List, 0, len(links))
	for i, l := range links {
		if l.Href == "" {
			continue
		}
		if err := b.Goto(ctx, page, l.Href); err != nil {
			return lists, err
		}
		products, err := b.scroll(ctx, page, "")
		if err != nil {
			return lists, err
		}
		lists = append(lists, catalog.List{Name: l.Name, Products: catalog.DedupeBySKU(products)})
		if i < len(links)-1 {
			if err := b.Pacer.Wait(ctx); err != nil {
				return lists, err
			}
		}
	}
	return lists, nil
}

// fill substitutes the escaped value into a URL template.
func fill(template, value string) string {
	return strings.ReplaceAll(template, "%s", url.QueryEscape(value))
}

// ParsePrice reads a displayed price such as "$1,234.50" or "12.99 / case".
// An empty string is a zero price.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var b strings.Builder
	started := false
scan:
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			started = true
		case r == ',' && started:
		case started:
			break scan
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("no price in %q", s)
	}
	return strconv.ParseFloat(b.String(), 64)
}
