// Package catalog holds the product shape shared by every supplier and the
// generic extraction loops adapters build their scrapers from.
package catalog

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/failures"
)

type Product struct {
	SupplierSKU string  `json:"supplier_sku"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	PackSize    string  `json:"pack_size,omitempty"`
	InStock     bool    `json:"in_stock"`
	Category    string  `json:"category,omitempty"`
}

// List is a supplier-side saved list or order guide.
type List struct {
	Name     string    `json:"name"`
	Products []Product `json:"products"`
}

// DedupeBySKU keeps the first product seen for each SKU, in order. Products
// without a SKU are dropped.
func DedupeBySKU(products []Product) []Product {
	seen := make(map[string]struct{}, len(products))
	out := make([]Product, 0, len(products))
	for _, p := range products {
		sku := strings.TrimSpace(p.SupplierSKU)
		if sku == "" {
			continue
		}
		if _, ok := seen[sku]; ok {
			continue
		}
		seen[sku] = struct{}{}
		p.SupplierSKU = sku
		out = append(out, p)
	}
	return out
}

const (
	DefaultStaleRounds = 3
	DefaultMaxRounds   = 250
)

// Scroller extracts a long list incrementally: extract what is visible,
// advance one viewport or page, and stop after StaleRounds consecutive
// rounds add no new SKU. Extract must be idempotent for an unchanged view.
type Scroller struct {
	Extract func(ctx context.Context) ([]Product, error)
	// Advance moves the view on; false means there is nothing further.
	Advance     func(ctx context.Context) (bool, error)
	StaleRounds int
	MaxRounds   int
}

func (s Scroller) Run(ctx context.Context) ([]Product, error) {
	stale := s.StaleRounds
	if stale <= 0 {
		stale = DefaultStaleRounds
	}
	maxRounds := s.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	seen := map[string]struct{}{}
	var out []Product
	idle := 0
	for round := 0; round < maxRounds; round++ {
		batch, err := s.Extract(ctx)
		if err != nil {
			return out, err
		}
		added := 0
		for _, p := range batch {
			if p.SupplierSKU == "" {
				continue
			}
			if _, ok := seen[p.SupplierSKU]; ok {
				continue
			}
			seen[p.SupplierSKU] = struct{}{}
			out = append(out, p)
			added++
		}

		if added == 0 {
			idle++
			if idle >= stale {
				break
			}
		} else {
			idle = 0
		}

		if s.Advance == nil {
			break
		}
		more, err := s.Advance(ctx)
		if err != nil {
			return out, err
		}
		if !more {
			break
		}
	}
	return out, nil
}

// Pacer spaces out requests to a supplier with a random delay.
type Pacer struct {
	Min, Max time.Duration
	Rand     *rand.Rand
}

func NewPacer(min, max time.Duration) *Pacer {
	return &Pacer{Min: min, Max: max, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// DefaultPacer waits 1.0 to 2.5 seconds.
func DefaultPacer() *Pacer {
	return NewPacer(time.Second, 2500*time.Millisecond)
}

func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.Max <= 0 {
		return ctx.Err()
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return browser.Sleep(ctx, browser.Jitter(p.Rand, p.Min, p.Max))
}

// Discovery finds products in two phases: it browses every category, then
// searches only the terms the categories did not already cover.
type Discovery struct {
	Supplier   string
	Categories []string
	Browse     func(ctx context.Context, category string) ([]Product, error)
	Search     func(ctx context.Context, term string) ([]Product, error)
	Pacer      *Pacer
}

func (d Discovery) Run(ctx context.Context, terms []string) ([]Product, error) {
	logger := log.With().Str("supplier", d.Supplier).Logger()
	var found []Product

	if d.Browse != nil {
		for _, category := range d.Categories {
			products, err := d.Browse(ctx, category)
			if err != nil {
				if fatal(err) {
					return DedupeBySKU(found), err
				}
				logger.Warn().Err(err).Str("category", category).Msg("Category browse failed")
				continue
			}
			logger.Debug().Str("category", category).Int("products", len(products)).Msg("Category browsed")
			found = append(found, products...)
			if err := d.Pacer.Wait(ctx); err != nil {
				return DedupeBySKU(found), err
			}
		}
	}

	if d.Search != nil {
		for _, term := range Uncovered(terms, found) {
			products, err := d.Search(ctx, term)
			if err != nil {
				if fatal(err) {
					return DedupeBySKU(found), err
				}
				logger.Warn().Err(err).Str("term", term).Msg("Search failed")
				continue
			}
			found = append(found, products...)
			if err := d.Pacer.Wait(ctx); err != nil {
				return DedupeBySKU(found), err
			}
		}
	}
	return DedupeBySKU(found), nil
}

// Uncovered returns the terms no product in found matches.
func Uncovered(terms []string, found []Product) []string {
	var out []string
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if !covered(term, found) {
			out = append(out, term)
		}
	}
	return out
}

func covered(term string, products []Product) bool {
	words := strings.Fields(strings.ToLower(term))
	for _, p := range products {
		hay := strings.ToLower(p.Name + " " + p.Category)
		all := true
		for _, w := range words {
			if !strings.Contains(hay, w) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// fatal failures stop discovery; anything else skips one category or term.
func fatal(err error) bool {
	switch failures.KindOf(err) {
	case failures.KindAuthentication, failures.KindSessionExpired,
		failures.KindCaptcha, failures.KindMaintenance, failures.KindRateLimited:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
