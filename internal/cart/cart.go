// Package cart adds items to a supplier cart one at a time, tolerating
// per-item failures, and verifies the result against the cart itself.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/catalog"
	"larder/internal/failures"
)

type Item struct {
	SKU      string `json:"sku" yaml:"sku"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

type Result struct {
	Added     int                        `json:"added"`
	AddedSKUs []string                   `json:"added_skus,omitempty"`
	Failed    []failures.UnavailableItem `json:"failed"`
	// Verified is false when the cart could not be read back, in which case
	// Added reflects per-click signals only.
	Verified bool `json:"verified"`
}

// ItemError is a per-item failure the driver could classify.
type ItemError struct {
	Reason  failures.Reason
	Message string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func NotFound(format string, args ...any) error {
	return &ItemError{Reason: failures.ReasonNotFound, Message: fmt.Sprintf(format, args...)}
}

func OutOfStock(format string, args ...any) error {
	return &ItemError{Reason: failures.ReasonOutOfStock, Message: fmt.Sprintf(format, args...)}
}

// Driver performs the site-specific steps.
type Driver interface {
	AddItem(ctx context.Context, item Item) error
	// CartSKUs lists the SKUs currently on the supplier's cart or order.
	CartSKUs(ctx context.Context) ([]string, error)
}

// DeliveryScheduler is implemented by drivers whose cart is tied to a
// delivery date.
type DeliveryScheduler interface {
	SetDeliveryDate(ctx context.Context, date time.Time) error
}

type Builder struct {
	Supplier string
	Driver   Driver
	Pacer    *catalog.Pacer
}

// Build adds every item independently. If every item fails it returns an
// ItemUnavailableError listing all of them; otherwise it returns the count
// added and the failures. Fatal failures such as an expired session abort
// the batch.
func (b Builder) Build(ctx context.Context, items []Item, delivery *time.Time) (Result, error) {
	logger := log.With().Str("supplier", b.Supplier).Logger()
	var res Result
	if len(items) == 0 {
		return res, nil
	}

	if delivery != nil {
		sched, ok := b.Driver.(DeliveryScheduler)
		if !ok {
			return res, fmt.Errorf("%s does not support choosing a delivery date", b.Supplier)
		}
		if err := sched.SetDeliveryDate(ctx, *delivery); err != nil {
			return res, err
		}
	}

	added := make([]Item, 0, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			item.Quantity = 1
		}
		err := b.Driver.AddItem(ctx, item)
		if err != nil {
			if abortive(err) {
				return res, err
			}
			fail := unavailable(item, err)
			logger.Warn().Str("sku", item.SKU).Str("reason", string(fail.Reason)).Msg("Item not added")
			res.Failed = append(res.Failed, fail)
		} else {
			added = append(added, item)
			logger.Debug().Str("sku", item.SKU).Int("quantity", item.Quantity).Msg("Item added")
		}
		if i < len(items)-1 {
			if err := b.Pacer.Wait(ctx); err != nil {
				return res, err
			}
		}
	}

	added = b.verify(ctx, added, &res)
	res.Added = len(added)
	for _, it := range added {
		res.AddedSKUs = append(res.AddedSKUs, it.SKU)
	}

	if res.Added == 0 {
		return res, &failures.ItemUnavailableError{Supplier: b.Supplier, Items: res.Failed}
	}
	return res, nil
}

// verify reads the cart back once and moves any SKU missing from it into
// the failures.
func (b Builder) verify(ctx context.Context, added []Item, res *Result) []Item {
	if len(added) == 0 {
		res.Verified = true
		return added
	}
	skus, err := b.Driver.CartSKUs(ctx)
	if err != nil {
		log.Warn().Err(err).Str("supplier", b.Supplier).Msg("Cart verification failed, trusting add signals")
		return added
	}
	res.Verified = true

	inCart := make(map[string]struct{}, len(skus))
	for _, s := range skus {
		inCart[normalize(s)] = struct{}{}
	}
	confirmed := added[:0]
	for _, it := range added {
		if _, ok := inCart[normalize(it.SKU)]; ok {
			confirmed = append(confirmed, it)
			continue
		}
		res.Failed = append(res.Failed, failures.UnavailableItem{
			SKU:     it.SKU,
			Name:    it.Name,
			Reason:  failures.ReasonNotInCart,
			Message: "not found on the cart after adding",
		})
	}
	return confirmed
}

func unavailable(item Item, err error) failures.UnavailableItem {
	u := failures.UnavailableItem{SKU: item.SKU, Name: item.Name, Reason: failures.ReasonInteraction, Message: err.Error()}
	var ie *ItemError
	if errors.As(err, &ie) {
		u.Reason = ie.Reason
		u.Message = ie.Message
	}
	return u
}

// abortive failures end the whole batch instead of one item.
func abortive(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch failures.KindOf(err) {
	case failures.KindAuthentication, failures.KindSessionExpired, failures.KindCaptcha,
		failures.KindMaintenance, failures.KindRateLimited,
		failures.KindTwoFactorCancelled, failures.KindTwoFactorTimeout:
		return true
	}
	return false
}

func normalize(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}
