package failures

import (
	"errors"
	"fmt"
	"strings"

	"larder/internal/locale"
)

// Kind classifies a failure for the caller and the job scheduler.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindSessionExpired     Kind = "session_expired"
	KindCaptcha            Kind = "captcha"
	KindMaintenance        Kind = "maintenance"
	KindRateLimited        Kind = "rate_limited"
	KindOrderMinimum       Kind = "order_minimum"
	KindItemUnavailable    Kind = "item_unavailable"
	KindScraping           Kind = "scraping"
	KindPriceChanged       Kind = "price_changed"
	KindTwoFactorCancelled Kind = "two_factor_cancelled"
	KindTwoFactorTimeout   Kind = "two_factor_timeout"
)

// Diagnostics is the snapshot of a page taken when a failure could not be
// explained. It is attached to the error it explains.
type Diagnostics struct {
	URL          string        `json:"url"`
	Title        string        `json:"title"`
	ErrorTexts   []string      `json:"error_texts,omitempty"`
	LiveRegions  []string      `json:"live_regions,omitempty"`
	FormControls []FormControl `json:"form_controls,omitempty"`
}

type FormControl struct {
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Label       string `json:"label,omitempty"`
}

func (d *Diagnostics) String() string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "url=%s title=%q", d.URL, d.Title)
	if len(d.ErrorTexts) > 0 {
		fmt.Fprintf(&b, " errors=%q", d.ErrorTexts)
	}
	if len(d.LiveRegions) > 0 {
		fmt.Fprintf(&b, " live=%q", d.LiveRegions)
	}
	if len(d.FormControls) > 0 {
		names := make([]string, 0, len(d.FormControls))
		for _, c := range d.FormControls {
			names = append(names, c.Tag+"["+c.Type+"]#"+firstNonEmpty(c.Name, c.ID))
		}
		fmt.Fprintf(&b, " controls=%v", names)
	}
	return b.String()
}

// Error is the common failure type raised by the supplier core.
type Error struct {
	Kind        Kind
	Supplier    string
	Message     string
	Err         error
	Diagnostics *Diagnostics
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Supplier != "" {
		msg = e.Supplier + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage renders the actionable text shown to the account owner.
func (e *Error) UserMessage() string {
	return locale.T("error_"+string(e.Kind), firstNonEmpty(e.Supplier, "supplier"))
}

func New(kind Kind, supplier, message string) *Error {
	return &Error{Kind: kind, Supplier: supplier, Message: message}
}

func Wrap(kind Kind, supplier string, err error, message string) *Error {
	return &Error{Kind: kind, Supplier: supplier, Message: message, Err: err}
}

func Authentication(supplier, message string) *Error {
	return New(KindAuthentication, supplier, message)
}

func SessionExpired(supplier, message string) *Error {
	return New(KindSessionExpired, supplier, message)
}

func Scraping(supplier string, err error, message string) *Error {
	return Wrap(KindScraping, supplier, err, message)
}

// WithDiagnostics attaches a diagnostic bundle to err. Errors that are not
// already classified are wrapped as scraping failures first.
func WithDiagnostics(err error, supplier string, d *Diagnostics) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Diagnostics == nil {
			fe.Diagnostics = d
		}
		return err
	}
	return &Error{Kind: KindScraping, Supplier: supplier, Message: "unclassified failure", Err: err, Diagnostics: d}
}

// OrderMinimumError is raised when the cart subtotal is below the
// supplier's minimum order value.
type OrderMinimumError struct {
	Supplier     string
	Minimum      float64
	CurrentTotal float64
}

func (e *OrderMinimumError) Error() string {
	return fmt.Sprintf("%s: order minimum not met: minimum $%.2f, current total $%.2f", e.Supplier, e.Minimum, e.CurrentTotal)
}

func (e *OrderMinimumError) UserMessage() string {
	return locale.T("error_order_minimum", e.Minimum, e.CurrentTotal)
}

// Reason says why a single item could not be ordered.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonOutOfStock  Reason = "out_of_stock"
	ReasonInteraction Reason = "interaction_failed"
	ReasonNotInCart   Reason = "not_in_cart"
)

type UnavailableItem struct {
	SKU     string `json:"sku"`
	Name    string `json:"name,omitempty"`
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// StockSignal reports whether this entry is evidence the item is really
// unavailable, as opposed to a UI interaction failure.
func (u UnavailableItem) StockSignal() bool {
	return u.Reason == ReasonNotFound || u.Reason == ReasonOutOfStock
}

// ItemUnavailableError carries every item that could not be ordered.
type ItemUnavailableError struct {
	Supplier string
	Items    []UnavailableItem
}

func (e *ItemUnavailableError) Error() string {
	skus := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		skus = append(skus, it.SKU)
	}
	return fmt.Sprintf("%s: %d item(s) unavailable: %s", e.Supplier, len(e.Items), strings.Join(skus, ", "))
}

func (e *ItemUnavailableError) UserMessage() string {
	return locale.T("error_item_unavailable", len(e.Items))
}

// PriceChangedError is informational: a price moved between discovery and
// checkout.
type PriceChangedError struct {
	Supplier string
	SKU      string
	Before   float64
	After    float64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("%s: price changed for %s: $%.2f -> $%.2f", e.Supplier, e.SKU, e.Before, e.After)
}

// KindOf returns the failure kind of err, or "" when err is not part of the
// taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var om *OrderMinimumError
	if errors.As(err, &om) {
		return KindOrderMinimum
	}
	var iu *ItemUnavailableError
	if errors.As(err, &iu) {
		return KindItemUnavailable
	}
	var pc *PriceChangedError
	if errors.As(err, &pc) {
		return KindPriceChanged
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports failures the job scheduler may retry later. They are
// never the account owner's fault.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindMaintenance, KindCaptcha:
		return true
	}
	return false
}

// MarksCredentialFailed reports failures that should flip the credential to
// the failed status.
func MarksCredentialFailed(err error) bool {
	return KindOf(err) == KindAuthentication
}

// MarksOutOfStock reports failures whose items may be marked out of stock
// in the catalog. Scraping failures never qualify.
func MarksOutOfStock(err error) bool {
	return KindOf(err) == KindItemUnavailable
}

// UserMessage returns the actionable text for any error.
func UserMessage(err error) string {
	type userMessager interface{ UserMessage() string }
	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	if err == nil {
		return ""
	}
	return locale.T("error_unknown")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
