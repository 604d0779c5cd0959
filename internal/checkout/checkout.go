// Package checkout drives a built cart through review to a confirmed order,
// stopping at review unless live ordering is explicitly enabled.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/failures"
)

type State string

const (
	SessionReady    State = "session_ready"
	CartExtracted   State = "cart_extracted"
	Validated       State = "validated"
	ReviewExtracted State = "review_extracted"
	DryRunHalt      State = "dry_run_halt"
	Submitted       State = "submitted"
	Confirmed       State = "confirmed"
	Failed          State = "failed"
)

var transitions = map[State][]State{
	SessionReady:    {CartExtracted},
	CartExtracted:   {Validated},
	Validated:       {ReviewExtracted},
	ReviewExtracted: {DryRunHalt, Submitted},
	Submitted:       {Confirmed},
}

// CanTransition reports whether from -> to is allowed. Failed is reachable
// from every non-terminal state.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

var ErrEmptyCart = errors.New("cart is empty")

type UnavailablePolicy string

const (
	// HardFail rejects the checkout when any cart line is unavailable.
	HardFail UnavailablePolicy = "hard_fail"
	// WarnAndContinue proceeds without unavailable lines as long as the rest
	// still meets the order minimum.
	WarnAndContinue UnavailablePolicy = "warn_and_continue"
)

const (
	DefaultConfirmPoll    = time.Second
	DefaultConfirmTimeout = 30 * time.Second
	DryRunPrefix          = "DRY-RUN-"
)

type Policy struct {
	MinimumOrder    float64
	LiveModeEnabled bool
	Unavailable     UnavailablePolicy
	ConfirmPoll     time.Duration
	ConfirmTimeout  time.Duration
}

type CartLine struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name,omitempty"`
	Quantity    int     `json:"quantity"`
	LineTotal   float64 `json:"line_total"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

type CartSnapshot struct {
	ItemCount int        `json:"item_count"`
	Subtotal  float64    `json:"subtotal"`
	Lines     []CartLine `json:"lines,omitempty"`
}

type Review struct {
	Total        float64 `json:"total"`
	DeliveryDate string  `json:"delivery_date,omitempty"`
}

// Probe is one look at the page after submitting.
type Probe struct {
	Done               bool
	ConfirmationNumber string
	Total              float64
	DeliveryDate       string
	// ErrorText is set when the page shows an error instead.
	ErrorText string
}

type Confirmation struct {
	ID           string                     `json:"id"`
	DryRun       bool                       `json:"dry_run"`
	State        State                      `json:"state"`
	Cart         CartSnapshot               `json:"cart"`
	Review       Review                     `json:"review"`
	Total        float64                    `json:"total"`
	DeliveryDate string                     `json:"delivery_date,omitempty"`
	Warnings     []failures.UnavailableItem `json:"warnings,omitempty"`
	States       []State                    `json:"states"`
	At           time.Time                  `json:"at"`
}

// Driver performs the supplier-specific steps of a checkout.
type Driver interface {
	ExtractCart(ctx context.Context) (CartSnapshot, error)
	OpenReview(ctx context.Context) error
	ExtractReview(ctx context.Context) (Review, error)
	// Submit clicks the final place-order control.
	Submit(ctx context.Context) error
	ProbeConfirmation(ctx context.Context) (Probe, error)
}

type Machine struct {
	Supplier string
	Driver   Driver
	Policy   Policy
	Now      func() time.Time

	state  State
	states []State
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) State() State { return m.state }

func (m *Machine) to(s State) error {
	if !CanTransition(m.state, s) {
		return fmt.Errorf("invalid checkout transition %s -> %s", m.state, s)
	}
	log.Debug().Str("supplier", m.Supplier).Str("from", string(m.state)).Str("to", string(s)).Msg("Checkout state")
	m.state = s
	m.states = append(m.states, s)
	return nil
}

func (m *Machine) fail(err error) error {
	if m.state != Failed {
		m.state = Failed
		m.states = append(m.states, Failed)
	}
	return err
}

// EffectiveDryRun is the safety gate: only live mode plus an explicit
// non-dry-run request may submit.
func (p Policy) EffectiveDryRun(dryRun bool) bool {
	return dryRun || !p.LiveModeEnabled
}

// Run executes the checkout from a ready session.
func (m *Machine) Run(ctx context.Context, dryRun bool) (*Confirmation, error) {
	m.state = SessionReady
	m.states = []State{SessionReady}
	logger := log.With().Str("supplier", m.Supplier).Logger()

	snap, err := m.Driver.ExtractCart(ctx)
	if err != nil {
		return nil, m.fail(err)
	}
	if err := m.to(CartExtracted); err != nil {
		return nil, m.fail(err)
	}
	logger.Info().Int("items", snap.ItemCount).Float64("subtotal", snap.Subtotal).Msg("Cart extracted")

	warnings, err := m.validate(snap)
	if err != nil {
		return nil, m.fail(err)
	}
	if err := m.to(Validated); err != nil {
		return nil, m.fail(err)
	}

	if err := m.Driver.OpenReview(ctx); err != nil {
		return nil, m.fail(err)
	}
	review, err := m.Driver.ExtractReview(ctx)
	if err != nil {
		return nil, m.fail(err)
	}
	if err := m.to(ReviewExtracted); err != nil {
		return nil, m.fail(err)
	}

	conf := &Confirmation{
		Cart:         snap,
		Review:       review,
		Total:        review.Total,
		DeliveryDate: review.DeliveryDate,
		Warnings:     warnings,
	}

	if m.Policy.EffectiveDryRun(dryRun) {
		if err := m.to(DryRunHalt); err != nil {
			return nil, m.fail(err)
		}
		now := m.now()
		conf.ID = DryRunPrefix + strconv.FormatInt(now.Unix(), 10)
		conf.DryRun = true
		conf.State = DryRunHalt
		conf.States = m.states
		conf.At = now
		logger.Info().
			Str("confirmation", conf.ID).
			Float64("total", review.Total).
			Bool("requested_dry_run", dryRun).
			Bool("live_mode", m.Policy.LiveModeEnabled).
			Msg("Dry run: stopped before placing order")
		return conf, nil
	}

	logger.Warn().Float64("total", review.Total).Msg("Placing live order")
	if err := m.Driver.Submit(ctx); err != nil {
		return nil, m.fail(err)
	}
	if err := m.to(Submitted); err != nil {
		return nil, m.fail(err)
	}

	probe, err := m.awaitConfirmation(ctx)
	if err != nil {
		return nil, m.fail(err)
	}
	if err := m.to(Confirmed); err != nil {
		return nil, m.fail(err)
	}
	conf.ID = probe.ConfirmationNumber
	conf.State = Confirmed
	if probe.Total > 0 {
		conf.Total = probe.Total
	}
	if probe.DeliveryDate != "" {
		conf.DeliveryDate = probe.DeliveryDate
	}
	conf.States = m.states
	conf.At = m.now()
	logger.Info().Str("confirmation", conf.ID).Float64("total", conf.Total).Msg("Order confirmed")
	return conf, nil
}

func (m *Machine) validate(snap CartSnapshot) ([]failures.UnavailableItem, error) {
	if snap.ItemCount == 0 && len(snap.Lines) == 0 {
		return nil, fmt.Errorf("%s: %w", m.Supplier, ErrEmptyCart)
	}
	if snap.Subtotal < m.Policy.MinimumOrder {
		return nil, &failures.OrderMinimumError{Supplier: m.Supplier, Minimum: m.Policy.MinimumOrder, CurrentTotal: snap.Subtotal}
	}

	var bad []failures.UnavailableItem
	valid, validTotal := 0, 0.0
	for _, l := range snap.Lines {
		if l.Unavailable {
			bad = append(bad, failures.UnavailableItem{SKU: l.SKU, Name: l.Name, Reason: failures.ReasonOutOfStock, Message: "flagged unavailable in cart"})
			continue
		}
		valid++
		validTotal += l.LineTotal
	}
	if len(bad) == 0 {
		return nil, nil
	}

	unavailable := &failures.ItemUnavailableError{Supplier: m.Supplier, Items: bad}
	if m.Policy.Unavailable != WarnAndContinue {
		return nil, unavailable
	}
	if valid == 0 || validTotal < m.Policy.MinimumOrder {
		return nil, unavailable
	}
	log.Warn().Str("supplier", m.Supplier).Int("unavailable", len(bad)).Msg("Continuing checkout without unavailable items")
	return bad, nil
}

func (m *Machine) awaitConfirmation(ctx context.Context) (Probe, error) {
	poll := m.Policy.ConfirmPoll
	if poll <= 0 {
		poll = DefaultConfirmPoll
	}
	timeout := m.Policy.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		probe, err := m.Driver.ProbeConfirmation(ctx)
		if err != nil {
			return probe, err
		}
		if probe.ErrorText != "" {
			kind := failures.ClassifyPage(probe.ErrorText)
			if kind == "" {
				kind = failures.KindScraping
			}
			return probe, failures.New(kind, m.Supplier, "order submission failed: "+probe.ErrorText)
		}
		if probe.Done {
			return probe, nil
		}
		if !time.Now().Before(deadline) {
			return probe, failures.New(failures.KindScraping, m.Supplier,
				fmt.Sprintf("no order confirmation within %s; check the supplier site before retrying", timeout))
		}
		if err := browser.Sleep(ctx, poll); err != nil {
			return probe, err
		}
	}
}
