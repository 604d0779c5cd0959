package twofactor

import (
	"context"
	"fmt"
	"time"

	"larder/internal/browser"
)

// Responder drives the supplier's verification form. Adapters with unusual
// forms supply their own; most use a Form.
type Responder interface {
	EnterCode(ctx context.Context, page browser.Page, ch *Challenge, code string) error
	// StillChallenged reports whether the verification screen is still shown
	// after a code was entered, which means the code was rejected.
	StillChallenged(ctx context.Context, page browser.Page, ch *Challenge) (bool, error)
	Resend(ctx context.Context, page browser.Page) error
	RememberDevice(ctx context.Context, page browser.Page) error
}

// Form is a selector-driven Responder.
type Form struct {
	Input        string
	Submit       string
	ResendButton string
	Remember     string
	// Settle is how long to wait after submitting before re-checking.
	Settle time.Duration
}

func (f Form) EnterCode(ctx context.Context, page browser.Page, ch *Challenge, code string) error {
	input := f.Input
	if input == "" && ch != nil {
		input = ch.Input
	}
	if input == "" {
		return fmt.Errorf("no verification code field to type into")
	}
	if err := page.Type(ctx, input, code); err != nil {
		return fmt.Errorf("failed to enter verification code: %w", err)
	}
	if f.Submit != "" {
		if err := page.Click(ctx, f.Submit); err != nil {
			return fmt.Errorf("failed to submit verification code: %w", err)
		}
	}
	return browser.Sleep(ctx, f.Settle)
}

func (f Form) StillChallenged(ctx context.Context, page browser.Page, ch *Challenge) (bool, error) {
	var selectors []string
	if f.Input != "" {
		selectors = append(selectors, f.Input)
	}
	if ch != nil && ch.Input != "" {
		selectors = append(selectors, ch.Input)
	}
	if len(selectors) > 0 {
		return browser.FirstPresent(ctx, page, selectors...) != "", ctx.Err()
	}
	again, err := Detect(ctx, page)
	return again != nil, err
}

func (f Form) Resend(ctx context.Context, page browser.Page) error {
	if f.ResendButton == "" {
		return nil
	}
	if ok, _ := page.Has(ctx, f.ResendButton); !ok {
		return nil
	}
	return page.Click(ctx, f.ResendButton)
}

func (f Form) RememberDevice(ctx context.Context, page browser.Page) error {
	if f.Remember == "" {
		return nil
	}
	if ok, _ := page.Has(ctx, f.Remember); !ok {
		return nil
	}
	return page.Click(ctx, f.Remember)
}
