// Package notify pushes two-factor events to the human-facing side.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	EventTwoFARequired = "two_fa_required"
	EventCodeResult    = "code_result"
)

// Message is an event payload; Event names its wire type.
type Message interface {
	Event() string
}

// TwoFARequired asks the user for a verification code.
type TwoFARequired struct {
	Type          string    `json:"type"`
	RequestID     uint      `json:"requestId"`
	SessionToken  string    `json:"sessionToken"`
	SupplierName  string    `json:"supplierName"`
	TwoFaType     string    `json:"twoFaType"`
	PromptMessage string    `json:"promptMessage"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (TwoFARequired) Event() string { return EventTwoFARequired }

// CodeResult is the terminal outcome of a submitted code.
type CodeResult struct {
	Type      string `json:"type"`
	RequestID uint   `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	CanRetry  bool   `json:"canRetry,omitempty"`
}

func (CodeResult) Event() string { return EventCodeResult }

// Notifier delivers a message to one user.
type Notifier interface {
	Notify(ctx context.Context, userID uint, msg Message) error
}

type envelope struct {
	UserID  uint    `json:"userId"`
	Event   string  `json:"event"`
	Payload Message `json:"payload"`
}

// Webhook POSTs each message as JSON to a collaborator endpoint.
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "larder-notify/1.0")
	return &Webhook{client: client, url: url}
}

func (w *Webhook) Notify(ctx context.Context, userID uint, msg Message) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(envelope{UserID: userID, Event: msg.Event(), Payload: stamp(msg)}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook rejected %s (status %d): %s", msg.Event(), resp.StatusCode(), resp.String())
	}
	return nil
}

// Log writes messages to the structured log. It is the fallback channel an
// operator tails when no push endpoint is configured.
type Log struct{}

func (Log) Notify(ctx context.Context, userID uint, msg Message) error {
	ev := log.Info().Uint("user_id", userID).Str("event", msg.Event())
	switch m := msg.(type) {
	case TwoFARequired:
		ev = ev.Uint("request_id", m.RequestID).
			Str("supplier", m.SupplierName).
			Str("two_fa_type", m.TwoFaType).
			Str("session_token", m.SessionToken).
			Time("expires_at", m.ExpiresAt).
			Str("prompt", m.PromptMessage)
	case CodeResult:
		ev = ev.Uint("request_id", m.RequestID).Bool("success", m.Success).Bool("can_retry", m.CanRetry)
		if m.Error != "" {
			ev = ev.Str("error", m.Error)
		}
	}
	ev.Msg("Notification")
	return nil
}

// Fanout sends to every notifier and succeeds if at least one did.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, userID uint, msg Message) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, userID, msg); err != nil {
			log.Warn().Err(err).Str("event", msg.Event()).Msg("Notification channel failed")
			errs = append(errs, err)
		}
	}
	if len(f) > 0 && len(errs) == len(f) {
		return errors.Join(errs...)
	}
	return nil
}

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Users    []uint
}

func (r *Recorder) Notify(ctx context.Context, userID uint, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, stamp(msg))
	r.Users = append(r.Users, userID)
	return nil
}

// Last returns the most recent message, or nil.
func (r *Recorder) Last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}

func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.Messages {
		if m.Event() == event {
			n++
		}
	}
	return n
}

// stamp fills the type field so payloads are self-describing.
func stamp(msg Message) Message {
	switch m := msg.(type) {
	case TwoFARequired:
		m.Type = EventTwoFARequired
		return m
	case CodeResult:
		m.Type = EventCodeResult
		return m
	}
	return msg
}
