package models

import (
	"errors"
	"fmt"
	"time"
)

type TwoFactorRequestType string

const (
	RequestLogin        TwoFactorRequestType = "login"
	RequestCheckout     TwoFactorRequestType = "checkout"
	RequestPriceRefresh TwoFactorRequestType = "price_refresh"
)

type TwoFactorType string

const (
	TwoFactorSMS     TwoFactorType = "sms"
	TwoFactorTOTP    TwoFactorType = "totp"
	TwoFactorEmail   TwoFactorType = "email"
	TwoFactorUnknown TwoFactorType = "unknown"
)

type TwoFactorStatus string

const (
	TwoFactorPending   TwoFactorStatus = "pending"
	TwoFactorSubmitted TwoFactorStatus = "submitted"
	TwoFactorVerified  TwoFactorStatus = "verified"
	TwoFactorFailed    TwoFactorStatus = "failed"
	TwoFactorExpired   TwoFactorStatus = "expired"
	TwoFactorCancelled TwoFactorStatus = "cancelled"
)

const (
	MaxTwoFactorAttempts = 3
	TwoFactorTimeout     = 5 * time.Minute
)

var ErrInvalidTransition = errors.New("invalid two-factor request transition")

var twoFactorTransitions = map[TwoFactorStatus][]TwoFactorStatus{
	TwoFactorPending:   {TwoFactorSubmitted, TwoFactorExpired, TwoFactorCancelled},
	TwoFactorSubmitted: {TwoFactorVerified, TwoFactorFailed},
}

// TwoFactorRequest tracks one out-of-band verification challenge. Rows are
// never deleted; they are the audit trail.
type TwoFactorRequest struct {
	ID            uint                 `json:"id" gorm:"primaryKey"`
	CredentialID  uint                 `json:"credential_id" gorm:"index;not null"`
	UserID        uint                 `json:"user_id" gorm:"index;not null"`
	RequestType   TwoFactorRequestType `json:"request_type" gorm:"type:varchar(20);not null"`
	TwoFAType     TwoFactorType        `json:"two_fa_type" gorm:"column:two_fa_type;type:varchar(20);not null"`
	Status        TwoFactorStatus      `json:"status" gorm:"type:varchar(20);not null;index"`
	SessionToken  string               `json:"session_token" gorm:"type:varchar(64);uniqueIndex;not null"`
	PromptMessage string               `json:"prompt_message" gorm:"type:text"`
	// Code is the submitted code, cleared once it has been consumed.
	Code        string     `json:"-" gorm:"type:varchar(32)"`
	Attempts    int        `json:"attempts" gorm:"not null;default:0"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null;index"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanTransition reports whether from -> to is an edge of the request state
// machine.
func CanTransition(from, to TwoFactorStatus) bool {
	for _, allowed := range twoFactorTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the request to status or returns ErrInvalidTransition.
func (r *TwoFactorRequest) Transition(to TwoFactorStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	switch to {
	case TwoFactorSubmitted:
		r.SubmittedAt = &now
	case TwoFactorVerified, TwoFactorFailed, TwoFactorExpired, TwoFactorCancelled:
		r.ResolvedAt = &now
		r.Code = ""
	}
	return nil
}

// Expired reports whether the request's own deadline has passed.
func (r *TwoFactorRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Active reports a pending request that has not yet expired.
func (r *TwoFactorRequest) Active(now time.Time) bool {
	return r.Status == TwoFactorPending && !r.Expired(now)
}

func (r *TwoFactorRequest) AttemptsRemaining() int {
	if n := MaxTwoFactorAttempts - r.Attempts; n > 0 {
		return n
	}
	return 0
}

// Terminal reports whether no further transitions are possible.
func (r *TwoFactorRequest) Terminal() bool {
	return len(twoFactorTransitions[r.Status]) == 0
}
