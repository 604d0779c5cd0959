package models

import (
	"errors"
	"time"
)

type CredentialStatus string

const (
	CredentialPending CredentialStatus = "pending"
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialFailed  CredentialStatus = "failed"
	CredentialHold    CredentialStatus = "hold"
)

var ErrPasswordRequired = errors.New("username and password are required for this supplier")

// SupplierCredential links a user to a supplier account. Secret fields hold
// ciphertext produced by secret.Box; the core never stores them in clear.
type SupplierCredential struct {
	ID             uint     `json:"id" gorm:"primaryKey"`
	UserID         uint     `json:"user_id" gorm:"index;not null"`
	SupplierID     uint     `json:"supplier_id" gorm:"index;not null"`
	Supplier       Supplier `json:"supplier" gorm:"foreignKey:SupplierID"`
	OrganizationID *uint    `json:"organization_id,omitempty" gorm:"index"`

	EncryptedUsername    string `json:"-" gorm:"type:text"`
	EncryptedPassword    string `json:"-" gorm:"type:text"`
	EncryptedSessionData string `json:"-" gorm:"type:text"`
	EncryptedTOTPSecret  string `json:"-" gorm:"type:text"`

	Status       CredentialStatus `json:"status" gorm:"type:varchar(20);not null;default:pending;index"`
	LastLoginAt  *time.Time       `json:"last_login_at,omitempty"`
	LastError    string           `json:"last_error,omitempty" gorm:"type:text"`
	TwoFAEnabled bool             `json:"two_fa_enabled" gorm:"column:two_fa_enabled;default:false"`

	EncryptedTrustedDeviceToken string     `json:"-" gorm:"type:text"`
	TrustedDeviceExpiresAt      *time.Time `json:"trusted_device_expires_at,omitempty"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces that a password is present unless the supplier's auth
// type waives it.
func (c *SupplierCredential) Validate(auth AuthType) error {
	if auth.RequiresPassword() && (c.EncryptedUsername == "" || c.EncryptedPassword == "") {
		return ErrPasswordRequired
	}
	return nil
}

func (c *SupplierCredential) MarkActive(now time.Time) {
	c.Status = CredentialActive
	c.LastLoginAt = &now
	c.LastError = ""
}

func (c *SupplierCredential) MarkFailed(reason string) {
	c.Status = CredentialFailed
	c.LastError = reason
}

func (c *SupplierCredential) MarkExpired(reason string) {
	c.Status = CredentialExpired
	c.LastError = reason
}

func (c *SupplierCredential) MarkOnHold(reason string) {
	c.Status = CredentialHold
	c.LastError = reason
}

// ClearSession drops the stored browser session and any trusted-device
// token, as on an explicit disconnect.
func (c *SupplierCredential) ClearSession() {
	c.EncryptedSessionData = ""
	c.EncryptedTrustedDeviceToken = ""
	c.TrustedDeviceExpiresAt = nil
	c.LastLoginAt = nil
}

// SessionFresh reports whether the last login is within ttl of now.
func (c *SupplierCredential) SessionFresh(now time.Time, ttl time.Duration) bool {
	if c.LastLoginAt == nil || c.EncryptedSessionData == "" {
		return false
	}
	return now.Sub(*c.LastLoginAt) <= ttl
}

// TrustedDeviceValid reports whether a stored trusted-device token may
// still skip verification.
func (c *SupplierCredential) TrustedDeviceValid(now time.Time) bool {
	return c.EncryptedTrustedDeviceToken != "" &&
		c.TrustedDeviceExpiresAt != nil &&
		now.Before(*c.TrustedDeviceExpiresAt)
}
