package models

import (
	"fmt"
	"time"
)

// AuthType says how a supplier authenticates its users.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthTwoFA      AuthType = "two_fa"
	AuthWelcomeURL AuthType = "welcome_url"
)

func (a AuthType) Valid() bool {
	switch a {
	case AuthPassword, AuthTwoFA, AuthWelcomeURL:
		return true
	}
	return false
}

// RequiresPassword reports whether credentials for this auth type must
// carry a username and password.
func (a AuthType) RequiresPassword() bool {
	return a == AuthPassword
}

const (
	// PasswordSessionTTL bounds how long a restored session is trusted when
	// the supplier can be re-authenticated without a human.
	PasswordSessionTTL = 6 * time.Hour
	// InteractiveSessionTTL bounds it when re-authentication needs a human
	// verification code, which makes a stale attempt far cheaper than a
	// fresh login.
	InteractiveSessionTTL = 24 * time.Hour
)

// SessionTTL returns the default session validity window for the auth type.
func (a AuthType) SessionTTL() time.Duration {
	if a == AuthPassword {
		return PasswordSessionTTL
	}
	return InteractiveSessionTTL
}

// Supplier is reference data; the core only reads it.
type Supplier struct {
	ID        uint     `json:"id" gorm:"primaryKey"`
	Code      string   `json:"code" gorm:"type:varchar(50);uniqueIndex;not null"`
	Name      string   `json:"name" gorm:"type:varchar(100);not null"`
	AuthType  AuthType `json:"auth_type" gorm:"type:varchar(20);not null;default:password"`
	BaseURL   string   `json:"base_url" gorm:"type:varchar(255)"`
	LoginURL  string   `json:"login_url" gorm:"type:varchar(255)"`
	Active    bool     `json:"active" gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Supplier) String() string {
	return fmt.Sprintf("%s(%d)", s.Code, s.ID)
}
