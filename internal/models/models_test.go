package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []TwoFactorStatus{
	TwoFactorPending,
	TwoFactorSubmitted,
	TwoFactorVerified,
	TwoFactorFailed,
	TwoFactorExpired,
	TwoFactorCancelled,
}

func TestTwoFactorTransitionsAreExactlyTheStateMachine(t *testing.T) {
	allowed := map[[2]TwoFactorStatus]bool{
		{TwoFactorPending, TwoFactorSubmitted}:  true,
		{TwoFactorSubmitted, TwoFactorVerified}: true,
		{TwoFactorSubmitted, TwoFactorFailed}:   true,
		{TwoFactorPending, TwoFactorExpired}:    true,
		{TwoFactorPending, TwoFactorCancelled}:  true,
	}

	now := time.Now()
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			r := &TwoFactorRequest{Status: from}
			err := r.Transition(to, now)
			if allowed[[2]TwoFactorStatus{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, r.Status)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, r.Status)
			}
		}
	}
}

func TestTransitionStampsAndClearsCode(t *testing.T) {
	now := time.Now()
	r := &TwoFactorRequest{Status: TwoFactorPending, Code: "123456"}

	require.NoError(t, r.Transition(TwoFactorSubmitted, now))
	require.NotNil(t, r.SubmittedAt)
	assert.Equal(t, "123456", r.Code)

	require.NoError(t, r.Transition(TwoFactorVerified, now))
	require.NotNil(t, r.ResolvedAt)
	assert.Empty(t, r.Code)
	assert.True(t, r.Terminal())
}

func TestTwoFactorActiveAndAttempts(t *testing.T) {
	now := time.Now()
	r := &TwoFactorRequest{Status: TwoFactorPending, ExpiresAt: now.Add(TwoFactorTimeout)}
	assert.True(t, r.Active(now))
	assert.False(t, r.Active(now.Add(TwoFactorTimeout)))
	assert.Equal(t, 3, r.AttemptsRemaining())

	r.Attempts = 5
	assert.Equal(t, 0, r.AttemptsRemaining())

	r.Status = TwoFactorSubmitted
	assert.False(t, r.Active(now))
}

func TestCredentialValidate(t *testing.T) {
	c := &SupplierCredential{}
	assert.ErrorIs(t, c.Validate(AuthPassword), ErrPasswordRequired)
	assert.NoError(t, c.Validate(AuthTwoFA))
	assert.NoError(t, c.Validate(AuthWelcomeURL))

	c.EncryptedUsername, c.EncryptedPassword = "u", "p"
	assert.NoError(t, c.Validate(AuthPassword))
}

func TestCredentialLifecycle(t *testing.T) {
	now := time.Now()
	c := &SupplierCredential{Status: CredentialPending, EncryptedSessionData: "blob"}

	c.MarkActive(now)
	assert.Equal(t, CredentialActive, c.Status)
	require.NotNil(t, c.LastLoginAt)
	assert.True(t, c.SessionFresh(now.Add(time.Hour), PasswordSessionTTL))
	assert.False(t, c.SessionFresh(now.Add(7*time.Hour), PasswordSessionTTL))

	c.MarkFailed("bad password")
	assert.Equal(t, CredentialFailed, c.Status)
	assert.Equal(t, "bad password", c.LastError)

	c.MarkExpired("session gone")
	assert.Equal(t, CredentialExpired, c.Status)

	c.MarkOnHold("billing")
	assert.Equal(t, CredentialHold, c.Status)

	c.ClearSession()
	assert.Empty(t, c.EncryptedSessionData)
	assert.Nil(t, c.LastLoginAt)
	assert.False(t, c.SessionFresh(now, PasswordSessionTTL))
}

func TestTrustedDeviceValid(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	c := &SupplierCredential{EncryptedTrustedDeviceToken: "tok", TrustedDeviceExpiresAt: &later}
	assert.True(t, c.TrustedDeviceValid(now))
	assert.False(t, c.TrustedDeviceValid(later.Add(time.Second)))

	c.EncryptedTrustedDeviceToken = ""
	assert.False(t, c.TrustedDeviceValid(now))
}

func TestAuthTypeSessionTTL(t *testing.T) {
	assert.Equal(t, 6*time.Hour, AuthPassword.SessionTTL())
	assert.Equal(t, 24*time.Hour, AuthTwoFA.SessionTTL())
	assert.Equal(t, 24*time.Hour, AuthWelcomeURL.SessionTTL())
	assert.True(t, AuthTwoFA.Valid())
	assert.False(t, AuthType("sso").Valid())
}

func TestScrapingLogLifecycle(t *testing.T) {
	now := time.Now()
	l := &ScrapingLog{Status: ScrapePending}

	l.Start(now)
	assert.Equal(t, ScrapeRunning, l.Status)

	l.Complete(now, 42)
	assert.Equal(t, ScrapeCompleted, l.Status)
	assert.Equal(t, 42, l.ProductsImported)

	f := &ScrapingLog{}
	f.Fail(now, "boom")
	assert.Equal(t, ScrapeFailed, f.Status)
	assert.Equal(t, "boom", f.ErrorMessage)
}
