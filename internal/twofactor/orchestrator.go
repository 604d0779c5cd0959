// Package twofactor runs out-of-band verification challenges: it records a
// request, tells the user, blocks the operation until a code arrives, and
// feeds the code to the supplier page.
package twofactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/failures"
	"larder/internal/locale"
	"larder/internal/models"
	"larder/internal/notify"
	"larder/internal/secret"
	"larder/internal/store"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultTrustedDeviceTTL = 30 * 24 * time.Hour
)

var (
	ErrNotPending = errors.New("two-factor request is no longer pending")
	ErrEmptyCode  = errors.New("verification code is empty")
)

// Requests is the persistence the orchestrator needs.
type Requests interface {
	Create(ctx context.Context, req *models.TwoFactorRequest) error
	Get(ctx context.Context, id uint) (*models.TwoFactorRequest, error)
	Update(ctx context.Context, req *models.TwoFactorRequest, from models.TwoFactorStatus) error
	ExpireStale(ctx context.Context) (int64, error)
}

type Credentials interface {
	Save(ctx context.Context, c *models.SupplierCredential) error
}

// TrustedDevices stores remember-device tokens; session.Store satisfies it.
type TrustedDevices interface {
	SaveTrustedDevice(ctx context.Context, cred *models.SupplierCredential, token string, expires time.Time) error
}

// Options tune one challenge resolution.
type Options struct {
	RequestType models.TwoFactorRequestType
	// Timeout bounds the wait for each code; zero means models.TwoFactorTimeout.
	Timeout             time.Duration
	RememberDevice      bool
	TrustedDeviceCookie string
	TrustedDeviceTTL    time.Duration
}

type Orchestrator struct {
	requests Requests
	creds    Credentials
	devices  TrustedDevices
	notifier notify.Notifier
	box      *secret.Box

	PollInterval time.Duration
	Now          func() time.Time
}

func New(requests Requests, creds Credentials, devices TrustedDevices, notifier notify.Notifier, box *secret.Box) *Orchestrator {
	return &Orchestrator{
		requests:     requests,
		creds:        creds,
		devices:      devices,
		notifier:     notifier,
		box:          box,
		PollInterval: DefaultPollInterval,
		Now:          time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Submission is the answer to a human code submission. Success means the
// code was accepted for verification; the verdict follows as a code_result
// notification.
type Submission struct {
	Success           bool `json:"success"`
	CanRetry          bool `json:"canRetry"`
	AttemptsRemaining int  `json:"attemptsRemaining"`
}

// Resolve clears the challenge on page. It returns nil once the supplier
// accepts a code, or a failures.Error when the user cancels, the request
// times out or attempts run out. It blocks while waiting for the user.
func (o *Orchestrator) Resolve(ctx context.Context, page browser.Page, cred *models.SupplierCredential, ch *Challenge, r Responder, opts Options) error {
	supplier := cred.Supplier.Code
	logger := log.With().Str("supplier", supplier).Uint("credential_id", cred.ID).Str("two_fa_type", string(ch.Type)).Logger()

	if opts.RememberDevice {
		if err := r.RememberDevice(ctx, page); err != nil {
			logger.Debug().Err(err).Msg("Remember-device option unavailable")
		}
	}

	if ch.Type == models.TwoFactorTOTP && cred.EncryptedTOTPSecret != "" {
		ok, err := o.answerTOTP(ctx, page, cred, ch, r)
		if err != nil {
			return err
		}
		if ok {
			logger.Info().Msg("Verification answered from enrolled authenticator")
			return o.afterVerified(ctx, page, cred, opts)
		}
		logger.Warn().Msg("Generated authenticator code rejected, asking the user")
	}

	attempts := 0
	for {
		req, err := o.Begin(ctx, cred, ch, opts, attempts)
		if err != nil {
			return err
		}
		reqLog := logger.With().Uint("request_id", req.ID).Logger()
		reqLog.Info().Int("attempts", req.Attempts).Msg("Waiting for verification code")

		req, err = o.Await(ctx, req.ID)
		if err != nil {
			return withSupplier(err, supplier)
		}
		attempts = req.Attempts

		if err := r.EnterCode(ctx, page, ch, req.Code); err != nil {
			o.finish(ctx, cred, req, models.TwoFactorFailed, err.Error(), false)
			return failures.Scraping(supplier, err, "could not enter verification code")
		}
		still, err := r.StillChallenged(ctx, page, ch)
		if err != nil {
			o.finish(ctx, cred, req, models.TwoFactorFailed, err.Error(), false)
			return failures.Scraping(supplier, err, "could not read verification result")
		}

		if !still {
			o.finish(ctx, cred, req, models.TwoFactorVerified, "", false)
			reqLog.Info().Msg("Verification accepted")
			return o.afterVerified(ctx, page, cred, opts)
		}

		if attempts < models.MaxTwoFactorAttempts {
			remaining := models.MaxTwoFactorAttempts - attempts
			o.finish(ctx, cred, req, models.TwoFactorFailed, locale.T("two_fa_code_invalid", remaining), true)
			reqLog.Warn().Int("remaining", remaining).Msg("Verification code rejected")
			if err := r.Resend(ctx, page); err != nil {
				reqLog.Warn().Err(err).Msg("Failed to request a fresh code")
			}
			continue
		}

		o.finish(ctx, cred, req, models.TwoFactorFailed, locale.T("two_fa_attempts_exhausted"), false)
		reqLog.Warn().Msg("Verification attempts exhausted")
		return failures.Authentication(supplier, "verification code rejected too many times")
	}
}

// Begin records a pending request, flags the credential as 2FA-enabled and
// notifies the user. priorAttempts carries the attempt count over from a
// rejected request so the cap spans the whole challenge.
func (o *Orchestrator) Begin(ctx context.Context, cred *models.SupplierCredential, ch *Challenge, opts Options, priorAttempts int) (*models.TwoFactorRequest, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = models.TwoFactorTimeout
	}
	rtype := opts.RequestType
	if rtype == "" {
		rtype = models.RequestLogin
	}
	prompt := ch.Prompt
	if prompt == "" {
		prompt = locale.T("two_fa_prompt_default", cred.Supplier.Name)
	}

	now := o.now()
	req := &models.TwoFactorRequest{
		CredentialID:  cred.ID,
		UserID:        cred.UserID,
		RequestType:   rtype,
		TwoFAType:     ch.Type,
		Status:        models.TwoFactorPending,
		SessionToken:  uuid.NewString(),
		PromptMessage: prompt,
		Attempts:      priorAttempts,
		ExpiresAt:     now.Add(timeout),
	}
	if err := o.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create two-factor request: %w", err)
	}

	if !cred.TwoFAEnabled {
		cred.TwoFAEnabled = true
		if err := o.creds.Save(ctx, cred); err != nil {
			log.Warn().Err(err).Uint("credential_id", cred.ID).Msg("Failed to flag credential as 2FA-enabled")
		}
	}

	// the request row is the durable signal; a failed push is not fatal
	if err := o.notifier.Notify(ctx, cred.UserID, notify.TwoFARequired{
		RequestID:     req.ID,
		SessionToken:  req.SessionToken,
		SupplierName:  cred.Supplier.Name,
		TwoFaType:     string(req.TwoFAType),
		PromptMessage: req.PromptMessage,
		ExpiresAt:     req.ExpiresAt,
	}); err != nil {
		log.Warn().Err(err).Uint("request_id", req.ID).Msg("Failed to notify user of verification request")
	}
	return req, nil
}

// Await polls the request until a code is submitted and returns the
// submitted request. The wait ends at the request's own expires_at however
// late the poller runs; a cancelled or expired request ends the operation.
func (o *Orchestrator) Await(ctx context.Context, requestID uint) (*models.TwoFactorRequest, error) {
	interval := o.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		req, err := o.requests.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load two-factor request: %w", err)
		}

		switch req.Status {
		case models.TwoFactorSubmitted:
			return req, nil
		case models.TwoFactorCancelled:
			return nil, failures.New(failures.KindTwoFactorCancelled, "", "verification cancelled by user")
		case models.TwoFactorExpired:
			return nil, failures.New(failures.KindTwoFactorTimeout, "", "verification request expired")
		case models.TwoFactorPending:
		default:
			return nil, fmt.Errorf("%w: request %d is %s", ErrNotPending, req.ID, req.Status)
		}

		now := o.now()
		if req.Expired(now) {
			if err := req.Transition(models.TwoFactorExpired, now); err != nil {
				return nil, err
			}
			if err := o.requests.Update(ctx, req, models.TwoFactorPending); err != nil {
				if errors.Is(err, store.ErrStale) {
					// a code landed at the deadline; re-read it
					continue
				}
				return nil, err
			}
			return nil, failures.New(failures.KindTwoFactorTimeout, "", "no verification code before deadline")
		}

		wait := interval
		if left := req.ExpiresAt.Sub(now); left < wait {
			wait = left
		}
		if err := browser.Sleep(ctx, wait); err != nil {
			o.abandon(req)
			return nil, err
		}
	}
}

// abandon cancels a still-pending request whose operation went away, so it
// does not block the next challenge for the credential.
func (o *Orchestrator) abandon(req *models.TwoFactorRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cur, err := o.requests.Get(ctx, req.ID)
	if err != nil || cur.Status != models.TwoFactorPending {
		return
	}
	if err := cur.Transition(models.TwoFactorCancelled, o.now()); err != nil {
		return
	}
	if err := o.requests.Update(ctx, cur, models.TwoFactorPending); err != nil {
		log.Debug().Err(err).Uint("request_id", req.ID).Msg("Failed to cancel abandoned verification request")
	}
}

// SubmitCode records a human-entered code against a pending request.
func (o *Orchestrator) SubmitCode(ctx context.Context, requestID uint, code string) (Submission, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Submission{}, ErrEmptyCode
	}
	req, err := o.requests.Get(ctx, requestID)
	if err != nil {
		return Submission{}, err
	}

	now := o.now()
	rejected := Submission{AttemptsRemaining: req.AttemptsRemaining()}
	if req.Attempts >= models.MaxTwoFactorAttempts || req.Status != models.TwoFactorPending {
		return rejected, nil
	}
	if req.Expired(now) {
		if err := req.Transition(models.TwoFactorExpired, now); err == nil {
			_ = o.requests.Update(ctx, req, models.TwoFactorPending)
		}
		return rejected, nil
	}

	req.Code = code
	req.Attempts++
	if err := req.Transition(models.TwoFactorSubmitted, now); err != nil {
		return rejected, nil
	}
	if err := o.requests.Update(ctx, req, models.TwoFactorPending); err != nil {
		if errors.Is(err, store.ErrStale) {
			return rejected, nil
		}
		return Submission{}, err
	}

	log.Info().Uint("request_id", req.ID).Int("attempts", req.Attempts).Msg("Verification code submitted")
	return Submission{
		Success:           true,
		CanRetry:          req.AttemptsRemaining() > 0,
		AttemptsRemaining: req.AttemptsRemaining(),
	}, nil
}

// Cancel aborts a pending request; the waiting operation fails at its next
// poll.
func (o *Orchestrator) Cancel(ctx context.Context, requestID uint) error {
	req, err := o.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if err := req.Transition(models.TwoFactorCancelled, o.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPending, err)
	}
	if err := o.requests.Update(ctx, req, models.TwoFactorPending); err != nil {
		if errors.Is(err, store.ErrStale) {
			return ErrNotPending
		}
		return err
	}
	log.Info().Uint("request_id", req.ID).Msg("Verification request cancelled")
	return nil
}

// ExpireStale moves overdue pending requests to expired.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int64, error) {
	n, err := o.requests.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("expired", n).Msg("Expired stale verification requests")
	}
	return n, nil
}

// finish moves a submitted request to its verdict and tells the user.
func (o *Orchestrator) finish(ctx context.Context, cred *models.SupplierCredential, req *models.TwoFactorRequest, to models.TwoFactorStatus, message string, canRetry bool) {
	if err := req.Transition(to, o.now()); err != nil {
		log.Error().Err(err).Uint("request_id", req.ID).Msg("Invalid verification transition")
		return
	}
	if err := o.requests.Update(ctx, req, models.TwoFactorSubmitted); err != nil {
		log.Error().Err(err).Uint("request_id", req.ID).Msg("Failed to record verification result")
	}
	res := notify.CodeResult{RequestID: req.ID, Success: to == models.TwoFactorVerified, Error: message, CanRetry: canRetry}
	if err := o.notifier.Notify(ctx, cred.UserID, res); err != nil {
		log.Warn().Err(err).Uint("request_id", req.ID).Msg("Failed to notify verification result")
	}
}

func (o *Orchestrator) answerTOTP(ctx context.Context, page browser.Page, cred *models.SupplierCredential, ch *Challenge, r Responder) (bool, error) {
	seed, err := o.box.Decrypt(cred.EncryptedTOTPSecret)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt authenticator secret: %w", err)
	}
	code, err := totp.GenerateCode(seed, o.now())
	if err != nil {
		return false, fmt.Errorf("failed to generate authenticator code: %w", err)
	}
	if err := r.EnterCode(ctx, page, ch, code); err != nil {
		return false, failures.Scraping(cred.Supplier.Code, err, "could not enter authenticator code")
	}
	still, err := r.StillChallenged(ctx, page, ch)
	if err != nil {
		return false, err
	}
	return !still, nil
}

// afterVerified keeps a remember-device cookie the supplier may have set.
func (o *Orchestrator) afterVerified(ctx context.Context, page browser.Page, cred *models.SupplierCredential, opts Options) error {
	if !opts.RememberDevice || opts.TrustedDeviceCookie == "" || o.devices == nil {
		return nil
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil
	}
	for _, c := range cookies {
		if c.Name != opts.TrustedDeviceCookie || c.Value == "" {
			continue
		}
		ttl := opts.TrustedDeviceTTL
		if ttl <= 0 {
			ttl = DefaultTrustedDeviceTTL
		}
		expires := o.now().Add(ttl)
		if c.Expires > 0 {
			expires = time.Unix(int64(c.Expires), 0)
		}
		if err := o.devices.SaveTrustedDevice(ctx, cred, c.Value, expires); err != nil {
			log.Warn().Err(err).Uint("credential_id", cred.ID).Msg("Failed to store trusted device token")
		}
		return nil
	}
	return nil
}

func withSupplier(err error, supplier string) error {
	var fe *failures.Error
	if errors.As(err, &fe) && fe.Supplier == "" {
		fe.Supplier = supplier
	}
	return err
}
