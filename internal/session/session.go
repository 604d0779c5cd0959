// Package session persists and rehydrates a supplier's browser session
// (cookies plus origin-scoped storage) inside the credential's encrypted
// session blob.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/models"
	"larder/internal/secret"
)

// Data is the decrypted shape of SupplierCredential.EncryptedSessionData.
type Data struct {
	Cookies        []browser.Cookie  `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	Origin         string            `json:"origin,omitempty"`
	SavedAt        time.Time         `json:"saved_at,omitempty"`
}

func (d *Data) empty() bool {
	return len(d.Cookies) == 0 && len(d.LocalStorage) == 0 && len(d.SessionStorage) == 0
}

// Decode parses a session blob. Blobs written before storage was captured
// are a flat name → value cookie map; those are accepted too.
func Decode(raw []byte) (*Data, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	if _, ok := probe["cookies"]; ok {
		var d Data
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to decode session data: %w", err)
		}
		return &d, nil
	}

	d := &Data{}
	for name, v := range probe {
		var value string
		if err := json.Unmarshal(v, &value); err != nil {
			// not a flat cookie map either
			return nil, fmt.Errorf("unrecognised session data field %q", name)
		}
		d.Cookies = append(d.Cookies, browser.Cookie{Name: name, Value: value, Path: "/"})
	}
	return d, nil
}

// CredentialSaver persists credential status and blob changes.
type CredentialSaver interface {
	Save(ctx context.Context, c *models.SupplierCredential) error
}

type Store struct {
	box   *secret.Box
	creds CredentialSaver
	Now   func() time.Time
}

func New(box *secret.Box, creds CredentialSaver) *Store {
	return &Store{box: box, creds: creds, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save captures the page's cookies and storage into cred, stamps the login
// time and marks the credential active.
func (s *Store) Save(ctx context.Context, page browser.Page, cred *models.SupplierCredential) error {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	d := Data{Cookies: cookies, SavedAt: s.now().UTC()}

	// storage is best effort: some pages (about:blank, error pages) deny it
	if v, err := page.Storage(ctx, browser.LocalStorage); err == nil && len(v) > 0 {
		d.LocalStorage = v
	}
	if v, err := page.Storage(ctx, browser.SessionStorage); err == nil && len(v) > 0 {
		d.SessionStorage = v
	}
	if info, err := page.Info(ctx); err == nil {
		d.Origin = originOf(info.URL)
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	enc, err := s.box.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("failed to encrypt session data: %w", err)
	}
	cred.EncryptedSessionData = enc
	cred.MarkActive(s.now())
	if err := s.creds.Save(ctx, cred); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	log.Debug().
		Uint("credential_id", cred.ID).
		Int("cookies", len(d.Cookies)).
		Int("local_storage", len(d.LocalStorage)).
		Int("session_storage", len(d.SessionStorage)).
		Msg("Session saved")
	return nil
}

// Restore rehydrates a stored session into page. It returns false without
// touching the page when the last login is older than ttl (zero means the
// supplier auth type's default) or nothing usable is stored. A true result
// only means restoration was plausible; callers still verify liveness.
func (s *Store) Restore(ctx context.Context, page browser.Page, cred *models.SupplierCredential, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = cred.Supplier.AuthType.SessionTTL()
	}
	now := s.now()
	if !cred.SessionFresh(now, ttl) {
		log.Debug().Uint("credential_id", cred.ID).Dur("ttl", ttl).Msg("Stored session outside validity window")
		return false, nil
	}

	plain, err := s.box.Decrypt(cred.EncryptedSessionData)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt session data: %w", err)
	}
	d, err := Decode([]byte(plain))
	if err != nil {
		return false, err
	}

	origin := d.Origin
	if origin == "" {
		origin = originOf(cred.Supplier.BaseURL)
	}
	host := hostOf(origin)

	cookies := make([]browser.Cookie, 0, len(d.Cookies))
	for _, c := range d.Cookies {
		if c.Expired(now) {
			continue
		}
		if c.Domain == "" {
			c.Domain = host
		}
		cookies = append(cookies, c)
	}
	d.Cookies = cookies
	if d.empty() {
		return false, nil
	}

	if len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			return false, fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if len(d.LocalStorage) == 0 && len(d.SessionStorage) == 0 {
		return true, nil
	}
	if origin == "" {
		return len(cookies) > 0, nil
	}
	// storage is origin scoped, so the page must be on the origin first
	if err := page.Navigate(ctx, origin); err != nil {
		return false, fmt.Errorf("failed to open %s: %w", origin, err)
	}
	if len(d.LocalStorage) > 0 {
		if err := page.SetStorage(ctx, browser.LocalStorage, d.LocalStorage); err != nil {
			return false, fmt.Errorf("failed to restore local storage: %w", err)
		}
	}
	if len(d.SessionStorage) > 0 {
		if err := page.SetStorage(ctx, browser.SessionStorage, d.SessionStorage); err != nil {
			return false, fmt.Errorf("failed to restore session storage: %w", err)
		}
	}
	return true, nil
}

// Clear drops the stored session and trusted-device token.
func (s *Store) Clear(ctx context.Context, cred *models.SupplierCredential) error {
	cred.ClearSession()
	return s.creds.Save(ctx, cred)
}

// SaveTrustedDevice stores a supplier-issued remember-device token.
func (s *Store) SaveTrustedDevice(ctx context.Context, cred *models.SupplierCredential, token string, expires time.Time) error {
	if token == "" {
		return errors.New("empty trusted device token")
	}
	enc, err := s.box.Encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt trusted device token: %w", err)
	}
	cred.EncryptedTrustedDeviceToken = enc
	cred.TrustedDeviceExpiresAt = &expires
	return s.creds.Save(ctx, cred)
}

// RestoreTrustedDevice plants a still-valid trusted-device token as the
// named cookie. It reports false when there is nothing valid to plant.
func (s *Store) RestoreTrustedDevice(ctx context.Context, page browser.Page, cred *models.SupplierCredential, cookieName string) (bool, error) {
	if cookieName == "" || !cred.TrustedDeviceValid(s.now()) {
		return false, nil
	}
	token, err := s.box.Decrypt(cred.EncryptedTrustedDeviceToken)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt trusted device token: %w", err)
	}
	c := browser.Cookie{
		Name:     cookieName,
		Value:    token,
		Domain:   hostOf(cred.Supplier.BaseURL),
		Path:     "/",
		Expires:  float64(cred.TrustedDeviceExpiresAt.Unix()),
		Secure:   true,
		HTTPOnly: true,
	}
	if err := page.SetCookies(ctx, []browser.Cookie{c}); err != nil {
		return false, fmt.Errorf("failed to plant trusted device cookie: %w", err)
	}
	return true, nil
}

// TrustedDeviceToken returns the value of cookieName from the page, if set.
func TrustedDeviceToken(ctx context.Context, page browser.Page, cookieName string) (browser.Cookie, bool) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return browser.Cookie{}, false
	}
	for _, c := range cookies {
		if c.Name == cookieName && c.Value != "" {
			return c, true
		}
	}
	return browser.Cookie{}, false
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
