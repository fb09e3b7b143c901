package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired means the refresh itself was rejected. There is no
// way back from this without a fresh login; callers should force logout.
var ErrSessionExpired = errors.New("token: session expired")

// ErrNoCredential means no credential is held at all (never logged in,
// or cleared by logout).
var ErrNoCredential = errors.New("token: no credential")

// Tier selects where a credential is persisted.
type Tier int

const (
	// TierSession keeps the credential in memory only. It is gone when
	// the process exits.
	TierSession Tier = iota
	// TierDurable additionally persists the credential to disk, the
	// "remember me" path. It survives restarts.
	TierDurable
)

func (t Tier) String() string {
	if t == TierDurable {
		return "durable"
	}
	return "session"
}

// Credential is the bearer pair for one authenticated user. ExpiresAt
// is read out of the access token's claims without verifying the
// signature; it is informational only — expiry is authoritative when
// the server answers 401 or closes the channel with 4401.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Store holds the current credential for the whole process. Both the
// request client and the channel supervisor read it; only Set, Clear
// and Refresh write it. Readers always observe a fully-formed
// credential or none.
type Store struct {
	refreshURL string
	httpClient *http.Client
	path       string // durable tier file

	mu   sync.RWMutex
	cred *Credential
	tier Tier

	flight singleflight.Group
}

// Config for NewStore. RefreshURL is the credential-refresh endpoint.
// Path is where the durable tier lives on disk; empty disables durable
// persistence (TierDurable then behaves like TierSession).
type Config struct {
	RefreshURL string
	Path       string
	HTTPClient *http.Client
}

func NewStore(cfg Config) *Store {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &Store{
		refreshURL: cfg.RefreshURL,
		httpClient: httpClient,
		path:       cfg.Path,
	}
	s.loadDurable()
	return s
}

// Get returns the current credential, if any.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Tier returns the tier of the currently held credential.
func (s *Store) Tier() Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tier
}

// Set installs a credential at the given tier. Called by login.
func (s *Store) Set(cred Credential, tier Tier) {
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = expiryOf(cred.AccessToken)
	}
	s.mu.Lock()
	s.cred = &cred
	s.tier = tier
	s.mu.Unlock()

	if tier == TierDurable {
		s.saveDurable(cred)
	} else {
		s.dropDurable()
	}
}

// Clear removes the credential from every tier. Called by logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cred = nil
	s.tier = TierSession
	s.mu.Unlock()
	s.dropDurable()
}

// refreshResponse is what the refresh endpoint answers with. A missing
// refresh_token means the old one is still good.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresh exchanges the current refresh token for a new access
// credential and persists it in whichever tier the previous credential
// used, so "remember me" survives refresh. Concurrent callers share a
// single in-flight exchange; every caller gets the same result. A
// rejected exchange returns ErrSessionExpired.
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	v, err, _ := s.flight.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (s *Store) refresh(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cur := s.cred
	tier := s.tier
	s.mu.RUnlock()
	if cur == nil {
		return Credential{}, ErrNoCredential
	}

	body, err := json.Marshal(map[string]string{"refresh_token": cur.RefreshToken})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Credential{}, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("token: refresh failed: %s", resp.Status)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("token: decode refresh response: %w", err)
	}

	next := Credential{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    expiryOf(out.AccessToken),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	// Same tier as before: a remembered login stays remembered.
	s.Set(next, tier)
	return next, nil
}

// expiryOf pulls the exp claim out of a JWT without verifying it. The
// client has no signing key; verification is the server's job.
func expiryOf(accessToken string) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// --- durable tier ---

func (s *Store) loadDurable() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return
	}
	s.mu.Lock()
	s.cred = &cred
	s.tier = TierDurable
	s.mu.Unlock()
}

func (s *Store) saveDurable(cred Credential) {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return
	}
	// Write-then-rename so a crashed write never leaves a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	os.Rename(tmp, s.path)
}

func (s *Store) dropDurable() {
	if s.path == "" {
		return
	}
	os.Remove(s.path)
}
