// Package fake provides an in-memory session.Backend for tests and demos.
//
// Use fake.NewBackend() to drive the session manager without network calls.
// Minted access tokens are real signed HS256 JWTs with controllable
// lifetimes, so client-side expiry decoding behaves exactly as it does
// against the production API.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/session"
)

type account struct {
	password string
	user     lexcase.User
}

// Backend is an in-memory implementation of session.Backend.
type Backend struct {
	mu        sync.RWMutex
	accounts  map[string]*account // email → account
	refreshes map[string]string   // refresh token → email
	accessTTL time.Duration
	key       []byte
	seq       atomic.Int64

	failRefresh atomic.Bool

	// call counters for assertions
	AuthenticateCalls atomic.Int32
	RefreshCalls      atomic.Int32
	IdentityCalls     atomic.Int32
	LogoutCalls       atomic.Int32
}

var _ session.Backend = (*Backend)(nil)

// Option configures the fake backend.
type Option func(*Backend)

// WithAccount registers a login-able account.
func WithAccount(email, password string, user lexcase.User) Option {
	return func(b *Backend) {
		b.accounts[email] = &account{password: password, user: user}
	}
}

// WithAccessTTL sets the lifetime of minted access tokens. Default: 15 minutes.
func WithAccessTTL(d time.Duration) Option {
	return func(b *Backend) { b.accessTTL = d }
}

// WithSigningKey sets the HS256 key for minted tokens.
func WithSigningKey(key []byte) Option {
	return func(b *Backend) { b.key = key }
}

// NewBackend creates an empty fake backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		accounts:  make(map[string]*account),
		refreshes: make(map[string]string),
		accessTTL: 15 * time.Minute,
		key:       []byte("fake-signing-key"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetFailRefresh makes subsequent Refresh calls fail, simulating a revoked
// refresh credential.
func (b *Backend) SetFailRefresh(fail bool) { b.failRefresh.Store(fail) }

// MintAccess creates a signed access token for the given user expiring after ttl.
func (b *Backend) MintAccess(u lexcase.User, ttl time.Duration) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     u.ID,
		"email":   u.Email,
		"firm_id": u.FirmID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	signed, err := tok.SignedString(b.key)
	if err != nil {
		panic(fmt.Sprintf("fake: signing token: %v", err))
	}
	return signed
}

// Authenticate exchanges credentials for a token pair. Unknown credentials
// yield a 401 *lexcase.APIError with a JSON payload, like the real API.
func (b *Backend) Authenticate(ctx context.Context, email, password, captchaToken string) (lexcase.TokenPair, error) {
	b.AuthenticateCalls.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[email]
	if !ok || acct.password != password {
		body, _ := json.Marshal(map[string]string{"detail": "Invalid credentials"})
		return lexcase.TokenPair{}, &lexcase.APIError{Status: 401, Body: body}
	}

	refresh := fmt.Sprintf("refresh-%s-%d", acct.user.ID, b.seq.Add(1))
	b.refreshes[refresh] = email

	return lexcase.TokenPair{
		Access:  b.MintAccess(acct.user, b.accessTTL),
		Refresh: refresh,
	}, nil
}

// Refresh mints a new access token for a known refresh credential. The
// refresh credential is never rotated.
func (b *Backend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	b.RefreshCalls.Add(1)

	if b.failRefresh.Load() {
		body, _ := json.Marshal(map[string]string{"detail": "Token revoked"})
		return "", &lexcase.APIError{Status: 401, Body: body}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	email, ok := b.refreshes[refreshToken]
	if !ok {
		body, _ := json.Marshal(map[string]string{"detail": "Unknown refresh token"})
		return "", &lexcase.APIError{Status: 401, Body: body}
	}
	return b.MintAccess(b.accounts[email].user, b.accessTTL), nil
}

// Identity resolves the user a minted access token belongs to.
func (b *Backend) Identity(ctx context.Context, accessToken string) (*lexcase.User, error) {
	b.IdentityCalls.Add(1)

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})).
		ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) { return b.key, nil })
	if err != nil || !parsed.Valid {
		body, _ := json.Marshal(map[string]string{"detail": "Invalid token"})
		return nil, &lexcase.APIError{Status: 401, Body: body}
	}

	sub, _ := claims["sub"].(string)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, acct := range b.accounts {
		if acct.user.ID == sub {
			u := acct.user
			return &u, nil
		}
	}
	body, _ := json.Marshal(map[string]string{"detail": "User not found"})
	return nil, &lexcase.APIError{Status: 404, Body: body}
}

// Logout records the notification and always succeeds.
func (b *Backend) Logout(ctx context.Context, accessToken string) error {
	b.LogoutCalls.Add(1)
	return nil
}
