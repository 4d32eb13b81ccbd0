package lexcase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// User is the authenticated identity snapshot returned by the remote API.
// It is replaced wholesale on profile refresh and cleared on logout.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	FirmID string `json:"firm_id"`
	Active bool   `json:"is_active"`
}

// TokenPair holds the bearer credentials for a session. Access is short-lived
// and carries an expiry claim; Refresh is used solely to mint new access tokens.
// Both are opaque strings except for the decoded expiry claim of Access.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Claims represents the claims decoded from an access token.
type Claims struct {
	Subject   string
	Email     string
	FirmID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Extra     map[string]any
}

// PendingRegistration is the transient, lower-trust holding area for tokens
// issued during signup. It is promoted to a real session only after out-of-band
// email verification succeeds and never satisfies IsAuthenticated on its own.
type PendingRegistration struct {
	Email  string    `json:"verification_email"`
	Tag    string    `json:"verification_tag"`
	Tokens TokenPair `json:"pending_tokens"`
}

// APIError carries a non-2xx remote response verbatim. The SDK does not
// interpret structured error payloads; field extraction (unverified account,
// blocked account, validation messages) belongs to the presentation layer.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lexcase: remote returned %d: %s", e.Status, e.Body)
}

// Payload returns the raw response body.
func (e *APIError) Payload() []byte { return e.Body }

// Request describes a single call through the request pipeline.
type Request struct {
	// Method defaults to GET.
	Method string

	// Headers are merged on top of the pipeline's own headers.
	Headers map[string]string

	// Body is JSON-marshaled and sent with Content-Type: application/json.
	Body any

	// RawBody is sent as-is with no Content-Type, so multipart/binary
	// payloads keep their transport-generated framing. Takes precedence
	// over Body.
	RawBody io.Reader

	// SkipAuth suppresses bearer injection and 401 recovery.
	SkipAuth bool

	// Retries overrides the pipeline's retry budget when non-nil.
	Retries *int
}

// Response is the result of a pipeline call. It is always non-nil; expected
// failures are encoded in Status and Err rather than raised.
type Response struct {
	// Status is the HTTP status code, or 0 for transport-level failures.
	Status int

	// Data holds the parsed body of a 2xx JSON response.
	Data json.RawMessage

	// Text holds the opaque body of a 2xx non-JSON response.
	Text string

	// Err holds the verbatim error body of a non-2xx response, a transport
	// error message (Status 0), or the synthetic "Authentication failed".
	Err string
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the JSON payload of a successful response into v.
func (r *Response) Decode(v any) error {
	if !r.OK() {
		return fmt.Errorf("lexcase: cannot decode response with status %d", r.Status)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("lexcase: response has no JSON payload")
	}
	return json.Unmarshal(r.Data, v)
}

// LogoutReason tags why a session ended.
type LogoutReason string

const (
	// LogoutExplicit is a user-initiated logout.
	LogoutExplicit LogoutReason = "explicit"

	// LogoutRefreshFailed is a forced logout after a failed token refresh.
	LogoutRefreshFailed LogoutReason = "refresh_failed"

	// LogoutInactivity is a forced logout from the inactivity watchdog.
	LogoutInactivity LogoutReason = "inactivity"
)

// TokenSource is what the request pipeline needs from the session layer.
// Implemented by session.Manager.
type TokenSource interface {
	// ValidAccessToken returns an access token that is guaranteed not to be
	// expired at the moment of return, refreshing synchronously if required.
	// ok is false when no usable token exists.
	ValidAccessToken(ctx context.Context) (token string, ok bool)

	// RefreshToken exchanges the refresh credential for a new access token.
	// Returns false on any failure without raising.
	RefreshToken(ctx context.Context) bool

	// Logout clears all session state, locally and persisted.
	Logout(ctx context.Context)
}

// SessionManager is the full session surface exposed through the client hub.
type SessionManager interface {
	TokenSource

	// Login authenticates and establishes the session atomically: the
	// credential exchange and the identity fetch either both succeed or
	// no authenticated state is retained.
	Login(ctx context.Context, email, password, captchaToken string) (*User, error)

	// IsAuthenticated is a pure predicate, safe at arbitrary frequency.
	IsAuthenticated() bool

	// User returns the in-memory identity snapshot, or nil.
	User() *User

	// UpdateActivity stamps the activity clock and resets the inactivity
	// watchdog. Wire it to the embedding application's interaction signals.
	UpdateActivity()

	// InactivityTimeLeft returns the remaining idle budget for countdown UIs.
	InactivityTimeLeft() time.Duration
}

// Requester executes authenticated HTTP requests. Implemented by api.Pipeline.
type Requester interface {
	Do(ctx context.Context, endpoint string, req Request) *Response
}
