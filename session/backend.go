package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	lexcase "github.com/lexcase/lexcase-go"
)

// Backend is the contract for the four remote auth endpoints the session
// manager consumes. Non-2xx responses surface as *lexcase.APIError carrying
// the verbatim body; transport failures surface as wrapped errors.
type Backend interface {
	// Authenticate exchanges credentials for a token pair.
	Authenticate(ctx context.Context, email, password, captchaToken string) (lexcase.TokenPair, error)

	// Refresh exchanges the refresh credential for a new access token.
	// The refresh credential itself is never rotated.
	Refresh(ctx context.Context, refreshToken string) (string, error)

	// Identity fetches the current user's profile with a bearer token.
	Identity(ctx context.Context, accessToken string) (*lexcase.User, error)

	// Logout notifies the remote endpoint that the session ended.
	// Callers treat it as best-effort.
	Logout(ctx context.Context, accessToken string) error
}

// HTTPBackend implements Backend against the REST API.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// BackendOption configures the HTTPBackend.
type BackendOption func(*HTTPBackend)

// WithHTTPClient sets a custom HTTP client for auth endpoint calls.
func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.httpClient = c }
}

// NewHTTPBackend creates a Backend speaking to the API at baseURL.
func NewHTTPBackend(baseURL string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: lexcase.DefaultRequestTimeout},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// Authenticate exchanges credentials for a token pair.
func (b *HTTPBackend) Authenticate(ctx context.Context, email, password, captchaToken string) (lexcase.TokenPair, error) {
	var pair lexcase.TokenPair
	err := b.postJSON(ctx, "/api/v1/auth/login", loginRequest{
		Email:        email,
		Password:     password,
		CaptchaToken: captchaToken,
	}, "", &pair)
	if err != nil {
		return lexcase.TokenPair{}, err
	}
	if pair.Access == "" || pair.Refresh == "" {
		return lexcase.TokenPair{}, fmt.Errorf("lexcase/session: login response missing tokens")
	}
	return pair, nil
}

// Refresh exchanges the refresh credential for a new access token.
func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var resp refreshResponse
	err := b.postJSON(ctx, "/api/v1/auth/refresh", refreshRequest{Refresh: refreshToken}, "", &resp)
	if err != nil {
		return "", err
	}
	if resp.Access == "" {
		return "", fmt.Errorf("lexcase/session: refresh response missing access token")
	}
	return resp.Access, nil
}

// Identity fetches the current user's profile with a bearer token.
func (b *HTTPBackend) Identity(ctx context.Context, accessToken string) (*lexcase.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v1/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("lexcase/session: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := b.do(req)
	if err != nil {
		return nil, err
	}

	var user lexcase.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("lexcase/session: decoding identity: %w", err)
	}
	return &user, nil
}

// Logout notifies the remote endpoint that the session ended.
func (b *HTTPBackend) Logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("lexcase/session: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	_, err = b.do(req)
	return err
}

func (b *HTTPBackend) postJSON(ctx context.Context, path string, payload any, bearer string, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("lexcase/session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("lexcase/session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	body, err := b.do(req)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("lexcase/session: decoding response: %w", err)
		}
	}
	return nil
}

// do executes the request and returns the body of a 2xx response. Non-2xx
// responses become *lexcase.APIError with the body untouched.
func (b *HTTPBackend) do(req *http.Request) ([]byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lexcase/session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lexcase/session: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &lexcase.APIError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}
