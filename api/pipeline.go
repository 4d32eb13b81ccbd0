// Package api implements the authenticated request pipeline: uniform HTTP
// execution against the remote API with bearer injection, bounded retries,
// and 401 recovery.
//
// The pipeline holds a constructor-injected lexcase.TokenSource (the session
// manager), so every authenticated call may transparently ride the session's
// synchronous-refresh path. Network retries and the single post-refresh retry
// draw from one shared budget, which keeps the request path strictly
// sequential: no two transport calls belonging to the same logical request
// are ever in flight at once.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/metrics"
)

// DefaultBackoff is the fixed wait between transport retries.
const DefaultBackoff = 1 * time.Second

// Pipeline executes requests against the remote API.
type Pipeline struct {
	baseURL    string
	httpClient *http.Client
	tokens     lexcase.TokenSource
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

var _ lexcase.Requester = (*Pipeline)(nil)

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets a custom HTTP transport.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBackoff overrides the fixed retry wait. Tests shrink it.
func WithBackoff(d time.Duration) Option {
	return func(p *Pipeline) { p.backoff = d }
}

// New creates a Pipeline for the API at cfg.BaseURL, drawing tokens from the
// given source.
func New(cfg lexcase.Config, tokens lexcase.TokenSource, opts ...Option) *Pipeline {
	cfg = cfg.WithDefaults()
	p := &Pipeline{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{},
		tokens:     tokens,
		timeout:    cfg.RequestTimeout,
		retries:    cfg.RetryAttempts,
		backoff:    DefaultBackoff,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Do executes one logical request. The returned Response is always non-nil;
// expected failures are encoded in it rather than raised:
//
//   - 2xx: Data (JSON) or Text (opaque) filled in.
//   - Other non-2xx: Err carries the response body verbatim.
//   - Transport failure after the retry budget: Err with Status 0.
//   - Unrecoverable 401: forced logout and the synthetic
//     {Status: 401, Err: "Authentication failed"}.
func (p *Pipeline) Do(ctx context.Context, endpoint string, req lexcase.Request) *lexcase.Response {
	start := time.Now()
	resp := p.do(ctx, endpoint, req)
	p.metrics.ObserveRequest(methodOf(req), resp.Status, time.Since(start))
	return resp
}

func (p *Pipeline) do(ctx context.Context, endpoint string, req lexcase.Request) *lexcase.Response {
	method := methodOf(req)

	body, isJSON, err := encodeBody(req)
	if err != nil {
		return &lexcase.Response{Status: 0, Err: err.Error()}
	}

	retries := p.retries
	if req.Retries != nil {
		retries = *req.Retries
	}

	requestID := lexcase.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	refreshed := false
	for {
		status, header, respBody, err := p.attempt(ctx, method, endpoint, body, isJSON, req, requestID)
		if err != nil {
			// the caller's own cancellation stops the loop; a fired
			// per-attempt deadline consumes budget like any other
			// transport failure
			if ctx.Err() != nil {
				return &lexcase.Response{Status: 0, Err: err.Error()}
			}
			if retries > 0 {
				retries--
				p.metrics.ObserveRetry()
				p.logger.Debug("transport error, retrying",
					"endpoint", endpoint, "error", err, "retries_left", retries)
				select {
				case <-time.After(p.backoff):
				case <-ctx.Done():
					return &lexcase.Response{Status: 0, Err: ctx.Err().Error()}
				}
				continue
			}
			return &lexcase.Response{Status: 0, Err: err.Error()}
		}

		if status == http.StatusUnauthorized && !req.SkipAuth {
			if refreshed {
				// the retried request is still unauthorized with a
				// freshly minted token; the session is unusable
				p.tokens.Logout(ctx)
				return &lexcase.Response{Status: http.StatusUnauthorized, Err: "Authentication failed"}
			}
			if p.tokens.RefreshToken(ctx) {
				if retries > 0 {
					// exactly one retry after a refresh, never a loop
					refreshed = true
					retries = 0
					continue
				}
			} else {
				p.tokens.Logout(ctx)
				return &lexcase.Response{Status: http.StatusUnauthorized, Err: "Authentication failed"}
			}
		}

		return shape(status, header, respBody)
	}
}

// attempt sends one transport call under the pipeline's wall-clock timeout and
// returns the raw outcome.
func (p *Pipeline) attempt(ctx context.Context, method, endpoint string, body []byte, isJSON bool, req lexcase.Request, requestID string) (int, http.Header, []byte, error) {
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(actx, method, p.baseURL+endpoint, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("lexcase/api: %w", err)
	}

	if isJSON {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Request-ID", requestID)

	if !req.SkipAuth && httpReq.Header.Get("Authorization") == "" {
		if tok, ok := p.tokens.ValidAccessToken(ctx); ok {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("lexcase/api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("lexcase/api: reading response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// shape converts a completed HTTP exchange into the pipeline's result form.
// Non-2xx bodies pass through verbatim; flattening structured error payloads
// is the presentation layer's job.
func shape(status int, header http.Header, body []byte) *lexcase.Response {
	if status < 200 || status > 299 {
		return &lexcase.Response{Status: status, Err: string(body)}
	}
	if isJSONContent(header.Get("Content-Type")) && json.Valid(body) {
		return &lexcase.Response{Status: status, Data: body}
	}
	return &lexcase.Response{Status: status, Text: string(body)}
}

func isJSONContent(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}

func encodeBody(req lexcase.Request) (body []byte, isJSON bool, err error) {
	if req.RawBody != nil {
		// buffered once so retries can replay it; content-type is left
		// to the caller so multipart boundaries survive
		data, err := io.ReadAll(req.RawBody)
		if err != nil {
			return nil, false, fmt.Errorf("lexcase/api: reading request body: %w", err)
		}
		return data, false, nil
	}
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, false, fmt.Errorf("lexcase/api: encoding request body: %w", err)
		}
		return data, true, nil
	}
	return nil, false, nil
}

func methodOf(req lexcase.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

// Get issues a GET request.
func (p *Pipeline) Get(ctx context.Context, endpoint string) *lexcase.Response {
	return p.Do(ctx, endpoint, lexcase.Request{Method: http.MethodGet})
}

// Post issues a POST request with a JSON body.
func (p *Pipeline) Post(ctx context.Context, endpoint string, body any) *lexcase.Response {
	return p.Do(ctx, endpoint, lexcase.Request{Method: http.MethodPost, Body: body})
}

// Put issues a PUT request with a JSON body.
func (p *Pipeline) Put(ctx context.Context, endpoint string, body any) *lexcase.Response {
	return p.Do(ctx, endpoint, lexcase.Request{Method: http.MethodPut, Body: body})
}

// Delete issues a DELETE request.
func (p *Pipeline) Delete(ctx context.Context, endpoint string) *lexcase.Response {
	return p.Do(ctx, endpoint, lexcase.Request{Method: http.MethodDelete})
}
