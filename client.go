// Package lexcase is the Go client SDK for the LexCase legal case management
// API. It owns the client-side session lifecycle — token storage, expiry
// detection, refresh-on-demand, inactivity timeout — and an authenticated HTTP
// request pipeline with bounded retries and 401 recovery.
//
// Components are constructed explicitly at application bootstrap and injected
// via Option functions; there is no hidden singleton. Typical wiring:
//
//	cfg := lexcase.FromEnv()
//	sess := session.New(cfg, session.NewHTTPBackend(cfg.BaseURL), store.NewFile(""))
//	client, err := lexcase.NewClient(cfg,
//	    lexcase.WithSession(sess),
//	    lexcase.WithPipeline(api.New(cfg, sess)),
//	)
package lexcase

import (
	"fmt"
	"io"
	"log/slog"
)

// Client is the entry point for LexCase API operations. The session manager
// and request pipeline are injected via Option functions.
type Client struct {
	config   Config
	logger   *slog.Logger
	session  SessionManager
	pipeline Requester
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSession sets the session manager implementation.
func WithSession(s SessionManager) Option {
	return func(c *Client) { c.session = s }
}

// WithPipeline sets the request pipeline implementation.
func WithPipeline(p Requester) Option {
	return func(c *Client) { c.pipeline = p }
}

// NewClient creates a new LexCase client with the given configuration and
// options. A missing BaseURL is a configuration error.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lexcase: BaseURL is required")
	}
	cfg = cfg.WithDefaults()

	c := &Client{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Session returns the session manager, or nil if not configured.
func (c *Client) Session() SessionManager { return c.session }

// API returns the request pipeline, or nil if not configured.
func (c *Client) API() Requester { return c.pipeline }

// Close releases all resources held by the client. Any injected component
// that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []interface{}{c.session, c.pipeline}
	var firstErr error
	for _, comp := range closers {
		if cl, ok := comp.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
