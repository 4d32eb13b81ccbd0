// Package session owns the client-side session: the authenticated identity,
// the access/refresh token pair, their persisted mirror, and the inactivity
// watchdog.
//
// A Manager is the single source of truth for "who is logged in" and "is the
// current access credential usable right now". Token renewal is dual-mode: a
// definitely-expired access token is refreshed synchronously before any token
// is handed out, while a token merely close to expiry triggers a background
// refresh and is returned immediately. All refresh paths — synchronous,
// proactive, and 401 recovery — are collapsed into one in-flight exchange via
// singleflight, so concurrent callers never race redundant refresh requests.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/audit"
	"github.com/lexcase/lexcase-go/metrics"
	"github.com/lexcase/lexcase-go/store"
	"github.com/lexcase/lexcase-go/token"
)

// snapshot is the persisted session blob. It always mirrors the last
// known-good in-memory state; every mutation rewrites it whole.
type snapshot struct {
	Tokens       lexcase.TokenPair `json:"tokens"`
	User         *lexcase.User     `json:"user"`
	LastActivity int64             `json:"lastActivity"` // unix ms
}

// Manager implements lexcase.SessionManager.
type Manager struct {
	cfg     lexcase.Config
	backend Backend
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	onLogout func(lexcase.LogoutReason)
	now      func() time.Time

	mu           sync.Mutex
	user         *lexcase.User
	tokens       lexcase.TokenPair
	accessExp    time.Time
	lastActivity time.Time
	initialized  bool
	pending      *lexcase.PendingRegistration
	watchdog     *time.Timer

	sf singleflight.Group
}

var _ lexcase.SessionManager = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithAudit attaches an audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogoutHandler sets the callback invoked after any session termination —
// explicit, refresh failure, or inactivity. The embedding application routes
// it to its login entry point.
func WithLogoutHandler(fn func(lexcase.LogoutReason)) Option {
	return func(m *Manager) { m.onLogout = fn }
}

// WithClock overrides the time source. Tests use it to steer expiry and
// inactivity math; the watchdog timer itself always runs on wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager and restores any persisted session. A stored snapshot
// whose access token still decodes to a future expiry — and whose idle budget
// is not already spent — restores the session to Authenticated without any
// network call; anything else is discarded and the session starts
// Unauthenticated.
func New(cfg lexcase.Config, backend Backend, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.WithDefaults(),
		backend: backend,
		store:   st,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	m.restore()
	m.loadPending()
	return m
}

// Login authenticates against the remote API and establishes the session.
// The credential exchange and the follow-up identity fetch are all-or-nothing:
// if the profile fetch fails, no partially-authenticated state is retained and
// the fetch error is returned. Credential rejections come back as
// *lexcase.APIError with the server's payload unmodified.
func (m *Manager) Login(ctx context.Context, email, password, captchaToken string) (*lexcase.User, error) {
	pair, err := m.backend.Authenticate(ctx, email, password, captchaToken)
	if err != nil {
		m.metrics.ObserveLogin(false)
		m.audit.Emit(audit.Event{Action: audit.ActionLoginFailed, Email: email, Error: err.Error()})
		return nil, err
	}

	user, err := m.backend.Identity(ctx, pair.Access)
	if err != nil {
		m.metrics.ObserveLogin(false)
		m.audit.Emit(audit.Event{Action: audit.ActionLoginFailed, Email: email, Error: err.Error()})
		return nil, err
	}

	m.mu.Lock()
	m.user = user
	m.tokens = pair
	m.accessExp = token.ExpiresAt(pair.Access)
	m.lastActivity = m.now()
	m.initialized = true
	m.persistLocked()
	m.armWatchdogLocked(m.cfg.InactivityTimeout)
	m.mu.Unlock()

	m.metrics.ObserveLogin(true)
	m.metrics.SetAuthenticated(true)
	m.audit.Emit(audit.Event{Action: audit.ActionLogin, UserID: user.ID, Email: user.Email})
	m.logger.Info("session established", "user", user.ID, "firm", user.FirmID)
	return user, nil
}

// ValidAccessToken returns an access token guaranteed not to be expired at the
// moment of return. A token already past its expiry claim is refreshed
// synchronously — failure forces logout and yields ok=false. A token still
// valid but within the refresh threshold of expiry triggers a background
// refresh and is returned immediately, so the common case never blocks on a
// network round trip.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, bool) {
	m.mu.Lock()
	access := m.tokens.Access
	exp := m.accessExp
	m.mu.Unlock()

	if access == "" {
		return "", false
	}

	now := m.now()
	if !exp.After(now) {
		if !m.refresh(ctx, "sync") {
			m.logout(ctx, lexcase.LogoutRefreshFailed)
			return "", false
		}
		m.mu.Lock()
		access = m.tokens.Access
		m.mu.Unlock()
		return access, true
	}

	if exp.Sub(now) <= m.cfg.RefreshThreshold {
		go m.refresh(context.WithoutCancel(ctx), "async")
	}
	return access, true
}

// RefreshToken exchanges the held refresh token for a new access token.
// The refresh token itself is never rotated. Returns false on any non-2xx
// response or network error, without raising.
func (m *Manager) RefreshToken(ctx context.Context) bool {
	return m.refresh(ctx, "sync")
}

func (m *Manager) refresh(ctx context.Context, mode string) bool {
	m.mu.Lock()
	refresh := m.tokens.Refresh
	m.mu.Unlock()
	if refresh == "" {
		return false
	}

	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		access, err := m.backend.Refresh(ctx, refresh)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		// the session may have been cleared or replaced while the
		// exchange was in flight; a stale result must not resurrect it
		if m.tokens.Refresh != refresh {
			return nil, fmt.Errorf("lexcase/session: session changed during refresh")
		}
		m.tokens.Access = access
		m.accessExp = token.ExpiresAt(access)
		m.persistLocked()
		return access, nil
	})

	if err != nil {
		m.metrics.ObserveRefresh(mode, false)
		m.audit.Emit(audit.Event{Action: audit.ActionRefreshFailed, Error: err.Error()})
		m.logger.Warn("token refresh failed", "mode", mode, "error", err)
		return false
	}
	m.metrics.ObserveRefresh(mode, true)
	m.audit.Emit(audit.Event{Action: audit.ActionRefresh, Details: mode})
	return true
}

// Logout ends the session: best-effort remote notification, unconditional
// local and persisted cleanup, watchdog cancellation, and the logout callback.
func (m *Manager) Logout(ctx context.Context) {
	m.logout(ctx, lexcase.LogoutExplicit)
}

func (m *Manager) logout(ctx context.Context, reason lexcase.LogoutReason) {
	m.mu.Lock()
	access := m.tokens.Access
	user := m.user
	m.user = nil
	m.tokens = lexcase.TokenPair{}
	m.accessExp = time.Time{}
	m.lastActivity = time.Time{}
	m.initialized = false
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.mu.Unlock()

	if access != "" {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := m.backend.Logout(nctx, access); err != nil {
			m.logger.Debug("remote logout notification failed", "error", err)
		}
		cancel()
	}

	if err := m.store.Clear(m.cfg.StorageKey); err != nil {
		m.logger.Warn("clearing persisted session failed", "error", err)
	}

	event := audit.Event{Action: audit.ActionLogout, Details: string(reason)}
	if reason == lexcase.LogoutInactivity {
		event.Action = audit.ActionInactivityTimeout
	}
	if user != nil {
		event.UserID = user.ID
		event.Email = user.Email
	}
	m.audit.Emit(event)
	m.metrics.ObserveLogout(string(reason))
	m.metrics.SetAuthenticated(false)
	m.logger.Info("session ended", "reason", reason)

	if m.onLogout != nil {
		m.onLogout(reason)
	}
}

// IsAuthenticated reports whether the session holds an initialized identity
// with an access token whose decoded expiry is still in the future. It is a
// pure predicate with no side effects, safe at arbitrary frequency. Token
// decode failures count as expired.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized &&
		m.user != nil &&
		m.tokens.Access != "" &&
		m.accessExp.After(m.now())
}

// User returns the in-memory identity snapshot, or nil. It never reads
// storage.
func (m *Manager) User() *lexcase.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// UpdateActivity stamps the activity clock, persists the snapshot, and resets
// the inactivity countdown. The embedding application wires it to its user
// interaction signals.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	m.lastActivity = m.now()
	m.persistLocked()
	m.armWatchdogLocked(m.cfg.InactivityTimeout)
}

// InactivityTimeLeft returns the remaining idle budget, for countdown display.
func (m *Manager) InactivityTimeLeft() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return 0
	}
	left := m.cfg.InactivityTimeout - m.now().Sub(m.lastActivity)
	if left < 0 {
		return 0
	}
	return left
}

// Close cancels the inactivity watchdog. The persisted snapshot is left in
// place so the next process can restore the session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	return nil
}

func (m *Manager) restore() {
	data, ok, err := m.store.Load(m.cfg.StorageKey)
	if err != nil {
		m.logger.Warn("loading persisted session failed", "error", err)
		return
	}
	if !ok {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("discarding corrupt session snapshot", "error", err)
		_ = m.store.Clear(m.cfg.StorageKey)
		return
	}

	now := m.now()
	exp := token.ExpiresAt(snap.Tokens.Access)
	lastActivity := time.UnixMilli(snap.LastActivity)
	idleFor := now.Sub(lastActivity)

	if snap.User == nil || !exp.After(now) || idleFor >= m.cfg.InactivityTimeout {
		_ = m.store.Clear(m.cfg.StorageKey)
		return
	}

	m.mu.Lock()
	m.user = snap.User
	m.tokens = snap.Tokens
	m.accessExp = exp
	m.lastActivity = lastActivity
	m.initialized = true
	m.armWatchdogLocked(m.cfg.InactivityTimeout - idleFor)
	m.mu.Unlock()

	m.metrics.SetAuthenticated(true)
	m.audit.Emit(audit.Event{Action: audit.ActionSessionRestored, UserID: snap.User.ID, Email: snap.User.Email})
	m.logger.Info("session restored", "user", snap.User.ID)
}

// persistLocked rewrites the whole persisted snapshot. Callers hold m.mu.
func (m *Manager) persistLocked() {
	snap := snapshot{
		Tokens:       m.tokens,
		User:         m.user,
		LastActivity: m.lastActivity.UnixMilli(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Warn("encoding session snapshot failed", "error", err)
		return
	}
	if err := m.store.Save(m.cfg.StorageKey, data); err != nil {
		m.logger.Warn("persisting session failed", "error", err)
	}
}

// armWatchdogLocked (re)starts the inactivity timer. Callers hold m.mu.
func (m *Manager) armWatchdogLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if m.watchdog != nil {
		m.watchdog.Reset(d)
		return
	}
	m.watchdog = time.AfterFunc(d, m.inactivityFired)
}

// inactivityFired runs on the watchdog goroutine and routes through the same
// logout path as an explicit logout; there is no separate idle state.
func (m *Manager) inactivityFired() {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return
	}
	m.logout(context.Background(), lexcase.LogoutInactivity)
}
