package session

import (
	"context"
	"encoding/json"
	"fmt"

	lexcase "github.com/lexcase/lexcase-go"
	"github.com/lexcase/lexcase-go/audit"
	"github.com/lexcase/lexcase-go/token"
)

// The pending registration artifact lives under its own storage key, separate
// from the session snapshot: it is a lower-trust holding area for tokens
// issued at signup, and an unverified identity must never satisfy
// IsAuthenticated. It deliberately survives logout so the registration →
// verification → login handoff is not lost.

func (m *Manager) pendingKey() string {
	return m.cfg.StorageKey + "_pending"
}

// StorePendingRegistration records the signup artifact until email
// verification completes.
func (m *Manager) StorePendingRegistration(p lexcase.PendingRegistration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("lexcase/session: encoding pending registration: %w", err)
	}
	if err := m.store.Save(m.pendingKey(), data); err != nil {
		return err
	}

	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()

	m.audit.Emit(audit.Event{Action: audit.ActionRegistrationPending, Email: p.Email})
	return nil
}

// PendingRegistration returns the held signup artifact, if any.
func (m *Manager) PendingRegistration() (*lexcase.PendingRegistration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil, false
	}
	p := *m.pending
	return &p, true
}

// PromotePendingRegistration upgrades the signup tokens into the real session
// after out-of-band verification succeeded. It goes through the same identity
// fetch gate as Login; on failure the artifact is left in place and no
// authenticated state is retained.
func (m *Manager) PromotePendingRegistration(ctx context.Context) (*lexcase.User, error) {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil {
		return nil, fmt.Errorf("lexcase/session: no pending registration")
	}

	user, err := m.backend.Identity(ctx, pending.Tokens.Access)
	if err != nil {
		m.audit.Emit(audit.Event{Action: audit.ActionLoginFailed, Email: pending.Email, Error: err.Error()})
		return nil, err
	}

	m.mu.Lock()
	m.user = user
	m.tokens = pending.Tokens
	m.accessExp = token.ExpiresAt(pending.Tokens.Access)
	m.lastActivity = m.now()
	m.initialized = true
	m.pending = nil
	m.persistLocked()
	m.armWatchdogLocked(m.cfg.InactivityTimeout)
	m.mu.Unlock()

	if err := m.store.Clear(m.pendingKey()); err != nil {
		m.logger.Warn("clearing pending registration failed", "error", err)
	}

	m.metrics.SetAuthenticated(true)
	m.audit.Emit(audit.Event{Action: audit.ActionRegistrationPromoted, UserID: user.ID, Email: user.Email})
	return user, nil
}

// DiscardPendingRegistration drops the signup artifact without promoting it.
func (m *Manager) DiscardPendingRegistration() error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if err := m.store.Clear(m.pendingKey()); err != nil {
		return err
	}
	if pending != nil {
		m.audit.Emit(audit.Event{Action: audit.ActionRegistrationDiscarded, Email: pending.Email})
	}
	return nil
}

func (m *Manager) loadPending() {
	data, ok, err := m.store.Load(m.pendingKey())
	if err != nil || !ok {
		return
	}
	var p lexcase.PendingRegistration
	if err := json.Unmarshal(data, &p); err != nil {
		_ = m.store.Clear(m.pendingKey())
		return
	}
	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()
}
