// Package audit provides structured audit logging for session lifecycle events.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the session layer.
const (
	ActionLogin                 = "login"
	ActionLoginFailed           = "login_failed"
	ActionLogout                = "logout"
	ActionRefresh               = "token_refresh"
	ActionRefreshFailed         = "token_refresh_failed"
	ActionInactivityTimeout     = "inactivity_timeout"
	ActionRegistrationPending   = "registration_pending"
	ActionRegistrationPromoted  = "registration_promoted"
	ActionRegistrationDiscarded = "registration_discarded"
	ActionSessionRestored       = "session_restored"
)

// Event represents a session audit event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers on a buffered queue, so
// emission never blocks the session's critical path.
type Logger struct {
	mu       sync.Mutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithStdoutHandler adds a handler that writes JSON events to stdout.
func WithStdoutHandler() Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			data, _ := json.Marshal(e)
			fmt.Fprintf(os.Stdout, "%s\n", data)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// WithBufferSize sets the event queue depth. Default: 256.
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan Event, n)
		}
	}
}

// New creates an audit logger and starts its delivery goroutine.
func New(opts ...Option) *Logger {
	l := &Logger{
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// AddHandler registers an additional event handler.
func (l *Logger) AddHandler(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// Emit queues an event for delivery. The event's ID and Timestamp are filled
// in when unset. Emission is best-effort: if the queue is full or the logger
// is closed, the event is dropped rather than blocking the caller.
// A nil *Logger drops everything, so it can be an optional dependency.
func (l *Logger) Emit(e Event) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	select {
	case l.queue <- e:
	default:
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.dispatch(e)
		case <-l.done:
			// drain what is already queued
			for {
				select {
				case e := <-l.queue:
					l.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(e Event) {
	l.mu.Lock()
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Close stops delivery after draining queued events.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return nil
}
