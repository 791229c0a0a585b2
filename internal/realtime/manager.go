package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/session"
)

// Manager hands out the one connection for the current credential. When the
// credential changes the old connection is closed before a new one is
// dialed, so two authenticated connections never coexist.
type Manager struct {
	store  *session.Store
	dialer Dialer
	opts   Options
	log    *slog.Logger

	mu    sync.Mutex
	conn  *Conn
	setup []func(*Conn)
}

// NewManager creates a manager. dialer may be nil for websocket.DefaultDialer.
func NewManager(store *session.Store, dialer Dialer, opts Options, log *slog.Logger) *Manager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		dialer: dialer,
		opts:   opts.withDefaults(),
		log:    log.With("component", "realtime"),
	}
}

// OnNew registers fn to run on every connection the manager creates, before
// it first connects. Consumers use it to attach their event handlers.
func (m *Manager) OnNew(fn func(*Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setup = append(m.setup, fn)
	if m.conn != nil {
		fn(m.conn)
	}
}

// Get returns a live connection authenticated with the current access token,
// dialing or reconnecting as needed. It returns ErrNoSession when signed out.
// The dial runs outside the manager's lock, so Release can abort it.
func (m *Manager) Get(ctx context.Context) (*Conn, error) {
	c, err := m.pick()
	if err != nil {
		return nil, err
	}
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		// Released or rebound while dialing.
		c.Close()
		return nil, ErrClosed
	}
	return c, nil
}

// pick returns the connection for the current token, creating it if needed.
func (m *Manager) pick() (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := m.store.AccessToken()
	if token == "" {
		m.dropLocked("signed out")
		return nil, ErrNoSession
	}
	if m.conn != nil && m.conn.Token() != token {
		m.dropLocked("credential changed")
	}
	if m.conn == nil {
		c := newConn(token, m.dialer, m.opts, m.log)
		for _, fn := range m.setup {
			fn(c)
		}
		m.conn = c
	}
	return m.conn, nil
}

// Current returns the connection held by the manager without dialing, or nil.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Release gives up a caller's interest in the connection. The connection is
// closed only when force is set or when it no longer matches the session.
func (m *Manager) Release(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	switch {
	case force:
		m.dropLocked("released")
	case m.conn.Token() != m.store.AccessToken():
		m.dropLocked("credential changed")
	}
}

func (m *Manager) dropLocked(reason string) {
	if m.conn == nil {
		return
	}
	m.log.Info("dropping realtime connection", "reason", reason)
	m.conn.Close()
	m.conn = nil
}
