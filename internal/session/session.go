// Package session holds the credential store: the single source of truth for
// the signed-in user's tokens and identity.
//
// Readers always receive an immutable Session value copied under the store's
// lock, so a refresh that lands concurrently is either fully visible or not
// visible at all.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoSession is returned when no credential is present.
var ErrNoSession = errors.New("session: not signed in")

// Identity describes the signed-in user.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Merge returns id with every non-empty field of other written over it.
func (id Identity) Merge(other Identity) Identity {
	if other.ID != "" {
		id.ID = other.ID
	}
	if other.Name != "" {
		id.Name = other.Name
	}
	if other.Email != "" {
		id.Email = other.Email
	}
	if other.Phone != "" {
		id.Phone = other.Phone
	}
	return id
}

// Session is one issued credential pair plus the identity it belongs to.
// The zero value means signed out.
type Session struct {
	AccessToken  string   `json:"token"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Identity     Identity `json:"user"`
}

// HasToken reports whether an access token is present.
func (s Session) HasToken() bool {
	return s.AccessToken != ""
}

// CanRefresh reports whether a refresh token is present.
func (s Session) CanRefresh() bool {
	return s.RefreshToken != ""
}

// Store owns the live Session. It is mutated by login, refresh and
// invalidation and read by everything else.
type Store struct {
	mu        sync.RWMutex
	current   Session
	persister Persister
	log       *slog.Logger

	lmu       sync.Mutex
	listeners map[int]func(Session)
	nextID    int
}

// NewStore creates an empty store. persister may be nil, in which case the
// session lives only as long as the process.
func NewStore(persister Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		persister: persister,
		log:       log.With("component", "session"),
		listeners: make(map[int]func(Session)),
	}
}

// Snapshot returns the current session by value.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AccessToken is a shorthand for Snapshot().AccessToken.
func (s *Store) AccessToken() string {
	return s.Snapshot().AccessToken
}

// Restore loads a previously persisted session. A missing record leaves the
// store signed out and is not an error.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	sess, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	s.swap(sess)
	s.log.Info("session restored", "user_id", sess.Identity.ID)
	return nil
}

// Set replaces the session wholesale, as after a login.
func (s *Store) Set(ctx context.Context, sess Session) error {
	s.swap(sess)
	return s.save(ctx, sess)
}

// ApplyRefresh installs the result of exchanging the refresh token
// exchanged. The access token is always replaced; the refresh token only when
// the server issued a new one. Identity fields present in user overwrite the
// stored ones and the rest are kept.
//
// If the session was cleared or replaced while the exchange ran, the result
// is discarded and ErrNoSession is returned.
func (s *Store) ApplyRefresh(ctx context.Context, exchanged, accessToken, refreshToken string, user *Identity) (Session, error) {
	s.mu.Lock()
	if !s.current.HasToken() || s.current.RefreshToken != exchanged {
		s.mu.Unlock()
		return Session{}, ErrNoSession
	}
	next := s.current
	next.AccessToken = accessToken
	if refreshToken != "" {
		next.RefreshToken = refreshToken
	}
	if user != nil {
		next.Identity = next.Identity.Merge(*user)
	}
	s.current = next
	s.mu.Unlock()

	s.notify(next)
	return next, s.save(ctx, next)
}

// Clear signs out.
func (s *Store) Clear(ctx context.Context) error {
	s.swap(Session{})
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Clear(ctx); err != nil {
		return fmt.Errorf("clear persisted session: %w", err)
	}
	return nil
}

// Subscribe registers fn to be called with the new session after every
// change. The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) swap(sess Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	s.notify(sess)
}

func (s *Store) notify(sess Session) {
	s.lmu.Lock()
	fns := make([]func(Session), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(sess)
	}
}

func (s *Store) save(ctx context.Context, sess Session) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
