// Package auth recovers from expired access tokens and, when recovery is
// impossible, signs the user out with rate-limited side effects.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/clock"
	"go-chat-sync/internal/session"
)

var (
	// ErrSessionExpired means a signed-in session could not be recovered and
	// has been invalidated.
	ErrSessionExpired = errors.New("auth: session expired")
	// ErrRefreshFailed wraps the cause of a failed token refresh.
	ErrRefreshFailed = errors.New("auth: token refresh failed")
)

// State is the position of the recovery state machine.
type State int32

const (
	Idle State = iota
	Refreshing
	Refreshed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Refreshed:
		return "refreshed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (api.AuthResponse, error)
}

// Notifier shows a transient message to the user.
type Notifier interface {
	Notify(message string)
}

// Navigator sends the user to the login screen.
type Navigator interface {
	NavigateToLogin()
}

// SessionExpiredMessage is the notice shown on invalidation.
const SessionExpiredMessage = "Your session has expired. Please log in again."

// Options tunes the invalidation guards. Zero fields take the defaults.
type Options struct {
	// RedirectLock is how long after a redirect no further redirect fires.
	RedirectLock time.Duration
	// RedirectReset is how long the in-flight redirect flag stays set.
	RedirectReset time.Duration
	// ToastWindow suppresses repeats of the session-expired notice.
	ToastWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.RedirectLock <= 0 {
		o.RedirectLock = 10 * time.Second
	}
	if o.RedirectReset <= 0 {
		o.RedirectReset = 2 * time.Second
	}
	if o.ToastWindow <= 0 {
		o.ToastWindow = 3 * time.Second
	}
	return o
}

// Authenticator implements api.Recoverer.
type Authenticator struct {
	store     *session.Store
	refresher Refresher
	notifier  Notifier
	navigator Navigator
	clock     clock.Clock
	opts      Options
	log       *slog.Logger

	flight singleflight.Group
	state  atomic.Int32

	mu            sync.Mutex
	redirectUntil time.Time
	redirecting   bool
	lastToast     time.Time
	toastShown    bool
}

// New creates an Authenticator. clk may be nil for the system clock.
func New(store *session.Store, refresher Refresher, notifier Notifier, navigator Navigator, clk clock.Clock, opts Options, log *slog.Logger) *Authenticator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		store:     store,
		refresher: refresher,
		notifier:  notifier,
		navigator: navigator,
		clock:     clk,
		opts:      opts.withDefaults(),
		log:       log.With("component", "auth"),
	}
}

// State returns the state the last recovery ended in.
func (a *Authenticator) State() State {
	return State(a.state.Load())
}

func (a *Authenticator) transition(to State, attrs ...any) {
	from := State(a.state.Swap(int32(to)))
	a.log.Debug("recovery state", append([]any{"from", from.String(), "to", to.String()}, attrs...)...)
}

// Recover obtains a fresh access token after a 401.
//
// Without a refresh token the session is invalidated if one existed, and left
// alone if the user was never signed in. Concurrent callers holding the same
// refresh token share a single refresh call.
func (a *Authenticator) Recover(ctx context.Context) (string, error) {
	snap := a.store.Snapshot()
	if !snap.CanRefresh() {
		if !snap.HasToken() {
			return "", session.ErrNoSession
		}
		a.Invalidate(ctx)
		return "", ErrSessionExpired
	}

	v, err, shared := a.flight.Do(snap.RefreshToken, func() (any, error) {
		return a.refresh(context.WithoutCancel(ctx), snap.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	if shared {
		a.log.Debug("joined in-flight refresh")
	}
	return v.(string), nil
}

func (a *Authenticator) refresh(ctx context.Context, refreshToken string) (string, error) {
	a.transition(Refreshing)

	res, err := a.refresher.Refresh(ctx, refreshToken)
	if err == nil && res.Token == "" {
		err = api.ErrNoToken
	}
	if err != nil {
		a.transition(Failed, "error", err)
		a.Invalidate(ctx)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	next, err := a.store.ApplyRefresh(ctx, refreshToken, res.Token, res.RefreshToken, res.User)
	if errors.Is(err, session.ErrNoSession) {
		// Signed out or replaced while the refresh was in flight.
		a.transition(Failed, "error", err)
		return "", fmt.Errorf("%w: session changed during refresh", ErrRefreshFailed)
	}
	if err != nil {
		a.log.Warn("refreshed session not persisted", "error", err)
	}
	a.transition(Refreshed, "user_id", next.Identity.ID)
	return next.AccessToken, nil
}

// Invalidate clears the session, shows the expiry notice unless it was shown
// within ToastWindow, and redirects to login unless a redirect already fired
// within RedirectLock or is still in flight.
func (a *Authenticator) Invalidate(ctx context.Context) {
	if err := a.store.Clear(ctx); err != nil {
		a.log.Warn("clear session", "error", err)
	}

	now := a.clock.Now()
	a.mu.Lock()
	toast := !a.toastShown || now.Sub(a.lastToast) >= a.opts.ToastWindow
	if toast {
		a.toastShown = true
		a.lastToast = now
	}
	redirect := false
	if !now.Before(a.redirectUntil) {
		a.redirectUntil = now.Add(a.opts.RedirectLock)
		if !a.redirecting {
			a.redirecting = true
			redirect = true
		}
	}
	a.mu.Unlock()

	a.log.Info("session invalidated", "notice", toast, "redirect", redirect)
	if toast && a.notifier != nil {
		a.notifier.Notify(SessionExpiredMessage)
	}
	if redirect {
		if a.navigator != nil {
			a.navigator.NavigateToLogin()
		}
		a.clock.AfterFunc(a.opts.RedirectReset, func() {
			a.mu.Lock()
			a.redirecting = false
			a.mu.Unlock()
		})
	}
}

// RedirectLockedUntil returns the end of the current redirect lock window.
func (a *Authenticator) RedirectLockedUntil() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.redirectUntil
}

// Logout signs out on the user's request, without notice or redirect.
func (a *Authenticator) Logout(ctx context.Context) error {
	a.transition(Idle)
	return a.store.Clear(ctx)
}
