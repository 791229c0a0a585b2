// Package app wires the client core together. A Core is constructed
// explicitly and owns one instance of every component, so several cores can
// live side by side in one process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/auth"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/clock"
	"go-chat-sync/internal/config"
	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/realtime"
	"go-chat-sync/internal/session"
)

const rebindTimeout = 30 * time.Second

type Options struct {
	BaseURL string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	// Persister keeps the session across restarts. Nil keeps it in memory.
	Persister session.Persister
	Dialer    realtime.Dialer
	Realtime  realtime.Options
	Auth      auth.Options
	Notifier  auth.Notifier
	Navigator auth.Navigator
	Clock     clock.Clock
	Log       *slog.Logger
}

// Core is the session and realtime context handed to consumers.
type Core struct {
	Session  *session.Store
	API      *api.Client
	Auth     *auth.Authenticator
	Realtime *realtime.Manager
	Cache    *cache.Store
	Presence *presence.Tracker
	Chat     *chat.Synchronizer

	log   *slog.Logger
	unsub func()

	// ctx bounds background rebinds; Close cancels it and waits for them.
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	rebinds sync.WaitGroup
}

func New(opts Options) *Core {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{log}
	}
	if opts.Navigator == nil {
		opts.Navigator = logNotifier{log}
	}

	c := &Core{
		Session: session.NewStore(opts.Persister, log),
		Cache:   cache.NewStore(),
		log:     log.With("component", "app"),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.API = api.NewClient(opts.BaseURL, httpClient, c.Session, log)
	c.Auth = auth.New(c.Session, c.API, opts.Notifier, opts.Navigator, opts.Clock, opts.Auth, log)
	c.API.UseRecoverer(c.Auth)
	c.Realtime = realtime.NewManager(c.Session, opts.Dialer, opts.Realtime, log)
	c.Presence = presence.New(c.Session, c.Cache, c.Realtime, log)
	c.Chat = chat.New(c.Session, c.Cache, c.Realtime, c.API, log)
	c.unsub = c.Session.Subscribe(c.sessionChanged)
	return c
}

// FromConfig builds a Core from loaded configuration. The returned cleanup
// closes the Redis client when one was opened.
func FromConfig(cfg *config.Client, notifier auth.Notifier, navigator auth.Navigator, log *slog.Logger) (*Core, func() error, error) {
	var persister session.Persister
	cleanup := func() error { return nil }
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		persister = session.NewRedisPersister(rdb, cfg.SessionKey)
		cleanup = rdb.Close
	}

	c := New(Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Persister:  persister,
		Realtime: realtime.Options{
			URL:               cfg.WSURL,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			ConnectTimeout:    cfg.ConnectTimeout,
			AckTimeout:        cfg.AckTimeout,
		},
		Auth: auth.Options{
			RedirectLock:  cfg.RedirectLock,
			RedirectReset: cfg.RedirectReset,
			ToastWindow:   cfg.ToastWindow,
		},
		Notifier:  notifier,
		Navigator: navigator,
		Log:       log,
	})
	return c, cleanup, nil
}

// sessionChanged keeps the connection and the cache in step with the
// credential. Signing out drops both; a new token rebinds the connection.
func (c *Core) sessionChanged(sess session.Session) {
	if !sess.HasToken() {
		c.Realtime.Release(true)
		c.Cache.Dispatch(cache.Reset{})
		return
	}
	if conn := c.Realtime.Current(); conn != nil && conn.Token() != sess.AccessToken {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.rebinds.Add(1)
		go func() {
			defer c.rebinds.Done()
			ctx, cancel := context.WithTimeout(c.ctx, rebindTimeout)
			defer cancel()
			if _, err := c.Realtime.Get(ctx); err != nil && c.ctx.Err() == nil {
				c.log.Warn("rebind realtime connection", "error", err)
			}
		}()
	}
}

// Start restores a persisted session and, when signed in, connects and loads
// the conversation list.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Session.Restore(ctx); err != nil {
		return err
	}
	if !c.Session.Snapshot().HasToken() {
		return nil
	}
	return c.Connect(ctx)
}

// Connect opens the realtime connection and refreshes the conversation list
// concurrently.
func (c *Core) Connect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.Realtime.Get(gctx)
		return err
	})
	g.Go(func() error {
		return c.Chat.RefreshSummaries(gctx)
	})
	return g.Wait()
}

func (c *Core) Login(ctx context.Context, creds api.LoginRequest) (session.Session, error) {
	sess, err := c.API.Login(ctx, creds)
	if err != nil {
		return session.Session{}, err
	}
	return sess, c.Connect(ctx)
}

func (c *Core) Register(ctx context.Context, req api.RegisterRequest) (session.Session, error) {
	sess, err := c.API.Register(ctx, req)
	if err != nil {
		return session.Session{}, err
	}
	return sess, c.Connect(ctx)
}

func (c *Core) SocialLogin(ctx context.Context, provider, idToken string) (session.Session, error) {
	sess, err := c.API.SocialLogin(ctx, provider, idToken)
	if err != nil {
		return session.Session{}, err
	}
	return sess, c.Connect(ctx)
}

// Logout announces departure, closes the connection and clears the session.
func (c *Core) Logout(ctx context.Context) error {
	c.Presence.Leave(true)
	return c.Auth.Logout(ctx)
}

// Close releases the connection without signing out. Pending rebinds are
// cancelled and waited for, so no connection outlives Close.
func (c *Core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.unsub()
	c.cancel()
	c.rebinds.Wait()
	c.Presence.Leave(true)
	c.Chat.Wait()
}

type logNotifier struct {
	log *slog.Logger
}

func (n logNotifier) Notify(message string) {
	n.log.Warn(message)
}

func (n logNotifier) NavigateToLogin() {
	n.log.Info("sign in required")
}
