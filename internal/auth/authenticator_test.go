package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/session"
	"go-chat-sync/internal/testutil"
)

type counter struct{ n atomic.Int32 }

func (c *counter) Notify(string)    { c.n.Add(1) }
func (c *counter) NavigateToLogin() { c.n.Add(1) }
func (c *counter) count() int       { return int(c.n.Load()) }

type stubRefresher struct {
	res   api.AuthResponse
	err   error
	calls atomic.Int32
	got   []string
	mu    sync.Mutex
}

func (s *stubRefresher) Refresh(_ context.Context, token string) (api.AuthResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.got = append(s.got, token)
	s.mu.Unlock()
	return s.res, s.err
}

type fixture struct {
	store    *session.Store
	clock    *testutil.FakeClock
	toasts   *counter
	redirect *counter
	auth     *Authenticator
}

func newFixture(t *testing.T, sess session.Session, r Refresher) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewStore(nil, nil),
		clock:    testutil.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		toasts:   &counter{},
		redirect: &counter{},
	}
	if sess.HasToken() {
		require.NoError(t, f.store.Set(context.Background(), sess))
	}
	f.auth = New(f.store, r, f.toasts, f.redirect, f.clock, Options{}, nil)
	return f
}

func TestRecover_RefreshesAndMergesIdentity(t *testing.T) {
	r := &stubRefresher{res: api.AuthResponse{
		Token:        "t2",
		RefreshToken: "r2",
		User:         &session.Identity{Name: "Ana B"},
	}}
	f := newFixture(t, session.Session{
		AccessToken:  "t1",
		RefreshToken: "r1",
		Identity:     session.Identity{ID: "u1", Name: "Ana", Email: "ana@example.com"},
	}, r)

	token, err := f.auth.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "t2", token)
	assert.Equal(t, []string{"r1"}, r.got)
	assert.Equal(t, session.Session{
		AccessToken:  "t2",
		RefreshToken: "r2",
		Identity:     session.Identity{ID: "u1", Name: "Ana B", Email: "ana@example.com"},
	}, f.store.Snapshot())
	assert.Equal(t, Refreshed, f.auth.State())
	assert.Zero(t, f.toasts.count())
	assert.Zero(t, f.redirect.count())
}

func TestRecover_RefreshFailureInvalidates(t *testing.T) {
	r := &stubRefresher{err: errors.New("boom")}
	f := newFixture(t, session.Session{AccessToken: "t1", RefreshToken: "r1"}, r)

	_, err := f.auth.Recover(context.Background())

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, Failed, f.auth.State())
	assert.False(t, f.store.Snapshot().HasToken())
	assert.Equal(t, 1, f.toasts.count())
	assert.Equal(t, 1, f.redirect.count())
}

func TestRecover_EmptyTokenCountsAsFailure(t *testing.T) {
	r := &stubRefresher{res: api.AuthResponse{}}
	f := newFixture(t, session.Session{AccessToken: "t1", RefreshToken: "r1"}, r)

	_, err := f.auth.Recover(context.Background())

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, api.ErrNoToken)
	assert.False(t, f.store.Snapshot().HasToken())
}

func TestRecover_NoSessionHasNoSideEffects(t *testing.T) {
	r := &stubRefresher{}
	f := newFixture(t, session.Session{}, r)

	_, err := f.auth.Recover(context.Background())

	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Zero(t, r.calls.Load())
	assert.Zero(t, f.toasts.count())
	assert.Zero(t, f.redirect.count())
}

func TestRecover_NoRefreshTokenInvalidatesOnceWithinWindow(t *testing.T) {
	r := &stubRefresher{}
	f := newFixture(t, session.Session{AccessToken: "t1"}, r)
	start := f.clock.Now()

	_, err := f.auth.Recover(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, f.store.Snapshot().HasToken())
	assert.Equal(t, 1, f.toasts.count())
	assert.Equal(t, 1, f.redirect.count())
	assert.Equal(t, start.Add(10*time.Second), f.auth.RedirectLockedUntil())
	assert.Zero(t, r.calls.Load())

	f.clock.Advance(2 * time.Second)
	_, err = f.auth.Recover(context.Background())
	assert.ErrorIs(t, err, session.ErrNoSession)
	f.auth.Invalidate(context.Background())

	assert.Equal(t, 1, f.toasts.count(), "notice is deduplicated within 3s")
	assert.Equal(t, 1, f.redirect.count(), "redirect is locked for 10s")
}

func TestInvalidate_ConcurrentCallsRedirectOnce(t *testing.T) {
	f := newFixture(t, session.Session{AccessToken: "t1"}, &stubRefresher{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.auth.Invalidate(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.redirect.count())
	assert.Equal(t, 1, f.toasts.count())
}

func TestInvalidate_WindowsReopen(t *testing.T) {
	f := newFixture(t, session.Session{AccessToken: "t1"}, &stubRefresher{})
	ctx := context.Background()

	f.auth.Invalidate(ctx)
	f.clock.Advance(3 * time.Second)
	f.auth.Invalidate(ctx)
	assert.Equal(t, 2, f.toasts.count(), "notice may repeat after 3s")
	assert.Equal(t, 1, f.redirect.count())

	f.clock.Advance(7 * time.Second)
	f.auth.Invalidate(ctx)
	assert.Equal(t, 2, f.redirect.count(), "lock expired and in-flight flag cleared")
	assert.Equal(t, 3, f.toasts.count())
}

func TestInvalidate_InFlightRedirectBlocksEvenAfterLock(t *testing.T) {
	f := newFixture(t, session.Session{AccessToken: "t1"}, &stubRefresher{})
	f.auth = New(f.store, &stubRefresher{}, f.toasts, f.redirect, f.clock, Options{
		RedirectLock:  time.Second,
		RedirectReset: 5 * time.Second,
	}, nil)
	ctx := context.Background()

	f.auth.Invalidate(ctx)
	f.clock.Advance(2 * time.Second)
	f.auth.Invalidate(ctx)
	assert.Equal(t, 1, f.redirect.count(), "previous redirect still in flight")

	f.clock.Advance(5 * time.Second)
	f.auth.Invalidate(ctx)
	assert.Equal(t, 2, f.redirect.count())
}

func TestLogout_ClearsWithoutNotice(t *testing.T) {
	f := newFixture(t, session.Session{AccessToken: "t1", RefreshToken: "r1"}, &stubRefresher{})

	require.NoError(t, f.auth.Logout(context.Background()))

	assert.False(t, f.store.Snapshot().HasToken())
	assert.Zero(t, f.toasts.count())
	assert.Zero(t, f.redirect.count())
}

// End to end through the request pipeline: a protected call 401s, the
// refresh rotates both tokens and the original call is replayed.
func TestPipeline_RefreshThenReplay(t *testing.T) {
	var refreshCalls, postCalls atomic.Int32
	var seenAuth []string
	var mu sync.Mutex

	r := chi.NewRouter()
	r.Post("/api/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
		refreshCalls.Add(1)
		assert.Empty(t, req.Header.Get("Authorization"))
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "r1", body.RefreshToken)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t2", "refreshToken": "r2"})
	})
	r.Get("/api/posts", func(w http.ResponseWriter, req *http.Request) {
		postCalls.Add(1)
		mu.Lock()
		seenAuth = append(seenAuth, req.Header.Get("Authorization"))
		mu.Unlock()
		if req.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "post-1"}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	store := session.NewStore(nil, nil)
	require.NoError(t, store.Set(context.Background(), session.Session{AccessToken: "t1", RefreshToken: "r1"}))
	client := api.NewClient(srv.URL, srv.Client(), store, nil)
	toasts, redirect := &counter{}, &counter{}
	client.UseRecoverer(New(store, client, toasts, redirect, nil, Options{}, nil))

	var posts []map[string]string
	require.NoError(t, client.Get(context.Background(), "/api/posts", &posts))

	assert.Equal(t, "post-1", posts[0]["id"], "caller gets the replayed result")
	assert.Equal(t, "t2", store.Snapshot().AccessToken)
	assert.Equal(t, "r2", store.Snapshot().RefreshToken)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), postCalls.Load())
	assert.Equal(t, []string{"Bearer t1", "Bearer t2"}, seenAuth)
	assert.Zero(t, toasts.count())
}

func TestPipeline_RepeatedUnauthorizedStopsAfterOneRetry(t *testing.T) {
	var refreshCalls, postCalls atomic.Int32
	r := chi.NewRouter()
	r.Post("/api/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
		refreshCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "t2", "refreshToken": "r2"})
	})
	r.Get("/api/posts", func(w http.ResponseWriter, req *http.Request) {
		postCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	store := session.NewStore(nil, nil)
	require.NoError(t, store.Set(context.Background(), session.Session{AccessToken: "t1", RefreshToken: "r1"}))
	client := api.NewClient(srv.URL, srv.Client(), store, nil)
	client.UseRecoverer(New(store, client, &counter{}, &counter{}, nil, Options{}, nil))

	err := client.Get(context.Background(), "/api/posts", nil)

	assert.True(t, api.IsUnauthorized(err))
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), postCalls.Load())
}

type gatedRefresher struct {
	res     api.AuthResponse
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRefresher) Refresh(context.Context, string) (api.AuthResponse, error) {
	close(g.entered)
	<-g.release
	return g.res, nil
}

func TestRecover_LogoutDuringRefreshStaysSignedOut(t *testing.T) {
	g := &gatedRefresher{
		res:     api.AuthResponse{Token: "t2", RefreshToken: "r2"},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, session.Session{
		AccessToken:  "t1",
		RefreshToken: "r1",
		Identity:     session.Identity{ID: "u1"},
	}, g)

	errc := make(chan error, 1)
	go func() {
		_, err := f.auth.Recover(context.Background())
		errc <- err
	}()

	<-g.entered
	require.NoError(t, f.auth.Logout(context.Background()))
	close(g.release)

	err := <-errc
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, session.Session{}, f.store.Snapshot(), "late refresh does not sign back in")
	assert.Equal(t, Failed, f.auth.State())
	assert.Zero(t, f.toasts.count())
	assert.Zero(t, f.redirect.count())
}

// Many protected calls failing at once produce a single notice and redirect,
// whether or not a refresh is attempted first.
func TestPipeline_ConcurrentUnauthorizedRedirectsOnce(t *testing.T) {
	tests := []struct {
		name string
		sess session.Session
	}{
		{name: "no refresh token", sess: session.Session{AccessToken: "t1"}},
		{name: "refresh rejected", sess: session.Session{AccessToken: "t1", RefreshToken: "r1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/api/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "refresh token expired"})
			})
			r.Get("/api/posts", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			})
			srv := httptest.NewServer(r)
			defer srv.Close()

			store := session.NewStore(nil, nil)
			require.NoError(t, store.Set(context.Background(), tt.sess))
			client := api.NewClient(srv.URL, srv.Client(), store, nil)
			toasts, redirect := &counter{}, &counter{}
			clk := testutil.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
			client.UseRecoverer(New(store, client, toasts, redirect, clk, Options{}, nil))

			const n = 30
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[i] = client.Get(context.Background(), "/api/posts", nil)
				}()
			}
			wg.Wait()

			for _, err := range errs {
				assert.True(t, api.IsUnauthorized(err), "got %v", err)
			}
			assert.False(t, store.Snapshot().HasToken())
			assert.Equal(t, 1, toasts.count())
			assert.Equal(t, 1, redirect.count())
		})
	}
}
