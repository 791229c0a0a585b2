package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/realtime"
	"go-chat-sync/internal/session"
)

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T, rdb *redis.Client) *testServer {
	t.Helper()
	srv := New(Options{
		Tokens:     NewTokens("test-secret", time.Minute, time.Hour, nil),
		Redis:      rdb,
		BcryptCost: bcrypt.MinCost,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
	})
	return &testServer{Server: srv, http: hs}
}

func (ts *testServer) client(t *testing.T) (*api.Client, *session.Store) {
	t.Helper()
	store := session.NewStore(nil, nil)
	return api.NewClient(ts.http.URL, ts.http.Client(), store, nil), store
}

func (ts *testServer) signUp(t *testing.T, name string) (session.Session, *api.Client) {
	t.Helper()
	c, _ := ts.client(t)
	sess, err := c.Register(context.Background(), api.RegisterRequest{
		Name:     name,
		Email:    strings.ToLower(name) + "@example.com",
		Password: "password123",
	})
	require.NoError(t, err)
	return sess, c
}

func messageIDs(msgs []cache.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestServer_RegisterLoginAndMe(t *testing.T) {
	ts := newTestServer(t, nil)
	sess, c := ts.signUp(t, "Ada")
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.Equal(t, "ada@example.com", sess.Identity.Email)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.Identity.ID, me.ID)

	other, _ := ts.client(t)
	_, err = other.Login(context.Background(), api.LoginRequest{Email: "ada@example.com", Password: "wrong"})
	assert.True(t, api.IsUnauthorized(err))

	logged, err := other.Login(context.Background(), api.LoginRequest{Email: "ADA@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, sess.Identity.ID, logged.Identity.ID)

	_, err = other.Register(context.Background(), api.RegisterRequest{Email: "ada@example.com", Password: "password123"})
	assert.Equal(t, http.StatusConflict, api.StatusCode(err))
}

func TestServer_ProtectedRoutesNeedToken(t *testing.T) {
	ts := newTestServer(t, nil)
	c, _ := ts.client(t)

	_, err := c.Me(context.Background())
	assert.Equal(t, http.StatusUnauthorized, api.StatusCode(err))
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "missing authentication token", apiErr.Message)
}

func TestServer_RefreshRotates(t *testing.T) {
	ts := newTestServer(t, nil)
	sess, c := ts.signUp(t, "Ada")

	res, err := c.Refresh(context.Background(), sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.NotEqual(t, sess.RefreshToken, res.RefreshToken)
	require.NotNil(t, res.User)
	assert.Equal(t, sess.Identity.ID, res.User.ID)

	_, err = c.Refresh(context.Background(), sess.RefreshToken)
	assert.True(t, api.IsUnauthorized(err), "a refresh token works once")
}

func TestServer_SocialLoginCreatesAccountOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "grace@example.com",
		"name":  "Grace",
	}).SignedString([]byte("provider-key"))
	require.NoError(t, err)

	c, _ := ts.client(t)
	first, err := c.SocialLogin(context.Background(), "google", idToken)
	require.NoError(t, err)
	assert.Equal(t, "Grace", first.Identity.Name)

	second, err := c.SocialLogin(context.Background(), "google", idToken)
	require.NoError(t, err)
	assert.Equal(t, first.Identity.ID, second.Identity.ID)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  uint64
}

func (ts *testServer) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) emit(event string, data any) uint64 {
	c.t.Helper()
	f, err := realtime.NewFrame(event, data)
	require.NoError(c.t, err)
	c.seq++
	f.ID = c.seq
	require.NoError(c.t, c.conn.WriteJSON(f))
	return f.ID
}

// next reads frames until one matches, skipping the rest.
func (c *wsClient) next(match func(realtime.Frame) bool) realtime.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f realtime.Frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func (c *wsClient) nextEvent(event string) realtime.Frame {
	return c.next(func(f realtime.Frame) bool { return f.Event == event })
}

// join announces presence and waits for the snapshot, which also proves the
// hub has registered the connection.
func (c *wsClient) join(userID string) {
	c.emit(realtime.EventPresenceJoin, realtime.PresenceDelta{UserID: userID})
	c.nextEvent(realtime.EventPresenceSnapshot)
}

func (c *wsClient) ack(id uint64) realtime.SendAck {
	f := c.next(func(f realtime.Frame) bool { return f.Ack == id })
	var ack realtime.SendAck
	require.NoError(c.t, json.Unmarshal(f.Data, &ack))
	return ack
}

func TestServer_WebsocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, nil)
	u := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_PresenceAndMessaging(t *testing.T) {
	ts := newTestServer(t, nil)
	ada, _ := ts.signUp(t, "Ada")
	bob, _ := ts.signUp(t, "Bob")

	a := ts.dial(t, ada.AccessToken)
	a.emit(realtime.EventPresenceJoin, realtime.PresenceDelta{UserID: ada.Identity.ID})
	snap := a.nextEvent(realtime.EventPresenceSnapshot)
	assert.JSONEq(t, `{"userIds":[]}`, string(snap.Data))

	b := ts.dial(t, bob.AccessToken)
	b.emit(realtime.EventPresenceJoin, realtime.PresenceDelta{UserID: bob.Identity.ID})
	snap = b.nextEvent(realtime.EventPresenceSnapshot)
	assert.JSONEq(t, `{"userIds":["`+ada.Identity.ID+`"]}`, string(snap.Data))
	online := a.nextEvent(realtime.EventPresenceOnline)
	assert.JSONEq(t, `{"userId":"`+bob.Identity.ID+`"}`, string(online.Data))

	id := a.emit(realtime.EventMessageSend, realtime.SendRequest{RecipientID: bob.Identity.ID, Text: "hi bob"})
	ack := a.ack(id)
	require.True(t, ack.OK, ack.Error)
	require.NotNil(t, ack.Message)
	assert.Equal(t, ack.Message.ConversationID, ack.ConversationID)

	for _, c := range []*wsClient{a, b} {
		var ev realtime.MessageNew
		require.NoError(t, json.Unmarshal(c.nextEvent(realtime.EventMessageNew).Data, &ev))
		assert.Equal(t, ack.Message.ID, ev.Message.ID)
		assert.Equal(t, "hi bob", ev.Message.Text)
	}

	b.emit(realtime.EventPresenceLeave, realtime.PresenceDelta{UserID: bob.Identity.ID})
	offline := a.nextEvent(realtime.EventPresenceOffline)
	assert.JSONEq(t, `{"userId":"`+bob.Identity.ID+`"}`, string(offline.Data))
}

func TestServer_BlockingStopsMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	ada, adaAPI := ts.signUp(t, "Ada")
	bob, _ := ts.signUp(t, "Bob")
	a := ts.dial(t, ada.AccessToken)
	a.join(ada.Identity.ID)
	b := ts.dial(t, bob.AccessToken)
	b.join(bob.Identity.ID)

	require.NoError(t, adaAPI.SetBlocked(context.Background(), bob.Identity.ID, true))
	for _, c := range []*wsClient{a, b} {
		var ev realtime.BlockUpdated
		require.NoError(t, json.Unmarshal(c.nextEvent(realtime.EventBlockUpdated).Data, &ev))
		assert.Equal(t, ada.Identity.ID, ev.BlockerUserID)
		assert.Equal(t, bob.Identity.ID, ev.BlockedUserID)
		assert.True(t, ev.Blocked)
		assert.NotNil(t, ev.UpdatedAt)
	}

	id := b.emit(realtime.EventMessageSend, realtime.SendRequest{RecipientID: ada.Identity.ID, Text: "hello?"})
	ack := b.ack(id)
	assert.False(t, ack.OK)
	assert.Equal(t, "blocked", ack.Error)

	page, err := adaAPI.History(context.Background(), bob.Identity.ID, "", 10)
	require.NoError(t, err)
	assert.True(t, page.Participant.BlockedByMe)
	assert.Empty(t, page.Messages)
}

func TestServer_HistoryAndConversations(t *testing.T) {
	ts := newTestServer(t, nil)
	ada, adaAPI := ts.signUp(t, "Ada")
	bob, _ := ts.signUp(t, "Bob")
	a := ts.dial(t, ada.AccessToken)

	for _, text := range []string{"one", "two", "three"} {
		ack := a.ack(a.emit(realtime.EventMessageSend, realtime.SendRequest{RecipientID: bob.Identity.ID, Text: text}))
		require.True(t, ack.OK)
	}

	page, err := adaAPI.History(context.Background(), bob.Identity.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Text)
	assert.Equal(t, "three", page.Messages[1].Text)

	older, err := adaAPI.History(context.Background(), bob.Identity.ID, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "one", older.Messages[0].Text)
	assert.Empty(t, older.NextCursor)

	list, err := adaAPI.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Bob", list[0].Name)
	assert.Equal(t, 0, list[0].UnreadCount)
}

func TestServer_RedisFanOut(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	ts := newTestServer(t, rdb)
	ada, _ := ts.signUp(t, "Ada")
	bob, _ := ts.signUp(t, "Bob")
	a := ts.dial(t, ada.AccessToken)
	b := ts.dial(t, bob.AccessToken)
	b.join(bob.Identity.ID)
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), EventsChannel).Result()
		return err == nil && n[EventsChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	ack := a.ack(a.emit(realtime.EventMessageSend, realtime.SendRequest{RecipientID: bob.Identity.ID, Text: "via redis"}))
	require.True(t, ack.OK)
	var ev realtime.MessageNew
	require.NoError(t, json.Unmarshal(b.nextEvent(realtime.EventMessageNew).Data, &ev))
	assert.Equal(t, "via redis", ev.Message.Text)
}
