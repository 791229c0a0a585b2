package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/realtime"
	"go-chat-sync/internal/session"
	"go-chat-sync/internal/testutil"
)

type fakeBackend struct {
	mu        sync.Mutex
	pages     map[string]cache.Page
	summaries []cache.Summary
	blocked   map[string]bool
	convCalls atomic.Int32
	block     chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: make(map[string]cache.Page), blocked: make(map[string]bool)}
}

func (b *fakeBackend) Conversations(ctx context.Context) ([]cache.Summary, error) {
	n := b.convCalls.Add(1)
	b.mu.Lock()
	wait := b.block
	b.mu.Unlock()
	if n == 1 && wait != nil {
		<-wait
		return []cache.Summary{{PeerID: "stale"}}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cache.Summary(nil), b.summaries...), nil
}

func (b *fakeBackend) History(_ context.Context, peerID, cursor string, _ int) (cache.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pages[peerID+"|"+cursor]
	if !ok {
		return cache.Page{}, errors.New("no such page")
	}
	return p, nil
}

func (b *fakeBackend) SetBlocked(_ context.Context, peerID string, blocked bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[peerID] = blocked
	return nil
}

type fixture struct {
	store   *session.Store
	cache   *cache.Store
	manager *realtime.Manager
	backend *fakeBackend
	sync    *Synchronizer
}

func newFixture(t *testing.T, url string) *fixture {
	t.Helper()
	f := &fixture{
		store:   session.NewStore(nil, nil),
		cache:   cache.NewStore(),
		backend: newFakeBackend(),
	}
	require.NoError(t, f.store.Set(context.Background(), session.Session{
		AccessToken: "t1",
		Identity:    session.Identity{ID: "me"},
	}))
	f.manager = realtime.NewManager(f.store, nil, realtime.Options{URL: url, ReconnectDelay: 10 * time.Millisecond}, nil)
	f.sync = New(f.store, f.cache, f.manager, f.backend, nil)
	t.Cleanup(func() { f.manager.Release(true) })
	return f
}

func message(id, from, to string) cache.Message {
	return cache.Message{ID: id, ConversationID: "c1", SenderID: from, RecipientID: to, Text: "hello " + id}
}

func encode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (f *fixture) openConversation(t *testing.T, peer string, msgs ...cache.Message) {
	t.Helper()
	f.backend.mu.Lock()
	f.backend.pages[peer+"|"] = cache.Page{ConversationID: "c1", Messages: msgs}
	f.backend.mu.Unlock()
	require.NoError(t, f.sync.LoadHistory(context.Background(), peer))
}

func TestSynchronizer_DuplicateMessageCachedOnce(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.openConversation(t, "bob", message("m1", "bob", "me"))

	ev := encode(t, realtime.MessageNew{Message: message("m2", "bob", "me"), ConversationID: "c1"})
	f.sync.onMessageNew(ev)
	f.sync.onMessageNew(ev)
	f.sync.Wait()

	msgs := f.sync.Messages("bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, int32(2), f.backend.convCalls.Load(), "summaries refresh on every event")
}

func TestSynchronizer_OwnMessageFilesUnderRecipient(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.openConversation(t, "bob")

	f.sync.onMessageNew(encode(t, realtime.MessageNew{Message: message("m1", "me", "bob"), ConversationID: "c1"}))
	f.sync.Wait()

	require.Len(t, f.sync.Messages("bob"), 1)
	assert.Empty(t, f.sync.Messages("me"))
}

func TestSynchronizer_OtherConversationOnlyRefreshesSummaries(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.openConversation(t, "bob")
	f.backend.summaries = []cache.Summary{{PeerID: "bob", UnreadCount: 3}}

	f.sync.onMessageNew(encode(t, realtime.MessageNew{Message: message("m9", "bob", "me"), ConversationID: "c-other"}))
	f.sync.Wait()

	assert.Empty(t, f.sync.Messages("bob"))
	require.Len(t, f.sync.Summaries(), 1)
	assert.Equal(t, 3, f.sync.Summaries()[0].UnreadCount)
}

func TestSynchronizer_FirstMessageInNewChat(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.backend.pages["carol|"] = cache.Page{}
	require.NoError(t, f.sync.LoadHistory(context.Background(), "carol"))

	f.sync.onMessageNew(encode(t, realtime.MessageNew{Message: message("m1", "carol", "me"), ConversationID: "c-new"}))
	f.sync.Wait()

	assert.Len(t, f.sync.Messages("carol"), 1)
	assert.Equal(t, "c-new", f.cache.ConversationID("carol"))
}

func TestSynchronizer_BlockUpdates(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.openConversation(t, "bob")

	f.sync.onBlockUpdated(encode(t, realtime.BlockUpdated{BlockerUserID: "me", BlockedUserID: "bob", Blocked: true}))
	flags, _ := f.cache.Participant("bob")
	assert.Equal(t, cache.Flags{BlockedByMe: true}, flags)

	f.sync.onBlockUpdated(encode(t, realtime.BlockUpdated{BlockerUserID: "bob", BlockedUserID: "me", Blocked: true}))
	flags, _ = f.cache.Participant("bob")
	assert.Equal(t, cache.Flags{BlockedByMe: true, BlockedMe: true}, flags)

	f.sync.onBlockUpdated(encode(t, realtime.BlockUpdated{BlockerUserID: "me", BlockedUserID: "bob", Blocked: false}))
	flags, _ = f.cache.Participant("bob")
	assert.Equal(t, cache.Flags{BlockedMe: true}, flags)
	f.sync.Wait()
	assert.Equal(t, int32(3), f.backend.convCalls.Load())

	f.sync.onBlockUpdated(encode(t, realtime.BlockUpdated{BlockerUserID: "x", BlockedUserID: "y", Blocked: true}))
	f.sync.Wait()
	assert.Equal(t, int32(3), f.backend.convCalls.Load(), "unrelated pairs are ignored")
}

func TestSynchronizer_StaleSummariesDropped(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.backend.block = make(chan struct{})
	f.backend.summaries = []cache.Summary{{PeerID: "fresh"}}

	done := make(chan error, 1)
	go func() { done <- f.sync.RefreshSummaries(context.Background()) }()
	require.Eventually(t, func() bool { return f.backend.convCalls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.sync.RefreshSummaries(context.Background()))
	close(f.backend.block)
	require.NoError(t, <-done)

	require.Len(t, f.sync.Summaries(), 1)
	assert.Equal(t, "fresh", f.sync.Summaries()[0].PeerID)
}

func TestSynchronizer_LoadOlder(t *testing.T) {
	f := newFixture(t, "ws://unused")
	f.backend.pages["bob|"] = cache.Page{ConversationID: "c1", Messages: []cache.Message{message("m3", "bob", "me")}, NextCursor: "p2"}
	f.backend.pages["bob|p2"] = cache.Page{ConversationID: "c1", Messages: []cache.Message{message("m1", "bob", "me"), message("m2", "me", "bob")}}
	ctx := context.Background()

	require.NoError(t, f.sync.LoadOlder(ctx, "bob"), "no pages yet loads the newest")
	require.NoError(t, f.sync.LoadOlder(ctx, "bob"))
	assert.ErrorIs(t, f.sync.LoadOlder(ctx, "bob"), ErrNoMoreHistory)

	var ids []string
	for _, m := range f.sync.Messages("bob") {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

func TestSynchronizer_SendDoesNotTouchCache(t *testing.T) {
	peer := testutil.NewWSPeer(t)
	peer.SetAckFunc(func(fr realtime.Frame) any {
		var req realtime.SendRequest
		_ = json.Unmarshal(fr.Data, &req)
		m := cache.Message{ID: "m-sent", SenderID: "me", RecipientID: req.RecipientID, Text: req.Text}
		return realtime.SendAck{OK: true, Message: &m, ConversationID: "c1"}
	})
	f := newFixture(t, peer.URL())
	f.openConversation(t, "bob")

	msg, err := f.sync.Send(context.Background(), "bob", "hi bob")
	require.NoError(t, err)

	assert.Equal(t, "m-sent", msg.ID)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Equal(t, "hi bob", msg.Text)
	assert.Empty(t, f.sync.Messages("bob"), "only message:new writes the cache")

	peer.Push(t, realtime.EventMessageNew, realtime.MessageNew{Message: msg, ConversationID: "c1"})
	require.Eventually(t, func() bool { return len(f.sync.Messages("bob")) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.sync.Wait()
}

func TestSynchronizer_SendRejected(t *testing.T) {
	peer := testutil.NewWSPeer(t)
	peer.SetAckFunc(func(realtime.Frame) any {
		return realtime.SendAck{OK: false, Error: "you are blocked"}
	})
	f := newFixture(t, peer.URL())

	_, err := f.sync.Send(context.Background(), "bob", "hi")

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "you are blocked", sendErr.Reason)
	peer.WaitFrames(t, 1)
	assert.Len(t, peer.Received(), 1, "no automatic resend")
}

func TestSynchronizer_SendWithoutSession(t *testing.T) {
	f := newFixture(t, "ws://unused")
	require.NoError(t, f.store.Clear(context.Background()))

	_, err := f.sync.Send(context.Background(), "bob", "hi")
	assert.ErrorIs(t, err, realtime.ErrNoSession)
}

func TestSynchronizer_SetBlockedGoesToBackend(t *testing.T) {
	f := newFixture(t, "ws://unused")
	require.NoError(t, f.sync.SetBlocked(context.Background(), "bob", true))
	assert.True(t, f.backend.blocked["bob"])
	assert.Equal(t, "chat: send rejected: x", fmt.Sprint(&SendError{Reason: "x"}))
}
