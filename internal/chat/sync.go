// Package chat keeps the cached conversations consistent with what the
// server sends over the realtime connection.
//
// A sent message is not written to the cache when its acknowledgement
// arrives; it is written when the matching message:new event comes back, the
// same path every other message takes. If that event is lost the message only
// shows up after the next history load.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/realtime"
	"go-chat-sync/internal/session"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 30

const summaryTimeout = 30 * time.Second

// SendError is a send the server refused.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	return "chat: send rejected: " + e.Reason
}

// ErrNoMoreHistory is returned by LoadOlder at the beginning of a
// conversation.
var ErrNoMoreHistory = errors.New("chat: no older messages")

// Backend is the HTTP side of chat.
type Backend interface {
	Conversations(ctx context.Context) ([]cache.Summary, error)
	History(ctx context.Context, peerID, cursor string, limit int) (cache.Page, error)
	SetBlocked(ctx context.Context, peerID string, blocked bool) error
}

// Synchronizer merges realtime chat events into the cache and sends messages.
type Synchronizer struct {
	session  *session.Store
	cache    *cache.Store
	manager  *realtime.Manager
	backend  Backend
	log      *slog.Logger
	pageSize int

	genMu   sync.Mutex
	gen     uint64
	applied uint64

	inflight sync.WaitGroup
}

// New creates a synchronizer and attaches it to every connection m creates.
func New(sess *session.Store, c *cache.Store, m *realtime.Manager, backend Backend, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	s := &Synchronizer{
		session:  sess,
		cache:    c,
		manager:  m,
		backend:  backend,
		log:      log.With("component", "chat"),
		pageSize: DefaultPageSize,
	}
	m.OnNew(s.attach)
	return s
}

func (s *Synchronizer) attach(c *realtime.Conn) {
	c.On(realtime.EventMessageNew, s.onMessageNew)
	c.On(realtime.EventBlockUpdated, s.onBlockUpdated)
}

// Send delivers text to recipientID and returns the stored message once the
// server acknowledges it. It does not touch the cache and never retries.
func (s *Synchronizer) Send(ctx context.Context, recipientID, text string) (cache.Message, error) {
	conn, err := s.manager.Get(ctx)
	if err != nil {
		return cache.Message{}, fmt.Errorf("chat: send: %w", err)
	}

	raw, err := conn.EmitWithAck(ctx, realtime.EventMessageSend, realtime.SendRequest{RecipientID: recipientID, Text: text})
	if err != nil {
		return cache.Message{}, fmt.Errorf("chat: send: %w", err)
	}

	var ack realtime.SendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return cache.Message{}, fmt.Errorf("chat: send: decode ack: %w", err)
	}
	if !ack.OK {
		reason := ack.Error
		if reason == "" {
			reason = "unknown error"
		}
		return cache.Message{}, &SendError{Reason: reason}
	}
	if ack.Message == nil {
		return cache.Message{}, &SendError{Reason: "acknowledgement carried no message"}
	}

	msg := *ack.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ack.ConversationID
	}
	return msg, nil
}

func (s *Synchronizer) onMessageNew(data json.RawMessage) {
	var ev realtime.MessageNew
	if err := json.Unmarshal(data, &ev); err != nil || ev.Message.ID == "" {
		s.log.Warn("bad message:new", "error", err)
		return
	}
	convID := ev.ConversationID
	if convID == "" {
		convID = ev.Message.ConversationID
	}
	self := s.session.Snapshot().Identity.ID
	peer := ev.Message.PeerOf(self)

	if s.cache.Dispatch(cache.MessageReceived{PeerID: peer, ConversationID: convID, Message: ev.Message}) {
		s.log.Debug("message cached", "peer_id", peer, "message_id", ev.Message.ID)
	}
	s.refreshSummariesAsync()
}

func (s *Synchronizer) onBlockUpdated(data json.RawMessage) {
	var ev realtime.BlockUpdated
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("bad chat:block-updated", "error", err)
		return
	}
	self := s.session.Snapshot().Identity.ID

	var in cache.FlagChanged
	switch {
	case self == "":
		return
	case ev.BlockerUserID == self:
		in = cache.FlagChanged{PeerID: ev.BlockedUserID, Flag: cache.FlagBlockedByMe, Value: ev.Blocked}
	case ev.BlockedUserID == self:
		in = cache.FlagChanged{PeerID: ev.BlockerUserID, Flag: cache.FlagBlockedMe, Value: ev.Blocked}
	default:
		return
	}
	s.cache.Dispatch(in)
	s.refreshSummariesAsync()
}

// RefreshSummaries refetches the conversation list. A response is discarded
// if a refresh started later has already been applied.
func (s *Synchronizer) RefreshSummaries(ctx context.Context) error {
	s.genMu.Lock()
	s.gen++
	gen := s.gen
	s.genMu.Unlock()

	list, err := s.backend.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("chat: refresh conversations: %w", err)
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	if gen < s.applied {
		s.log.Debug("dropping stale conversation list", "gen", gen, "applied", s.applied)
		return nil
	}
	s.applied = gen
	s.cache.Dispatch(cache.SummariesReplaced{Summaries: list})
	return nil
}

func (s *Synchronizer) refreshSummariesAsync() {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		defer cancel()
		if err := s.RefreshSummaries(ctx); err != nil {
			s.log.Warn("conversation list refresh failed", "error", err)
		}
	}()
}

// Wait blocks until background refreshes have finished.
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

// LoadHistory (re)loads the newest page for peerID, discarding older pages.
func (s *Synchronizer) LoadHistory(ctx context.Context, peerID string) error {
	page, err := s.backend.History(ctx, peerID, "", s.pageSize)
	if err != nil {
		return fmt.Errorf("chat: load history: %w", err)
	}
	s.cache.Dispatch(cache.PageLoaded{PeerID: peerID, Page: page})
	return nil
}

// LoadOlder fetches the page before the oldest loaded one.
func (s *Synchronizer) LoadOlder(ctx context.Context, peerID string) error {
	pages := s.cache.Pages(peerID)
	if len(pages) == 0 {
		return s.LoadHistory(ctx, peerID)
	}
	cursor := pages[0].NextCursor
	if cursor == "" {
		return ErrNoMoreHistory
	}
	page, err := s.backend.History(ctx, peerID, cursor, s.pageSize)
	if err != nil {
		return fmt.Errorf("chat: load older: %w", err)
	}
	s.cache.Dispatch(cache.PageLoaded{PeerID: peerID, Page: page, Older: true})
	return nil
}

// SetBlocked asks the server to block or unblock peerID. The cache changes
// when the resulting chat:block-updated event arrives.
func (s *Synchronizer) SetBlocked(ctx context.Context, peerID string, blocked bool) error {
	if err := s.backend.SetBlocked(ctx, peerID, blocked); err != nil {
		return fmt.Errorf("chat: set blocked: %w", err)
	}
	return nil
}

// Messages returns the cached messages exchanged with peerID, oldest first.
func (s *Synchronizer) Messages(peerID string) []cache.Message {
	return s.cache.Messages(peerID)
}

// Summaries returns the cached conversation list.
func (s *Synchronizer) Summaries() []cache.Summary {
	return s.cache.Summaries()
}
