package devserver

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-chat-sync/internal/cache"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrBadCursor    = errors.New("invalid cursor")
)

// User is an account as the dev server stores it.
type User struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	PasswordHash string
}

// Store persists accounts, messages and block state.
//
// History cursors are opaque to callers. Conversations between two users are
// created by the first message either of them sends.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)

	SaveMessage(ctx context.Context, from, to, text string, at time.Time) (cache.Message, error)
	History(ctx context.Context, self, peer, cursor string, limit int) (cache.Page, error)
	Conversations(ctx context.Context, self string) ([]cache.Summary, error)

	SetBlocked(ctx context.Context, blocker, blocked string, value bool) error
	Flags(ctx context.Context, self, peer string) (cache.Flags, error)
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

type memConversation struct {
	id       string
	a, b     string
	messages []cache.Message
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User
	byEmail map[string]string
	convs   map[string]*memConversation
	blocks  map[[2]string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		byEmail: make(map[string]string),
		convs:   make(map[string]*memConversation),
		blocks:  make(map[[2]string]bool),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return User{}, ErrUserExists
	}
	u.ID = uuid.NewString()
	u.Email = email
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, from, to, text string, at time.Time) (cache.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[to]; !ok {
		return cache.Message{}, ErrUserNotFound
	}
	key := pairKey(from, to)
	c := s.convs[key]
	if c == nil {
		c = &memConversation{id: uuid.NewString(), a: from, b: to}
		s.convs[key] = c
	}
	m := cache.Message{
		ID:             uuid.NewString(),
		ConversationID: c.id,
		SenderID:       from,
		RecipientID:    to,
		Text:           text,
		CreatedAt:      at.UTC(),
	}
	c.messages = append(c.messages, m)
	return m, nil
}

// History pages backwards from the newest message. The cursor is the index
// of the first message of the previously returned page.
func (s *MemoryStore) History(_ context.Context, self, peer, cursor string, limit int) (cache.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := cache.Page{Messages: []cache.Message{}}
	c := s.convs[pairKey(self, peer)]
	if c == nil {
		return page, nil
	}
	end := len(c.messages)
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(c.messages) {
			return cache.Page{}, ErrBadCursor
		}
		end = n
	}
	start := max(end-limit, 0)
	page.ConversationID = c.id
	page.Messages = append(page.Messages, c.messages[start:end]...)
	page.Count = len(page.Messages)
	if start > 0 {
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}

func (s *MemoryStore) Conversations(_ context.Context, self string) ([]cache.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cache.Summary
	for _, c := range s.convs {
		if c.a != self && c.b != self {
			continue
		}
		peer := c.a
		if peer == self {
			peer = c.b
		}
		sum := cache.Summary{
			ConversationID: c.id,
			PeerID:         peer,
			Name:           s.users[peer].Name,
			UnreadCount:    unread(c.messages, self),
			Participant:    cache.Flags{BlockedByMe: s.blocks[[2]string{self, peer}], BlockedMe: s.blocks[[2]string{peer, self}]},
		}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) SetBlocked(_ context.Context, blocker, blocked string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[blocked]; !ok {
		return ErrUserNotFound
	}
	if value {
		s.blocks[[2]string{blocker, blocked}] = true
	} else {
		delete(s.blocks, [2]string{blocker, blocked})
	}
	return nil
}

func (s *MemoryStore) Flags(_ context.Context, self, peer string) (cache.Flags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cache.Flags{BlockedByMe: s.blocks[[2]string{self, peer}], BlockedMe: s.blocks[[2]string{peer, self}]}, nil
}

// unread counts the peer's messages after self last wrote. There are no read
// receipts, so replying is what marks a conversation read.
func unread(msgs []cache.Message, self string) int {
	n := 0
	for i := len(msgs) - 1; i >= 0 && msgs[i].SenderID != self; i-- {
		n++
	}
	return n
}

// sortSummaries orders the list newest activity first.
func sortSummaries(list []cache.Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessage, list[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
