package cache

import (
	"sort"
	"sync"
)

type conversation struct {
	id    string
	pages []Page
	seen  map[string]struct{}
}

func (c *conversation) reindex() {
	c.seen = make(map[string]struct{})
	for _, p := range c.pages {
		for _, m := range p.Messages {
			c.seen[m.ID] = struct{}{}
		}
	}
}

// Store holds the cached state and applies intents one at a time.
type Store struct {
	mu        sync.RWMutex
	online    map[string]struct{}
	convs     map[string]*conversation
	summaries []Summary

	smu    sync.Mutex
	subs   map[int]func(Intent)
	nextID int
}

func NewStore() *Store {
	return &Store{
		online: make(map[string]struct{}),
		convs:  make(map[string]*conversation),
		subs:   make(map[int]func(Intent)),
	}
}

// Dispatch applies i and reports whether it changed anything. Subscribers are
// notified after the change is visible to readers.
func (s *Store) Dispatch(i Intent) bool {
	s.mu.Lock()
	changed := s.apply(i)
	s.mu.Unlock()

	if changed {
		s.publish(i)
	}
	return changed
}

func (s *Store) apply(i Intent) bool {
	switch in := i.(type) {
	case PresenceReplaced:
		s.online = make(map[string]struct{}, len(in.IDs))
		for _, id := range in.IDs {
			s.online[id] = struct{}{}
		}
		return true

	case PresenceJoined:
		if _, ok := s.online[in.ID]; ok {
			return false
		}
		s.online[in.ID] = struct{}{}
		return true

	case PresenceLeft:
		if _, ok := s.online[in.ID]; !ok {
			return false
		}
		delete(s.online, in.ID)
		return true

	case PageLoaded:
		return s.applyPage(in)

	case MessageReceived:
		return s.applyMessage(in)

	case FlagChanged:
		c := s.convs[in.PeerID]
		if c == nil || len(c.pages) == 0 {
			return false
		}
		p := &c.pages[0].Participant
		switch in.Flag {
		case FlagBlockedByMe:
			p.BlockedByMe = in.Value
		case FlagBlockedMe:
			p.BlockedMe = in.Value
		default:
			return false
		}
		return true

	case SummariesReplaced:
		s.summaries = append([]Summary(nil), in.Summaries...)
		return true

	case ConversationDropped:
		if _, ok := s.convs[in.PeerID]; !ok {
			return false
		}
		delete(s.convs, in.PeerID)
		return true

	case Reset:
		s.online = make(map[string]struct{})
		s.convs = make(map[string]*conversation)
		s.summaries = nil
		return true
	}
	return false
}

func (s *Store) applyPage(in PageLoaded) bool {
	if in.Page.Count < len(in.Page.Messages) {
		in.Page.Count = len(in.Page.Messages)
	}
	c := s.convs[in.PeerID]
	if c == nil || !in.Older {
		c = &conversation{}
		s.convs[in.PeerID] = c
		c.pages = []Page{in.Page.clone()}
		c.id = in.Page.ConversationID
		c.reindex()
		return true
	}

	page := in.Page.clone()
	kept := page.Messages[:0]
	for _, m := range page.Messages {
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		kept = append(kept, m)
	}
	page.Messages = kept
	page.Count = len(kept)
	if c.id == "" {
		c.id = page.ConversationID
	}
	c.pages = append([]Page{page}, c.pages...)
	return true
}

func (s *Store) applyMessage(in MessageReceived) bool {
	c := s.convs[in.PeerID]
	if c == nil || len(c.pages) == 0 {
		return false
	}
	if c.id != "" && in.ConversationID != "" && c.id != in.ConversationID {
		return false
	}
	if _, dup := c.seen[in.Message.ID]; dup {
		return false
	}
	if c.id == "" {
		c.id = in.ConversationID
	}
	last := &c.pages[len(c.pages)-1]
	last.Messages = append(last.Messages, in.Message)
	last.Count++
	c.seen[in.Message.ID] = struct{}{}
	return true
}

// IsOnline reports whether peerID is in the online set.
func (s *Store) IsOnline(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[peerID]
	return ok
}

// Online returns the online set, sorted.
func (s *Store) Online() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Pages returns a copy of the loaded pages for peerID, oldest first.
func (s *Store) Pages(peerID string) []Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[peerID]
	if c == nil {
		return nil
	}
	out := make([]Page, len(c.pages))
	for i, p := range c.pages {
		out[i] = p.clone()
	}
	return out
}

// Messages flattens the loaded pages for peerID in chronological order.
func (s *Store) Messages(peerID string) []Message {
	var out []Message
	for _, p := range s.Pages(peerID) {
		out = append(out, p.Messages...)
	}
	return out
}

// ConversationID returns the conversation bound to peerID, empty when the
// conversation has not been created yet.
func (s *Store) ConversationID(peerID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.convs[peerID]; c != nil {
		return c.id
	}
	return ""
}

// Participant returns the flags held on the first page for peerID.
func (s *Store) Participant(peerID string) (Flags, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[peerID]
	if c == nil || len(c.pages) == 0 {
		return Flags{}, false
	}
	return c.pages[0].Participant, true
}

// HasPages reports whether any page is loaded for peerID.
func (s *Store) HasPages(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[peerID]
	return c != nil && len(c.pages) > 0
}

// Summaries returns a copy of the conversation list.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Summary(nil), s.summaries...)
}

// Subscribe registers fn to be called after every intent that changed the
// store. The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Intent)) (unsubscribe func()) {
	s.smu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.smu.Unlock()
	return func() {
		s.smu.Lock()
		delete(s.subs, id)
		s.smu.Unlock()
	}
}

func (s *Store) publish(i Intent) {
	s.smu.Lock()
	fns := make([]func(Intent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.smu.Unlock()
	for _, fn := range fns {
		fn(i)
	}
}
