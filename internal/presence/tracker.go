// Package presence tracks which peers are online from realtime events.
package presence

import (
	"encoding/json"
	"log/slog"

	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/realtime"
	"go-chat-sync/internal/session"
)

// Tracker feeds presence events into the cache and announces the signed-in
// user's own arrival and departure.
type Tracker struct {
	session *session.Store
	cache   *cache.Store
	manager *realtime.Manager
	log     *slog.Logger
}

// New creates a tracker and attaches it to every connection m creates.
func New(sess *session.Store, c *cache.Store, m *realtime.Manager, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{session: sess, cache: c, manager: m, log: log.With("component", "presence")}
	m.OnNew(t.attach)
	return t
}

// IsOnline reports whether peerID is currently online.
func (t *Tracker) IsOnline(peerID string) bool {
	return t.cache.IsOnline(peerID)
}

// Online lists the online peers.
func (t *Tracker) Online() []string {
	return t.cache.Online()
}

func (t *Tracker) attach(c *realtime.Conn) {
	c.OnConnect(func() { t.announce(c, realtime.EventPresenceJoin) })
	c.On(realtime.EventPresenceSnapshot, t.onSnapshot)
	c.On(realtime.EventPresenceOnline, t.onOnline)
	c.On(realtime.EventPresenceOffline, t.onOffline)
}

func (t *Tracker) announce(c *realtime.Conn, event string) {
	self := t.session.Snapshot().Identity.ID
	if err := c.Emit(event, realtime.PresenceDelta{UserID: self}); err != nil {
		t.log.Warn("presence announcement not sent", "event", event, "error", err)
	}
}

func (t *Tracker) onSnapshot(data json.RawMessage) {
	var snap realtime.PresenceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.log.Warn("bad presence snapshot", "error", err)
		return
	}
	t.cache.Dispatch(cache.PresenceReplaced{IDs: snap.UserIDs})
}

func (t *Tracker) onOnline(data json.RawMessage) {
	if id, ok := t.delta(data); ok {
		t.cache.Dispatch(cache.PresenceJoined{ID: id})
	}
}

func (t *Tracker) onOffline(data json.RawMessage) {
	if id, ok := t.delta(data); ok {
		t.cache.Dispatch(cache.PresenceLeft{ID: id})
	}
}

func (t *Tracker) delta(data json.RawMessage) (string, bool) {
	var d realtime.PresenceDelta
	if err := json.Unmarshal(data, &d); err != nil || d.UserID == "" {
		t.log.Warn("bad presence delta", "error", err)
		return "", false
	}
	return d.UserID, true
}

// Leave announces the signed-in user's departure and releases the
// connection. force closes the connection even if the session is unchanged.
func (t *Tracker) Leave(force bool) {
	if c := t.manager.Current(); c != nil && c.Connected() {
		t.announce(c, realtime.EventPresenceLeave)
	}
	t.manager.Release(force)
}
