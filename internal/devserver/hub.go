package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"go-chat-sync/internal/realtime"
)

// EventsChannel is the Redis channel instances use to share realtime events.
const EventsChannel = "chat-events"

// envelope addresses a frame. An empty To means every connected user except
// Skip.
type envelope struct {
	To    []string       `json:"to,omitempty"`
	Skip  string         `json:"skip,omitempty"`
	Frame realtime.Frame `json:"frame"`
}

type reply struct {
	peer  *peer
	frame realtime.Frame
}

// Hub tracks connected peers by user and routes frames to them. Only the Run
// goroutine touches the peer and presence maps.
type Hub struct {
	peers  map[string]map[*peer]struct{}
	online map[string]struct{}

	register   chan *peer
	unregister chan *peer
	joined     chan *peer
	left       chan *peer
	replies    chan reply
	// publish receives outbound envelopes; broadcast receives them back from
	// Redis (or directly without it) for local delivery.
	publish   chan envelope
	broadcast chan envelope

	redis *redis.Client
	log   *slog.Logger
	done  chan struct{}
}

// NewHub creates a hub. rdb may be nil for a single instance.
func NewHub(rdb *redis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		peers:      make(map[string]map[*peer]struct{}),
		online:     make(map[string]struct{}),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		joined:     make(chan *peer),
		left:       make(chan *peer),
		replies:    make(chan reply),
		publish:    make(chan envelope),
		broadcast:  make(chan envelope),
		redis:      rdb,
		log:        log.With("component", "hub"),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.redis != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for _, set := range h.peers {
				for p := range set {
					close(p.send)
				}
			}
			h.peers = map[string]map[*peer]struct{}{}
			return nil

		case p := <-h.register:
			set := h.peers[p.userID]
			if set == nil {
				set = make(map[*peer]struct{})
				h.peers[p.userID] = set
			}
			set[p] = struct{}{}

		case p := <-h.unregister:
			set := h.peers[p.userID]
			if _, ok := set[p]; !ok {
				continue
			}
			delete(set, p)
			close(p.send)
			if len(set) == 0 {
				delete(h.peers, p.userID)
				h.setOffline(p.userID)
			}

		case p := <-h.joined:
			if _, ok := h.peers[p.userID][p]; !ok {
				continue
			}
			f, _ := realtime.NewFrame(realtime.EventPresenceSnapshot, realtime.PresenceSnapshot{UserIDs: h.onlineExcept(p.userID)})
			h.write(p, f)
			if _, ok := h.online[p.userID]; !ok {
				h.online[p.userID] = struct{}{}
				h.route(ctx, presenceEnvelope(realtime.EventPresenceOnline, p.userID))
			}

		case p := <-h.left:
			h.setOffline(p.userID)

		case r := <-h.replies:
			if _, ok := h.peers[r.peer.userID][r.peer]; ok {
				h.write(r.peer, r.frame)
			}

		case env := <-h.publish:
			h.route(ctx, env)

		case env := <-h.broadcast:
			h.fanOut(env)
		}
	}
}

func (h *Hub) setOffline(userID string) {
	if _, ok := h.online[userID]; !ok {
		return
	}
	delete(h.online, userID)
	h.route(context.Background(), presenceEnvelope(realtime.EventPresenceOffline, userID))
}

func presenceEnvelope(event, userID string) envelope {
	f, _ := realtime.NewFrame(event, realtime.PresenceDelta{UserID: userID})
	return envelope{Skip: userID, Frame: f}
}

// route sends env through Redis when configured so every instance sees it,
// and straight to local peers otherwise.
func (h *Hub) route(ctx context.Context, env envelope) {
	if h.redis == nil {
		h.fanOut(env)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode envelope", "error", err)
		return
	}
	if err := h.redis.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		h.log.Error("redis publish", "error", err)
		h.fanOut(env)
	}
}

func (h *Hub) fanOut(env envelope) {
	if len(env.To) == 0 {
		for userID, set := range h.peers {
			if userID == env.Skip {
				continue
			}
			for p := range set {
				h.write(p, env.Frame)
			}
		}
		return
	}
	for _, userID := range env.To {
		for p := range h.peers[userID] {
			h.write(p, env.Frame)
		}
	}
}

// write queues f for p, dropping p if its buffer is full.
func (h *Hub) write(p *peer, f realtime.Frame) {
	select {
	case p.send <- f:
	default:
		h.log.Warn("slow peer dropped", "user_id", p.userID)
		close(p.send)
		if set := h.peers[p.userID]; set != nil {
			delete(set, p)
			if len(set) == 0 {
				delete(h.peers, p.userID)
				h.setOffline(p.userID)
			}
		}
	}
}

func (h *Hub) onlineExcept(userID string) []string {
	out := make([]string, 0, len(h.online))
	for id := range h.online {
		if id != userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) subscribe(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("bad envelope from redis", "error", err)
				continue
			}
			select {
			case h.broadcast <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Deliver sends f to every connection of the given users.
func (h *Hub) Deliver(userIDs []string, f realtime.Frame) {
	h.submit(h.publish, envelope{To: userIDs, Frame: f})
}

func (h *Hub) submit(ch chan envelope, env envelope) {
	select {
	case ch <- env:
	case <-h.done:
	}
}

func (h *Hub) reply(p *peer, f realtime.Frame) {
	select {
	case h.replies <- reply{peer: p, frame: f}:
	case <-h.done:
	}
}

func (h *Hub) send(ch chan *peer, p *peer) {
	select {
	case ch <- p:
	case <-h.done:
	}
}
