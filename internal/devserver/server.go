// Package devserver is a development backend speaking the same HTTP and
// realtime protocol as production: password, registration and social sign-in,
// rotating refresh tokens, one-to-one chat with acknowledgements, presence and
// blocking.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/clock"
	"go-chat-sync/internal/realtime"
)

const maxPageSize = 100

type Options struct {
	Store  Store
	Tokens *Tokens
	// Redis enables cross-instance fan-out. Optional.
	Redis      *redis.Client
	BcryptCost int
	Clock      clock.Clock
	Log        *slog.Logger
}

type Server struct {
	store      Store
	tokens     *Tokens
	hub        *Hub
	bcryptCost int
	clock      clock.Clock
	log        *slog.Logger
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	log := opts.Log.With("component", "devserver")
	return &Server{
		store:      opts.Store,
		tokens:     opts.Tokens,
		hub:        NewHub(opts.Redis, opts.Log),
		bcryptCost: opts.BcryptCost,
		clock:      opts.Clock,
		log:        log,
	}
}

// Run drives the realtime hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.hub.Run(ctx)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
		r.Post("/social/{provider}", s.socialLogin)
		r.Post("/refresh", s.refresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(s.tokens))
		r.Get("/ws", s.serveWs)
		r.Get("/api/users/me", s.me)
		r.Get("/api/chat/conversations", s.conversations)
		r.Get("/api/chat/messages/{peerId}", s.history)
		r.Post("/api/chat/block/{peerId}", s.block)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}

	p := &peer{srv: s, conn: conn, send: make(chan realtime.Frame, 256), userID: principal.UserID}
	s.hub.send(s.hub.register, p)

	go p.writePump()
	go p.readPump(context.WithoutCancel(r.Context()))
}

// sendMessage stores a message and fans it out to both parties. The returned
// ack goes back to the sender only.
func (s *Server) sendMessage(ctx context.Context, from string, req realtime.SendRequest) realtime.SendAck {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	text := strings.TrimSpace(req.Text)
	switch {
	case req.RecipientID == "" || text == "":
		return realtime.SendAck{Error: "recipient and text are required"}
	case req.RecipientID == from:
		return realtime.SendAck{Error: "cannot message yourself"}
	}

	flags, err := s.store.Flags(ctx, from, req.RecipientID)
	if err != nil {
		s.log.Error("load block state", "error", err)
		return realtime.SendAck{Error: "internal error"}
	}
	if flags.BlockedByMe || flags.BlockedMe {
		return realtime.SendAck{Error: "blocked"}
	}

	msg, err := s.store.SaveMessage(ctx, from, req.RecipientID, text, s.clock.Now())
	if errors.Is(err, ErrUserNotFound) {
		return realtime.SendAck{Error: "unknown recipient"}
	}
	if err != nil {
		s.log.Error("save message", "error", err)
		return realtime.SendAck{Error: "internal error"}
	}

	f, _ := realtime.NewFrame(realtime.EventMessageNew, realtime.MessageNew{Message: msg, ConversationID: msg.ConversationID})
	s.hub.Deliver([]string{from, req.RecipientID}, f)
	return realtime.SendAck{OK: true, Message: &msg, ConversationID: msg.ConversationID}
}

func (s *Server) setBlocked(ctx context.Context, blocker, blocked string, value bool) error {
	if err := s.store.SetBlocked(ctx, blocker, blocked, value); err != nil {
		return err
	}
	at := s.clock.Now().UTC()
	f, _ := realtime.NewFrame(realtime.EventBlockUpdated, realtime.BlockUpdated{
		BlockerUserID: blocker,
		BlockedUserID: blocked,
		Blocked:       value,
		UpdatedAt:     &at,
	})
	s.hub.Deliver([]string{blocker, blocked}, f)
	return nil
}

func (s *Server) historyPage(ctx context.Context, self, peer, cursor string, limit int) (cache.Page, error) {
	page, err := s.store.History(ctx, self, peer, cursor, limit)
	if err != nil {
		return cache.Page{}, err
	}
	page.Participant, err = s.store.Flags(ctx, self, peer)
	return page, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
