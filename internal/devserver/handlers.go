package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/session"
)

func identityOf(u User) *session.Identity {
	return &session.Identity{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone}
}

func (s *Server) issue(w http.ResponseWriter, status int, u User) {
	access, refresh, err := s.tokens.Issue(u)
	if err != nil {
		s.log.Error("sign tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, status, api.AuthResponse{Token: access, RefreshToken: refresh, User: identityOf(u)})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.Split(req.Email, "@")[0]
	}
	u, err := s.store.CreateUser(r.Context(), User{Name: name, Email: req.Email, Phone: req.Phone, PasswordHash: string(hashed)})
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("user registered", "user_id", u.ID)
	s.issue(w, http.StatusCreated, u)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.store.UserByEmail(r.Context(), req.Email)
	if err != nil || u.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.issue(w, http.StatusOK, u)
}

// socialLogin accepts any provider identity token carrying an email claim.
// The signature is not checked; this server is for development only.
func (s *Server) socialLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(req.IDToken, claims); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity token")
		return
	}
	email, _ := claims["email"].(string)
	if email == "" {
		writeError(w, http.StatusUnauthorized, "identity token has no email")
		return
	}

	u, err := s.store.UserByEmail(r.Context(), email)
	if errors.Is(err, ErrUserNotFound) {
		name, _ := claims["name"].(string)
		u, err = s.store.CreateUser(r.Context(), User{Name: name, Email: email})
		if err == nil {
			s.log.Info("user registered", "user_id", u.ID, "provider", chi.URLParam(r, "provider"))
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.issue(w, http.StatusOK, u)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := s.tokens.Rotate(req.RefreshToken)
	if err != nil {
		s.log.Info("refresh rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	u, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.issue(w, http.StatusOK, u)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	u, err := s.store.UserByID(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, identityOf(u))
}

func (s *Server) conversations(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	list, err := s.store.Conversations(r.Context(), p.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []cache.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	peerID := chi.URLParam(r, "peerId")
	if _, err := s.store.UserByID(r.Context(), peerID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxPageSize)
	}

	page, err := s.historyPage(r.Context(), p.UserID, peerID, r.URL.Query().Get("cursor"), limit)
	if errors.Is(err, ErrBadCursor) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	peerID := chi.URLParam(r, "peerId")
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if peerID == p.UserID {
		writeError(w, http.StatusBadRequest, "cannot block yourself")
		return
	}

	err := s.setBlocked(r.Context(), p.UserID, peerID, req.Blocked)
	if errors.Is(err, ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": req.Blocked})
}
