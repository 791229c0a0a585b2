package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/session"
)

// AuthResponse is returned by login, register, social login and refresh.
type AuthResponse struct {
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	User         *session.Identity `json:"user,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

// ErrNoToken is returned when an auth endpoint answers 2xx without a token.
var ErrNoToken = errors.New("api: response carried no token")

// Login signs in with email and password and installs the new session.
func (c *Client) Login(ctx context.Context, creds LoginRequest) (session.Session, error) {
	return c.authenticate(ctx, "/api/auth/login", creds)
}

// Register creates an account and signs in with it.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (session.Session, error) {
	return c.authenticate(ctx, "/api/auth/register", req)
}

// SocialLogin exchanges a provider identity token for a session.
func (c *Client) SocialLogin(ctx context.Context, provider, idToken string) (session.Session, error) {
	return c.authenticate(ctx, "/api/auth/social/"+url.PathEscape(provider), map[string]string{"idToken": idToken})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (session.Session, error) {
	var res AuthResponse
	if err := c.Post(ctx, path, body, &res); err != nil {
		return session.Session{}, err
	}
	if res.Token == "" {
		return session.Session{}, ErrNoToken
	}

	sess := session.Session{AccessToken: res.Token, RefreshToken: res.RefreshToken}
	if res.User != nil {
		sess.Identity = *res.User
	} else if id, err := session.IdentityFromToken(res.Token); err == nil {
		sess.Identity = id
	}
	if err := c.store.Set(ctx, sess); err != nil {
		c.log.Warn("session not persisted", "error", err)
	}
	c.log.Info("signed in", "user_id", sess.Identity.ID)
	return sess, nil
}

// Refresh exchanges a refresh token for a new credential. It never writes the
// store; that is the authenticator's job.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	var res AuthResponse
	err := c.Post(ctx, "/api/auth/refresh", map[string]string{"refreshToken": refreshToken}, &res)
	return res, err
}

// Me fetches the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (session.Identity, error) {
	var id session.Identity
	err := c.Get(ctx, "/api/users/me", &id)
	return id, err
}

// Conversations fetches the conversation summary list.
func (c *Client) Conversations(ctx context.Context) ([]cache.Summary, error) {
	var out []cache.Summary
	err := c.Get(ctx, "/api/chat/conversations", &out)
	return out, err
}

// History fetches one page of messages exchanged with peerID. An empty cursor
// asks for the newest page.
func (c *Client) History(ctx context.Context, peerID, cursor string, limit int) (cache.Page, error) {
	req, _ := NewRequest(http.MethodGet, "/api/chat/messages/"+url.PathEscape(peerID), nil)
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page cache.Page
	err := c.Do(ctx, req.WithQuery(q), &page)
	return page, err
}

// SetBlocked blocks or unblocks peerID. The resulting state change arrives
// over the realtime connection.
func (c *Client) SetBlocked(ctx context.Context, peerID string, blocked bool) error {
	return c.Post(ctx, "/api/chat/block/"+url.PathEscape(peerID), map[string]bool{"blocked": blocked}, nil)
}
