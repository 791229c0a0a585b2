package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"go-chat-sync/internal/clock"
)

const (
	issuer      = "go-chat-sync"
	typeAccess  = "access"
	typeRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenReused  = errors.New("refresh token already used")
)

// Claims is the payload of both token kinds. Name is what the client shows
// before it has fetched the profile.
type Claims struct {
	Name string `json:"name,omitempty"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Name   string
}

// Tokens issues and validates HS256 access and refresh tokens. Refresh tokens
// are single use: a successful rotation burns the presented one.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration, clk clock.Clock) *Tokens {
	if clk == nil {
		clk = clock.New()
	}
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clk,
		used:       make(map[string]time.Time),
	}
}

// Issue signs a fresh token pair for u.
func (t *Tokens) Issue(u User) (access, refresh string, err error) {
	access, err = t.sign(u, typeAccess, t.accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = t.sign(u, typeRefresh, t.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (t *Tokens) sign(u User, typ string, ttl time.Duration) (string, error) {
	now := t.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: u.Name,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(t.secret)
}

func (t *Tokens) parse(tokenString, typ string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccess checks an access token.
func (t *Tokens) ValidateAccess(tokenString string) (Principal, error) {
	c, err := t.parse(tokenString, typeAccess)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: c.Subject, Name: c.Name}, nil
}

// Rotate validates a refresh token, marks it used and returns its subject.
func (t *Tokens) Rotate(tokenString string) (string, error) {
	c, err := t.parse(tokenString, typeRefresh)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for jti, exp := range t.used {
		if now.After(exp) {
			delete(t.used, jti)
		}
	}
	if _, ok := t.used[c.ID]; ok {
		return "", ErrTokenReused
	}
	t.used[c.ID] = c.ExpiresAt.Time
	return c.Subject, nil
}
