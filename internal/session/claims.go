package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of an access token the client inspects. The client
// cannot verify the signature; these values are informational only.
type Claims struct {
	Subject   string
	Name      string
	ExpiresAt time.Time
}

type accessClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes an access token without verifying it.
func ParseClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrNoSession
	}
	var c accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Claims{}, err
	}
	out := Claims{Subject: c.Subject, Name: c.Name}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// ExpiresWithin reports whether the access token expires within d of now.
// Tokens without an exp claim never expire by this measure.
func (s Session) ExpiresWithin(now time.Time, d time.Duration) (bool, error) {
	c, err := ParseClaims(s.AccessToken)
	if err != nil {
		return false, err
	}
	if c.ExpiresAt.IsZero() {
		return false, nil
	}
	return !now.Add(d).Before(c.ExpiresAt), nil
}

// IdentityFromToken fills an Identity from token claims, for login responses
// that omit the user object.
func IdentityFromToken(token string) (Identity, error) {
	c, err := ParseClaims(token)
	if err != nil {
		return Identity{}, err
	}
	if c.Subject == "" {
		return Identity{}, errors.New("session: token has no subject")
	}
	return Identity{ID: c.Subject, Name: c.Name}, nil
}
