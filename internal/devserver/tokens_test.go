package devserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/session"
	"go-chat-sync/internal/testutil"
)

func TestTokens_IssueAndValidate(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	tokens := NewTokens("secret", time.Minute, time.Hour, clk)

	access, refresh, err := tokens.Issue(User{ID: "u1", Name: "Ada"})
	require.NoError(t, err)

	p, err := tokens.ValidateAccess(access)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Name: "Ada"}, p)

	_, err = tokens.ValidateAccess(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh tokens are not access tokens")

	claims, err := session.ParseClaims(access)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestTokens_AccessExpires(t *testing.T) {
	clk := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	tokens := NewTokens("secret", time.Minute, time.Hour, clk)
	access, _, err := tokens.Issue(User{ID: "u1"})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = tokens.ValidateAccess(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RotateIsSingleUse(t *testing.T) {
	tokens := NewTokens("secret", time.Minute, time.Hour, nil)
	access, refresh, err := tokens.Issue(User{ID: "u1"})
	require.NoError(t, err)

	_, err = tokens.Rotate(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	sub, err := tokens.Rotate(refresh)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	_, err = tokens.Rotate(refresh)
	assert.ErrorIs(t, err, ErrTokenReused)
}

func TestTokens_WrongSecret(t *testing.T) {
	access, _, err := NewTokens("one", time.Minute, time.Hour, nil).Issue(User{ID: "u1"})
	require.NoError(t, err)

	_, err = NewTokens("two", time.Minute, time.Hour, nil).ValidateAccess(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
