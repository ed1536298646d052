package auth

import (
	"testing"
	"time"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	tok, err := Issue("k", "alice", time.Minute)
	require.NoError(t, err)

	who, err := NewVerifier("k").Identity(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), who)
}

func TestNumericUserID(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 42,
		"email":   "a@b.c",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	who, err := NewVerifier("k").Identity(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("42"), who)
}

func TestRejectsBadTokens(t *testing.T) {
	v := NewVerifier("k")

	wrongKey, _ := Issue("other", "alice", time.Minute)
	_, err := v.Identity(wrongKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := Issue("k", "alice", -time.Minute)
	_, err = v.Identity(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	_, err = v.Identity(noID)
	assert.ErrorIs(t, err, ErrNoUserID)

	_, err = v.Identity("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
