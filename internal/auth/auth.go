// Package auth turns backend-issued HS256 tokens into identities.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const ClaimUserID = "user_id"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoUserID     = errors.New("token has no user_id claim")
)

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identity validates raw and returns its user_id claim. Numeric ids are
// rendered in base 10.
func (v *Verifier) Identity(raw string) (domain.Identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	var id string
	switch uid := claims[ClaimUserID].(type) {
	case string:
		id = uid
	case float64:
		id = strconv.FormatFloat(uid, 'f', -1, 64)
	default:
		return "", ErrNoUserID
	}
	who, err := domain.ParseIdentity(id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return who, nil
}

// Issue signs a token for who. Used by the CLI and tests; the backend
// issues production tokens.
func Issue(secret string, who domain.Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		ClaimUserID: string(who),
		"exp":       time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
