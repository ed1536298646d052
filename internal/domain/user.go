// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxIdentityLen = 64

var (
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityEmpty   = errors.New("identity empty")
)

// Identity is the authenticated user id. The relay never interprets it beyond
// equality and ordering.
type Identity string

// ParseIdentity trims and validates a raw id taken from a token claim.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return Identity(raw), nil
}

// Greater reports whether a sorts after b. Used for the offerer tie-break.
func (a Identity) Greater(b Identity) bool { return a > b }

// User is the read-only view returned by whoami.
type User struct {
	ID     Identity `json:"id"`
	Device string   `json:"device,omitempty"`
}
