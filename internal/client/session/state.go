// Package session runs the offer/answer exchange with one remote peer of a
// room. Which side offers is fixed by identity order, so two peers never
// both start the initial negotiation.
package session

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/domain"
)

var (
	ErrNegotiation      = errors.New("negotiation failed")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrClosed           = errors.New("peer session closed")
	ErrNoAnswer         = errors.New("offer not answered")
)

const (
	DefaultResendAfter = 3 * time.Second
	DefaultMaxResends  = 4
)

// Options tunes offer retransmission. Zero values take the defaults.
type Options struct {
	Clock       clock.Clock
	ResendAfter time.Duration
	// MaxResends bounds timer-driven re-sends before the session fails.
	MaxResends int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.ResendAfter <= 0 {
		o.ResendAfter = DefaultResendAfter
	}
	if o.MaxResends <= 0 {
		o.MaxResends = DefaultMaxResends
	}
	return o
}

type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAwaitingOffer
	StateAnswerSent
	StateAnswerReceived
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAnswerSent:
		return "answer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleAnswerer Role = iota
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// RoleFor gives the offerer role to the lexicographically greater identity.
func RoleFor(self, peer domain.Identity) Role {
	if self.Greater(peer) {
		return RoleOfferer
	}
	return RoleAnswerer
}

// Signaler carries negotiation envelopes to the relay.
type Signaler interface {
	Send(env domain.Envelope) error
}
