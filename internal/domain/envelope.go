package domain

import (
	"encoding/json"
	"fmt"
)

type EnvelopeType string

const (
	TypeJoinRoom       EnvelopeType = "join-room"
	TypeLeaveRoom      EnvelopeType = "leave-room"
	TypePresenceUpdate EnvelopeType = "presence-update"
	TypeSessionOffer   EnvelopeType = "session-offer"
	TypeSessionAnswer  EnvelopeType = "session-answer"
	TypeICECandidate   EnvelopeType = "ice-candidate"
	TypeDirectMessage  EnvelopeType = "direct-message"
	TypeCallInvite     EnvelopeType = "call-invite"
	TypeCallAccept     EnvelopeType = "call-accept"
	TypeCallReject     EnvelopeType = "call-reject"
	TypeCallEnd        EnvelopeType = "call-end"

	// control
	TypeError  EnvelopeType = "error"
	TypePing   EnvelopeType = "ping"
	TypePong   EnvelopeType = "pong"
	TypeWhoAmI EnvelopeType = "whoami"
)

// IsNegotiation reports whether t belongs to the pairwise offer/answer exchange.
func (t EnvelopeType) IsNegotiation() bool {
	switch t {
	case TypeSessionOffer, TypeSessionAnswer, TypeICECandidate:
		return true
	}
	return false
}

// IsCall reports whether t belongs to the call lifecycle.
func (t EnvelopeType) IsCall() bool {
	switch t {
	case TypeCallInvite, TypeCallAccept, TypeCallReject, TypeCallEnd:
		return true
	}
	return false
}

// Envelope is the unit of signaling traffic. From is stamped by the relay;
// whatever the client put there is overwritten. Exactly one of To, Room or
// Broadcast selects the recipients. Room may accompany To as context for
// peer-to-peer types.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	From      Identity        `json:"from,omitempty"`
	To        Identity        `json:"to,omitempty"`
	Room      RoomID          `json:"room,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a fresh envelope. A nil payload leaves
// Payload empty.
func NewEnvelope(t EnvelopeType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Type, err)
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("envelope without type")
	}
	return env, nil
}
