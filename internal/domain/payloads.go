package domain

// PresencePayload carries the full, sorted member list of a room.
type PresencePayload struct {
	Members []Identity `json:"members"`
}

type CallInvitePayload struct {
	DisplayName string `json:"display_name,omitempty"`
}

// CallReason explains why a call reached the ended phase.
type CallReason string

const (
	ReasonNoAnswer     CallReason = "no-answer"
	ReasonBusy         CallReason = "busy"
	ReasonDeclined     CallReason = "declined"
	ReasonHangup       CallReason = "hangup"
	ReasonRemoteHangup CallReason = "remote-hangup"
	ReasonSignalLost   CallReason = "signal-lost"
)

type CallReasonPayload struct {
	Reason CallReason `json:"reason"`
}

type DirectMessagePayload struct {
	ConversationID string `json:"conversation_id"`
}

// Error codes sent back to the originating connection.
const (
	ErrCodeBadPayload  = "bad_payload"
	ErrCodeRoomFull    = "room-full"
	ErrCodeNotMember   = "not-member"
	ErrCodeRateLimited = "rate-limited"
	ErrCodeForbidden   = "forbidden"
	ErrCodeUnknownType = "unknown-type"
)

type ErrorPayload struct {
	Code    string       `json:"code"`
	Message string       `json:"message,omitempty"`
	Type    EnvelopeType `json:"type,omitempty"`
	Room    RoomID       `json:"room,omitempty"`
}
