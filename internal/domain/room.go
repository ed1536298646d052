package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxRoomIDLen = 64
	AdHocPrefix  = "adhoc-"
)

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type RoomID string

type RoomKind string

const (
	RoomKindStanding RoomKind = "standing"
	RoomKindAdHoc    RoomKind = "adhoc"
)

// NewAdHocRoomID allocates a one-shot room id for a direct call.
func NewAdHocRoomID() RoomID {
	return RoomID(AdHocPrefix + uuid.NewString())
}

func (r RoomID) Kind() RoomKind {
	if strings.HasPrefix(string(r), AdHocPrefix) {
		return RoomKindAdHoc
	}
	return RoomKindStanding
}

func (r RoomID) Validate() error {
	if r == "" {
		return ErrRoomIDEmpty
	}
	if len(r) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

// RoomInfo is what the REST surface lists.
type RoomInfo struct {
	ID          RoomID   `json:"id"`
	Kind        RoomKind `json:"kind"`
	MemberCount int      `json:"member_count"`
}
