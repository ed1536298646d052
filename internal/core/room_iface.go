package core

import (
	"errors"

	"github.com/dkeye/Comms/internal/domain"
)

var (
	ErrRoomFull   = errors.New("room is full")
	ErrRoomClosed = errors.New("room closed")
	ErrNotMember  = errors.New("not a member")
)

// PresenceRoom is the core-facing API of a room.
// It owns the presence set but never touches transport resources; fan-out
// happens in the Publisher or Within callbacks, which run under the room lock.
type PresenceRoom interface {
	ID() domain.RoomID
	MemberCount() int
	Members() []domain.Identity
	Has(who domain.Identity) bool

	Join(who domain.Identity, conn ConnID, publish Publisher) (Snapshot, error)
	// Leave reports whether the room became empty; an empty room is closed
	// and rejects further joins.
	Leave(who domain.Identity, conn ConnID, publish Publisher) (empty bool, err error)
	// Within runs fn with the current members while holding the room lock.
	Within(fn func(members []domain.Identity)) error
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) PresenceRoom
	Get(id domain.RoomID) (PresenceRoom, bool)
	Remove(id domain.RoomID, room PresenceRoom)
	List() []domain.RoomInfo
}
