package core

import (
	"errors"

	"github.com/dkeye/Comms/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrSignalClosed = errors.New("connection closed")
)

// Frame is one encoded envelope as it goes over the wire.
type Frame []byte

// ConnID identifies one live transport binding. An identity may own several.
type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: it returns ErrBackpressure when the outbound queue is
// full and ErrSignalClosed after Close.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Snapshot is one applied presence mutation of a room.
type Snapshot struct {
	Room    domain.RoomID
	Seq     uint64
	Members []domain.Identity
}

// Publisher is called under the room lock after every join or leave.
// changed is false when the presence set did not move (a second connection
// of an already present identity, for example).
type Publisher func(snap Snapshot, changed bool)
