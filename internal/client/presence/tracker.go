// Package presence keeps the client's view of who is in each room. The
// relay always sends full snapshots, so the newest one simply wins.
package presence

import (
	"errors"
	"sync"

	"github.com/dkeye/Comms/internal/domain"
)

var ErrNotPresence = errors.New("not a presence-update")

// Change is what Apply reports when a snapshot was accepted.
type Change struct {
	Room    domain.RoomID
	Members []domain.Identity
	Joined  []domain.Identity
	Left    []domain.Identity
}

type snapshot struct {
	seq     uint64
	members []domain.Identity
}

type Tracker struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]snapshot
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[domain.RoomID]snapshot)}
}

// Apply takes a presence-update envelope. Snapshots older than the one held
// are ignored and reported as not applied.
func (t *Tracker) Apply(env domain.Envelope) (Change, bool, error) {
	if env.Type != domain.TypePresenceUpdate {
		return Change{}, false, ErrNotPresence
	}
	var p domain.PresencePayload
	if err := env.Decode(&p); err != nil {
		return Change{}, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, known := t.rooms[env.Room]
	if known && env.Seq != 0 && env.Seq <= prev.seq {
		return Change{}, false, nil
	}
	t.rooms[env.Room] = snapshot{seq: env.Seq, members: p.Members}

	return Change{
		Room:    env.Room,
		Members: append([]domain.Identity(nil), p.Members...),
		Joined:  diff(p.Members, prev.members),
		Left:    diff(prev.members, p.Members),
	}, true, nil
}

func (t *Tracker) Members(room domain.RoomID) []domain.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.Identity(nil), t.rooms[room].members...)
}

func (t *Tracker) Has(room domain.RoomID, who domain.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.rooms[room].members {
		if m == who {
			return true
		}
	}
	return false
}

func (t *Tracker) Forget(room domain.RoomID) {
	t.mu.Lock()
	delete(t.rooms, room)
	t.mu.Unlock()
}

// Reset drops every revision. Call it after reconnecting: a restarted relay
// starts counting from zero again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for room, s := range t.rooms {
		s.seq = 0
		t.rooms[room] = s
	}
}

// diff returns the members of a missing from b.
func diff(a, b []domain.Identity) []domain.Identity {
	seen := make(map[domain.Identity]struct{}, len(b))
	for _, m := range b {
		seen[m] = struct{}{}
	}
	var out []domain.Identity
	for _, m := range a {
		if _, ok := seen[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}
