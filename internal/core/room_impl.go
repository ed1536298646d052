package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory presence set.
// It never closes adapter-owned resources.
type roomImpl struct {
	id      domain.RoomID
	maxSize int
	nextSeq func() uint64

	mu      sync.Mutex
	members map[domain.Identity]map[ConnID]struct{}
	closed  bool
}

// NewPresenceRoom builds an empty room. maxSize <= 0 disables the cap.
// nextSeq is shared by every room of a relay so snapshots carry a globally
// increasing revision.
func NewPresenceRoom(id domain.RoomID, maxSize int, nextSeq func() uint64) PresenceRoom {
	return &roomImpl{
		id:      id,
		maxSize: maxSize,
		nextSeq: nextSeq,
		members: make(map[domain.Identity]map[ConnID]struct{}),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *roomImpl) Members() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *roomImpl) Has(who domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[who]
	return ok
}

func (r *roomImpl) Join(who domain.Identity, conn ConnID, publish Publisher) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrRoomClosed
	}

	conns, present := r.members[who]
	if !present {
		if r.maxSize > 0 && len(r.members) >= r.maxSize {
			return Snapshot{}, ErrRoomFull
		}
		conns = make(map[ConnID]struct{}, 1)
		r.members[who] = conns
	}
	conns[conn] = struct{}{}

	snap := r.snapshotLocked()
	if !present {
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("user", string(who)).Str("conn", string(conn)).Int("members", len(r.members)).Msg("member joined")
	}
	if publish != nil {
		publish(snap, !present)
	}
	return snap, nil
}

func (r *roomImpl) Leave(who domain.Identity, conn ConnID, publish Publisher) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true, ErrRoomClosed
	}
	conns, ok := r.members[who]
	if !ok {
		return false, ErrNotMember
	}
	if _, ok := conns[conn]; !ok {
		return false, ErrNotMember
	}
	delete(conns, conn)
	if len(conns) > 0 {
		return false, nil
	}

	delete(r.members, who)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("user", string(who)).Int("members", len(r.members)).Msg("member left")
	if len(r.members) == 0 {
		r.closed = true
		return true, nil
	}
	if publish != nil {
		publish(r.snapshotLocked(), true)
	}
	return false, nil
}

func (r *roomImpl) Within(fn func(members []domain.Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	fn(r.sortedLocked())
	return nil
}

// snapshotLocked stamps a new revision; only call it for snapshots that are
// about to be published.
func (r *roomImpl) snapshotLocked() Snapshot {
	return Snapshot{Room: r.id, Seq: r.nextSeq(), Members: r.sortedLocked()}
}

func (r *roomImpl) sortedLocked() []domain.Identity {
	out := make([]domain.Identity, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
