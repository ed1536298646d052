package app

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	maxSize int
	seq     atomic.Uint64

	mu    sync.RWMutex
	rooms map[domain.RoomID]core.PresenceRoom
}

func NewRoomManager(maxSize int) core.RoomManager {
	return &RoomManagerImpl{
		maxSize: maxSize,
		rooms:   make(map[domain.RoomID]core.PresenceRoom),
	}
}

func (f *RoomManagerImpl) nextSeq() uint64 { return f.seq.Add(1) }

func (f *RoomManagerImpl) GetOrCreate(id domain.RoomID) core.PresenceRoom {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = core.NewPresenceRoom(id, f.maxSize, f.nextSeq)
	f.rooms[id] = room
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.PresenceRoom, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

// Remove drops id only while it still maps to room, so a replacement room
// created after room closed is left alone.
func (f *RoomManagerImpl) Remove(id domain.RoomID, room core.PresenceRoom) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rooms[id]; ok && cur == room {
		delete(f.rooms, id)
		log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room dropped")
	}
}

func (f *RoomManagerImpl) List() []domain.RoomInfo {
	f.mu.RLock()
	rooms := make([]core.PresenceRoom, 0, len(f.rooms))
	for _, r := range f.rooms {
		rooms = append(rooms, r)
	}
	f.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		n := r.MemberCount()
		if n == 0 {
			continue
		}
		out = append(out, domain.RoomInfo{ID: r.ID(), Kind: r.ID().Kind(), MemberCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
