package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connection is one live transport binding of an identity.
type Connection struct {
	ID          core.ConnID
	Identity    domain.Identity
	Device      string
	ConnectedAt time.Time
	Signal      core.SignalConnection

	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[domain.RoomID]struct{}
}

func NewConnection(id core.ConnID, who domain.Identity, sig core.SignalConnection, cancel context.CancelFunc) *Connection {
	return &Connection{
		ID:          id,
		Identity:    who,
		ConnectedAt: time.Now(),
		Signal:      sig,
		cancel:      cancel,
		rooms:       make(map[domain.RoomID]struct{}),
	}
}

func (c *Connection) MarkJoined(room domain.RoomID) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) MarkLeft(room domain.RoomID) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Cancel stops the connection's pumps.
func (c *Connection) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Rooms returns the rooms this connection joined.
func (c *Connection) Rooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Connection) InRoom(room domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*Connection
	byID  map[domain.Identity]map[core.ConnID]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.ConnID]*Connection),
		byID:  make(map[domain.Identity]map[core.ConnID]*Connection),
	}
}

func (r *Registry) Bind(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	set, ok := r.byID[c.Identity]
	if !ok {
		set = make(map[core.ConnID]*Connection)
		r.byID[c.Identity] = set
	}
	set[c.ID] = c
	log.Info().Str("module", "app.registry").Str("conn", string(c.ID)).Str("user", string(c.Identity)).Int("user_conns", len(set)).Msg("bound connection")
}

func (r *Registry) Unbind(id core.ConnID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if set, ok := r.byID[c.Identity]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byID, c.Identity)
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(c.Identity)).Msg("unbind connection")
	return c, true
}

func (r *Registry) Get(id core.ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ConnectionsOf returns every live connection of an identity.
func (r *Registry) ConnectionsOf(who domain.Identity) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byID[who]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(who domain.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID[who]) > 0
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.Cancel()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
