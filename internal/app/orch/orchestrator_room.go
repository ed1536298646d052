package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

// closed rooms are replaced at most this many times per join
const joinAttempts = 3

// Join adds the connection to room and publishes the new snapshot to every
// member, the joiner included. Joining twice is a no-op apart from resending
// the current snapshot to the joiner.
func (o *Orchestrator) Join(id core.ConnID, roomID domain.RoomID) error {
	c, ok := o.Registry.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	if err := roomID.Validate(); err != nil {
		return err
	}

	var slow []*app.Connection
	publish := func(snap core.Snapshot, changed bool) {
		frame, err := presenceFrame(snap)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(snap.Room)).Msg("encode presence")
			return
		}
		targets := []*app.Connection{c}
		if changed {
			targets = o.connectionsOf(snap.Members, "")
		}
		slow = o.deliver(targets, frame)
	}

	var err error
	for range joinAttempts {
		room := o.Rooms.GetOrCreate(roomID)
		_, err = room.Join(c.Identity, c.ID, publish)
		if errors.Is(err, core.ErrRoomClosed) {
			o.Rooms.Remove(roomID, room)
			continue
		}
		break
	}
	o.applyPolicy(slow)
	if err != nil {
		log.Info().Err(err).Str("module", "orch").Str("conn", string(id)).Str("room", string(roomID)).Msg("join rejected")
		return err
	}
	c.MarkJoined(roomID)

	// Disconnect may have run between the room join and MarkJoined.
	if _, ok := o.Registry.Get(id); !ok {
		o.leave(c, roomID)
	}
	return nil
}

// Leave removes the connection from room. Remaining members get the new
// snapshot when the identity has no other connection left in the room.
func (o *Orchestrator) Leave(id core.ConnID, roomID domain.RoomID) error {
	c, ok := o.Registry.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	return o.leave(c, roomID)
}

func (o *Orchestrator) leave(c *app.Connection, roomID domain.RoomID) error {
	c.MarkLeft(roomID)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return core.ErrNotMember
	}

	var slow []*app.Connection
	empty, err := room.Leave(c.Identity, c.ID, func(snap core.Snapshot, _ bool) {
		frame, err := presenceFrame(snap)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(snap.Room)).Msg("encode presence")
			return
		}
		slow = o.deliver(o.connectionsOf(snap.Members, ""), frame)
	})
	if empty {
		o.Rooms.Remove(roomID, room)
	}
	o.applyPolicy(slow)
	return err
}

// Disconnect unbinds the connection and leaves every room it joined.
func (o *Orchestrator) Disconnect(id core.ConnID) {
	c, ok := o.Registry.Unbind(id)
	if !ok {
		return
	}
	for _, roomID := range c.Rooms() {
		if err := o.leave(c, roomID); err != nil && !errors.Is(err, core.ErrNotMember) {
			log.Warn().Err(err).Str("module", "orch").Str("conn", string(id)).Str("room", string(roomID)).Msg("leave on disconnect")
		}
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("user", string(c.Identity)).Msg("disconnected")
}

// EvictRoom cancels every connection currently joined to room. The room
// empties as their disconnects come in.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) int {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return 0
	}
	var victims []*app.Connection
	_ = room.Within(func(members []domain.Identity) {
		for _, c := range o.connectionsOf(members, "") {
			if c.InRoom(roomID) {
				victims = append(victims, c)
			}
		}
	})
	for _, c := range victims {
		o.Registry.Cancel(c.ID)
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Int("evicted", len(victims)).Msg("room evicted")
	return len(victims)
}

// Snapshot returns the current members of room.
func (o *Orchestrator) Snapshot(roomID domain.RoomID) ([]domain.Identity, bool) {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, false
	}
	return room.Members(), true
}

func presenceFrame(snap core.Snapshot) (core.Frame, error) {
	env, err := domain.NewEnvelope(domain.TypePresenceUpdate, domain.PresencePayload{Members: snap.Members})
	if err != nil {
		return nil, err
	}
	env.Room = snap.Room
	env.Seq = snap.Seq
	b, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("presence %s: %w", snap.Room, err)
	}
	return b, nil
}
