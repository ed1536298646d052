package orch

import (
	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

// Route forwards a client envelope to its target. From is always stamped
// from the connection. Routing misses are logged and dropped; only malformed
// addressing is reported back as an error.
func (o *Orchestrator) Route(id core.ConnID, env domain.Envelope) error {
	c, ok := o.Registry.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	env.From = c.Identity
	env.Seq = 0

	switch {
	case env.Broadcast:
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("type", string(env.Type)).Msg("client broadcast dropped")
		return ErrBroadcastDenied
	case env.To != "":
		frame, err := env.Marshal()
		if err != nil {
			return err
		}
		var targets []*app.Connection
		for _, t := range o.Registry.ConnectionsOf(env.To) {
			if t.ID != c.ID {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			log.Debug().Str("module", "orch").Str("from", string(c.Identity)).Str("to", string(env.To)).Str("type", string(env.Type)).Msg("target offline, dropped")
			return nil
		}
		o.applyPolicy(o.deliver(targets, frame))
		return nil
	case env.Room != "":
		return o.routeRoom(c, env)
	default:
		return ErrNoTarget
	}
}

func (o *Orchestrator) routeRoom(c *app.Connection, env domain.Envelope) error {
	room, ok := o.Rooms.Get(env.Room)
	if !ok || !room.Has(c.Identity) {
		log.Warn().Str("module", "orch").Str("conn", string(c.ID)).Str("room", string(env.Room)).Str("type", string(env.Type)).Msg("sender not a member, dropped")
		return core.ErrNotMember
	}
	frame, err := env.Marshal()
	if err != nil {
		return err
	}

	var slow []*app.Connection
	err = room.Within(func(members []domain.Identity) {
		slow = o.deliver(o.connectionsOf(members, c.Identity), frame)
	})
	o.applyPolicy(slow)
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("room", string(env.Room)).Msg("room closed while routing")
	}
	return nil
}

// Notify delivers a server-originated envelope to every connection of who.
func (o *Orchestrator) Notify(who domain.Identity, env domain.Envelope) int {
	conns := o.Registry.ConnectionsOf(who)
	if len(conns) == 0 {
		return 0
	}
	env.To = who
	frame, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(env.Type)).Msg("encode notify")
		return 0
	}
	slow := o.deliver(conns, frame)
	o.applyPolicy(slow)
	return len(conns) - len(slow)
}

// Broadcast delivers a server-originated envelope to every live connection.
func (o *Orchestrator) Broadcast(env domain.Envelope) int {
	env.Broadcast = true
	frame, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(env.Type)).Msg("encode broadcast")
		return 0
	}
	conns := o.Registry.All()
	slow := o.deliver(conns, frame)
	o.applyPolicy(slow)
	return len(conns) - len(slow)
}
