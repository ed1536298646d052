// Package orch wires the registry, the rooms and the delivery policy into
// the signaling relay.
package orch

import (
	"errors"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNoTarget          = errors.New("envelope has no target")
	ErrBroadcastDenied   = errors.New("broadcast is server-only")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy) *Orchestrator {
	return &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy}
}

// Register adds a live connection. It implies no room membership.
func (o *Orchestrator) Register(c *app.Connection) {
	o.Registry.Bind(c)
}

// SendTo encodes env and queues it on a single connection.
func (o *Orchestrator) SendTo(c *app.Connection, env domain.Envelope) {
	frame, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(env.Type)).Msg("encode envelope")
		return
	}
	o.applyPolicy(o.deliver([]*app.Connection{c}, frame))
}

// SendError answers the originating connection with an error envelope.
func (o *Orchestrator) SendError(c *app.Connection, code string, cause error, about domain.Envelope) {
	p := domain.ErrorPayload{Code: code, Type: about.Type, Room: about.Room}
	if cause != nil {
		p.Message = cause.Error()
	}
	env, err := domain.NewEnvelope(domain.TypeError, p)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode error envelope")
		return
	}
	o.SendTo(c, env)
}

// deliver queues frame on every target and returns the connections that
// were backpressured. Dead connections are logged and skipped.
func (o *Orchestrator) deliver(targets []*app.Connection, frame core.Frame) []*app.Connection {
	var slow []*app.Connection
	for _, c := range targets {
		err := c.Signal.TrySend(frame)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrBackpressure):
			log.Warn().Str("module", "orch").Str("conn", string(c.ID)).Str("user", string(c.Identity)).Msg("backpressure, frame dropped")
			slow = append(slow, c)
		default:
			log.Debug().Err(err).Str("module", "orch").Str("conn", string(c.ID)).Msg("deliver to dead connection dropped")
		}
	}
	return slow
}

// applyPolicy runs outside every room lock; a kick only cancels the
// connection, and its adapter reports the disconnect back to us.
func (o *Orchestrator) applyPolicy(slow []*app.Connection) {
	if o.Policy == nil {
		return
	}
	for _, c := range slow {
		switch o.Policy.OnBackPressure(c) {
		case app.KickMember:
			o.Registry.Cancel(c.ID)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// connectionsOf collects every live connection of the given identities,
// skipping the identity skip.
func (o *Orchestrator) connectionsOf(members []domain.Identity, skip domain.Identity) []*app.Connection {
	var out []*app.Connection
	for _, who := range members {
		if who == skip {
			continue
		}
		out = append(out, o.Registry.ConnectionsOf(who)...)
	}
	return out
}
