// Package call runs the one-to-one call lifecycle on top of ad-hoc rooms.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/client/transport"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/dkeye/Comms/internal/eventsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoCall         = errors.New("no call in progress")
	ErrSelfCall       = errors.New("cannot call yourself")
)

const DefaultRingTimeout = 30 * time.Second

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRingingOut
	PhaseRingingIn
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRingingOut:
		return "ringing-out"
	case PhaseRingingIn:
		return "ringing-in"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

// Busy reports whether a new call has to be refused in this phase.
func (p Phase) Busy() bool {
	return p == PhaseRingingOut || p == PhaseRingingIn || p == PhaseActive
}

type Direction int

const (
	Outgoing Direction = iota + 1
	Incoming
)

type Call struct {
	Target      domain.Identity
	Room        domain.RoomID
	Phase       Phase
	Direction   Direction
	DisplayName string
	Reason      domain.CallReason
}

type Signaler interface {
	Send(env domain.Envelope) error
}

// Rooms joins and leaves the call's media room; the mesh controller does this.
type Rooms interface {
	Join(room domain.RoomID) error
	Leave(room domain.RoomID) error
}

type Options struct {
	RingTimeout time.Duration
	Clock       clock.Clock
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

type Controller struct {
	self  domain.Identity
	sig   Signaler
	rooms Rooms
	opts  Options
	log   zerolog.Logger

	mu    sync.Mutex
	call  Call
	timer *clock.Timer
	gen   uint64

	events *eventsub.EventSub[Call]
}

func New(self domain.Identity, sig Signaler, rooms Rooms, opts Options) *Controller {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Controller{
		self:   self,
		sig:    sig,
		rooms:  rooms,
		opts:   opts,
		log:    l.With().Str("module", "client.call").Logger(),
		events: eventsub.New[Call](),
	}
}

// Events streams a copy of the call on every phase change.
func (c *Controller) Events(buf int) (<-chan Call, func()) {
	return c.events.Subscribe(buf)
}

func (c *Controller) Current() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// InitiateCall rings target in a freshly allocated ad-hoc room.
func (c *Controller) InitiateCall(target domain.Identity, displayName string) (Call, error) {
	if target == c.self {
		return Call{}, ErrSelfCall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call.Phase.Busy() {
		return c.call, ErrBusy
	}

	room := domain.NewAdHocRoomID()
	if err := c.sendLocked(domain.TypeCallInvite, target, room, domain.CallInvitePayload{DisplayName: displayName}); err != nil {
		return Call{}, err
	}
	c.call = Call{Target: target, Room: room, Phase: PhaseRingingOut, Direction: Outgoing, DisplayName: displayName}
	c.armLocked()
	c.publishLocked()
	return c.call, nil
}

func (c *Controller) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call.Phase != PhaseRingingIn {
		return ErrNoIncomingCall
	}
	if err := c.sendLocked(domain.TypeCallAccept, c.call.Target, c.call.Room, nil); err != nil {
		return err
	}
	c.activateLocked()
	return nil
}

func (c *Controller) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call.Phase != PhaseRingingIn {
		return ErrNoIncomingCall
	}
	err := c.sendLocked(domain.TypeCallReject, c.call.Target, c.call.Room, domain.CallReasonPayload{Reason: domain.ReasonDeclined})
	c.endLocked(domain.ReasonDeclined)
	return err
}

// Hangup cancels an outgoing ring or ends an active call.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call.Phase != PhaseRingingOut && c.call.Phase != PhaseActive {
		return ErrNoCall
	}
	err := c.sendLocked(domain.TypeCallEnd, c.call.Target, c.call.Room, domain.CallReasonPayload{Reason: domain.ReasonHangup})
	c.endLocked(domain.ReasonHangup)
	return err
}

// HandleEnvelope applies a call-* envelope from the relay. Other types are ignored.
func (c *Controller) HandleEnvelope(env domain.Envelope) {
	if !env.Type.IsCall() || env.From == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := env.From == c.call.Target && env.Room == c.call.Room
	switch env.Type {
	case domain.TypeCallInvite:
		c.onInviteLocked(env)
	case domain.TypeCallAccept:
		switch {
		case current && c.call.Phase == PhaseRingingOut:
			c.activateLocked()
		case current && c.call.Phase == PhaseActive:
		default:
			// the ring is over on this side; tell the late callee
			_ = c.sendLocked(domain.TypeCallEnd, env.From, env.Room, domain.CallReasonPayload{Reason: domain.ReasonNoAnswer})
		}
	case domain.TypeCallReject:
		if current && c.call.Phase == PhaseRingingOut {
			reason := domain.ReasonDeclined
			var p domain.CallReasonPayload
			if err := env.Decode(&p); err == nil && p.Reason != "" {
				reason = p.Reason
			}
			c.endLocked(reason)
		}
	case domain.TypeCallEnd:
		if current && c.call.Phase.Busy() {
			reason := domain.ReasonRemoteHangup
			var p domain.CallReasonPayload
			if err := env.Decode(&p); err == nil && p.Reason == domain.ReasonNoAnswer {
				reason = domain.ReasonNoAnswer
			}
			c.endLocked(reason)
		}
	}
}

// HandleStatus ends the call once the relay is gone for good.
func (c *Controller) HandleStatus(s transport.Status) {
	if s != transport.StatusLost {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call.Phase.Busy() {
		c.endLocked(domain.ReasonSignalLost)
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
	c.events.Close()
}

func (c *Controller) onInviteLocked(env domain.Envelope) {
	if c.call.Phase.Busy() {
		c.log.Info().Str("from", string(env.From)).Msg("busy, invite rejected")
		_ = c.sendLocked(domain.TypeCallReject, env.From, env.Room, domain.CallReasonPayload{Reason: domain.ReasonBusy})
		return
	}
	if env.Room.Kind() != domain.RoomKindAdHoc {
		c.log.Warn().Str("room", string(env.Room)).Msg("invite without ad-hoc room ignored")
		return
	}
	var p domain.CallInvitePayload
	if err := env.Decode(&p); err != nil {
		// the invite still rings, only without a display name
		c.log.Debug().Err(err).Str("from", string(env.From)).Msg("bad invite payload")
	}
	c.call = Call{Target: env.From, Room: env.Room, Phase: PhaseRingingIn, Direction: Incoming, DisplayName: p.DisplayName}
	c.armLocked()
	c.publishLocked()
}

func (c *Controller) activateLocked() {
	c.stopTimerLocked()
	c.call.Phase = PhaseActive
	if err := c.rooms.Join(c.call.Room); err != nil {
		c.log.Error().Err(err).Str("room", string(c.call.Room)).Msg("join call room")
	}
	c.publishLocked()
}

func (c *Controller) endLocked(reason domain.CallReason) {
	c.stopTimerLocked()
	wasActive := c.call.Phase == PhaseActive
	c.call.Phase = PhaseEnded
	c.call.Reason = reason
	if wasActive {
		if err := c.rooms.Leave(c.call.Room); err != nil {
			c.log.Warn().Err(err).Str("room", string(c.call.Room)).Msg("leave call room")
		}
	}
	c.log.Info().Str("peer", string(c.call.Target)).Str("reason", string(reason)).Msg("call ended")
	c.publishLocked()
}

func (c *Controller) armLocked() {
	c.stopTimerLocked()
	gen := c.gen
	c.timer = c.opts.Clock.AfterFunc(c.opts.RingTimeout, func() { c.expire(gen) })
}

func (c *Controller) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	switch c.call.Phase {
	case PhaseRingingOut:
		_ = c.sendLocked(domain.TypeCallEnd, c.call.Target, c.call.Room, domain.CallReasonPayload{Reason: domain.ReasonNoAnswer})
		c.endLocked(domain.ReasonNoAnswer)
	case PhaseRingingIn:
		c.endLocked(domain.ReasonNoAnswer)
	}
}

func (c *Controller) sendLocked(t domain.EnvelopeType, to domain.Identity, room domain.RoomID, payload any) error {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	env.To = to
	env.Room = room
	if err := c.sig.Send(env); err != nil {
		c.log.Warn().Err(err).Str("type", string(t)).Msg("send")
		return err
	}
	return nil
}

func (c *Controller) publishLocked() {
	c.events.Publish(c.call)
}
