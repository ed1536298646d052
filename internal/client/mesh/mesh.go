// Package mesh keeps one negotiated peer session per remote member of every
// joined room, following presence as it changes.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/client/presence"
	"github.com/dkeye/Comms/internal/client/session"
	"github.com/dkeye/Comms/internal/client/transport"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/dkeye/Comms/internal/eventsub"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined = errors.New("room not joined")
	ErrRoomFull  = errors.New("room is full")
)

// Transport is what the mesh needs from the relay connection.
type Transport interface {
	Send(env domain.Envelope) error
	JoinRoom(room domain.RoomID) error
	LeaveRoom(room domain.RoomID) error
}

// LocalMedia lists the local tracks every new peer starts with.
type LocalMedia interface {
	ActiveTracks() []webrtc.TrackLocal
}

type EventKind int

const (
	EventPeerState EventKind = iota + 1
	EventRemoteTrack
	EventRoomFull
)

type Event struct {
	Kind  EventKind
	Room  domain.RoomID
	Peer  domain.Identity
	State session.State
	Err   error
	Track *webrtc.TrackRemote
}

// DefaultRejoinAfter spaces join retries after the relay rate-limits a join.
const DefaultRejoinAfter = 2 * time.Second

type Options struct {
	// MaxRoom mirrors the relay's room cap; 0 disables it.
	MaxRoom     int
	RejoinAfter time.Duration
	Clock       clock.Clock
	// Peer tunes every peer session. Its clock defaults to Clock.
	Peer session.Options
}

type peerEntry struct {
	peer    *session.Peer
	senders map[string]*webrtc.RTPSender
}

type roomState struct {
	peers  map[domain.Identity]*peerEntry
	rejoin *clock.Timer
}

type Controller struct {
	self     domain.Identity
	tr       Transport
	factory  core.MediaFactory
	local    LocalMedia
	presence *presence.Tracker
	opts     Options
	events   *eventsub.EventSub[Event]

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomState
}

func New(self domain.Identity, tr Transport, factory core.MediaFactory, local LocalMedia, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RejoinAfter <= 0 {
		opts.RejoinAfter = DefaultRejoinAfter
	}
	if opts.Peer.Clock == nil {
		opts.Peer.Clock = opts.Clock
	}
	return &Controller{
		self:     self,
		tr:       tr,
		factory:  factory,
		local:    local,
		presence: presence.NewTracker(),
		opts:     opts,
		events:   eventsub.New[Event](),
		rooms:    make(map[domain.RoomID]*roomState),
	}
}

func (c *Controller) Events(buf int) (<-chan Event, func()) {
	return c.events.Subscribe(buf)
}

func (c *Controller) Presence() *presence.Tracker { return c.presence }

func (c *Controller) Join(room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		c.rooms[room] = &roomState{peers: make(map[domain.Identity]*peerEntry)}
	}
	c.mu.Unlock()
	return c.tr.JoinRoom(room)
}

// Leave closes every session of room and tells the relay.
func (c *Controller) Leave(room domain.RoomID) error {
	c.mu.Lock()
	rs, ok := c.rooms[room]
	if ok {
		delete(c.rooms, room)
		rs.stopRejoin()
		for _, e := range rs.peers {
			e.peer.Close()
		}
	}
	c.mu.Unlock()
	c.presence.Forget(room)
	if !ok {
		return ErrNotJoined
	}
	return c.tr.LeaveRoom(room)
}

func (c *Controller) Rooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Peer returns the session with who in room.
func (c *Controller) Peer(room domain.RoomID, who domain.Identity) (*session.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[room]
	if !ok {
		return nil, false
	}
	e, ok := rs.peers[who]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

func (c *Controller) Peers(room domain.RoomID) []domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[room]
	if !ok {
		return nil
	}
	out := make([]domain.Identity, 0, len(rs.peers))
	for id := range rs.peers {
		out = append(out, id)
	}
	return out
}

// Run is the single dispatch loop over the transport's inbound queue and
// status updates. It returns when ctx ends or the envelope channel closes.
func (c *Controller) Run(ctx context.Context, in <-chan domain.Envelope, status <-chan transport.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			c.HandleEnvelope(env)
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			c.HandleStatus(s)
		}
	}
}

func (c *Controller) HandleEnvelope(env domain.Envelope) {
	switch {
	case env.Type == domain.TypePresenceUpdate:
		change, applied, err := c.presence.Apply(env)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.mesh").Msg("bad presence-update")
			return
		}
		if applied {
			c.syncRoom(change.Room, change.Members)
		}
	case env.Type.IsNegotiation():
		c.routeNegotiation(env)
	case env.Type == domain.TypeError:
		var p domain.ErrorPayload
		if err := env.Decode(&p); err != nil {
			log.Debug().Err(err).Str("module", "client.mesh").Msg("bad error payload")
			return
		}
		switch p.Code {
		case domain.ErrCodeRoomFull:
			log.Warn().Str("module", "client.mesh").Str("room", string(p.Room)).Msg("room full")
			c.events.Publish(Event{Kind: EventRoomFull, Room: p.Room, Err: ErrRoomFull})
		case domain.ErrCodeRateLimited:
			c.scheduleRejoin(p.Room)
		}
	}
}

// scheduleRejoin retries a rate-limited join while the room is still wanted.
// The relay only counts admitted joins, so retries do not extend its window.
func (c *Controller) scheduleRejoin(room domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[room]
	if !ok || rs.rejoin != nil {
		return
	}
	log.Warn().Str("module", "client.mesh").Str("room", string(room)).Dur("after", c.opts.RejoinAfter).Msg("join rate limited, retrying")
	rs.rejoin = c.opts.Clock.AfterFunc(c.opts.RejoinAfter, func() {
		c.mu.Lock()
		if cur, ok := c.rooms[room]; !ok || cur != rs {
			c.mu.Unlock()
			return
		}
		rs.rejoin = nil
		c.mu.Unlock()
		if err := c.tr.JoinRoom(room); err != nil {
			log.Warn().Err(err).Str("module", "client.mesh").Str("room", string(room)).Msg("rejoin")
		}
	})
}

func (rs *roomState) stopRejoin() {
	if rs.rejoin != nil {
		rs.rejoin.Stop()
		rs.rejoin = nil
	}
}

// HandleStatus closes every peer on transport loss. Rooms stay joined; the
// transport rejoins them and fresh presence recreates the peers.
func (c *Controller) HandleStatus(s transport.Status) {
	switch s {
	case transport.StatusReconnecting, transport.StatusLost:
		c.closeAllPeers()
	case transport.StatusReconnected:
		c.presence.Reset()
	}
}

// OnLocalTrack adds or removes track on every peer of every room and
// renegotiates them.
func (c *Controller) OnLocalTrack(track webrtc.TrackLocal, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for room, rs := range c.rooms {
		for who, e := range rs.peers {
			if e.peer.State() == session.StateClosed {
				continue
			}
			var err error
			if added {
				err = c.attachLocked(e, track)
			} else if sender, ok := e.senders[track.ID()]; ok {
				delete(e.senders, track.ID())
				err = e.peer.Conn().RemoveTrack(sender)
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "client.mesh").Str("room", string(room)).Str("peer", string(who)).Msg("update local track")
				continue
			}
			if err := e.peer.Renegotiate(); err != nil {
				log.Warn().Err(err).Str("module", "client.mesh").Str("room", string(room)).Str("peer", string(who)).Msg("renegotiate")
			}
		}
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	for _, rs := range c.rooms {
		rs.stopRejoin()
		for _, e := range rs.peers {
			e.peer.Close()
		}
	}
	c.rooms = make(map[domain.RoomID]*roomState)
	c.mu.Unlock()
	c.events.Close()
}

func (c *Controller) syncRoom(room domain.RoomID, members []domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[room]
	if !ok {
		return
	}

	want := make(map[domain.Identity]struct{}, len(members))
	for _, m := range members {
		if m != c.self {
			want[m] = struct{}{}
		}
	}
	for who, e := range rs.peers {
		if _, ok := want[who]; !ok {
			e.peer.Close()
			delete(rs.peers, who)
		}
	}
	for who := range want {
		if e, ok := rs.peers[who]; ok && e.peer.State() != session.StateClosed {
			// an offer lost before this snapshot goes out again
			e.peer.Retry()
			continue
		}
		e, err := c.openLocked(room, rs, who)
		if err != nil {
			continue
		}
		if err := e.peer.Start(); err != nil {
			log.Warn().Err(err).Str("module", "client.mesh").Str("room", string(room)).Str("peer", string(who)).Msg("start peer")
		}
	}
}

func (c *Controller) routeNegotiation(env domain.Envelope) {
	if env.From == "" || env.From == c.self {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.rooms[env.Room]
	if !ok {
		log.Debug().Str("module", "client.mesh").Str("room", string(env.Room)).Str("type", string(env.Type)).Msg("negotiation for unjoined room dropped")
		return
	}

	e, ok := rs.peers[env.From]
	// an offer for a dead session is the remote side retrying
	if !ok || (env.Type == domain.TypeSessionOffer && e.peer.State() == session.StateClosed) {
		var err error
		if e, err = c.openLocked(env.Room, rs, env.From); err != nil {
			return
		}
		if err := e.peer.Start(); err != nil {
			log.Warn().Err(err).Str("module", "client.mesh").Msg("start peer")
		}
	}
	if err := e.peer.HandleEnvelope(env); err != nil {
		log.Warn().Err(err).Str("module", "client.mesh").Str("room", string(env.Room)).Str("peer", string(env.From)).Str("type", string(env.Type)).Msg("negotiation")
	}
}

func (c *Controller) openLocked(room domain.RoomID, rs *roomState, who domain.Identity) (*peerEntry, error) {
	if old, ok := rs.peers[who]; ok {
		old.peer.Close()
		delete(rs.peers, who)
	}
	if c.opts.MaxRoom > 0 && len(rs.peers) >= c.opts.MaxRoom-1 {
		log.Warn().Str("module", "client.mesh").Str("room", string(room)).Str("peer", string(who)).Int("max", c.opts.MaxRoom).Msg("mesh full, peer skipped")
		return nil, ErrRoomFull
	}
	conn, err := c.factory.NewConnection()
	if err != nil {
		log.Error().Err(err).Str("module", "client.mesh").Str("peer", string(who)).Msg("new peer connection")
		return nil, err
	}

	p := session.NewPeer(room, c.self, who, conn, c.tr, c.opts.Peer)
	e := &peerEntry{peer: p, senders: make(map[string]*webrtc.RTPSender)}
	p.OnStateChange(func(s session.State, err error) {
		c.events.Publish(Event{Kind: EventPeerState, Room: room, Peer: who, State: s, Err: err})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.events.Publish(Event{Kind: EventRemoteTrack, Room: room, Peer: who, Track: track})
	})
	if c.local != nil {
		for _, t := range c.local.ActiveTracks() {
			if err := c.attachLocked(e, t); err != nil {
				log.Warn().Err(err).Str("module", "client.mesh").Str("peer", string(who)).Msg("attach local track")
			}
		}
	}
	rs.peers[who] = e
	log.Info().Str("module", "client.mesh").Str("room", string(room)).Str("peer", string(who)).Str("role", p.Role().String()).Msg("peer opened")
	return e, nil
}

func (c *Controller) attachLocked(e *peerEntry, track webrtc.TrackLocal) error {
	if _, ok := e.senders[track.ID()]; ok {
		return nil
	}
	sender, err := e.peer.Conn().AddLocalTrack(track)
	if err != nil {
		return err
	}
	e.senders[track.ID()] = sender
	return nil
}

func (c *Controller) closeAllPeers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rs := range c.rooms {
		for who, e := range rs.peers {
			e.peer.Close()
			delete(rs.peers, who)
			n++
		}
	}
	if n > 0 {
		log.Info().Str("module", "client.mesh").Int("peers", n).Msg("transport lost, peers closed")
	}
}
