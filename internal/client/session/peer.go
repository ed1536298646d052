package session

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is the negotiation state of one (room, remote identity) pair.
//
// Remote candidates that arrive before any remote description are queued
// and applied right after it is set. Local candidates are held back until
// our first description went out. At most one renegotiation offer is in
// flight; further requests collapse into one queued renegotiation.
//
// Signaling is lossy. An offer left unanswered is re-sent unchanged, with
// every local candidate, until an answer arrives or the resend budget runs
// out. An offer that was already answered gets the same answer again.
type Peer struct {
	room domain.RoomID
	self domain.Identity
	peer domain.Identity
	role Role
	conn core.MediaConnection
	sig  Signaler
	opts Options
	log  zerolog.Logger

	mu             sync.Mutex
	state          State
	err            error
	remoteSet      bool
	localSent      bool
	mediaUp        bool
	renegInFlight  bool
	renegQueued    bool
	pendingRemote  []webrtc.ICECandidateInit
	pendingLocal   []webrtc.ICECandidateInit
	localCands     []webrtc.ICECandidateInit
	onStateChanged func(State, error)

	localOffer  webrtc.SessionDescription
	resends     int
	resendGen   uint64
	resendTimer *clock.Timer
	// answered is the last remote offer we answered, with our answer.
	answered   string
	lastAnswer webrtc.SessionDescription
}

func NewPeer(room domain.RoomID, self, peer domain.Identity, conn core.MediaConnection, sig Signaler, opts Options) *Peer {
	p := &Peer{
		room: room,
		self: self,
		peer: peer,
		role: RoleFor(self, peer),
		conn: conn,
		sig:  sig,
		opts: opts.withDefaults(),
		log: log.With().
			Str("module", "client.session").
			Str("room", string(room)).
			Str("peer", string(peer)).
			Logger(),
	}
	conn.OnICECandidate(p.onLocalCandidate)
	conn.OnConnectionState(p.onConnectionState)
	return p
}

func (p *Peer) Room() domain.RoomID { return p.room }

func (p *Peer) Remote() domain.Identity { return p.peer }

func (p *Peer) Role() Role { return p.role }

func (p *Peer) Conn() core.MediaConnection { return p.conn }

// OnStateChange registers fn for every transition. fn runs under the peer
// lock and must not call back into the peer.
func (p *Peer) OnStateChange(fn func(State, error)) {
	p.mu.Lock()
	p.onStateChanged = fn
	p.mu.Unlock()
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err is set once the session closed because of a failure.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Start begins the initial negotiation: the offerer sends its offer, the
// answerer waits for one.
func (p *Peer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return nil
	}
	if p.role == RoleAnswerer {
		p.setStateLocked(StateAwaitingOffer)
		return nil
	}
	return p.sendOfferLocked()
}

// Retry re-sends an unanswered offer right away and restarts its timer.
// It does not count against the resend budget. Other states are left alone.
func (p *Peer) Retry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOfferSent {
		return
	}
	p.resendOfferLocked()
	p.armResendLocked()
}

// Renegotiate sends a fresh offer once the session is connected. Requests
// made earlier, or while another renegotiation is in flight, are queued.
func (p *Peer) Renegotiate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == StateClosed:
		return ErrClosed
	case p.state != StateConnected || p.renegInFlight:
		p.renegQueued = true
		return nil
	}
	p.renegInFlight = true
	return p.sendOfferLocked()
}

// HandleEnvelope applies one negotiation envelope from the remote peer.
func (p *Peer) HandleEnvelope(env domain.Envelope) error {
	switch env.Type {
	case domain.TypeSessionOffer:
		var sd webrtc.SessionDescription
		if err := env.Decode(&sd); err != nil {
			return p.fail(err)
		}
		return p.handleOffer(sd)
	case domain.TypeSessionAnswer:
		var sd webrtc.SessionDescription
		if err := env.Decode(&sd); err != nil {
			return p.fail(err)
		}
		return p.handleAnswer(sd)
	case domain.TypeICECandidate:
		var ci webrtc.ICECandidateInit
		if err := env.Decode(&ci); err != nil {
			p.log.Warn().Err(err).Msg("bad remote candidate")
			return nil
		}
		p.handleCandidate(ci)
		return nil
	}
	return fmt.Errorf("not a negotiation envelope: %s", env.Type)
}

func (p *Peer) handleOffer(offer webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return ErrClosed
	}
	if p.answered != "" && offer.SDP == p.answered {
		p.log.Debug().Str("state", p.state.String()).Msg("offer already answered, answering again")
		if err := p.signalDescriptionLocked(domain.TypeSessionAnswer, p.lastAnswer); err != nil {
			return p.failLocked(err)
		}
		p.replayCandidatesLocked()
		return nil
	}

	switch p.state {
	case StateOfferSent:
		if p.role == RoleOfferer {
			p.log.Info().Msg("offer collision, keeping ours")
			return nil
		}
		p.log.Info().Msg("offer collision, rolling back")
		if err := p.conn.Rollback(); err != nil {
			return p.failLocked(err)
		}
		if p.renegInFlight {
			p.renegInFlight = false
			p.renegQueued = true
		}
	}

	answer, err := p.conn.ApplyOffer(offer)
	if err != nil {
		return p.failLocked(err)
	}
	p.remoteSet = true
	p.answered = offer.SDP
	p.lastAnswer = answer
	p.flushRemoteLocked()

	if err := p.sendDescriptionLocked(domain.TypeSessionAnswer, answer); err != nil {
		return err
	}
	if p.mediaUp {
		p.setStateLocked(StateConnected)
		p.replayLocked()
	} else {
		p.setStateLocked(StateAnswerSent)
	}
	return nil
}

func (p *Peer) handleAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOfferSent {
		p.log.Debug().Str("state", p.state.String()).Msg("stray answer ignored")
		return nil
	}
	if err := p.conn.ApplyAnswer(answer); err != nil {
		return p.failLocked(err)
	}
	p.remoteSet = true
	p.renegInFlight = false
	p.flushRemoteLocked()

	if p.mediaUp {
		p.setStateLocked(StateConnected)
		p.replayLocked()
	} else {
		p.setStateLocked(StateAnswerReceived)
	}
	return nil
}

func (p *Peer) handleCandidate(ci webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, ci)
		return
	}
	if err := p.conn.AddICECandidate(ci); err != nil {
		p.log.Warn().Err(err).Msg("add remote candidate")
	}
}

func (p *Peer) onLocalCandidate(ci webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	if !p.localSent {
		p.pendingLocal = append(p.pendingLocal, ci)
		return
	}
	p.sendCandidateLocked(ci)
}

func (p *Peer) onConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.mediaUp = true
		if p.state == StateAnswerSent || p.state == StateAnswerReceived {
			p.setStateLocked(StateConnected)
			p.replayLocked()
		}
	case webrtc.PeerConnectionStateFailed:
		p.closeLocked(ErrConnectionFailed)
	case webrtc.PeerConnectionStateDisconnected:
		p.log.Info().Msg("media disconnected, waiting for ICE to recover")
	}
}

// Close ends the session without error.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(nil)
}

func (p *Peer) fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failLocked(err)
}

func (p *Peer) failLocked(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrNegotiation, err)
	p.log.Error().Err(err).Str("state", p.state.String()).Msg("negotiation failed")
	p.closeLocked(wrapped)
	return wrapped
}

func (p *Peer) closeLocked(err error) {
	if p.state == StateClosed {
		return
	}
	p.err = err
	p.pendingRemote = nil
	p.pendingLocal = nil
	p.renegQueued = false
	p.localCands = nil
	p.conn.Close()
	p.setStateLocked(StateClosed)
}

func (p *Peer) sendOfferLocked() error {
	offer, err := p.conn.CreateOffer()
	if err != nil {
		return p.failLocked(err)
	}
	p.localOffer = offer
	p.resends = 0
	if err := p.sendDescriptionLocked(domain.TypeSessionOffer, offer); err != nil {
		return err
	}
	p.setStateLocked(StateOfferSent)
	p.armResendLocked()
	return nil
}

func (p *Peer) armResendLocked() {
	p.stopResendLocked()
	p.resendGen++
	gen := p.resendGen
	p.resendTimer = p.opts.Clock.AfterFunc(p.opts.ResendAfter, func() { p.onResendTimer(gen) })
}

func (p *Peer) stopResendLocked() {
	if p.resendTimer != nil {
		p.resendTimer.Stop()
		p.resendTimer = nil
	}
}

func (p *Peer) onResendTimer(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.resendGen || p.state != StateOfferSent {
		return
	}
	if p.resends >= p.opts.MaxResends {
		_ = p.failLocked(ErrNoAnswer)
		return
	}
	p.resends++
	p.log.Info().Int("attempt", p.resends).Msg("offer unanswered, re-sending")
	p.resendOfferLocked()
	p.armResendLocked()
}

func (p *Peer) resendOfferLocked() {
	if err := p.signalDescriptionLocked(domain.TypeSessionOffer, p.localOffer); err != nil {
		p.log.Warn().Err(err).Msg("re-send offer")
		return
	}
	p.replayCandidatesLocked()
}

func (p *Peer) sendDescriptionLocked(t domain.EnvelopeType, sd webrtc.SessionDescription) error {
	// a lost offer is re-sent by the timer, a lost answer by the duplicate offer
	if err := p.signalDescriptionLocked(t, sd); err != nil {
		return p.failLocked(err)
	}
	if !p.localSent {
		p.localSent = true
		for _, ci := range p.pendingLocal {
			p.sendCandidateLocked(ci)
		}
		p.pendingLocal = nil
	}
	return nil
}

// signalDescriptionLocked returns only encoding errors; send failures are
// logged.
func (p *Peer) signalDescriptionLocked(t domain.EnvelopeType, sd webrtc.SessionDescription) error {
	env, err := domain.NewEnvelope(t, sd)
	if err != nil {
		return err
	}
	env.To = p.peer
	env.Room = p.room
	if err := p.sig.Send(env); err != nil {
		p.log.Warn().Err(err).Str("type", string(t)).Msg("send description")
	}
	return nil
}

func (p *Peer) sendCandidateLocked(ci webrtc.ICECandidateInit) {
	p.localCands = append(p.localCands, ci)
	p.signalCandidateLocked(ci)
}

// replayCandidatesLocked re-sends every local candidate; the remote side
// drops the ones it already has.
func (p *Peer) replayCandidatesLocked() {
	for _, ci := range p.localCands {
		p.signalCandidateLocked(ci)
	}
}

func (p *Peer) signalCandidateLocked(ci webrtc.ICECandidateInit) {
	env, err := domain.NewEnvelope(domain.TypeICECandidate, ci)
	if err != nil {
		p.log.Warn().Err(err).Msg("encode candidate")
		return
	}
	env.To = p.peer
	env.Room = p.room
	if err := p.sig.Send(env); err != nil {
		p.log.Warn().Err(err).Msg("send candidate")
	}
}

func (p *Peer) flushRemoteLocked() {
	for _, ci := range p.pendingRemote {
		if err := p.conn.AddICECandidate(ci); err != nil {
			p.log.Warn().Err(err).Msg("add queued candidate")
		}
	}
	p.pendingRemote = nil
}

// replayLocked starts a queued renegotiation once connected.
func (p *Peer) replayLocked() {
	if !p.renegQueued || p.renegInFlight || p.state != StateConnected {
		return
	}
	p.renegQueued = false
	p.renegInFlight = true
	if err := p.sendOfferLocked(); err != nil {
		p.log.Warn().Err(err).Msg("queued renegotiation")
	}
}

func (p *Peer) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.log.Debug().Str("from", p.state.String()).Str("to", s.String()).Str("role", p.role.String()).Msg("state")
	p.state = s
	if s != StateOfferSent {
		p.stopResendLocked()
	}
	if p.onStateChanged != nil {
		p.onStateChanged(s, p.err)
	}
}
