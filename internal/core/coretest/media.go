// Package coretest provides in-memory stand-ins for core interfaces.
package coretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Comms/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// FakeMedia records what a negotiation machine asks of a peer connection.
// Like pion it refuses remote candidates before a remote description.
type FakeMedia struct {
	mu sync.Mutex

	FailCreate error
	FailApply  error

	offers     int
	answers    int
	rollbacks  int
	remoteSet  bool
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    map[*webrtc.RTPSender]webrtc.TrackLocal
	closed     bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func NewFakeMedia() *FakeMedia {
	return &FakeMedia{senders: make(map[*webrtc.RTPSender]webrtc.TrackLocal)}
}

func (f *FakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return webrtc.SessionDescription{}, f.FailCreate
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *FakeMedia) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailApply != nil {
		return webrtc.SessionDescription{}, f.FailApply
	}
	f.remoteSet = true
	f.remote = append(f.remote, offer)
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *FakeMedia) ApplyAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailApply != nil {
		return f.FailApply
	}
	f.remoteSet = true
	f.remote = append(f.remote, answer)
	return nil
}

func (f *FakeMedia) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *FakeMedia) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remoteSet {
		return ErrNoRemoteDescription
	}
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *FakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *FakeMedia) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *FakeMedia) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *FakeMedia) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := new(webrtc.RTPSender)
	f.senders[s] = track
	return s, nil
}

func (f *FakeMedia) RemoveTrack(sender *webrtc.RTPSender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.senders[sender]; !ok {
		return errors.New("unknown sender")
	}
	delete(f.senders, sender)
	return nil
}

func (f *FakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakeMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// EmitCandidate plays a locally gathered candidate.
func (f *FakeMedia) EmitCandidate(ci webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

// SetState plays a peer connection state change.
func (f *FakeMedia) SetState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *FakeMedia) Offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

func (f *FakeMedia) Rollbacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollbacks
}

// Candidates returns the remote candidates applied so far.
func (f *FakeMedia) Candidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *FakeMedia) Remote() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remote...)
}

func (f *FakeMedia) Tracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(f.senders))
	for _, t := range f.senders {
		out = append(out, t)
	}
	return out
}

// FakeFactory hands out FakeMedia connections and remembers them in order.
type FakeFactory struct {
	mu    sync.Mutex
	conns []*FakeMedia
	Fail  error
}

func (f *FakeFactory) NewConnection() (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	c := NewFakeMedia()
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *FakeFactory) Conns() []*FakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeMedia(nil), f.conns...)
}

var (
	_ core.MediaConnection = (*FakeMedia)(nil)
	_ core.MediaFactory    = (*FakeFactory)(nil)
)
