package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindCamera Kind = "camera"
	KindScreen Kind = "screen"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateMuted:
		return "muted"
	case TrackStateStopped:
		return "stopped"
	}
	return "unknown"
}

// LocalTrack is one capture source shared by every peer session. pion fans a
// single TrackLocalStaticRTP out to all bound senders, so the state gate here
// mutes or unmutes every peer at once.
type LocalTrack struct {
	Kind  Kind
	Track *webrtc.TrackLocalStaticRTP

	state   atomic.Int32
	written atomic.Uint64
	dropped atomic.Uint64
}

func newLocalTrack(kind Kind, codec webrtc.RTPCodecCapability, streamID string, initial TrackState) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	lt := &LocalTrack{Kind: kind, Track: t}
	lt.state.Store(int32(initial))
	return lt, nil
}

func (lt *LocalTrack) State() TrackState {
	return TrackState(lt.state.Load())
}

func (lt *LocalTrack) set(s TrackState) TrackState {
	return TrackState(lt.state.Swap(int32(s)))
}

// WriteRTP forwards pkt to every peer while live and drops it otherwise.
func (lt *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if lt.State() != TrackStateLive {
		lt.dropped.Add(1)
		return nil
	}
	if err := lt.Track.WriteRTP(pkt); err != nil {
		return err
	}
	lt.written.Add(1)
	return nil
}

type Stats struct {
	Written uint64
	Dropped uint64
}

func (lt *LocalTrack) Stats() Stats {
	return Stats{Written: lt.written.Load(), Dropped: lt.dropped.Load()}
}
