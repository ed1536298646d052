// Package media owns the local capture tracks and their enabled flags.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/Comms/internal/eventsub"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownKind = errors.New("unknown track kind")
	ErrClosed      = errors.New("media controller closed")
)

// RTPReader is a packet source: a capture pipeline or a *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Change tells listeners a track must be added to or removed from every peer.
type Change struct {
	Kind  Kind
	Track webrtc.TrackLocal
	Added bool
}

type Options struct {
	StreamID   string
	AudioCodec webrtc.RTPCodecCapability
	VideoCodec webrtc.RTPCodecCapability
	AudioOn    bool
	CameraOn   bool
}

func DefaultOptions() Options {
	return Options{
		StreamID:   "comms",
		AudioCodec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		VideoCodec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		AudioOn:    true,
	}
}

type feed struct {
	cancel context.CancelFunc
}

type Controller struct {
	tracks map[Kind]*LocalTrack

	mu      sync.Mutex
	sharing bool
	feeds   map[Kind]*feed
	closed  bool

	changes *eventsub.EventSub[Change]
}

func New(opts Options) (*Controller, error) {
	c := &Controller{
		tracks:  make(map[Kind]*LocalTrack, 3),
		feeds:   make(map[Kind]*feed),
		changes: eventsub.New[Change](),
	}
	specs := []struct {
		kind  Kind
		codec webrtc.RTPCodecCapability
		on    bool
	}{
		{KindAudio, opts.AudioCodec, opts.AudioOn},
		{KindCamera, opts.VideoCodec, opts.CameraOn},
		{KindScreen, opts.VideoCodec, false},
	}
	for _, s := range specs {
		initial := TrackStateMuted
		if s.on {
			initial = TrackStateLive
		}
		if s.kind == KindScreen {
			initial = TrackStateStopped
		}
		lt, err := newLocalTrack(s.kind, s.codec, opts.StreamID, initial)
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", s.kind, err)
		}
		c.tracks[s.kind] = lt
	}
	return c, nil
}

func (c *Controller) Track(kind Kind) (*LocalTrack, bool) {
	lt, ok := c.tracks[kind]
	return lt, ok
}

// ActiveTracks lists what a new peer session starts with: microphone and
// camera always, the screen only while it is shared.
func (c *Controller) ActiveTracks() []webrtc.TrackLocal {
	c.mu.Lock()
	sharing := c.sharing
	c.mu.Unlock()
	out := []webrtc.TrackLocal{c.tracks[KindAudio].Track, c.tracks[KindCamera].Track}
	if sharing {
		out = append(out, c.tracks[KindScreen].Track)
	}
	return out
}

// Subscribe delivers screen-share additions and removals.
func (c *Controller) Subscribe(buf int) (<-chan Change, func()) {
	return c.changes.Subscribe(buf)
}

func (c *Controller) Enabled(kind Kind) bool {
	lt, ok := c.tracks[kind]
	return ok && lt.State() == TrackStateLive
}

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (c *Controller) ToggleAudio() bool { return c.toggle(KindAudio) }

func (c *Controller) ToggleVideo() bool { return c.toggle(KindCamera) }

func (c *Controller) SetEnabled(kind Kind, on bool) error {
	if kind == KindScreen {
		if on {
			return c.StartScreenShare()
		}
		return c.StopScreenShare()
	}
	lt, ok := c.tracks[kind]
	if !ok {
		return ErrUnknownKind
	}
	if on {
		lt.set(TrackStateLive)
	} else {
		lt.set(TrackStateMuted)
	}
	return nil
}

func (c *Controller) toggle(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	lt := c.tracks[kind]
	next := TrackStateLive
	if lt.State() == TrackStateLive {
		next = TrackStateMuted
	}
	lt.set(next)
	log.Info().Str("module", "client.media").Str("kind", string(kind)).Str("state", next.String()).Msg("toggled")
	return next == TrackStateLive
}

// StartScreenShare enables the screen track and asks listeners to add it to
// every peer. A second call is a no-op.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sharing {
		return nil
	}
	c.sharing = true
	lt := c.tracks[KindScreen]
	lt.set(TrackStateLive)
	c.changes.Publish(Change{Kind: KindScreen, Track: lt.Track, Added: true})
	return nil
}

func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sharing {
		return nil
	}
	c.sharing = false
	lt := c.tracks[KindScreen]
	lt.set(TrackStateStopped)
	c.stopFeedLocked(KindScreen)
	c.changes.Publish(Change{Kind: KindScreen, Track: lt.Track, Added: false})
	return nil
}

func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

func (c *Controller) WriteRTP(kind Kind, pkt *rtp.Packet) error {
	lt, ok := c.tracks[kind]
	if !ok {
		return ErrUnknownKind
	}
	return lt.WriteRTP(pkt)
}

// Pump copies packets from src into the kind's track until ctx ends or src
// is exhausted.
func (c *Controller) Pump(ctx context.Context, kind Kind, src RTPReader) error {
	lt, ok := c.tracks[kind]
	if !ok {
		return ErrUnknownKind
	}
	logger := log.With().Str("module", "client.media").Str("kind", string(kind)).Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("source ended")
				return nil
			}
			logger.Error().Err(err).Msg("read RTP error, stopping")
			return err
		}
		if err := lt.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warn().Err(err).Msg("write RTP")
		}
	}
}

// Feed runs Pump for kind in the background, replacing any earlier source.
func (c *Controller) Feed(ctx context.Context, kind Kind, src RTPReader) error {
	if _, ok := c.tracks[kind]; !ok {
		return ErrUnknownKind
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	logger := log.With().Str("module", "client.media").Str("kind", string(kind)).Logger()
	if c.feeds[kind] != nil {
		logger.Info().Msg("replacing existing source")
		c.stopFeedLocked(kind)
	}

	fctx, cancel := context.WithCancel(ctx)
	c.feeds[kind] = &feed{cancel: cancel}
	go func() {
		if err := c.Pump(fctx, kind, src); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("source stopped")
		}
	}()
	return nil
}

// StopFeed cancels the background source of kind. The pump exits after its
// current read returns.
func (c *Controller) StopFeed(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopFeedLocked(kind)
}

func (c *Controller) stopFeedLocked(kind Kind) {
	if f, ok := c.feeds[kind]; ok {
		f.cancel()
		delete(c.feeds, kind)
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for kind := range c.feeds {
		c.stopFeedLocked(kind)
	}
	for _, lt := range c.tracks {
		lt.set(TrackStateStopped)
	}
	c.mu.Unlock()
	c.changes.Close()
}
