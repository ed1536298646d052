package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Comms/internal/adapters/rtc"
	"github.com/dkeye/Comms/internal/client/call"
	"github.com/dkeye/Comms/internal/client/chat"
	"github.com/dkeye/Comms/internal/client/media"
	"github.com/dkeye/Comms/internal/client/mesh"
	"github.com/dkeye/Comms/internal/client/transport"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var _ mesh.LocalMedia = (*media.Controller)(nil)

// stack is the whole client side wired together: one transport feeding the
// mesh, the call controller and the chat notifier.
type stack struct {
	self  domain.Identity
	tr    *transport.Transport
	media *media.Controller
	mesh  *mesh.Controller
	calls *call.Controller
	chat  *chat.Notifier
}

func newStack() (*stack, error) {
	self := domain.Identity(viper.GetString("user"))
	if self == "" {
		return nil, errors.New("--user is required")
	}
	token := viper.GetString("token")
	if token == "" {
		var err error
		if token, err = mintToken(time.Hour); err != nil {
			return nil, err
		}
	}

	pcCfg := webrtc.Configuration{}
	if stun := viper.GetString("stun"); stun != "" {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: []string{stun}}}
	}
	factory, err := rtc.NewFactory(pcCfg, string(self))
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}
	mc, err := media.New(media.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}

	tr := transport.New(&transport.WSDialer{URL: viper.GetString("relay"), Token: token}, transport.DefaultOptions())
	m := mesh.New(self, tr, factory, mc, mesh.Options{MaxRoom: viper.GetInt("max_room_size")})
	return &stack{
		self:  self,
		tr:    tr,
		media: mc,
		mesh:  m,
		calls: call.New(self, tr, m, call.Options{RingTimeout: viper.GetDuration("ring_timeout")}),
		chat:  chat.New(chat.Options{BaseURL: viper.GetString("api"), Token: token}),
	}, nil
}

// run connects and dispatches until ctx ends or the relay is lost for good.
// ready runs alongside the dispatch loops once the first connection is up;
// its ctx ends when any of them fails.
func (s *stack) run(ctx context.Context, ready func(ctx context.Context) error) error {
	defer s.close()

	meshIn, cancelMesh := s.tr.Subscribe()
	defer cancelMesh()
	meshStatus, cancelMeshStatus := s.tr.StatusUpdates()
	defer cancelMeshStatus()
	callIn, cancelCall := s.tr.Subscribe()
	defer cancelCall()
	status, cancelStatus := s.tr.StatusUpdates()
	defer cancelStatus()
	changes, cancelChanges := s.media.Subscribe(4)
	defer cancelChanges()
	meshEvents, cancelEvents := s.mesh.Events(32)
	defer cancelEvents()

	if err := s.tr.Connect(ctx); err != nil {
		return err
	}
	log.Info().Str("user", string(s.self)).Msg("connected to relay")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.mesh.Run(ctx, meshIn, meshStatus)
		return nil
	})
	g.Go(func() error { return s.dispatch(ctx, callIn, status, changes, meshEvents) })
	if ready != nil {
		g.Go(func() error { return ready(ctx) })
	}
	return g.Wait()
}

// dispatch feeds calls, chat and local track changes until ctx ends, the
// relay is lost or the envelope stream closes. Closed media or mesh
// streams are dropped from the select.
func (s *stack) dispatch(ctx context.Context, callIn <-chan domain.Envelope, status <-chan transport.Status, changes <-chan media.Change, meshEvents <-chan mesh.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-callIn:
			if !ok {
				return nil
			}
			s.calls.HandleEnvelope(env)
			if env.Type == domain.TypeDirectMessage {
				_ = s.chat.HandleEnvelope(ctx, env)
			}
		case st, ok := <-status:
			if !ok {
				return nil
			}
			log.Info().Str("status", st.String()).Msg("relay")
			s.calls.HandleStatus(st)
			if st == transport.StatusLost {
				return transport.ErrSignalLost
			}
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.mesh.OnLocalTrack(ch.Track, ch.Added)
		case ev, ok := <-meshEvents:
			if !ok {
				meshEvents = nil
				continue
			}
			s.logMeshEvent(ctx, ev)
		}
	}
}

func (s *stack) logMeshEvent(ctx context.Context, ev mesh.Event) {
	l := log.With().Str("room", string(ev.Room)).Str("peer", string(ev.Peer)).Logger()
	switch ev.Kind {
	case mesh.EventPeerState:
		if ev.Err != nil {
			l.Warn().Err(ev.Err).Str("state", ev.State.String()).Msg("peer connection failed")
			return
		}
		l.Info().Str("state", ev.State.String()).Msg("peer")
	case mesh.EventRemoteTrack:
		l.Info().Str("kind", ev.Track.Kind().String()).Str("codec", ev.Track.Codec().MimeType).Msg("remote track")
		go drain(ctx, ev.Track)
	case mesh.EventRoomFull:
		l.Warn().Msg("room is full")
	}
}

// drain reads a remote track so its buffers never fill; a headless client
// has nowhere to play it.
func drain(ctx context.Context, track *webrtc.TrackRemote) {
	var n int
	for ctx.Err() == nil {
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
		n++
	}
	log.Debug().Str("track", track.ID()).Int("packets", n).Msg("remote track ended")
}

func (s *stack) close() {
	s.calls.Close()
	s.mesh.Close()
	s.media.Close()
	s.chat.Close()
	s.tr.Close()
}
