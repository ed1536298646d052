// Package transport keeps one logical connection to the relay alive across
// drops, replays room membership after reconnecting and fans inbound
// envelopes out to subscribers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/dkeye/Comms/internal/eventsub"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSignalLost       = errors.New("signal lost")
	ErrNotConnected     = errors.New("not connected")
	ErrBackpressure     = errors.New("outbound queue full")
	ErrClosed           = errors.New("transport closed")
	ErrAlreadyConnected = errors.New("already connected")
)

type Status int

const (
	StatusConnected Status = iota + 1
	StatusReconnecting
	StatusReconnected
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusReconnected:
		return "reconnected"
	case StatusLost:
		return "lost"
	}
	return "unknown"
}

type state int

const (
	stateIdle state = iota
	stateConnected
	stateReconnecting
	stateLost
	stateClosed
)

type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	SendBuffer  int
	RecvBuffer  int
	WriteWait   time.Duration
	PongWait    time.Duration

	Clock clock.Clock
	// Jitter returns a value in [0,1); nil uses math/rand.
	Jitter func() float64
}

func DefaultOptions() Options {
	return Options{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		MaxAttempts: 8,
		SendBuffer:  64,
		RecvBuffer:  64,
		WriteWait:   10 * time.Second,
		PongWait:    60 * time.Second,
	}
}

type Transport struct {
	dialer  Dialer
	opts    Options
	inbound *eventsub.EventSub[domain.Envelope]
	status  *eventsub.EventSub[Status]

	mu     sync.Mutex
	state  state
	out    chan []byte
	rooms  map[domain.RoomID]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func New(d Dialer, opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.RecvBuffer <= 0 {
		opts.RecvBuffer = 64
	}
	return &Transport{
		dialer:  d,
		opts:    opts,
		inbound: eventsub.New[domain.Envelope](),
		status:  eventsub.New[Status](),
		rooms:   make(map[domain.RoomID]struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials once and keeps the connection alive until ctx ends or
// Close is called. A failed first dial is returned, not retried.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, t.opts.SendBuffer)
	t.mu.Lock()
	t.state = stateConnected
	t.out = out
	t.cancel = cancel
	t.mu.Unlock()

	log.Info().Str("module", "client.transport").Msg("connected to relay")
	t.status.Publish(StatusConnected)
	go t.run(runCtx, conn, out)
	return nil
}

// Subscribe returns a bounded queue of inbound envelopes. A subscriber that
// falls behind misses envelopes.
func (t *Transport) Subscribe() (<-chan domain.Envelope, func()) {
	return t.inbound.Subscribe(t.opts.RecvBuffer)
}

func (t *Transport) StatusUpdates() (<-chan Status, func()) {
	return t.status.Subscribe(8)
}

// Send queues env without waiting for the socket.
func (t *Transport) Send(env domain.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateLost:
		return ErrSignalLost
	case stateClosed:
		return ErrClosed
	case stateIdle, stateReconnecting:
		return ErrNotConnected
	}
	select {
	case t.out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// JoinRoom records the room as joined and tells the relay. While
// reconnecting only the record is kept; the rejoin replays it.
func (t *Transport) JoinRoom(room domain.RoomID) error {
	t.mu.Lock()
	t.rooms[room] = struct{}{}
	t.mu.Unlock()
	err := t.Send(domain.Envelope{Type: domain.TypeJoinRoom, Room: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (t *Transport) LeaveRoom(room domain.RoomID) error {
	t.mu.Lock()
	delete(t.rooms, room)
	t.mu.Unlock()
	err := t.Send(domain.Envelope{Type: domain.TypeLeaveRoom, Room: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Rooms returns the rooms the client believes it has joined.
func (t *Transport) Rooms() []domain.RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.RoomID, 0, len(t.rooms))
	for r := range t.rooms {
		out = append(out, r)
	}
	return out
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateConnected:
		return StatusConnected
	case stateReconnecting:
		return StatusReconnecting
	case stateLost:
		return StatusLost
	}
	return 0
}

func (t *Transport) Close() {
	t.mu.Lock()
	prev := t.state
	cancel := t.cancel
	if prev != stateLost {
		t.state = stateClosed
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancel != nil {
		<-t.done
	}
	t.inbound.Close()
	t.status.Close()
}

func (t *Transport) run(ctx context.Context, conn WSConn, out chan []byte) {
	defer close(t.done)
	for {
		err := t.serve(ctx, conn, out)
		if ctx.Err() != nil {
			t.setState(stateClosed)
			return
		}
		log.Warn().Err(err).Str("module", "client.transport").Msg("relay connection lost")

		t.mu.Lock()
		t.state = stateReconnecting
		t.out = nil
		t.mu.Unlock()
		t.status.Publish(StatusReconnecting)

		conn, err = t.redial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(stateClosed)
				return
			}
			log.Error().Err(err).Str("module", "client.transport").Int("attempts", t.opts.MaxAttempts).Msg("giving up on relay")
			t.setState(stateLost)
			t.status.Publish(StatusLost)
			return
		}

		out = make(chan []byte, t.opts.SendBuffer)
		t.mu.Lock()
		t.state = stateConnected
		t.out = out
		// rejoins are queued before anything a caller can send on this connection
		for room := range t.rooms {
			b, err := domain.Envelope{Type: domain.TypeJoinRoom, Room: room}.Marshal()
			if err != nil {
				continue
			}
			select {
			case out <- b:
			default:
				log.Warn().Str("module", "client.transport").Str("room", string(room)).Msg("rejoin dropped, queue full")
			}
		}
		t.mu.Unlock()
		log.Info().Str("module", "client.transport").Msg("reconnected to relay")
		t.status.Publish(StatusReconnected)
	}
}

func (t *Transport) setState(s state) {
	t.mu.Lock()
	t.state = s
	t.out = nil
	t.mu.Unlock()
}

func (t *Transport) serve(ctx context.Context, conn WSConn, out chan []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop(conn) })
	g.Go(func() error { return t.writeLoop(gctx, conn, out) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

func (t *Transport) readLoop(conn WSConn) error {
	refresh := func() {
		if t.opts.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		}
	}
	refresh()
	conn.SetPingHandler(func(appData string) error {
		refresh()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.opts.WriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		refresh()
		env, err := domain.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.transport").Msg("bad envelope from relay")
			continue
		}
		if missed := t.inbound.Publish(env); missed > 0 {
			log.Warn().Str("module", "client.transport").Str("type", string(env.Type)).Int("missed", missed).Msg("subscriber queue full")
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn WSConn, out chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.opts.WriteWait))
			return ctx.Err()
		case b := <-out:
			if t.opts.WriteWait > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) redial(ctx context.Context) (WSConn, error) {
	var lastErr error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		delay := t.backoff(attempt)
		timer := t.opts.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := t.dialer.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("module", "client.transport").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrSignalLost, t.opts.MaxAttempts, lastErr)
}

// backoff is capped exponential with full jitter.
func (t *Transport) backoff(attempt int) time.Duration {
	d := t.opts.BaseDelay
	for i := 1; i < attempt && d < t.opts.MaxDelay; i++ {
		d *= 2
	}
	if t.opts.MaxDelay > 0 && d > t.opts.MaxDelay {
		d = t.opts.MaxDelay
	}
	return time.Duration(t.opts.Jitter() * float64(d))
}
