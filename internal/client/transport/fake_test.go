package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/gorilla/websocket"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in      chan []byte
	written chan domain.Envelope

	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		written: make(chan domain.Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		return err
	}
	c.written <- env
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPingHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a relay envelope to the client.
func (c *fakeConn) push(env domain.Envelope) {
	b, _ := env.Marshal()
	c.in <- b
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    chan *fakeConn
	failures int
	dials    int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (WSConn, error) {
	d.mu.Lock()
	d.dials++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

// failNext makes the next n dials fail; n < 0 fails forever.
func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}
