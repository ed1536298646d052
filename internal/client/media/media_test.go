package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReader struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	end  error
}

func packets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, n)
	for i := range out {
		out[i] = &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i)}, Payload: []byte{0x1}}
	}
	return out
}

func (r *scriptedReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pkts) == 0 {
		return nil, nil, r.end
	}
	p := r.pkts[0]
	r.pkts = r.pkts[1:]
	return p, nil, nil
}

// blockingReader hands out packets until closed.
type blockingReader struct {
	stop chan struct{}
}

func (b *blockingReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-b.stop:
		return nil, nil, io.EOF
	case <-time.After(time.Millisecond):
		return &rtp.Packet{Header: rtp.Header{Version: 2}}, nil, nil
	}
}

func newController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func stats(t *testing.T, c *Controller, kind Kind) Stats {
	t.Helper()
	lt, ok := c.Track(kind)
	require.True(t, ok)
	return lt.Stats()
}

func TestDefaults(t *testing.T) {
	c := newController(t)

	assert.True(t, c.Enabled(KindAudio))
	assert.False(t, c.Enabled(KindCamera))
	assert.False(t, c.Enabled(KindScreen))
	assert.False(t, c.Sharing())

	tracks := c.ActiveTracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "audio", tracks[0].ID())
	assert.Equal(t, "camera", tracks[1].ID())
	assert.Equal(t, "comms", tracks[0].StreamID())
}

func TestToggleGatesWrites(t *testing.T) {
	c := newController(t)

	assert.False(t, c.ToggleAudio())
	require.NoError(t, c.WriteRTP(KindAudio, packets(1)[0]))
	assert.Equal(t, Stats{Dropped: 1}, stats(t, c, KindAudio))

	assert.True(t, c.ToggleAudio())
	require.NoError(t, c.WriteRTP(KindAudio, packets(1)[0]))
	assert.Equal(t, Stats{Written: 1, Dropped: 1}, stats(t, c, KindAudio))

	assert.True(t, c.ToggleVideo())
	assert.True(t, c.Enabled(KindCamera))
}

func TestSetEnabled(t *testing.T) {
	c := newController(t)

	require.NoError(t, c.SetEnabled(KindCamera, true))
	assert.True(t, c.Enabled(KindCamera))
	require.NoError(t, c.SetEnabled(KindAudio, false))
	assert.False(t, c.Enabled(KindAudio))
	require.NoError(t, c.SetEnabled(KindScreen, true))
	assert.True(t, c.Sharing())

	assert.ErrorIs(t, c.SetEnabled("lidar", true), ErrUnknownKind)
	assert.ErrorIs(t, c.WriteRTP("lidar", packets(1)[0]), ErrUnknownKind)
}

func TestScreenShareNotifiesListeners(t *testing.T) {
	c := newController(t)
	changes, cancel := c.Subscribe(4)
	defer cancel()

	require.NoError(t, c.StartScreenShare())
	require.NoError(t, c.StartScreenShare())

	require.Len(t, changes, 1)
	ch := <-changes
	assert.Equal(t, KindScreen, ch.Kind)
	assert.True(t, ch.Added)
	assert.Equal(t, "screen", ch.Track.ID())
	assert.Len(t, c.ActiveTracks(), 3)
	assert.True(t, c.Enabled(KindScreen))

	require.NoError(t, c.StopScreenShare())
	require.NoError(t, c.StopScreenShare())

	require.Len(t, changes, 1)
	ch = <-changes
	assert.False(t, ch.Added)
	assert.Len(t, c.ActiveTracks(), 2)

	require.NoError(t, c.WriteRTP(KindScreen, packets(1)[0]))
	assert.Equal(t, uint64(1), stats(t, c, KindScreen).Dropped)
}

func TestPumpCopiesUntilEOF(t *testing.T) {
	c := newController(t)
	src := &scriptedReader{pkts: packets(5), end: io.EOF}

	require.NoError(t, c.Pump(context.Background(), KindAudio, src))

	assert.Equal(t, uint64(5), stats(t, c, KindAudio).Written)
}

func TestPumpReturnsReadError(t *testing.T) {
	c := newController(t)
	boom := errors.New("device gone")
	src := &scriptedReader{pkts: packets(2), end: boom}

	assert.ErrorIs(t, c.Pump(context.Background(), KindAudio, src), boom)
	assert.Equal(t, uint64(2), stats(t, c, KindAudio).Written)
}

func TestPumpStopsOnCancel(t *testing.T) {
	c := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Pump(ctx, KindAudio, &scriptedReader{pkts: packets(3), end: io.EOF})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats(t, c, KindAudio).Written)
}

func TestFeedReplacesSource(t *testing.T) {
	c := newController(t)
	first := &blockingReader{stop: make(chan struct{})}
	defer close(first.stop)

	require.NoError(t, c.Feed(context.Background(), KindAudio, first))
	assert.Eventually(t, func() bool { return stats(t, c, KindAudio).Written > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Feed(context.Background(), KindAudio, &scriptedReader{pkts: packets(3), end: io.EOF}))
	c.StopFeed(KindAudio)

	assert.ErrorIs(t, c.Feed(context.Background(), "lidar", first), ErrUnknownKind)
}

func TestClose(t *testing.T) {
	c, err := New(DefaultOptions())
	require.NoError(t, err)

	c.Close()
	c.Close()

	assert.False(t, c.Enabled(KindAudio))
	assert.ErrorIs(t, c.StartScreenShare(), ErrClosed)
	assert.ErrorIs(t, c.Feed(context.Background(), KindAudio, &scriptedReader{end: io.EOF}), ErrClosed)
}
