package call

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Comms/internal/client/transport"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	sent   []domain.Envelope
	joined []domain.RoomID
	left   []domain.RoomID
}

func (r *recorder) Send(env domain.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Join(room domain.RoomID) error {
	r.mu.Lock()
	r.joined = append(r.joined, room)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Leave(room domain.RoomID) error {
	r.mu.Lock()
	r.left = append(r.left, room)
	r.mu.Unlock()
	return nil
}

func (r *recorder) last() domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return domain.Envelope{}
	}
	return r.sent[len(r.sent)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) rooms() (joined, left []domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RoomID(nil), r.joined...), append([]domain.RoomID(nil), r.left...)
}

func reasonOf(t *testing.T, env domain.Envelope) domain.CallReason {
	t.Helper()
	var p domain.CallReasonPayload
	require.NoError(t, env.Decode(&p))
	return p.Reason
}

func newController(t *testing.T, self domain.Identity) (*Controller, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{}
	mock := clock.NewMock()
	c := New(self, rec, rec, Options{Clock: mock})
	t.Cleanup(c.Close)
	return c, rec, mock
}

func envelope(t *testing.T, typ domain.EnvelopeType, from domain.Identity, room domain.RoomID, payload any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(typ, payload)
	require.NoError(t, err)
	env.From = from
	env.Room = room
	return env
}

func ring(t *testing.T, c *Controller, from domain.Identity) domain.RoomID {
	t.Helper()
	room := domain.NewAdHocRoomID()
	c.HandleEnvelope(envelope(t, domain.TypeCallInvite, from, room, domain.CallInvitePayload{DisplayName: "Alice"}))
	require.Equal(t, PhaseRingingIn, c.Current().Phase)
	return room
}

func TestInitiateCallSendsInvite(t *testing.T) {
	c, rec, _ := newController(t, "alice")

	call, err := c.InitiateCall("bob", "Alice")
	require.NoError(t, err)

	assert.Equal(t, PhaseRingingOut, call.Phase)
	assert.Equal(t, Outgoing, call.Direction)
	assert.Equal(t, domain.RoomKindAdHoc, call.Room.Kind())

	inv := rec.last()
	assert.Equal(t, domain.TypeCallInvite, inv.Type)
	assert.Equal(t, domain.Identity("bob"), inv.To)
	assert.Equal(t, call.Room, inv.Room)
	var p domain.CallInvitePayload
	require.NoError(t, inv.Decode(&p))
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestCannotCallSelf(t *testing.T) {
	c, _, _ := newController(t, "alice")
	_, err := c.InitiateCall("alice", "")
	assert.ErrorIs(t, err, ErrSelfCall)
}

func TestSecondCallIsBusy(t *testing.T) {
	c, _, _ := newController(t, "alice")
	_, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	_, err = c.InitiateCall("carol", "")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestInviteWhileBusyIsRejected(t *testing.T) {
	c, rec, _ := newController(t, "alice")
	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	other := domain.NewAdHocRoomID()
	c.HandleEnvelope(envelope(t, domain.TypeCallInvite, "carol", other, domain.CallInvitePayload{}))

	rej := rec.last()
	assert.Equal(t, domain.TypeCallReject, rej.Type)
	assert.Equal(t, domain.Identity("carol"), rej.To)
	assert.Equal(t, other, rej.Room)
	assert.Equal(t, domain.ReasonBusy, reasonOf(t, rej))
	assert.Equal(t, call, c.Current())
}

func TestRemoteAcceptActivatesAndJoins(t *testing.T) {
	c, rec, _ := newController(t, "alice")
	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", call.Room, nil))

	assert.Equal(t, PhaseActive, c.Current().Phase)
	joined, _ := rec.rooms()
	assert.Equal(t, []domain.RoomID{call.Room}, joined)
}

func TestAcceptFromWrongRoomIsLate(t *testing.T) {
	c, rec, _ := newController(t, "alice")
	_, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	stale := domain.NewAdHocRoomID()
	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", stale, nil))

	assert.Equal(t, PhaseRingingOut, c.Current().Phase)
	end := rec.last()
	assert.Equal(t, domain.TypeCallEnd, end.Type)
	assert.Equal(t, stale, end.Room)
}

func TestRingTimeoutEndsWithNoAnswer(t *testing.T) {
	c, rec, mock := newController(t, "alice")
	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	mock.Add(DefaultRingTimeout)

	assert.Eventually(t, func() bool { return c.Current().Phase == PhaseEnded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ReasonNoAnswer, c.Current().Reason)
	end := rec.last()
	assert.Equal(t, domain.TypeCallEnd, end.Type)
	assert.Equal(t, domain.Identity("bob"), end.To)
	assert.Equal(t, domain.ReasonNoAnswer, reasonOf(t, end))

	// bob accepts too late
	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", call.Room, nil))
	late := rec.last()
	assert.Equal(t, domain.TypeCallEnd, late.Type)
	assert.Equal(t, call.Room, late.Room)
	assert.Equal(t, domain.ReasonNoAnswer, reasonOf(t, late))
	assert.Equal(t, PhaseEnded, c.Current().Phase)
	joined, _ := rec.rooms()
	assert.Empty(t, joined)
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	c, rec, mock := newController(t, "alice")
	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)
	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", call.Room, nil))
	sent := rec.count()

	mock.Add(2 * DefaultRingTimeout)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, PhaseActive, c.Current().Phase)
	assert.Equal(t, sent, rec.count())
}

func TestRemoteRejectEndsCall(t *testing.T) {
	c, _, _ := newController(t, "alice")
	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)

	c.HandleEnvelope(envelope(t, domain.TypeCallReject, "bob", call.Room, domain.CallReasonPayload{Reason: domain.ReasonBusy}))

	got := c.Current()
	assert.Equal(t, PhaseEnded, got.Phase)
	assert.Equal(t, domain.ReasonBusy, got.Reason)
}

func TestIncomingAccept(t *testing.T) {
	c, rec, _ := newController(t, "bob")
	room := ring(t, c, "alice")
	assert.Equal(t, Incoming, c.Current().Direction)
	assert.Equal(t, "Alice", c.Current().DisplayName)

	require.NoError(t, c.Accept())

	acc := rec.last()
	assert.Equal(t, domain.TypeCallAccept, acc.Type)
	assert.Equal(t, domain.Identity("alice"), acc.To)
	assert.Equal(t, room, acc.Room)
	assert.Equal(t, PhaseActive, c.Current().Phase)
	joined, _ := rec.rooms()
	assert.Equal(t, []domain.RoomID{room}, joined)
}

func TestIncomingReject(t *testing.T) {
	c, rec, _ := newController(t, "bob")
	ring(t, c, "alice")

	require.NoError(t, c.Reject())

	rej := rec.last()
	assert.Equal(t, domain.TypeCallReject, rej.Type)
	assert.Equal(t, domain.ReasonDeclined, reasonOf(t, rej))
	assert.Equal(t, PhaseEnded, c.Current().Phase)
	assert.ErrorIs(t, c.Accept(), ErrNoIncomingCall)
}

func TestIncomingRingExpires(t *testing.T) {
	c, _, mock := newController(t, "bob")
	ring(t, c, "alice")

	mock.Add(DefaultRingTimeout)

	assert.Eventually(t, func() bool { return c.Current().Phase == PhaseEnded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ReasonNoAnswer, c.Current().Reason)
}

func TestCallerHangupWhileRinging(t *testing.T) {
	c, _, _ := newController(t, "bob")
	room := ring(t, c, "alice")

	c.HandleEnvelope(envelope(t, domain.TypeCallEnd, "alice", room, domain.CallReasonPayload{Reason: domain.ReasonHangup}))

	assert.Equal(t, PhaseEnded, c.Current().Phase)
	assert.Equal(t, domain.ReasonRemoteHangup, c.Current().Reason)
}

func TestRemoteHangupLeavesRoom(t *testing.T) {
	c, rec, _ := newController(t, "bob")
	room := ring(t, c, "alice")
	require.NoError(t, c.Accept())

	c.HandleEnvelope(envelope(t, domain.TypeCallEnd, "alice", room, domain.CallReasonPayload{Reason: domain.ReasonHangup}))

	assert.Equal(t, PhaseEnded, c.Current().Phase)
	assert.Equal(t, domain.ReasonRemoteHangup, c.Current().Reason)
	_, left := rec.rooms()
	assert.Equal(t, []domain.RoomID{room}, left)
}

func TestEndForOtherCallIgnored(t *testing.T) {
	c, _, _ := newController(t, "bob")
	ring(t, c, "alice")

	c.HandleEnvelope(envelope(t, domain.TypeCallEnd, "alice", domain.NewAdHocRoomID(), nil))
	c.HandleEnvelope(envelope(t, domain.TypeCallEnd, "mallory", c.Current().Room, nil))

	assert.Equal(t, PhaseRingingIn, c.Current().Phase)
}

func TestHangup(t *testing.T) {
	c, rec, _ := newController(t, "alice")
	assert.ErrorIs(t, c.Hangup(), ErrNoCall)

	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)
	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", call.Room, nil))

	require.NoError(t, c.Hangup())

	end := rec.last()
	assert.Equal(t, domain.TypeCallEnd, end.Type)
	assert.Equal(t, domain.ReasonHangup, reasonOf(t, end))
	assert.Equal(t, domain.ReasonHangup, c.Current().Reason)
	_, left := rec.rooms()
	assert.Equal(t, []domain.RoomID{call.Room}, left)

	// ended counts as idle for the next call
	_, err = c.InitiateCall("carol", "")
	assert.NoError(t, err)
}

func TestSignalLostEndsCall(t *testing.T) {
	c, rec, _ := newController(t, "bob")
	room := ring(t, c, "alice")
	require.NoError(t, c.Accept())
	sent := rec.count()

	c.HandleStatus(transport.StatusReconnecting)
	assert.Equal(t, PhaseActive, c.Current().Phase)

	c.HandleStatus(transport.StatusLost)

	assert.Equal(t, PhaseEnded, c.Current().Phase)
	assert.Equal(t, domain.ReasonSignalLost, c.Current().Reason)
	assert.Equal(t, sent, rec.count())
	_, left := rec.rooms()
	assert.Equal(t, []domain.RoomID{room}, left)
}

func TestInviteOutsideAdHocRoomIgnored(t *testing.T) {
	c, _, _ := newController(t, "bob")
	c.HandleEnvelope(envelope(t, domain.TypeCallInvite, "alice", "lobby", nil))
	assert.Equal(t, PhaseIdle, c.Current().Phase)
}

func TestMalformedInviteStillRings(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	rec := &recorder{}
	c := New("bob", rec, rec, Options{Clock: clock.NewMock(), Logger: &logger})
	t.Cleanup(c.Close)

	room := domain.NewAdHocRoomID()
	c.HandleEnvelope(domain.Envelope{Type: domain.TypeCallInvite, From: "alice", Room: room, Payload: []byte(`"nope"`)})

	cur := c.Current()
	assert.Equal(t, PhaseRingingIn, cur.Phase)
	assert.Equal(t, domain.Identity("alice"), cur.Target)
	assert.Empty(t, cur.DisplayName)
	assert.Contains(t, buf.String(), "bad invite payload")
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestEventsFollowPhases(t *testing.T) {
	c, _, _ := newController(t, "alice")
	events, cancel := c.Events(8)
	defer cancel()

	call, err := c.InitiateCall("bob", "")
	require.NoError(t, err)
	c.HandleEnvelope(envelope(t, domain.TypeCallAccept, "bob", call.Room, nil))
	require.NoError(t, c.Hangup())

	var phases []Phase
	for len(events) > 0 {
		phases = append(phases, (<-events).Phase)
	}
	assert.Equal(t, []Phase{PhaseRingingOut, PhaseActive, PhaseEnded}, phases)
}
