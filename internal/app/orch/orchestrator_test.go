package orch

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrSignalClosed
	}
	if f.full {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSignal) envelopes(t *testing.T) []domain.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Envelope, 0, len(f.frames))
	for _, fr := range f.frames {
		env, err := domain.ParseEnvelope(fr)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeSignal) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

type harness struct {
	o       *Orchestrator
	signals map[core.ConnID]*fakeSignal
	kicked  map[core.ConnID]bool
}

func newHarness(maxRoom int) *harness {
	return &harness{
		o:       New(app.NewRegistry(), app.NewRoomManager(maxRoom), app.SimplePolicy{}),
		signals: make(map[core.ConnID]*fakeSignal),
		kicked:  make(map[core.ConnID]bool),
	}
}

func (h *harness) connect(id core.ConnID, who domain.Identity) *fakeSignal {
	sig := &fakeSignal{}
	h.signals[id] = sig
	_, cancel := context.WithCancel(context.Background())
	h.o.Register(app.NewConnection(id, who, sig, func() {
		h.kicked[id] = true
		cancel()
	}))
	return sig
}

func lastPresence(t *testing.T, sig *fakeSignal) domain.Envelope {
	t.Helper()
	envs := sig.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == domain.TypePresenceUpdate {
			return envs[i]
		}
	}
	t.Fatalf("no presence-update received")
	return domain.Envelope{}
}

func members(t *testing.T, env domain.Envelope) []domain.Identity {
	t.Helper()
	var p domain.PresencePayload
	require.NoError(t, env.Decode(&p))
	return p.Members
}

func TestJoinBroadcastsPresenceIncludingJoiner(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	b := h.connect("cb", "bob")

	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb", "r1"))

	assert.Equal(t, []domain.Identity{"alice", "bob"}, members(t, lastPresence(t, a)))
	assert.Equal(t, []domain.Identity{"alice", "bob"}, members(t, lastPresence(t, b)))
	assert.Equal(t, domain.RoomID("r1"), lastPresence(t, b).Room)
}

func TestPresenceSeqIsMonotonicPerRoom(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	h.connect("cb", "bob")
	h.connect("cc", "carol")

	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb", "r1"))
	require.NoError(t, h.o.Join("cc", "r1"))
	require.NoError(t, h.o.Leave("cb", "r1"))

	var last uint64
	var n int
	for _, env := range a.envelopes(t) {
		if env.Type != domain.TypePresenceUpdate {
			continue
		}
		assert.Greater(t, env.Seq, last)
		last = env.Seq
		n++
	}
	assert.Equal(t, 4, n)
	assert.Equal(t, []domain.Identity{"alice", "carol"}, members(t, lastPresence(t, a)))
}

func TestRejoinResendsSnapshotOnlyToJoiner(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	b := h.connect("cb", "bob")
	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb", "r1"))
	a.reset()
	b.reset()

	require.NoError(t, h.o.Join("cb", "r1"))

	assert.Empty(t, a.envelopes(t))
	assert.Equal(t, []domain.Identity{"alice", "bob"}, members(t, lastPresence(t, b)))
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	h.connect("cb", "bob")
	for _, r := range []domain.RoomID{"r1", "r2"} {
		require.NoError(t, h.o.Join("ca", r))
		require.NoError(t, h.o.Join("cb", r))
	}
	a.reset()

	h.o.Disconnect("cb")

	envs := a.envelopes(t)
	require.Len(t, envs, 2)
	rooms := map[domain.RoomID][]domain.Identity{}
	for _, env := range envs {
		rooms[env.Room] = members(t, env)
	}
	assert.Equal(t, []domain.Identity{"alice"}, rooms["r1"])
	assert.Equal(t, []domain.Identity{"alice"}, rooms["r2"])
	assert.Equal(t, 2, len(h.o.Rooms.List()))
}

func TestSecondConnectionKeepsIdentityPresent(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	h.connect("cb1", "bob")
	h.connect("cb2", "bob")
	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb1", "r1"))
	require.NoError(t, h.o.Join("cb2", "r1"))
	a.reset()

	h.o.Disconnect("cb1")
	assert.Empty(t, a.envelopes(t))

	h.o.Disconnect("cb2")
	assert.Equal(t, []domain.Identity{"alice"}, members(t, lastPresence(t, a)))
}

func TestEmptyRoomIsDropped(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Leave("ca", "r1"))

	_, ok := h.o.Rooms.Get("r1")
	assert.False(t, ok)
	assert.Empty(t, h.o.Rooms.List())

	// the id can be reused right away
	require.NoError(t, h.o.Join("ca", "r1"))
	got, ok := h.o.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, []domain.Identity{"alice"}, got)
}

func TestRoomFullRejectsJoin(t *testing.T) {
	h := newHarness(2)
	h.connect("c1", "a")
	h.connect("c2", "b")
	h.connect("c3", "c")
	require.NoError(t, h.o.Join("c1", "r1"))
	require.NoError(t, h.o.Join("c2", "r1"))

	err := h.o.Join("c3", "r1")
	assert.ErrorIs(t, err, core.ErrRoomFull)
	got, _ := h.o.Snapshot("r1")
	assert.Equal(t, []domain.Identity{"a", "b"}, got)
}

func TestRouteToIdentityReachesEveryOtherConnection(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	b1 := h.connect("cb1", "bob")
	b2 := h.connect("cb2", "bob")

	env := domain.Envelope{Type: domain.TypeSessionOffer, From: "mallory", To: "bob", Room: "r1"}
	require.NoError(t, h.o.Route("ca", env))

	for _, sig := range []*fakeSignal{b1, b2} {
		envs := sig.envelopes(t)
		require.Len(t, envs, 1)
		assert.Equal(t, domain.Identity("alice"), envs[0].From)
		assert.Equal(t, domain.TypeSessionOffer, envs[0].Type)
	}

	// an identity addressing itself never echoes to the sending connection
	require.NoError(t, h.o.Route("cb1", domain.Envelope{Type: domain.TypeDirectMessage, To: "bob"}))
	assert.Len(t, b1.envelopes(t), 1)
	assert.Len(t, b2.envelopes(t), 2)
}

func TestRouteToOfflineTargetIsSilent(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	assert.NoError(t, h.o.Route("ca", domain.Envelope{Type: domain.TypeCallInvite, To: "ghost"}))
}

func TestRouteToRoomExcludesSender(t *testing.T) {
	h := newHarness(8)
	a := h.connect("ca", "alice")
	b := h.connect("cb", "bob")
	outsider := h.connect("cx", "eve")
	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb", "r1"))
	a.reset()
	b.reset()

	require.NoError(t, h.o.Route("ca", domain.Envelope{Type: domain.TypeICECandidate, Room: "r1"}))
	assert.Empty(t, a.envelopes(t))
	require.Len(t, b.envelopes(t), 1)

	err := h.o.Route("cx", domain.Envelope{Type: domain.TypeICECandidate, Room: "r1"})
	assert.ErrorIs(t, err, core.ErrNotMember)
	assert.Empty(t, outsider.envelopes(t))
	assert.Len(t, b.envelopes(t), 1)
}

func TestClientBroadcastIsDenied(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	b := h.connect("cb", "bob")

	err := h.o.Route("ca", domain.Envelope{Type: domain.TypeDirectMessage, Broadcast: true})
	assert.ErrorIs(t, err, ErrBroadcastDenied)
	assert.Empty(t, b.envelopes(t))

	assert.Equal(t, 2, h.o.Broadcast(domain.Envelope{Type: domain.TypeDirectMessage}))
	assert.Len(t, b.envelopes(t), 1)
}

func TestRouteWithoutTarget(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	assert.ErrorIs(t, h.o.Route("ca", domain.Envelope{Type: domain.TypeSessionOffer}), ErrNoTarget)
	assert.ErrorIs(t, h.o.Route("nope", domain.Envelope{Type: domain.TypeSessionOffer, To: "x"}), ErrUnknownConnection)
}

func TestNotify(t *testing.T) {
	h := newHarness(8)
	b1 := h.connect("cb1", "bob")
	b2 := h.connect("cb2", "bob")

	env, err := domain.NewEnvelope(domain.TypeDirectMessage, domain.DirectMessagePayload{ConversationID: "42"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.o.Notify("bob", env))
	assert.Equal(t, 0, h.o.Notify("ghost", env))

	var p domain.DirectMessagePayload
	got := b2.envelopes(t)
	require.Len(t, got, 1)
	require.NoError(t, got[0].Decode(&p))
	assert.Equal(t, "42", p.ConversationID)
	assert.Len(t, b1.envelopes(t), 1)
}

func TestBackpressuredConnectionIsKicked(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	b := h.connect("cb", "bob")
	b.full = true

	require.NoError(t, h.o.Route("ca", domain.Envelope{Type: domain.TypeSessionOffer, To: "bob"}))
	assert.True(t, h.kicked["cb"])
	assert.False(t, h.kicked["ca"])
}

func TestEvictRoomCancelsMembers(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	h.connect("cb", "bob")
	h.connect("cc", "carol")
	require.NoError(t, h.o.Join("ca", "r1"))
	require.NoError(t, h.o.Join("cb", "r1"))

	assert.Equal(t, 2, h.o.EvictRoom("r1"))
	assert.True(t, h.kicked["ca"])
	assert.True(t, h.kicked["cb"])
	assert.False(t, h.kicked["cc"])
	assert.Equal(t, 0, h.o.EvictRoom("missing"))
}

func TestJoinValidatesRoomID(t *testing.T) {
	h := newHarness(8)
	h.connect("ca", "alice")
	assert.ErrorIs(t, h.o.Join("ca", ""), domain.ErrRoomIDEmpty)
}
