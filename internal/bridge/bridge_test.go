package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/careline/careline/internal/msync"
	"github.com/careline/careline/internal/protocol"
)

type fakeWire struct {
	userID string
	events chan protocol.Event
	states chan protocol.ConnState
}

func newFakeWire(userID string) *fakeWire {
	return &fakeWire{
		userID: userID,
		events: make(chan protocol.Event, 16),
		states: make(chan protocol.ConnState, 4),
	}
}

func (f *fakeWire) UserID() string { return f.userID }

func (f *fakeWire) SubscribeEvents() (<-chan protocol.Event, func()) {
	return f.events, func() {}
}

func (f *fakeWire) SubscribeConnState() (<-chan protocol.ConnState, func()) {
	return f.states, func() {}
}

func (f *fakeWire) Room(string) (protocol.Room, bool) { return nil, false }

func (f *fakeWire) SubscribeRoomAdded() (<-chan string, func()) {
	ch := make(chan string)
	close(ch)
	return ch, func() {}
}

type callRecord struct {
	roomID       string
	video        bool
	callID       string
	counterparty string
}

type fakeCalls struct {
	mu       sync.Mutex
	received []callRecord
	ended    int
}

func (f *fakeCalls) ReceiveCall(roomID string, video bool, callID, counterparty string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, callRecord{roomID, video, callID, counterparty})
}

func (f *fakeCalls) EndCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
}

type fakePublisher struct {
	mu      sync.Mutex
	signals []msync.Signal
}

func (f *fakePublisher) Publish(s msync.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeWire, *fakeCalls, *fakePublisher) {
	t.Helper()
	wire := newFakeWire("alice")
	calls := &fakeCalls{}
	pub := &fakePublisher{}
	b := New(wire, calls, pub, 10*time.Second, NewProcessedSet(512, time.Hour))
	return b, wire, calls, pub
}

func inviteEvent(id, room, sender string, age time.Duration) protocol.Event {
	return protocol.Event{
		ID:       id,
		Type:     protocol.EventCallInvite,
		RoomID:   room,
		Sender:   sender,
		CallID:   "call-" + id,
		Video:    true,
		OriginTS: time.Now().Add(-age).UnixMilli(),
	}
}

func TestFreshInviteRouted(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(inviteEvent("ev1", "room1", "bob", 0))

	if len(calls.received) != 1 {
		t.Fatalf("received = %d, want 1", len(calls.received))
	}
	got := calls.received[0]
	if got.roomID != "room1" || got.callID != "call-ev1" || got.counterparty != "bob" || !got.video {
		t.Fatalf("unexpected call record: %+v", got)
	}
}

func TestStaleInviteDropped(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(inviteEvent("ev1", "room1", "bob", 11*time.Second))

	if len(calls.received) != 0 {
		t.Fatalf("stale invite reached the coordinator")
	}
	if !b.processed.Contains("ev1") {
		t.Fatalf("stale invite not recorded as processed")
	}
}

func TestBoundaryInviteFresh(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	// Exactly at the window edge still counts as fresh.
	b.now = func() time.Time { return time.UnixMilli(20_000) }
	b.process(protocol.Event{
		ID: "edge", Type: protocol.EventCallInvite,
		RoomID: "room1", Sender: "bob", CallID: "c", OriginTS: 10_000,
	})

	if len(calls.received) != 1 {
		t.Fatalf("boundary invite dropped, want routed")
	}
}

func TestFutureTimestampFresh(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(inviteEvent("ev1", "room1", "bob", -2*time.Second))

	if len(calls.received) != 1 {
		t.Fatalf("future-stamped invite dropped, want routed")
	}
}

func TestSelfInviteDropped(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(inviteEvent("ev1", "room1", "alice", 0))

	if len(calls.received) != 0 {
		t.Fatalf("own invite reached the coordinator")
	}
	if !b.processed.Contains("ev1") {
		t.Fatalf("own invite not recorded as processed")
	}
}

func TestDuplicateInviteDroppedEvenWhenFresh(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	ev := inviteEvent("ev1", "room1", "bob", 0)
	b.process(ev)
	b.process(ev)

	if len(calls.received) != 1 {
		t.Fatalf("received = %d, want 1", len(calls.received))
	}
}

// Reconnect replay: an invite classified stale earlier must stay dropped
// when redelivered, even if the redelivery would pass the staleness check.
func TestReplayedInviteStaysDropped(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	ev := inviteEvent("ev1", "room1", "bob", 11*time.Second)
	b.process(ev)

	ev.OriginTS = time.Now().UnixMilli()
	b.process(ev)

	if len(calls.received) != 0 {
		t.Fatalf("replayed invite reached the coordinator")
	}
}

func TestFreshHangupEndsCall(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(protocol.Event{
		ID: "h1", Type: protocol.EventCallHangup,
		RoomID: "room1", Sender: "bob", OriginTS: time.Now().UnixMilli(),
	})

	if calls.ended != 1 {
		t.Fatalf("ended = %d, want 1", calls.ended)
	}
}

func TestStaleHangupIgnored(t *testing.T) {
	b, _, calls, _ := newTestBridge(t)

	b.process(protocol.Event{
		ID: "h1", Type: protocol.EventCallHangup,
		RoomID: "room1", Sender: "bob",
		OriginTS: time.Now().Add(-time.Minute).UnixMilli(),
	})

	if calls.ended != 0 {
		t.Fatalf("stale hangup moved call state")
	}
}

func TestRemoteMessagePublishesRefresh(t *testing.T) {
	b, _, _, pub := newTestBridge(t)

	b.process(protocol.Event{
		ID: "m1", Type: protocol.EventMessage,
		RoomID: "room1", Sender: "bob", Body: "hi",
		OriginTS: time.Now().UnixMilli(),
	})
	b.process(protocol.Event{
		ID: "m2", Type: protocol.EventMessage,
		RoomID: "room1", Sender: "alice", Body: "echo",
		OriginTS: time.Now().UnixMilli(),
	})

	if len(pub.signals) != 1 {
		t.Fatalf("signals = %d, want 1 (own message must not refresh)", len(pub.signals))
	}
	if pub.signals[0].RoomID != "room1" {
		t.Fatalf("signal room = %q, want room1", pub.signals[0].RoomID)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	b, wire, calls, _ := newTestBridge(t)

	b.Initialize()
	b.Initialize()
	defer b.Close()

	wire.events <- inviteEvent("ev1", "room1", "bob", 0)

	deadline := time.After(2 * time.Second)
	for {
		calls.mu.Lock()
		n := len(calls.received)
		calls.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("invite never routed after Initialize")
		case <-time.After(5 * time.Millisecond):
		}
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.received) != 1 {
		t.Fatalf("received = %d, want 1 despite double Initialize", len(calls.received))
	}
}

func TestProcessedSetCapacityEvicts(t *testing.T) {
	p := NewProcessedSet(3, time.Hour)

	for _, id := range []string{"a", "b", "c", "d"} {
		p.Mark(id)
	}

	if p.Contains("a") {
		t.Fatalf("oldest id survived past capacity")
	}
	if !p.Contains("d") || p.Len() != 3 {
		t.Fatalf("unexpected set state, len=%d", p.Len())
	}
}

func TestProcessedSetRetentionExpires(t *testing.T) {
	p := NewProcessedSet(512, time.Hour)
	now := time.UnixMilli(0)
	p.now = func() time.Time { return now }

	p.Mark("old")
	now = now.Add(2 * time.Hour)
	p.Mark("new")

	if p.Contains("old") {
		t.Fatalf("expired id still present")
	}
	if !p.Contains("new") {
		t.Fatalf("fresh id missing")
	}
}
