package call

import (
	"sync"
	"testing"

	"github.com/careline/careline/internal/protocol"
)

// fakeSession implements protocol.Session for coordinator tests.
type fakeSession struct {
	callID string

	mu       sync.Mutex
	stateFns []func(protocol.SessionState)
	rejected int
	hungUp   int
}

func newFakeSession(callID string) *fakeSession {
	return &fakeSession{callID: callID}
}

func (f *fakeSession) CallID() string { return f.callID }

func (f *fakeSession) OnState(fn func(protocol.SessionState)) {
	f.mu.Lock()
	f.stateFns = append(f.stateFns, fn)
	f.mu.Unlock()
}

func (f *fakeSession) emit(st protocol.SessionState) {
	f.mu.Lock()
	fns := make([]func(protocol.SessionState), len(f.stateFns))
	copy(fns, f.stateFns)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeSession) Reject() error {
	f.mu.Lock()
	f.rejected++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Hangup() error {
	f.mu.Lock()
	f.hungUp++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetMicrophoneMuted(bool) {}
func (f *fakeSession) SetVideoMuted(bool)      {}

func TestOutgoingCallLifecycle(t *testing.T) {
	c := NewCoordinator()

	rec := c.StartCall("room1", true)
	cur := c.CurrentCall()
	if cur == nil || cur.State != StateConnecting {
		t.Fatalf("after StartCall: %+v, want connecting", cur)
	}
	if cur.Direction != Outgoing || !cur.Video {
		t.Fatalf("record fields wrong: %+v", cur)
	}

	sess := newFakeSession(rec.CallID)
	c.AttachSession(sess)
	if cur := c.CurrentCall(); cur == nil || cur.State != StateConnected {
		t.Fatalf("after AttachSession: %+v, want connected", cur)
	}

	// Remote hangup propagates through the session's terminal state.
	sess.emit(protocol.SessionEnded)
	if cur := c.CurrentCall(); cur != nil {
		t.Fatalf("after session ended: %+v, want no call", cur)
	}
	if sess.hungUp == 0 {
		t.Fatal("teardown should have hung up the session")
	}
}

func TestIncomingCallLifecycle(t *testing.T) {
	c := NewCoordinator()

	c.ReceiveCall("room1", false, "call-42", "peer-bob")
	cur := c.CurrentCall()
	if cur == nil || cur.State != StateRinging {
		t.Fatalf("after ReceiveCall: %+v, want ringing", cur)
	}
	if cur.Direction != Incoming || cur.Counterparty != "peer-bob" {
		t.Fatalf("record fields wrong: %+v", cur)
	}

	c.AnswerCall()
	if cur := c.CurrentCall(); cur == nil || cur.State != StateConnecting {
		t.Fatalf("after AnswerCall: %+v, want connecting", cur)
	}

	c.AttachSession(newFakeSession("call-42"))
	if cur := c.CurrentCall(); cur == nil || cur.State != StateConnected {
		t.Fatalf("after AttachSession: %+v, want connected", cur)
	}
}

func TestAtMostOneCall(t *testing.T) {
	c := NewCoordinator()

	first := c.StartCall("room-a", false)
	second := c.StartCall("room-b", true)

	cur := c.CurrentCall()
	if cur == nil {
		t.Fatal("expected a current call")
	}
	if cur.CallID != second.CallID {
		t.Fatalf("current call %s, want the superseding one %s", cur.CallID, second.CallID)
	}
	if c.IsCurrent(first.CallID) {
		t.Fatal("superseded call still reported current")
	}
}

func TestIncomingDroppedWhileActive(t *testing.T) {
	c := NewCoordinator()

	rec := c.StartCall("room-a", false)
	c.ReceiveCall("room-b", false, "call-late", "peer-eve")

	cur := c.CurrentCall()
	if cur == nil || cur.CallID != rec.CallID {
		t.Fatalf("incoming call displaced the active one: %+v", cur)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	c := NewCoordinator()
	c.StartCall("room-a", false)

	var transitions []*Record
	cancel := c.Subscribe(func(r *Record) { transitions = append(transitions, r) })
	defer cancel()
	transitions = nil // drop the initial snapshot

	for i := 0; i < 3; i++ {
		c.EndCall()
	}

	if len(transitions) != 1 {
		t.Fatalf("got %d notifications, want exactly 1", len(transitions))
	}
	if transitions[0] != nil {
		t.Fatalf("expected no-call notification, got %+v", transitions[0])
	}
}

func TestAnswerWithoutCallIsNoOp(t *testing.T) {
	c := NewCoordinator()
	c.AnswerCall() // must not panic
	if c.CurrentCall() != nil {
		t.Fatal("answer with no call created a record")
	}

	// Answering an outgoing call is meaningless and ignored.
	c.StartCall("room-a", false)
	c.AnswerCall()
	if cur := c.CurrentCall(); cur.State != StateConnecting || cur.Direction != Outgoing {
		t.Fatalf("answer mutated outgoing call: %+v", cur)
	}
}

func TestRejectSignalsSessionAndClears(t *testing.T) {
	c := NewCoordinator()
	c.ReceiveCall("room-r", false, "call-9", "peer-bob")
	sess := newFakeSession("call-9")
	c.AttachSession(sess)

	c.RejectCall()
	if sess.rejected != 1 {
		t.Fatalf("reject signalled %d times, want 1", sess.rejected)
	}
	if c.CurrentCall() != nil {
		t.Fatal("record not cleared after reject")
	}

	// Reject with no call is a logged no-op.
	c.RejectCall()
}

func TestSubscribeOrderAndPanicIsolation(t *testing.T) {
	c := NewCoordinator()

	var order []int
	c.Subscribe(func(*Record) { order = append(order, 1) })
	c.Subscribe(func(*Record) { panic("listener boom") })
	c.Subscribe(func(*Record) { order = append(order, 3) })
	order = nil // drop initial snapshots

	c.StartCall("room-a", false)

	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("delivery order %v, want [1 3]", order)
	}
}

func TestSubscribeDeliversCurrentStateImmediately(t *testing.T) {
	c := NewCoordinator()
	c.StartCall("room-a", true)

	var got *Record
	cancel := c.Subscribe(func(r *Record) { got = r })
	defer cancel()

	if got == nil || got.State != StateConnecting {
		t.Fatalf("initial snapshot %+v, want connecting", got)
	}
}

func TestAttachSessionForSupersededCall(t *testing.T) {
	c := NewCoordinator()
	old := c.StartCall("room-a", false)
	c.EndCall()
	c.StartCall("room-b", false)

	stale := newFakeSession(old.CallID)
	c.AttachSession(stale)

	if stale.hungUp != 1 {
		t.Fatal("stale session should be hung up on arrival")
	}
	if cur := c.CurrentCall(); cur == nil || cur.State != StateConnecting {
		t.Fatalf("stale attach disturbed current call: %+v", cur)
	}
}

func TestMediaReleaseRunsOnEveryExit(t *testing.T) {
	c := NewCoordinator()

	released := 0
	rec := c.StartCall("room-a", true)
	c.SetMediaRelease(rec.CallID, func() { released++ })
	c.EndCall()
	if released != 1 {
		t.Fatalf("release ran %d times after EndCall, want 1", released)
	}

	// Supersession releases the old record's media too.
	released = 0
	rec = c.StartCall("room-b", true)
	c.SetMediaRelease(rec.CallID, func() { released++ })
	c.StartCall("room-c", false)
	if released != 1 {
		t.Fatalf("release ran %d times after supersession, want 1", released)
	}

	// Setting a release for a stale call is ignored.
	c.SetMediaRelease(rec.CallID, func() { t.Fatal("stale release registered") })
	c.EndCall()
}

func TestSessionErrorSideChannel(t *testing.T) {
	c := NewCoordinator()
	c.StartCall("room-a", false)

	var got error
	c.OnError(func(err error) { got = err })

	reported := &SessionProtocolError{CallID: "x", Err: errPeerFailed}
	c.ReportSessionError(reported)

	if got != reported {
		t.Fatalf("error listener got %v, want %v", got, reported)
	}
	// Errors never move the state machine.
	if cur := c.CurrentCall(); cur == nil || cur.State != StateConnecting {
		t.Fatalf("error transitioned state: %+v", cur)
	}
}
