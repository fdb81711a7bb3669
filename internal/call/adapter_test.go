package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/protocol"
)

// fakeClient implements protocol.Client with controllable rooms.
type fakeClient struct {
	mu    sync.Mutex
	rooms map[string]protocol.Room
	added []chan string
}

func newFakeClient() *fakeClient {
	return &fakeClient{rooms: make(map[string]protocol.Room)}
}

func (c *fakeClient) UserID() string { return "peer-self" }

func (c *fakeClient) SubscribeEvents() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event)
	return ch, func() {}
}

func (c *fakeClient) SubscribeConnState() (<-chan protocol.ConnState, func()) {
	ch := make(chan protocol.ConnState)
	return ch, func() {}
}

func (c *fakeClient) Room(roomID string) (protocol.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

func (c *fakeClient) SubscribeRoomAdded() (<-chan string, func()) {
	ch := make(chan string, 4)
	c.mu.Lock()
	c.added = append(c.added, ch)
	c.mu.Unlock()
	return ch, func() {}
}

func (c *fakeClient) addRoom(r protocol.Room) {
	c.mu.Lock()
	c.rooms[r.ID()] = r
	chans := make([]chan string, len(c.added))
	copy(chans, c.added)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- r.ID()
	}
}

// fakeRoom hands out fakeChannels.
type fakeRoom struct {
	id           string
	counterparty string
}

func (r *fakeRoom) ID() string           { return r.id }
func (r *fakeRoom) Counterparty() string { return r.counterparty }

func (r *fakeRoom) SendMessage(context.Context, string) error { return nil }

func (r *fakeRoom) OpenCall(_ context.Context, callID string, _ bool) (protocol.CallChannel, error) {
	return newFakeChannel(callID), nil
}

func (r *fakeRoom) AttachCall(_ context.Context, callID string) (protocol.CallChannel, error) {
	return newFakeChannel(callID), nil
}

// fakeChannel records outbound signals.
type fakeChannel struct {
	callID string

	mu     sync.Mutex
	sent   []protocol.Signal
	closed bool
	onSig  func(protocol.Signal)
}

func newFakeChannel(callID string) *fakeChannel {
	return &fakeChannel{callID: callID}
}

func (c *fakeChannel) CallID() string { return c.callID }

func (c *fakeChannel) Send(_ context.Context, sig protocol.Signal) error {
	c.mu.Lock()
	c.sent = append(c.sent, sig)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) OnSignal(fn func(protocol.Signal)) {
	c.mu.Lock()
	c.onSig = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) sentTypes() []protocol.SignalType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.SignalType, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.Type
	}
	return out
}

// stubPC builds a real (unconnected) PeerConnection for session plumbing.
func stubPC(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	addRecvOnlyTransceivers("test", pc)
	return pc
}

func TestPlaceCallRoomNotFound(t *testing.T) {
	client := newFakeClient()
	coord := NewCoordinator()
	a := NewAdapter(client, coord, 60*time.Millisecond, nil)

	rec := coord.StartCall("room-missing", false)
	_, err := a.PlaceCall(context.Background(), rec, protocol.Sinks{})

	var rnf *RoomNotFoundError
	if !errors.As(err, &rnf) {
		t.Fatalf("error %v, want RoomNotFoundError", err)
	}
	if rnf.RoomID != "room-missing" {
		t.Fatalf("error names room %q", rnf.RoomID)
	}
	if coord.CurrentCall() != nil {
		t.Fatal("record not cleared after room-not-found")
	}
}

func TestWaitForRoomResolvesOnArrival(t *testing.T) {
	client := newFakeClient()
	coord := NewCoordinator()
	a := NewAdapter(client, coord, time.Second, nil)
	a.initPC = func(string, bool, []string) (*webrtc.PeerConnection, *localMedia, error) {
		return stubPC(t), &localMedia{}, nil
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		client.addRoom(&fakeRoom{id: "room-late", counterparty: "peer-bob"})
	}()

	rec := coord.StartCall("room-late", false)
	sess, err := a.PlaceCall(context.Background(), rec, protocol.Sinks{})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	defer sess.Hangup()

	if sess.CallID() != rec.CallID {
		t.Fatalf("session call ID %s, want %s", sess.CallID(), rec.CallID)
	}
}

func TestPlaceCallSendsOffer(t *testing.T) {
	client := newFakeClient()
	room := &fakeRoom{id: "room-r", counterparty: "peer-bob"}
	client.addRoom(room)
	coord := NewCoordinator()
	a := NewAdapter(client, coord, time.Second, nil)
	a.initPC = func(string, bool, []string) (*webrtc.PeerConnection, *localMedia, error) {
		return stubPC(t), &localMedia{}, nil
	}

	rec := coord.StartCall("room-r", true)
	sess, err := a.PlaceCall(context.Background(), rec, protocol.Sinks{})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	defer sess.Hangup()

	types := sess.channel.(*fakeChannel).sentTypes()
	if len(types) == 0 || types[0] != protocol.SignalOffer {
		t.Fatalf("signals sent %v, want offer first", types)
	}
}

func TestMediaAcquisitionErrorClearsRecord(t *testing.T) {
	client := newFakeClient()
	client.addRoom(&fakeRoom{id: "room-r"})
	coord := NewCoordinator()
	a := NewAdapter(client, coord, time.Second, nil)
	a.initPC = func(string, bool, []string) (*webrtc.PeerConnection, *localMedia, error) {
		return nil, nil, &MediaAcquisitionError{Reason: MediaDenied}
	}

	rec := coord.StartCall("room-r", true)
	_, err := a.PlaceCall(context.Background(), rec, protocol.Sinks{})

	var mae *MediaAcquisitionError
	if !errors.As(err, &mae) || mae.Reason != MediaDenied {
		t.Fatalf("error %v, want MediaAcquisitionError(denied)", err)
	}
	if coord.CurrentCall() != nil {
		t.Fatal("record not cleared after media failure")
	}
}

func TestStaleMediaResultAbandoned(t *testing.T) {
	client := newFakeClient()
	client.addRoom(&fakeRoom{id: "room-r"})
	coord := NewCoordinator()
	a := NewAdapter(client, coord, time.Second, nil)

	released := false
	a.initPC = func(string, bool, []string) (*webrtc.PeerConnection, *localMedia, error) {
		// Simulate EndCall racing the permission prompt.
		coord.EndCall()
		return stubPC(t), &localMedia{release: func() { released = true }}, nil
	}

	rec := coord.StartCall("room-r", true)
	_, err := a.PlaceCall(context.Background(), rec, protocol.Sinks{})

	if !IsStale(err) {
		t.Fatalf("error %v, want stale marker", err)
	}
	if !released {
		t.Fatal("abandoned media was not released")
	}
}

func TestMuteTogglesAreNoOpsWithoutSession(t *testing.T) {
	a := NewAdapter(newFakeClient(), NewCoordinator(), time.Second, nil)
	// Must not panic.
	a.SetMicrophoneMuted(true)
	a.SetVideoMuted(true)
	a.AttachSinks(protocol.Sinks{})
	a.HangupCall(nil)
}
