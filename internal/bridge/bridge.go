package bridge

import (
	"log"
	"sync"
	"time"

	"github.com/careline/careline/internal/msync"
	"github.com/careline/careline/internal/protocol"
)

// CallSink is the slice of the call coordinator the bridge drives.
type CallSink interface {
	ReceiveCall(roomID string, video bool, callID, counterparty string)
	EndCall()
}

// Publisher receives refresh signals for rooms whose message history
// changed remotely.
type Publisher interface {
	Publish(msync.Signal)
}

// Bridge sits between the wire client's replayable event stream and the
// in-process consumers. Events replayed on (re)connect look exactly like
// live ones, so every call event is filtered before it can move call
// state: duplicates are dropped unconditionally, then stale and
// self-originated events are recorded and dropped.
type Bridge struct {
	client    protocol.Client
	calls     CallSink
	fanout    Publisher
	freshness time.Duration
	processed *ProcessedSet
	now       func() time.Time

	mu          sync.Mutex
	initialized bool
	cancels     []func()
}

// New creates a bridge. Initialize must be called before any events flow.
func New(client protocol.Client, calls CallSink, fanout Publisher, freshness time.Duration, processed *ProcessedSet) *Bridge {
	return &Bridge{
		client:    client,
		calls:     calls,
		fanout:    fanout,
		freshness: freshness,
		processed: processed,
		now:       time.Now,
	}
}

// Initialize subscribes to the wire client's event and connection-state
// streams. Calling it again is a logged no-op.
func (b *Bridge) Initialize() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		log.Printf("BRIDGE: already initialized, ignoring")
		return
	}
	b.initialized = true

	events, cancelEvents := b.client.SubscribeEvents()
	states, cancelStates := b.client.SubscribeConnState()
	b.cancels = append(b.cancels, cancelEvents, cancelStates)

	go func() {
		for ev := range events {
			b.process(ev)
		}
	}()
	go func() {
		for st := range states {
			log.Printf("BRIDGE: connection %s", st)
		}
	}()

	log.Printf("BRIDGE: initialized (freshness window %s)", b.freshness)
}

// Close cancels the subscriptions. The drain goroutines exit when the
// client closes the channels.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (b *Bridge) process(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventCallInvite:
		b.processInvite(ev)
	case protocol.EventCallAnswer:
		// Another device of ours (or the peer's client) answered; the
		// session layer handles the SDP exchange on its own channel.
		log.Printf("BRIDGE: call answer in room %s (call %s)", ev.RoomID, ev.CallID)
	case protocol.EventCallHangup:
		if b.stale(ev) {
			log.Printf("BRIDGE: dropping stale hangup in room %s", ev.RoomID)
			return
		}
		b.calls.EndCall()
	case protocol.EventMessage:
		if ev.Sender == b.client.UserID() {
			return
		}
		b.fanout.Publish(msync.Signal{RoomID: ev.RoomID})
	}
}

func (b *Bridge) processInvite(ev protocol.Event) {
	// Duplicate check first: an identifier seen before is dropped no
	// matter how fresh the delivery is.
	if !b.processed.Mark(ev.ID) {
		log.Printf("BRIDGE: dropping duplicate invite %s", ev.ID)
		return
	}
	if b.stale(ev) {
		log.Printf("BRIDGE: dropping stale invite %s (room %s)", ev.ID, ev.RoomID)
		return
	}
	if ev.Sender == b.client.UserID() {
		log.Printf("BRIDGE: dropping own invite %s", ev.ID)
		return
	}
	b.calls.ReceiveCall(ev.RoomID, ev.Video, ev.CallID, ev.Sender)
}

// stale reports whether the event's origin timestamp falls outside the
// freshness window. Slightly future timestamps (clock skew between
// peers) count as fresh.
func (b *Bridge) stale(ev protocol.Event) bool {
	age := b.now().UnixMilli() - ev.OriginTS
	return age > b.freshness.Milliseconds()
}
