package wire

import (
	"testing"

	"github.com/careline/careline/internal/protocol"
)

func newDetachedChannel() (*Client, *callChannel) {
	c := &Client{channels: make(map[string]*callChannel)}
	ch := &callChannel{c: c, callID: "call1"}
	c.channels["call1"] = ch
	return c, ch
}

func TestSignalsBufferedUntilHandlerAttached(t *testing.T) {
	_, ch := newDetachedChannel()

	ch.deliver(protocol.Signal{Type: protocol.SignalOffer, SDP: "v=0 offer"})
	ch.deliver(protocol.Signal{Type: protocol.SignalCandidate, Candidate: "cand1"})

	var got []protocol.Signal
	ch.OnSignal(func(sig protocol.Signal) { got = append(got, sig) })

	if len(got) != 2 {
		t.Fatalf("replayed %d signals, want 2", len(got))
	}
	if got[0].Type != protocol.SignalOffer || got[1].Type != protocol.SignalCandidate {
		t.Fatalf("replay order wrong: %v, %v", got[0].Type, got[1].Type)
	}

	// Live delivery after attach goes straight through.
	ch.deliver(protocol.Signal{Type: protocol.SignalAnswer})
	if len(got) != 3 || got[2].Type != protocol.SignalAnswer {
		t.Fatalf("live signal not delivered, got %d", len(got))
	}
}

func TestSignalBufferBounded(t *testing.T) {
	_, ch := newDetachedChannel()

	for i := 0; i < pendingSignalCap+10; i++ {
		ch.deliver(protocol.Signal{Type: protocol.SignalCandidate})
	}

	var got int
	ch.OnSignal(func(protocol.Signal) { got++ })
	if got != pendingSignalCap {
		t.Fatalf("replayed %d signals, want %d", got, pendingSignalCap)
	}
}

func TestClosedChannelDropsSignals(t *testing.T) {
	c, ch := newDetachedChannel()

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := c.channels["call1"]; ok {
		t.Fatalf("channel still routed after Close")
	}

	ch.deliver(protocol.Signal{Type: protocol.SignalOffer})
	called := false
	ch.OnSignal(func(protocol.Signal) { called = true })
	if called {
		t.Fatalf("closed channel replayed a signal")
	}
}

func TestCloseIdempotent(t *testing.T) {
	_, ch := newDetachedChannel()

	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
