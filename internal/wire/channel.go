package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pproto "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/careline/careline/internal/protocol"
	"github.com/careline/careline/internal/util"
)

const (
	// pendingSignalCap bounds signals buffered on a channel before the
	// session layer registers its OnSignal handler. The callee's offer
	// routinely arrives in that gap.
	pendingSignalCap = 32

	ackTimeout = 10 * time.Second
)

// signalFrame is the newline-JSON envelope on the signaling stream.
type signalFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	CallID string          `json:"call_id"`
	Signal protocol.Signal `json:"signal"`
}

// signalAck is written back synchronously by the receiving side.
type signalAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	frameTypeSignal = "signal"
	frameTypeAck    = "ack"
)

// callChannel carries the signaling for one call over direct libp2p
// streams to the remote peer. Inbound signals that arrive before
// OnSignal is registered are buffered and replayed in order.
type callChannel struct {
	c      *Client
	callID string
	remote peer.ID

	mu       sync.Mutex
	onSignal func(protocol.Signal)
	pending  []protocol.Signal
	closed   bool

	// announce publishes a timeline event to the owning room. Set when a
	// room hands the channel out; nil for channels created by inbound
	// frames before any local attach.
	announce func(protocol.Event)
}

func (ch *callChannel) CallID() string { return ch.callID }

// Send writes one signal to the remote peer and waits for the transport
// ACK. Each signal gets its own stream; libp2p reuses the muxed
// connection underneath.
func (ch *callChannel) Send(ctx context.Context, sig protocol.Signal) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return fmt.Errorf("wire: channel for call %s is closed", ch.callID)
	}
	remote := ch.remote
	ch.mu.Unlock()

	frame := signalFrame{
		Type:   frameTypeSignal,
		ID:     uuid.NewString(),
		CallID: ch.callID,
		Signal: sig,
	}

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultSignalTimeout)
	defer cancel()

	stream, err := ch.c.host.NewStream(dialCtx, remote, p2pproto.ID(protocol.SignalProtoID))
	if err != nil {
		return fmt.Errorf("wire: open signal stream to %s: %w", shortID(remote.String()), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(frame); err != nil {
		return fmt.Errorf("wire: encode signal: %w", err)
	}

	var ack signalAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("wire: waiting for ack from %s: %w", shortID(remote.String()), err)
	}
	if ack.ID != frame.ID {
		return fmt.Errorf("wire: ack id mismatch (got %s, want %s)", ack.ID, frame.ID)
	}

	log.Printf("WIRE: sent %s signal for call %s to %s", sig.Type, shortID(ch.callID), shortID(remote.String()))

	// A hangup or reject also ends the call on the room timeline, so
	// devices outside the signaling path see it end too.
	if sig.Type == protocol.SignalHangup || sig.Type == protocol.SignalReject {
		ch.mu.Lock()
		announce := ch.announce
		ch.mu.Unlock()
		if announce != nil {
			announce(protocol.Event{Type: protocol.EventCallHangup, CallID: ch.callID})
		}
	}
	return nil
}

// OnSignal registers the inbound handler and replays anything buffered
// while no handler was attached.
func (ch *callChannel) OnSignal(fn func(protocol.Signal)) {
	ch.mu.Lock()
	ch.onSignal = fn
	buffered := ch.pending
	ch.pending = nil
	ch.mu.Unlock()

	for _, sig := range buffered {
		fn(sig)
	}
}

// deliver hands an inbound signal to the handler, or buffers it.
func (ch *callChannel) deliver(sig protocol.Signal) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	fn := ch.onSignal
	if fn == nil {
		if len(ch.pending) < pendingSignalCap {
			ch.pending = append(ch.pending, sig)
		} else {
			log.Printf("WIRE: signal buffer full for call %s, dropping %s", shortID(ch.callID), sig.Type)
		}
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn(sig)
}

// Close detaches the channel from the client's routing table. Signals
// for this call arriving afterwards are dropped.
func (ch *callChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.pending = nil
	ch.onSignal = nil
	ch.mu.Unlock()

	ch.c.dropChannel(ch.callID)
	return nil
}

// shortID truncates peer/call/event IDs for log lines.
func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
