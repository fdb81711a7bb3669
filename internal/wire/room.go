package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/careline/careline/internal/protocol"
)

// room is one conversation: a gossipsub topic for timeline events plus
// the identity of the remote party. It satisfies protocol.Room.
type room struct {
	c     *Client
	id    string
	topic *pubsub.Topic

	mu           sync.RWMutex
	counterparty string
}

func (r *room) ID() string { return r.id }

// Counterparty returns the remote party's peer ID. It may be empty until
// the first inbound event when the room was joined without one.
func (r *room) Counterparty() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counterparty
}

// learnCounterparty records the remote party the first time an event
// from someone else arrives in the room.
func (r *room) learnCounterparty(sender string) {
	if sender == "" || sender == r.c.UserID() {
		return
	}
	r.mu.Lock()
	known := r.counterparty
	if known == "" {
		r.counterparty = sender
	}
	r.mu.Unlock()

	if known == "" {
		log.Printf("WIRE: room %s counterparty is %s", r.id, shortID(sender))
		if r.c.dir != nil {
			_ = r.c.dir.Upsert(r.id, sender, "")
		}
	}
}

// publishEvent stamps and publishes a timeline event on the room topic.
// Gossipsub loops our own publishes back to the local subscription, so
// the event reaches local consumers through the same path as remote ones.
func (r *room) publishEvent(ctx context.Context, ev protocol.Event) error {
	ev.ID = uuid.NewString()
	ev.RoomID = r.id
	ev.Sender = r.c.UserID()
	ev.OriginTS = time.Now().UnixMilli()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wire: marshal event: %w", err)
	}
	if err := r.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("wire: publish to room %s: %w", r.id, err)
	}
	return nil
}

// SendMessage posts a plain message into the room.
func (r *room) SendMessage(ctx context.Context, body string) error {
	err := r.publishEvent(ctx, protocol.Event{
		Type: protocol.EventMessage,
		Body: body,
	})
	if err == nil && r.c.dir != nil {
		_ = r.c.dir.Touch(r.id)
	}
	return err
}

// OpenCall announces an outgoing call on the room topic and returns the
// signaling channel toward the counterparty. The counterparty must be
// known; a room nobody has spoken in yet cannot be called.
func (r *room) OpenCall(ctx context.Context, callID string, video bool) (protocol.CallChannel, error) {
	remote, err := r.remotePeer()
	if err != nil {
		return nil, err
	}

	ch := r.c.ensureChannel(callID, remote)
	r.adoptChannel(ch)

	if err := r.publishEvent(ctx, protocol.Event{
		Type:   protocol.EventCallInvite,
		CallID: callID,
		Video:  video,
	}); err != nil {
		_ = ch.Close()
		return nil, err
	}

	log.Printf("WIRE: call %s invited in room %s (video=%v)", shortID(callID), r.id, video)
	return ch, nil
}

// AttachCall joins the signaling channel of an incoming call. Signals
// that arrived before the attach are already buffered on the channel.
func (r *room) AttachCall(ctx context.Context, callID string) (protocol.CallChannel, error) {
	remote, err := r.remotePeer()
	if err != nil {
		return nil, err
	}
	if err := r.publishEvent(ctx, protocol.Event{
		Type:   protocol.EventCallAnswer,
		CallID: callID,
	}); err != nil {
		log.Printf("WIRE: answer event publish failed for call %s: %v", shortID(callID), err)
	}

	ch := r.c.ensureChannel(callID, remote)
	r.adoptChannel(ch)
	return ch, nil
}

// adoptChannel points the channel's timeline announcements at this room.
func (r *room) adoptChannel(ch *callChannel) {
	ch.mu.Lock()
	ch.announce = func(ev protocol.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.publishEvent(ctx, ev); err != nil {
			log.Printf("WIRE: hangup event publish failed in room %s: %v", r.id, err)
		}
	}
	ch.mu.Unlock()
}

func (r *room) remotePeer() (peer.ID, error) {
	cp := r.Counterparty()
	if cp == "" {
		return "", fmt.Errorf("wire: room %s has no known counterparty", r.id)
	}
	pid, err := peer.Decode(cp)
	if err != nil {
		return "", fmt.Errorf("wire: invalid counterparty %q: %w", cp, err)
	}
	return pid, nil
}

// readLoop drains the room's topic subscription and fans events out.
// Self-published events pass through unfiltered — downstream consumers
// own the self-origin decision.
func (r *room) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()

	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Printf("WIRE: bad event in room %s: %v", r.id, err)
			continue
		}
		if ev.ID == "" || ev.Type == "" {
			continue
		}
		// The topic, not the payload, decides which room this is.
		ev.RoomID = r.id

		r.learnCounterparty(ev.Sender)
		if r.c.dir != nil && ev.Sender != r.c.UserID() {
			_ = r.c.dir.Touch(r.id)
		}
		r.c.dispatchEvent(ev)
	}
}
