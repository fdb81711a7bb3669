package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/protocol"
)

// Adapter drives the RTC side of a call: it resolves the room, opens the
// signaling channel, acquires local media, and hands the resulting
// Session to the Coordinator. It is the only component that touches
// media devices or the PeerConnection directly.
type Adapter struct {
	client   protocol.Client
	coord    *Coordinator
	roomWait time.Duration
	stun     []string

	mu     sync.Mutex
	active *Session

	// initPC is the platform media initializer; replaced in tests.
	initPC func(callID string, video bool, stun []string) (*webrtc.PeerConnection, *localMedia, error)
}

// NewAdapter creates an Adapter bound to client and coord. roomWait
// bounds how long call placement waits for a room to materialize.
func NewAdapter(client protocol.Client, coord *Coordinator, roomWait time.Duration, stun []string) *Adapter {
	return &Adapter{
		client:   client,
		coord:    coord,
		roomWait: roomWait,
		stun:     stun,
		initPC:   initMediaPC,
	}
}

// PlaceCall places the outgoing call described by rec: waits for the
// room, opens signaling, acquires media, sends the offer, and returns
// the live session. On RoomNotFoundError or MediaAcquisitionError the
// call record is cleared. If rec was superseded while media acquisition
// was pending, all resources are released and the stale result is
// abandoned (IsStale on the returned error).
func (a *Adapter) PlaceCall(ctx context.Context, rec Record, sinks protocol.Sinks) (*Session, error) {
	room, err := a.waitForRoom(ctx, rec.RoomID)
	if err != nil {
		a.abort(rec.CallID)
		return nil, err
	}

	ch, err := room.OpenCall(ctx, rec.CallID, rec.Video)
	if err != nil {
		a.abort(rec.CallID)
		return nil, fmt.Errorf("open call channel: %w", err)
	}

	sess, err := a.buildSession(rec, ch, sinks)
	if err != nil {
		return nil, err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		_ = sess.Hangup()
		a.abort(rec.CallID)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		_ = sess.Hangup()
		a.abort(rec.CallID)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := ch.Send(ctx, protocol.Signal{Type: protocol.SignalOffer, SDP: offer.SDP}); err != nil {
		_ = sess.Hangup()
		a.abort(rec.CallID)
		return nil, fmt.Errorf("send offer: %w", err)
	}

	log.Printf("CALL [%s]: offer sent to %s", rec.CallID, rec.RoomID)
	return sess, nil
}

// AnswerCall answers the incoming call described by rec. The media
// acquisition contract matches PlaceCall; the offer is replayed by the
// signaling channel and answered automatically.
func (a *Adapter) AnswerCall(ctx context.Context, rec Record, sinks protocol.Sinks) (*Session, error) {
	room, err := a.waitForRoom(ctx, rec.RoomID)
	if err != nil {
		a.abort(rec.CallID)
		return nil, err
	}

	ch, err := room.AttachCall(ctx, rec.CallID)
	if err != nil {
		a.abort(rec.CallID)
		return nil, fmt.Errorf("attach call channel: %w", err)
	}

	sess, err := a.buildSession(rec, ch, sinks)
	if err != nil {
		return nil, err
	}

	log.Printf("CALL [%s]: answering in %s", rec.CallID, rec.RoomID)
	return sess, nil
}

// buildSession acquires media, suppresses stale results, constructs the
// Session, and wires its lifecycle into the Coordinator.
func (a *Adapter) buildSession(rec Record, ch protocol.CallChannel, sinks protocol.Sinks) (*Session, error) {
	pc, media, err := a.initPC(rec.CallID, rec.Video, a.stun)
	if err != nil {
		_ = ch.Close()
		a.abort(rec.CallID)
		return nil, err
	}

	// Media acquisition can outlive the record it was started for, e.g.
	// when EndCall races the permission prompt. Abandon, never retry
	// onto the new record.
	if !a.coord.IsCurrent(rec.CallID) {
		if media.release != nil {
			media.release()
		}
		if media.selfView != nil {
			_ = media.selfView.Close()
		}
		_ = pc.Close()
		_ = ch.Close()
		log.Printf("CALL [%s]: media arrived for superseded call — released", rec.CallID)
		return nil, errStale
	}

	sess := newSession(rec.CallID, rec.RoomID, ch, pc, media, sinks)

	// Every exit path from the record must stop the device tracks.
	a.coord.SetMediaRelease(rec.CallID, func() { _ = sess.Hangup() })

	callID := rec.CallID
	sess.OnState(func(st protocol.SessionState) {
		switch st {
		case protocol.SessionConnected:
			a.coord.AttachSession(sess)
		case protocol.SessionEnded:
			a.clearActive(sess)
			if a.coord.IsCurrent(callID) {
				a.coord.EndCall()
			}
		}
	})
	sess.OnError(a.coord.ReportSessionError)

	a.setActive(sess)
	return sess, nil
}

// HangupCall tears sess down. Best effort; never fails.
func (a *Adapter) HangupCall(sess *Session) {
	if sess == nil {
		return
	}
	_ = sess.Hangup()
	a.clearActive(sess)
}

// SetMicrophoneMuted toggles the active session's outbound audio.
// No-op when no session is active.
func (a *Adapter) SetMicrophoneMuted(muted bool) {
	if s := a.activeSession(); s != nil {
		s.SetMicrophoneMuted(muted)
	}
}

// SetVideoMuted toggles the active session's outbound video. No-op when
// no session is active.
func (a *Adapter) SetVideoMuted(muted bool) {
	if s := a.activeSession(); s != nil {
		s.SetVideoMuted(muted)
	}
}

// AttachSinks re-attaches rendering targets on the active session.
func (a *Adapter) AttachSinks(sinks protocol.Sinks) {
	if s := a.activeSession(); s != nil {
		s.AttachSinks(sinks)
	}
}

func (a *Adapter) activeSession() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Adapter) setActive(s *Session) {
	a.mu.Lock()
	a.active = s
	a.mu.Unlock()
}

func (a *Adapter) clearActive(s *Session) {
	a.mu.Lock()
	if a.active == s {
		a.active = nil
	}
	a.mu.Unlock()
}

// abort clears the call record after a placement failure, if it is still
// the current one.
func (a *Adapter) abort(callID string) {
	if a.coord.IsCurrent(callID) {
		a.coord.EndCall()
	}
}

// waitForRoom returns the room once it is materialized locally, waiting
// up to roomWait on the client's room-added notification. There is no
// polling: either the room exists, or its arrival is announced.
func (a *Adapter) waitForRoom(ctx context.Context, roomID string) (protocol.Room, error) {
	if r, ok := a.client.Room(roomID); ok {
		return r, nil
	}

	added, cancel := a.client.SubscribeRoomAdded()
	defer cancel()

	// Re-check after subscribing so an arrival between the lookup and
	// the subscription is not missed.
	if r, ok := a.client.Room(roomID); ok {
		return r, nil
	}

	start := time.Now()
	deadline := time.NewTimer(a.roomWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &RoomNotFoundError{RoomID: roomID, Waited: time.Since(start)}
		case id, ok := <-added:
			if !ok {
				return nil, &RoomNotFoundError{RoomID: roomID, Waited: time.Since(start)}
			}
			if id != roomID {
				continue
			}
			if r, ok := a.client.Room(roomID); ok {
				return r, nil
			}
		}
	}
}
