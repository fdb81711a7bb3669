// Package call owns the client's call lifecycle: the single-call state
// machine (Coordinator) and the adapter that drives the underlying RTC
// session and media devices (Adapter). It couples to the rest of the
// system only via the interfaces in internal/protocol.
package call

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/protocol"
)

// State is the lifecycle state of the current call record.
type State string

const (
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

// Direction records which side initiated the call. Immutable once set.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Record is the single source of truth for "is there a call, and what
// state is it in". Listeners receive snapshot copies; only the
// Coordinator mutates the live record.
type Record struct {
	CallID       string    `json:"call_id"`
	RoomID       string    `json:"room_id"`
	Video        bool      `json:"video"`
	Direction    Direction `json:"direction"`
	Counterparty string    `json:"counterparty,omitempty"`
	State        State     `json:"state"`
}

// record is the live, mutable call record.
type record struct {
	Record
	session      protocol.Session
	releaseMedia func()
}

type subscriber struct {
	id int
	fn func(*Record)
}

// Coordinator is the authoritative in-process call-state machine. It owns
// at most one call record at a time; one Coordinator exists per process,
// matching the one-physical-session-per-device assumption.
type Coordinator struct {
	mu      sync.Mutex
	current *record

	subMu  sync.Mutex
	nextID int
	subs   []subscriber

	errMu  sync.Mutex
	errFns []func(error)
}

// NewCoordinator creates a Coordinator with no active call.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// StartCall creates a new outgoing call record in state connecting. Any
// existing call is unconditionally ended first — last writer wins, since
// only one physical device session is assumed. The returned snapshot
// carries the generated call ID for the subsequent PlaceCall.
func (c *Coordinator) StartCall(roomID string, video bool) Record {
	c.mu.Lock()
	if c.current != nil {
		log.Printf("CALL: superseding active call %s with new outgoing call", c.current.CallID)
		c.teardownLocked()
		c.mu.Unlock()
		c.notify(nil)
		c.mu.Lock()
	}

	rec := &record{Record: Record{
		CallID:    uuid.NewString(),
		RoomID:    roomID,
		Video:     video,
		Direction: Outgoing,
		State:     StateConnecting,
	}}
	c.current = rec
	snap := rec.Record
	c.mu.Unlock()

	log.Printf("CALL: started outgoing %s in %s (video=%v)", snap.CallID, roomID, video)
	c.notify(&snap)
	return snap
}

// ReceiveCall creates an incoming call record in state ringing. If a call
// already exists the incoming one is silently dropped — call waiting is
// not supported, and the first writer keeps the line.
func (c *Coordinator) ReceiveCall(roomID string, video bool, callID, counterparty string) {
	c.mu.Lock()
	if c.current != nil {
		log.Printf("CALL: dropping incoming %s — call %s already active", callID, c.current.CallID)
		c.mu.Unlock()
		return
	}

	rec := &record{Record: Record{
		CallID:       callID,
		RoomID:       roomID,
		Video:        video,
		Direction:    Incoming,
		Counterparty: counterparty,
		State:        StateRinging,
	}}
	c.current = rec
	snap := rec.Record
	c.mu.Unlock()

	log.Printf("CALL: incoming %s from %s in %s (video=%v)", callID, counterparty, roomID, video)
	c.notify(&snap)
}

// AnswerCall transitions a ringing incoming call to connecting. A missing
// or outgoing call is a logged no-op — these happen in race windows and
// must not crash the caller.
func (c *Coordinator) AnswerCall() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		log.Printf("CALL: answer with no active call — ignoring")
		return
	}
	if c.current.Direction != Incoming {
		c.mu.Unlock()
		log.Printf("CALL: answer on outgoing call %s — ignoring", c.current.CallID)
		return
	}
	c.current.State = StateConnecting
	snap := c.current.Record
	c.mu.Unlock()

	log.Printf("CALL: answered %s", snap.CallID)
	c.notify(&snap)
}

// RejectCall signals rejection to the remote side (best effort) and
// clears the record. Safe to call with no active call.
func (c *Coordinator) RejectCall() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		log.Printf("CALL: reject with no active call — ignoring")
		return
	}
	callID := c.current.CallID
	sess := c.current.session
	release := c.current.releaseMedia
	c.current = nil
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Reject(); err != nil {
			log.Printf("CALL: reject signal for %s failed: %v", callID, err)
		}
	}
	if release != nil {
		release()
	}

	log.Printf("CALL: rejected %s", callID)
	c.notify(nil)
}

// EndCall hangs up the session (best effort), releases local media, and
// clears the record. Idempotent: a no-op when no call is active.
func (c *Coordinator) EndCall() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	callID := c.current.CallID
	c.teardownLocked()
	c.mu.Unlock()

	log.Printf("CALL: ended %s", callID)
	c.notify(nil)
}

// teardownLocked hangs up and releases the current record without
// notifying. Caller holds c.mu and notifies afterwards.
func (c *Coordinator) teardownLocked() {
	rec := c.current
	c.current = nil
	if rec == nil {
		return
	}
	if rec.session != nil {
		if err := rec.session.Hangup(); err != nil {
			log.Printf("CALL: hangup for %s failed: %v", rec.CallID, err)
		}
	}
	if rec.releaseMedia != nil {
		rec.releaseMedia()
	}
}

// AttachSession associates the RTC session with the current record and
// transitions it to connected. A terminal state reported by the session
// triggers EndCall automatically — the only path by which the remote
// side's hangup reaches local state. A session for a superseded call is
// hung up and abandoned.
func (c *Coordinator) AttachSession(sess protocol.Session) {
	c.mu.Lock()
	if c.current == nil || c.current.CallID != sess.CallID() {
		c.mu.Unlock()
		log.Printf("CALL: session %s arrived for superseded call — abandoning", sess.CallID())
		_ = sess.Hangup()
		return
	}
	c.current.session = sess
	c.current.State = StateConnected
	snap := c.current.Record
	c.mu.Unlock()

	callID := sess.CallID()
	sess.OnState(func(s protocol.SessionState) {
		if s == protocol.SessionEnded && c.IsCurrent(callID) {
			log.Printf("CALL: session %s reported ended", callID)
			c.EndCall()
		}
	})

	log.Printf("CALL: session attached, %s connected", callID)
	c.notify(&snap)
}

// SetMediaRelease registers the release func for locally held media
// devices. The Coordinator invokes it exactly once on every exit path so
// camera/microphone indicators never stay lit. No-op if the call for
// callID is no longer current.
func (c *Coordinator) SetMediaRelease(callID string, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.CallID != callID {
		return
	}
	c.current.releaseMedia = release
}

// IsCurrent reports whether callID identifies the active call. Async
// completions use this for stale-result suppression.
func (c *Coordinator) IsCurrent(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.CallID == callID
}

// CurrentCall returns a snapshot of the active call, or nil. Pure read.
func (c *Coordinator) CurrentCall() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	snap := c.current.Record
	return &snap
}

// Session returns the attached session of the active call, if any.
func (c *Coordinator) Session() (protocol.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.session == nil {
		return nil, false
	}
	return c.current.session, true
}

// Subscribe registers a listener, invokes it synchronously with the
// current state, and returns an unsubscribe function. Listeners fire in
// subscription order on every transition; a panicking listener is logged
// and does not block the rest.
func (c *Coordinator) Subscribe(fn func(*Record)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	fire(fn, c.CurrentCall())

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnError registers a side-channel listener for session protocol errors.
// These never move the state machine; they only inform subscribers.
func (c *Coordinator) OnError(fn func(error)) {
	c.errMu.Lock()
	c.errFns = append(c.errFns, fn)
	c.errMu.Unlock()
}

// ReportSessionError fans a SessionProtocolError out to error listeners.
func (c *Coordinator) ReportSessionError(err error) {
	log.Printf("CALL: %v", err)
	c.errMu.Lock()
	fns := make([]func(error), len(c.errFns))
	copy(fns, c.errFns)
	c.errMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Coordinator) notify(rec *Record) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, s := range subs {
		fire(s.fn, rec)
	}
}

func fire(fn func(*Record), rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CALL: subscriber panic: %v", r)
		}
	}()
	fn(rec)
}
