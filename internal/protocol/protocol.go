// Package protocol defines the event and client surface that the call
// core consumes. It is deliberately dependency-free: the concrete wire
// client (internal/wire) and the call core (internal/call, internal/bridge)
// couple only through the interfaces here.
package protocol

import "context"

// EventType classifies a timeline event. The set is closed — the bridge
// ignores anything it does not recognize.
type EventType string

const (
	EventMessage    EventType = "message"
	EventCallInvite EventType = "call-invite"
	EventCallAnswer EventType = "call-answer"
	EventCallHangup EventType = "call-hangup"
)

// Event is one inbound timeline event. OriginTS is the sender-assigned
// origin timestamp in milliseconds; on reconnect the same event can be
// delivered again with its original timestamp, which is how historical
// replay is detected.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	RoomID   string    `json:"room_id"`
	Sender   string    `json:"sender"`
	CallID   string    `json:"call_id,omitempty"`
	Body     string    `json:"body,omitempty"`
	Video    bool      `json:"video,omitempty"`
	OriginTS int64     `json:"origin_ts"`
}

// ConnState reports the client's transport connectivity.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnReady
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Client is the protocol client as seen by the core. Readiness is the
// client's own concern: subscriptions registered before the transport is
// up simply receive nothing until it is.
type Client interface {
	// UserID returns the local user's identity.
	UserID() string

	// SubscribeEvents returns the live timeline stream and a cancel func.
	SubscribeEvents() (<-chan Event, func())

	// SubscribeConnState returns connectivity transitions and a cancel func.
	SubscribeConnState() (<-chan ConnState, func())

	// Room looks up a room that is already materialized locally.
	Room(roomID string) (Room, bool)

	// SubscribeRoomAdded notifies with the room ID each time a room
	// materializes locally (local creation or first inbound traffic).
	SubscribeRoomAdded() (<-chan string, func())
}

// Room exposes the per-conversation primitives the core needs.
type Room interface {
	ID() string

	// Counterparty returns the remote party's identity for a 1:1 room.
	Counterparty() string

	// SendMessage posts a plain message into the room.
	SendMessage(ctx context.Context, body string) error

	// OpenCall opens an outgoing signaling channel for callID.
	OpenCall(ctx context.Context, callID string, video bool) (CallChannel, error)

	// AttachCall joins the signaling channel of an incoming call.
	AttachCall(ctx context.Context, callID string) (CallChannel, error)
}

// SignalType classifies an in-call signaling message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalReject    SignalType = "reject"
	SignalHangup    SignalType = "hangup"
)

// Signal is one in-call signaling message exchanged over a CallChannel.
type Signal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	SDPMid    string     `json:"sdp_mid,omitempty"`
	SDPMIndex int        `json:"sdp_m_index,omitempty"`
}

// CallChannel carries signaling for one call. Send is synchronous up to
// transport acknowledgement; OnSignal callbacks fire for each inbound
// signal from the remote party.
type CallChannel interface {
	CallID() string
	Send(ctx context.Context, sig Signal) error
	OnSignal(fn func(Signal))
	Close() error
}

// SessionState is the lifecycle reported by an attached RTC session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	default:
		return "ended"
	}
}

// Session is the surface the coordinator needs from an attached RTC
// session. Reject and Hangup are best-effort teardown steps; the
// coordinator swallows their errors.
type Session interface {
	CallID() string
	OnState(fn func(SessionState))
	Reject() error
	Hangup() error
	SetMicrophoneMuted(muted bool)
	SetVideoMuted(muted bool)
}

// FeedSink receives encoded media frames for one rendering target.
// WriteFrame must tolerate being handed frames from a re-attached feed.
type FeedSink interface {
	WriteFrame(data []byte) error
	Close() error
}

// Sinks bundles the caller-supplied local and remote rendering targets.
// Either may be nil, in which case that feed is discarded.
type Sinks struct {
	Local  FeedSink
	Remote FeedSink
}
