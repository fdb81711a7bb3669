package call

import (
	"errors"
	"fmt"
	"time"
)

// RoomNotFoundError reports that a room never materialized locally within
// the bounded wait. The call is aborted and the record cleared.
type RoomNotFoundError struct {
	RoomID string
	Waited time.Duration
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room %s not found after %s", e.RoomID, e.Waited)
}

// MediaReason distinguishes why local media acquisition failed. The UI
// layer needs the distinction to show actionable guidance.
type MediaReason string

const (
	MediaDenied      MediaReason = "denied"
	MediaNotFound    MediaReason = "not-found"
	MediaUnsupported MediaReason = "unsupported"
)

// MediaAcquisitionError reports that camera/microphone capture failed.
type MediaAcquisitionError struct {
	Reason MediaReason
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media acquisition failed (%s)", e.Reason)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// SessionProtocolError reports a failure from an attached RTC session.
// It reaches subscribers as a side-channel notification, never as a
// state-machine transition.
type SessionProtocolError struct {
	CallID string
	Err    error
}

func (e *SessionProtocolError) Error() string {
	return fmt.Sprintf("session %s: %v", e.CallID, e.Err)
}

func (e *SessionProtocolError) Unwrap() error { return e.Err }

// errStale marks an async result that completed after its call record was
// superseded. Never surfaced to users; always resolved by abandonment.
var errStale = errors.New("call record superseded")

// errPeerFailed reports a peer connection that reached the failed state.
var errPeerFailed = errors.New("peer connection failed")

// IsStale reports whether err is the internal stale-result marker, so
// callers can distinguish silent abandonment from real failures.
func IsStale(err error) bool { return errors.Is(err, errStale) }
