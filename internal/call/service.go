package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/careline/careline/internal/protocol"
)

// placeTimeout bounds the asynchronous placement of one call: room wait,
// media acquisition, and the offer/answer exchange up to transport ACK.
const placeTimeout = 45 * time.Second

// Service is the user-intent surface for calls. Operations return
// immediately; the RTC work runs in the background and progress is
// observed through the Coordinator's subscription stream.
type Service struct {
	coord   *Coordinator
	adapter *Adapter
	client  protocol.Client

	mu    sync.Mutex
	sinks protocol.Sinks
}

// NewService creates a Service over coord and adapter.
func NewService(client protocol.Client, coord *Coordinator, adapter *Adapter) *Service {
	return &Service{coord: coord, adapter: adapter, client: client}
}

// SetSinks installs the rendering targets used for subsequently placed
// or answered calls, and re-attaches them to a live session if any.
func (s *Service) SetSinks(sinks protocol.Sinks) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
	s.adapter.AttachSinks(sinks)
}

// SetLocalSink swaps only the self-view target.
func (s *Service) SetLocalSink(sink protocol.FeedSink) {
	s.mu.Lock()
	s.sinks.Local = sink
	sinks := s.sinks
	s.mu.Unlock()
	s.adapter.AttachSinks(sinks)
}

// SetRemoteSink swaps only the remote-feed target.
func (s *Service) SetRemoteSink(sink protocol.FeedSink) {
	s.mu.Lock()
	s.sinks.Remote = sink
	sinks := s.sinks
	s.mu.Unlock()
	s.adapter.AttachSinks(sinks)
}

// ClearLocalSink detaches sink if it is still the installed self-view
// target. A clear from a stale connection never nulls a newer sink.
func (s *Service) ClearLocalSink(sink protocol.FeedSink) {
	s.mu.Lock()
	if s.sinks.Local != sink {
		s.mu.Unlock()
		return
	}
	s.sinks.Local = nil
	sinks := s.sinks
	s.mu.Unlock()
	s.adapter.AttachSinks(sinks)
}

// ClearRemoteSink detaches sink if it is still the remote-feed target.
func (s *Service) ClearRemoteSink(sink protocol.FeedSink) {
	s.mu.Lock()
	if s.sinks.Remote != sink {
		s.mu.Unlock()
		return
	}
	s.sinks.Remote = nil
	sinks := s.sinks
	s.mu.Unlock()
	s.adapter.AttachSinks(sinks)
}

func (s *Service) currentSinks() protocol.Sinks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks
}

// Start places an outgoing call in roomID and returns the new record.
// Any active call is superseded first. Placement failures clear the
// record and surface through the coordinator's error channel.
func (s *Service) Start(roomID string, video bool) Record {
	rec := s.coord.StartCall(roomID, video)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), placeTimeout)
		defer cancel()
		if _, err := s.adapter.PlaceCall(ctx, rec, s.currentSinks()); err != nil {
			if IsStale(err) {
				return
			}
			log.Printf("CALL: place %s failed: %v", rec.CallID, err)
			s.coord.ReportSessionError(err)
		}
	}()

	return rec
}

// Answer accepts the ringing incoming call. A no-op when nothing rings.
func (s *Service) Answer() {
	rec := s.coord.CurrentCall()
	if rec == nil || rec.Direction != Incoming || rec.State != StateRinging {
		log.Printf("CALL: answer with nothing ringing — ignoring")
		return
	}
	s.coord.AnswerCall()

	snap := *rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), placeTimeout)
		defer cancel()
		if _, err := s.adapter.AnswerCall(ctx, snap, s.currentSinks()); err != nil {
			if IsStale(err) {
				return
			}
			log.Printf("CALL: answer %s failed: %v", snap.CallID, err)
			s.coord.ReportSessionError(err)
		}
	}()
}

// Reject declines the ringing incoming call. The caller is told over the
// signaling channel when the room can reach them; the local record is
// cleared either way.
func (s *Service) Reject() {
	rec := s.coord.CurrentCall()
	if rec != nil && rec.Direction == Incoming && rec.State == StateRinging {
		if room, ok := s.client.Room(rec.RoomID); ok {
			callID := rec.CallID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				ch, err := room.AttachCall(ctx, callID)
				if err != nil {
					log.Printf("CALL: reject attach for %s failed: %v", callID, err)
					return
				}
				if err := ch.Send(ctx, protocol.Signal{Type: protocol.SignalReject}); err != nil {
					log.Printf("CALL: reject signal for %s failed: %v", callID, err)
				}
				_ = ch.Close()
			}()
		}
	}
	s.coord.RejectCall()
}

// Hangup ends the active call. Idempotent.
func (s *Service) Hangup() {
	s.coord.EndCall()
}

// SetMicrophoneMuted toggles the outbound audio feed.
func (s *Service) SetMicrophoneMuted(muted bool) {
	s.adapter.SetMicrophoneMuted(muted)
}

// SetVideoMuted toggles the outbound video feed.
func (s *Service) SetVideoMuted(muted bool) {
	s.adapter.SetVideoMuted(muted)
}

// Current returns a snapshot of the active call record, or nil.
func (s *Service) Current() *Record {
	return s.coord.CurrentCall()
}

// Subscribe mirrors the coordinator's record stream.
func (s *Service) Subscribe(fn func(*Record)) func() {
	return s.coord.Subscribe(fn)
}
