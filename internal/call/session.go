package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/protocol"
	"github.com/careline/careline/internal/util"
)

// pliInterval is how often a keyframe request is sent for the remote
// video track while a remote sink is attached.
const pliInterval = 3 * time.Second

// Session is one live RTC call: the PeerConnection, the captured local
// media, and the signaling channel. It implements protocol.Session for
// the Coordinator; everything else goes through the Adapter.
type Session struct {
	callID string
	roomID string

	channel protocol.CallChannel
	pc      *webrtc.PeerConnection
	media   *localMedia

	mu          sync.Mutex
	sinks       protocol.Sinks
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	remoteSSRC  uint32
	stateFns    []func(protocol.SessionState)
	errFns      []func(error)

	stateCh  chan protocol.SessionState
	done     chan struct{}
	downOnce sync.Once
}

func newSession(callID, roomID string, ch protocol.CallChannel, pc *webrtc.PeerConnection, media *localMedia, sinks protocol.Sinks) *Session {
	s := &Session{
		callID:  callID,
		roomID:  roomID,
		channel: ch,
		pc:      pc,
		media:   media,
		sinks:   sinks,
		stateCh: make(chan protocol.SessionState, 8),
		done:    make(chan struct{}),
	}

	for _, sender := range pc.GetSenders() {
		tr := sender.Track()
		if tr == nil {
			continue
		}
		switch tr.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audioSender = sender
		case webrtc.RTPCodecTypeVideo:
			s.videoSender = sender
		}
	}

	go s.dispatchStates()

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnecting:
			s.fireState(protocol.SessionConnecting)
		case webrtc.PeerConnectionStateConnected:
			s.fireState(protocol.SessionConnected)
		case webrtc.PeerConnectionStateFailed:
			s.fireError(&SessionProtocolError{CallID: callID, Err: errPeerFailed})
			s.fireState(protocol.SessionEnded)
		case webrtc.PeerConnectionStateClosed:
			s.fireState(protocol.SessionEnded)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})

	ch.OnSignal(s.handleSignal)

	if media.selfView != nil {
		go s.pumpSelfView()
	}

	return s
}

// CallID identifies the call this session belongs to.
func (s *Session) CallID() string { return s.callID }

// OnState registers a callback fired for each session state transition,
// in order, on a dispatch goroutine.
func (s *Session) OnState(fn func(protocol.SessionState)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

// OnError registers a callback for session protocol failures.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.errFns = append(s.errFns, fn)
	s.mu.Unlock()
}

// AttachSinks replaces the rendering targets. Safe to invoke repeatedly;
// the feed pumps pick up the new sinks on the next frame. A fresh remote
// sink triggers a keyframe request so it doesn't wait for the next PLI
// tick to show a full picture.
func (s *Session) AttachSinks(sinks protocol.Sinks) {
	s.mu.Lock()
	s.sinks = sinks
	ssrc := s.remoteSSRC
	s.mu.Unlock()

	if sinks.Remote != nil && ssrc != 0 {
		s.requestKeyframe(ssrc)
	}
}

// SetMicrophoneMuted toggles the outbound audio track. No-op when no
// audio was captured.
func (s *Session) SetMicrophoneMuted(muted bool) {
	s.replaceTrack(s.audioSender, s.media.audioTrack, muted)
	log.Printf("CALL [%s]: mic muted=%v", s.callID, muted)
}

// SetVideoMuted toggles the outbound video track. No-op when no video
// was captured.
func (s *Session) SetVideoMuted(muted bool) {
	s.replaceTrack(s.videoSender, s.media.videoTrack, muted)
	log.Printf("CALL [%s]: video muted=%v", s.callID, muted)
}

func (s *Session) replaceTrack(sender *webrtc.RTPSender, original webrtc.TrackLocal, muted bool) {
	if sender == nil || original == nil {
		return
	}
	var next webrtc.TrackLocal
	if !muted {
		next = original
	}
	if err := sender.ReplaceTrack(next); err != nil {
		log.Printf("CALL [%s]: replace track: %v", s.callID, err)
	}
}

// Reject signals rejection to the remote party and tears the session
// down. Best effort — never returns a signaling failure to the caller.
func (s *Session) Reject() error {
	s.teardown(&protocol.Signal{Type: protocol.SignalReject})
	return nil
}

// Hangup signals hangup and tears the session down. Idempotent and best
// effort; callers treat it as a step that must always complete.
func (s *Session) Hangup() error {
	s.teardown(&protocol.Signal{Type: protocol.SignalHangup})
	return nil
}

// teardown closes everything exactly once. sig, when non-nil, is sent to
// the remote party first with a short deadline; failures are swallowed.
func (s *Session) teardown(sig *protocol.Signal) {
	s.downOnce.Do(func() {
		if sig != nil {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
			if err := s.channel.Send(ctx, *sig); err != nil {
				log.Printf("CALL [%s]: %s signal failed: %v", s.callID, sig.Type, err)
			}
			cancel()
		}

		close(s.done)
		if s.media.selfView != nil {
			_ = s.media.selfView.Close()
		}
		if s.media.release != nil {
			s.media.release()
		}
		if err := s.pc.Close(); err != nil {
			log.Printf("CALL [%s]: pc close: %v", s.callID, err)
		}
		_ = s.channel.Close()
		log.Printf("CALL [%s]: torn down", s.callID)
	})
}

// handleSignal processes one inbound signaling message. The wire layer
// replays signals that arrived before registration, so the initial offer
// is never lost on the callee side.
func (s *Session) handleSignal(sig protocol.Signal) {
	switch sig.Type {
	case protocol.SignalOffer:
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sig.SDP,
		}); err != nil {
			s.fireError(&SessionProtocolError{CallID: s.callID, Err: err})
			return
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.fireError(&SessionProtocolError{CallID: s.callID, Err: err})
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			s.fireError(&SessionProtocolError{CallID: s.callID, Err: err})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultSignalTimeout)
		defer cancel()
		if err := s.channel.Send(ctx, protocol.Signal{Type: protocol.SignalAnswer, SDP: answer.SDP}); err != nil {
			s.fireError(&SessionProtocolError{CallID: s.callID, Err: err})
		}

	case protocol.SignalAnswer:
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}); err != nil {
			s.fireError(&SessionProtocolError{CallID: s.callID, Err: err})
		}

	case protocol.SignalCandidate:
		if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     sig.Candidate,
			SDPMid:        &sig.SDPMid,
			SDPMLineIndex: uint16Ptr(sig.SDPMIndex),
		}); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", s.callID, err)
		}

	case protocol.SignalReject, protocol.SignalHangup:
		log.Printf("CALL [%s]: remote %s", s.callID, sig.Type)
		// Enqueue the terminal state before teardown closes done, so the
		// dispatcher always sees it.
		s.fireState(protocol.SessionEnded)
		s.teardown(nil)
	}
}

// handleRemoteTrack pumps a remote track into the attached sink. Video
// payloads go to the remote sink; audio is drained to keep RTCP flowing.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
		return
	}

	ssrc := uint32(track.SSRC())
	s.mu.Lock()
	s.remoteSSRC = ssrc
	s.mu.Unlock()
	log.Printf("CALL [%s]: remote video track %d", s.callID, ssrc)

	// Periodic keyframe requests so a late or re-attached sink recovers.
	go func() {
		t := time.NewTicker(pliInterval)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-t.C:
				s.requestKeyframe(ssrc)
			}
		}
	}()

	// Reassemble VP8 frames from the packet stream: strip the payload
	// descriptor, accumulate until the marker bit, hand whole frames to
	// the sink. An incomplete frame at a packet loss is dropped by the
	// decoder, which recovers on the next PLI-triggered keyframe.
	go func() {
		depacketizer := &codecs.VP8Packet{}
		var frame []byte
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			payload, err := depacketizer.Unmarshal(pkt.Payload)
			if err != nil || len(payload) == 0 {
				continue
			}
			frame = append(frame, payload...)
			if !pkt.Marker {
				continue
			}
			data := frame
			frame = nil

			s.mu.Lock()
			sink := s.sinks.Remote
			s.mu.Unlock()
			if sink == nil {
				continue
			}
			if err := sink.WriteFrame(data); err != nil {
				log.Printf("CALL [%s]: remote sink write: %v", s.callID, err)
				s.dropSink(sink)
			}
		}
	}()
}

func (s *Session) requestKeyframe(ssrc uint32) {
	err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	if err != nil {
		log.Printf("CALL [%s]: PLI: %v", s.callID, err)
	}
}

// pumpSelfView feeds encoded local camera frames to the local sink.
func (s *Session) pumpSelfView() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		data, release, err := s.media.selfView.ReadFrame()
		if err != nil {
			return
		}
		s.mu.Lock()
		sink := s.sinks.Local
		s.mu.Unlock()
		if sink != nil {
			if err := sink.WriteFrame(data); err != nil {
				log.Printf("CALL [%s]: self-view sink write: %v", s.callID, err)
				s.dropSink(sink)
			}
		}
		release()
	}
}

// dropSink detaches a sink that failed a write, keeping the pump alive
// so a later AttachSinks resumes delivery. Only the failing sink is
// cleared; a replacement attached in the meantime stays.
func (s *Session) dropSink(sink protocol.FeedSink) {
	s.mu.Lock()
	if s.sinks.Local == sink {
		s.sinks.Local = nil
	}
	if s.sinks.Remote == sink {
		s.sinks.Remote = nil
	}
	s.mu.Unlock()
}

// fireState enqueues a transition without blocking. The buffer is deep
// enough for the handful of transitions a call produces; states fired
// after teardown are drained or dropped by the dispatcher.
func (s *Session) fireState(st protocol.SessionState) {
	select {
	case s.stateCh <- st:
	default:
	}
}

func (s *Session) fireError(err error) {
	log.Printf("CALL [%s]: %v", s.callID, err)
	s.mu.Lock()
	fns := make([]func(error), len(s.errFns))
	copy(fns, s.errFns)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// dispatchStates delivers state transitions to handlers in order on a
// single goroutine so handlers never see connected after ended.
func (s *Session) dispatchStates() {
	var last protocol.SessionState = -1
	for {
		select {
		case <-s.done:
			// Deliver a queued terminal transition before exiting;
			// anything non-terminal left in the buffer is moot now.
			for {
				select {
				case st := <-s.stateCh:
					if st == protocol.SessionEnded && last != protocol.SessionEnded {
						s.deliverState(st)
						return
					}
				default:
					return
				}
			}
		case st := <-s.stateCh:
			if st == last {
				continue
			}
			last = st
			s.deliverState(st)
			if st == protocol.SessionEnded {
				return
			}
		}
	}
}

func (s *Session) deliverState(st protocol.SessionState) {
	s.mu.Lock()
	fns := make([]func(protocol.SessionState), len(s.stateFns))
	copy(fns, s.stateFns)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func uint16Ptr(v int) *uint16 {
	u := uint16(v)
	return &u
}
