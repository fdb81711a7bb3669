package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// SelfViewSource provides encoded VP8 frames of the local camera for
// self-view rendering. ReadFrame blocks until the next frame is ready.
// Close must be called when the session ends.
type SelfViewSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// localMedia bundles everything initMediaPC captured: the release func
// that stops device tracks, an optional self-view source, and the
// original local tracks kept for unmute after ReplaceTrack(nil).
type localMedia struct {
	release    func()
	selfView   SelfViewSource
	audioTrack webrtc.TrackLocal
	videoTrack webrtc.TrackLocal
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio
// so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even when local capture failed.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}

// iceServers converts configured STUN/TURN URLs into pion ICE servers.
func iceServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
