//go:build linux && cgo

package call

import (
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// vp8SelfView wraps a mediadevices VP8 EncodedReadCloser as a SelfViewSource.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }

// initMediaPC creates the PeerConnection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo on Linux). Capture
// is attempted in layers (video+audio, then video-only, then audio-only
// when video was requested) so a missing microphone doesn't block the
// camera and vice versa. When every attempt fails the error is a
// *MediaAcquisitionError classified from the driver failures.
func initMediaPC(callID string, video bool, stun []string) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call. The default disconnectedTimeout of
	// 5 s is far too short for paths that see short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(stun)})
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		_ = pc.Close()
		return nil, nil, &MediaAcquisitionError{Reason: MediaNotFound}
	}
	for _, d := range devices {
		log.Printf("CALL [%s]: media device — kind=%v label=%q", callID, d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		lm := &localMedia{}
		brokenVideo := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", callID, err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				lm.audioTrack = track
			case webrtc.RTPCodecTypeVideo:
				lm.videoTrack = track
				// Independent VP8 reader for self-view; mediadevices
				// broadcasts raw frames to multiple consumers, so this
				// encoder runs in parallel to the RTP one.
				r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
				if err == nil {
					lm.selfView = &vp8SelfView{r: r}
				} else {
					// A poisoned VP8 encoder breaks SDP negotiation
					// entirely — drop this attempt.
					log.Printf("CALL [%s]: video track broken (%s): %v", callID, a.label, err)
					brokenVideo = true
				}
			}
		}
		if brokenVideo {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", callID, a.label, len(tracks))
		lm.release = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, lm, nil
	}

	_ = pc.Close()
	return nil, nil, &MediaAcquisitionError{Reason: classifyMediaErr(lastErr), Err: lastErr}
}

// classifyMediaErr maps a driver failure onto the acquisition taxonomy.
func classifyMediaErr(err error) MediaReason {
	if err == nil {
		return MediaNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "busy"):
		return MediaDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		return MediaNotFound
	default:
		return MediaUnsupported
	}
}
