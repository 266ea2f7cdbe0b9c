package session

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// audioLevelURI is the RFC 6464 client-to-mixer audio level extension.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// RemoteStream is the media received from one remote participant. Tracks
// arrive asynchronously as negotiation completes; the audio track is
// pumped for its RFC 6464 audio level so the stream can feed the active
// speaker detector.
type RemoteStream struct {
	sessionID string

	mu    sync.RWMutex
	audio *webrtc.TrackRemote
	video *webrtc.TrackRemote

	level atomic.Uint64 // math.Float64bits of the last reported level
	done  chan struct{}
	once  sync.Once
}

func newRemoteStream(sessionID string) *RemoteStream {
	return &RemoteStream{
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// ID returns the owning participant's session id.
func (r *RemoteStream) ID() string { return r.sessionID }

// AudioTrack returns the remote audio track, if received yet.
func (r *RemoteStream) AudioTrack() *webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audio
}

// VideoTrack returns the remote video track, if received yet.
func (r *RemoteStream) VideoTrack() *webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.video
}

// AudioLevel returns the last observed normalized energy (0..1).
// Implements the speaker detector's level source.
func (r *RemoteStream) AudioLevel() float64 {
	return math.Float64frombits(r.level.Load())
}

func (r *RemoteStream) stop() {
	r.once.Do(func() { close(r.done) })
}

// addTrack records an incoming track and, for audio, starts the level pump.
func (r *RemoteStream) addTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	r.mu.Lock()
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		r.audio = track
	case webrtc.RTPCodecTypeVideo:
		r.video = track
	}
	r.mu.Unlock()

	if track.Kind() == webrtc.RTPCodecTypeAudio {
		go r.pumpAudioLevel(track, receiver)
	}
}

// pumpAudioLevel reads RTP from the remote audio track and extracts the
// negotiated ssrc-audio-level header extension. The dBov level (0 loudest,
// 127 silence) is converted to a linear 0..1 energy.
func (r *RemoteStream) pumpAudioLevel(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	extID := 0
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			extID = ext.ID
			break
		}
	}

	for {
		select {
		case <-r.done:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.level.Store(0)
			return
		}
		if extID == 0 {
			continue
		}
		payload := pkt.GetExtension(uint8(extID))
		if payload == nil {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(payload); err != nil {
			continue
		}
		// -dBov to linear amplitude: 127 dBov is effectively silence.
		linear := math.Pow(10, -float64(ext.Level)/20)
		if ext.Level >= 127 {
			linear = 0
		}
		r.level.Store(math.Float64bits(linear))
	}
}
