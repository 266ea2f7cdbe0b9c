// Package media manages local capture: camera and microphone tracks,
// the screen-share swap, and device switching. It mirrors the browser's
// getUserMedia/getDisplayMedia surface but leaves the actual capture
// backend behind the Provider interface.
package media

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Kind of a capture track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local capture track bound to a pion sample track. A disabled
// track silently drops writes so the peer sees silence/black without the
// track being torn down.
type Track struct {
	id       string
	kind     Kind
	deviceID string
	display  bool
	local    *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	ended   atomic.Bool
	level   atomic.Uint64 // math.Float64bits of the last RMS level

	mu      sync.Mutex
	onEnded func()
}

// NewTrack wraps a pion sample track as a capture track. Providers call
// this from OpenTrack/OpenDisplay.
func NewTrack(id string, kind Kind, deviceID string, display bool, local *webrtc.TrackLocalStaticSample) *Track {
	t := &Track{
		id:       id,
		kind:     kind,
		deviceID: deviceID,
		display:  display,
		local:    local,
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() Kind       { return t.kind }
func (t *Track) DeviceID() string { return t.deviceID }
func (t *Track) IsDisplay() bool  { return t.display }

// Enabled reports whether writes are forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips the track without re-acquiring the device.
func (t *Track) SetEnabled(e bool) { t.enabled.Store(e) }

// Ended reports whether the track was stopped (locally or, for display
// tracks, by the capture backend).
func (t *Track) Ended() bool { return t.ended.Load() }

// Local returns the pion track to hand to an RTPSender.
func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

// OnEnded registers a callback fired once when the track ends. Display
// tracks end out-of-band when the user stops sharing via the native UI.
// Registering on an already-ended track fires immediately.
func (t *Track) OnEnded(f func()) {
	if f != nil && t.ended.Load() {
		f()
		return
	}
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

// Stop ends the track and releases the capture device.
func (t *Track) Stop() {
	if t.ended.Swap(true) {
		return
	}
	t.enabled.Store(false)
	t.mu.Lock()
	f := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// WriteSample forwards an encoded sample to the pion track. Disabled or
// ended tracks drop the sample.
func (t *Track) WriteSample(s media.Sample) error {
	if !t.enabled.Load() || t.ended.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// WriteAudioPCM meters the signal energy of raw PCM audio and forwards it
// as a sample. The normalized RMS (0..1) feeds active-speaker detection.
func (t *Track) WriteAudioPCM(samples []int16, duration time.Duration) error {
	if !t.enabled.Load() || t.ended.Load() {
		t.level.Store(0)
		return nil
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sum / float64(len(samples)))
	}
	t.level.Store(math.Float64bits(rms))

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return t.local.WriteSample(media.Sample{Data: buf, Duration: duration})
}

// AudioLevel returns the last metered normalized energy. Implements the
// speaker detector's level source.
func (t *Track) AudioLevel() float64 {
	return math.Float64frombits(t.level.Load())
}
