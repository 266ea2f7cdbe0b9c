package media

import (
	"math"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestTrack(t *testing.T, kind Kind) *Track {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime}, "test-"+string(kind), "test-stream")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return NewTrack("test-"+string(kind), kind, "device-1", false, local)
}

func TestTrackLifecycle(t *testing.T) {
	tr := newTestTrack(t, KindAudio)

	if !tr.Enabled() {
		t.Error("new track should start enabled")
	}
	if tr.Ended() {
		t.Error("new track should not be ended")
	}

	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Error("SetEnabled(false) did not stick")
	}

	tr.Stop()
	if !tr.Ended() {
		t.Error("Stop did not end the track")
	}
	if tr.Enabled() {
		t.Error("stopped track should be disabled")
	}

	// Double stop is a no-op.
	tr.Stop()
}

func TestTrackOnEnded(t *testing.T) {
	tr := newTestTrack(t, KindVideo)

	fired := 0
	tr.OnEnded(func() { fired++ })
	tr.Stop()
	tr.Stop()
	if fired != 1 {
		t.Errorf("OnEnded fired %d times, want 1", fired)
	}

	// Registering on an already-ended track fires immediately.
	late := 0
	tr.OnEnded(func() { late++ })
	if late != 1 {
		t.Errorf("late OnEnded fired %d times, want 1", late)
	}
}

func TestWriteAudioPCMLevel(t *testing.T) {
	tr := newTestTrack(t, KindAudio)

	// Full-scale square wave has RMS 1.0.
	loud := make([]int16, 480)
	for i := range loud {
		loud[i] = math.MaxInt16
	}
	if err := tr.WriteAudioPCM(loud, 10*time.Millisecond); err != nil {
		t.Fatalf("WriteAudioPCM: %v", err)
	}
	if lvl := tr.AudioLevel(); lvl < 0.99 || lvl > 1.01 {
		t.Errorf("AudioLevel = %v, want ~1.0", lvl)
	}

	if err := tr.WriteAudioPCM(make([]int16, 480), 10*time.Millisecond); err != nil {
		t.Fatalf("WriteAudioPCM: %v", err)
	}
	if lvl := tr.AudioLevel(); lvl != 0 {
		t.Errorf("AudioLevel = %v, want 0 for silence", lvl)
	}
}

func TestWriteAudioPCMDisabledDrops(t *testing.T) {
	tr := newTestTrack(t, KindAudio)
	tr.SetEnabled(false)

	loud := make([]int16, 480)
	for i := range loud {
		loud[i] = math.MaxInt16
	}
	if err := tr.WriteAudioPCM(loud, 10*time.Millisecond); err != nil {
		t.Fatalf("WriteAudioPCM: %v", err)
	}
	if lvl := tr.AudioLevel(); lvl != 0 {
		t.Errorf("AudioLevel = %v, want 0 while muted", lvl)
	}
}
