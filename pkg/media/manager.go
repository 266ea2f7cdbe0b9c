package media

import (
	"sync"
)

// State is a snapshot of the local media flags.
type State struct {
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	AudioDeviceID string
	VideoDeviceID string
}

// ReplaceFunc receives outgoing-track replacements. A nil track removes
// the outgoing track of that kind. The session layer registers here; the
// manager never touches peer sessions directly.
type ReplaceFunc func(kind Kind, t *Track)

// DeviceManager owns the local capture state for one room session: the
// microphone and camera tracks, the screen-share swap, and the preferred
// devices remembered across re-acquisition.
//
// Camera and screen share are mutually exclusive on the single outgoing
// video track. While sharing, the camera track is kept aside so stopping
// the share restores exactly the device that was active before.
type DeviceManager struct {
	mu       sync.Mutex
	provider Provider

	audio *Track
	video *Track // outgoing video: camera, or screen while sharing

	savedCamera  *Track // camera kept aside during screen share
	savedEnabled bool   // videoEnabled before the share started

	audioEnabled  bool
	videoEnabled  bool
	screenSharing bool

	preferredAudio string
	preferredVideo string

	onReplace ReplaceFunc
}

// NewDeviceManager creates a manager over the given capture backend.
func NewDeviceManager(p Provider) *DeviceManager {
	return &DeviceManager{provider: p}
}

// OnReplaceTrack registers the outgoing-track replacement sink.
func (m *DeviceManager) OnReplaceTrack(f ReplaceFunc) {
	m.mu.Lock()
	m.onReplace = f
	m.mu.Unlock()
}

// Acquire captures microphone and camera tracks. A nil constraint skips
// that kind (degraded, audio-less or video-less join). Any previous
// capture is stopped and released first so hardware locks are not leaked.
func (m *DeviceManager) Acquire(audio, video *Constraints) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopAllLocked()

	if audio != nil {
		t, err := m.provider.OpenTrack(KindAudio, *audio)
		if err != nil {
			return err
		}
		m.audio = t
		m.audioEnabled = true
		m.preferredAudio = t.DeviceID()
	}
	if video != nil {
		t, err := m.provider.OpenTrack(KindVideo, *video)
		if err != nil {
			m.stopAllLocked()
			return err
		}
		m.video = t
		m.videoEnabled = true
		m.preferredVideo = t.DeviceID()
	}
	return nil
}

// ToggleAudio flips the microphone track without re-acquiring it and
// returns the new state. With no audio track it is a no-op returning the
// current (disabled) state.
func (m *DeviceManager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audio == nil {
		return false
	}
	m.audioEnabled = !m.audioEnabled
	m.audio.SetEnabled(m.audioEnabled)
	return m.audioEnabled
}

// ToggleVideo turns the camera on or off. Turning on while screen sharing
// is refused: the single outgoing video track belongs to the share.
// Turning off stops and removes the camera track entirely so the hardware
// indicator is released; turning on re-acquires it from the preferred
// device.
func (m *DeviceManager) ToggleVideo() (bool, error) {
	m.mu.Lock()

	if m.screenSharing {
		enabled := m.videoEnabled
		m.mu.Unlock()
		return enabled, nil
	}

	if m.videoEnabled {
		old := m.video
		m.video = nil
		m.videoEnabled = false
		replace := m.onReplace
		m.mu.Unlock()

		if replace != nil {
			replace(KindVideo, nil)
		}
		if old != nil {
			old.Stop()
		}
		return false, nil
	}

	t, err := m.provider.OpenTrack(KindVideo, Constraints{DeviceID: m.preferredVideo})
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.video = t
	m.videoEnabled = true
	m.preferredVideo = t.DeviceID()
	replace := m.onReplace
	m.mu.Unlock()

	if replace != nil {
		replace(KindVideo, t)
	}
	return true, nil
}

// StartScreenShare swaps the outgoing video track for a display capture.
// The current camera track is kept aside, not stopped, so StopScreenShare
// restores it exactly. When the user stops sharing through the native UI
// the manager detects the out-of-band end and restores the camera itself.
func (m *DeviceManager) StartScreenShare(c Constraints) error {
	m.mu.Lock()
	if m.screenSharing {
		m.mu.Unlock()
		return nil
	}

	screen, err := m.provider.OpenDisplay(c)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	m.savedCamera = m.video
	m.savedEnabled = m.videoEnabled
	m.video = screen
	m.videoEnabled = true
	m.screenSharing = true
	replace := m.onReplace
	m.mu.Unlock()

	if replace != nil {
		replace(KindVideo, screen)
	}
	screen.OnEnded(func() {
		// Native "stop sharing" UI; transition back to camera.
		_ = m.StopScreenShare()
	})
	return nil
}

// StopScreenShare stops the display capture and restores the saved camera
// track and the videoEnabled flag that was in effect before the share.
// The audio track is untouched. A no-op when not sharing.
func (m *DeviceManager) StopScreenShare() error {
	m.mu.Lock()
	if !m.screenSharing {
		m.mu.Unlock()
		return nil
	}

	screen := m.video
	camera := m.savedCamera
	m.video = camera
	m.videoEnabled = m.savedEnabled
	m.savedCamera = nil
	m.savedEnabled = false
	m.screenSharing = false
	if camera != nil {
		camera.SetEnabled(m.videoEnabled)
	}
	replace := m.onReplace
	m.mu.Unlock()

	// Restore before stopping the screen track so the outgoing stream is
	// never left without a video track mid-swap.
	if replace != nil {
		replace(KindVideo, camera)
	}
	if screen != nil {
		screen.OnEnded(nil)
		screen.Stop()
	}
	return nil
}

// SwitchDevice re-acquires a single track from the named device, replaces
// it in the outgoing stream, and remembers the device for the next
// session. A failed switch leaves the prior device active. Switching the
// camera while screen sharing swaps the saved camera, not the outgoing
// share.
func (m *DeviceManager) SwitchDevice(kind Kind, deviceID string) error {
	m.mu.Lock()

	t, err := m.provider.OpenTrack(kind, Constraints{DeviceID: deviceID})
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var old *Track
	var replace ReplaceFunc

	switch kind {
	case KindAudio:
		old = m.audio
		m.audio = t
		m.preferredAudio = deviceID
		t.SetEnabled(m.audioEnabled)
		replace = m.onReplace
	case KindVideo:
		m.preferredVideo = deviceID
		if m.screenSharing {
			old = m.savedCamera
			m.savedCamera = t
			t.SetEnabled(m.savedEnabled)
			// The share owns the outgoing track; no replacement to push.
		} else {
			old = m.video
			m.video = t
			t.SetEnabled(m.videoEnabled)
			replace = m.onReplace
		}
	}
	m.mu.Unlock()

	// New track goes out before the old one stops: the outgoing stream
	// must never be momentarily empty during the swap.
	if replace != nil {
		replace(kind, t)
	}
	if old != nil {
		old.Stop()
	}
	return nil
}

// AudioTrack returns the current microphone track, if any.
func (m *DeviceManager) AudioTrack() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// VideoTrack returns the current outgoing video track, if any.
func (m *DeviceManager) VideoTrack() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

// State returns a snapshot of the local media flags.
func (m *DeviceManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		AudioEnabled:  m.audioEnabled,
		VideoEnabled:  m.videoEnabled,
		ScreenSharing: m.screenSharing,
	}
	if m.audio != nil {
		s.AudioDeviceID = m.audio.DeviceID()
	}
	if m.video != nil && !m.screenSharing {
		s.VideoDeviceID = m.video.DeviceID()
	}
	return s
}

// Stop releases every capture track. First step of leaving a room.
func (m *DeviceManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAllLocked()
}

func (m *DeviceManager) stopAllLocked() {
	for _, t := range []*Track{m.audio, m.video, m.savedCamera} {
		if t != nil {
			t.OnEnded(nil)
			t.Stop()
		}
	}
	m.audio = nil
	m.video = nil
	m.savedCamera = nil
	m.audioEnabled = false
	m.videoEnabled = false
	m.savedEnabled = false
	m.screenSharing = false
}
