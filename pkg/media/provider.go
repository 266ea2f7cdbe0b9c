package media

// Constraints narrows device selection and capture parameters, mirroring
// the browser's MediaTrackConstraints. Zero values mean "any".
type Constraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64

	SampleRate int
	Channels   int
}

// DeviceInfo describes an enumerable capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  Kind
}

// Provider is the capture backend: it enumerates devices and opens tracks.
// OpenDisplay requests display capture; the returned track ends out-of-band
// when the user stops sharing through the native UI, observable via
// Track.OnEnded.
//
// Implementations must return a *DeviceError on failure (permission denied,
// unknown device, unsatisfiable constraints).
type Provider interface {
	Devices(kind Kind) ([]DeviceInfo, error)
	OpenTrack(kind Kind, c Constraints) (*Track, error)
	OpenDisplay(c Constraints) (*Track, error)
}
