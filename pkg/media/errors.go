package media

import (
	"errors"
	"fmt"
)

// Failure causes wrapped by DeviceError.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no matching device")
	ErrDeviceVanished   = errors.New("device no longer present")
	ErrOverconstrained  = errors.New("constraints unsatisfiable")
)

// DeviceError reports a capture failure for a specific device kind.
type DeviceError struct {
	Kind     Kind
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("%s capture: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s capture (device %s): %v", e.Kind, e.DeviceID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
