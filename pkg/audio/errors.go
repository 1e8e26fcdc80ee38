package audio

import "fmt"

// PermissionError reports that access to an audio device was denied by the
// user or the operating system.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: access to %s denied", e.Device)
	}
	return fmt.Sprintf("audio: access to %s denied: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// DeviceError reports a missing audio device or a hardware/driver failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// FormatError reports a payload that cannot be decoded: invalid base64 or a
// PCM byte sequence that does not divide into whole samples.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "audio: malformed payload: " + e.Reason
	}
	return fmt.Sprintf("audio: malformed payload: %s: %v", e.Reason, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }
