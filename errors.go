package nvenc

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrUnavailable reports that the runtime, a platform facility or a
	// feature is not present. It is never fatal to the host process.
	ErrUnavailable = errors.New("nvenc: unavailable")

	// ErrMissingExport reports that the runtime lacks a required entry point.
	ErrMissingExport = errors.New("nvenc: missing export")

	// ErrDeviceRejected reports a device or driver rejection status.
	ErrDeviceRejected = errors.New("nvenc: device rejected")

	// ErrInvalidState reports an operation issued out of order.
	ErrInvalidState = errors.New("nvenc: invalid state")

	// ErrProbeTimeout reports that the capability probe exceeded its bound.
	ErrProbeTimeout = errors.New("nvenc: capability probe timed out")
)

// StatusError carries a failing NVENCSTATUS together with a human readable
// message. It unwraps to ErrDeviceRejected for device rejections and to
// ErrUnavailable for everything else the runtime refuses.
type StatusError struct {
	Op      string
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusInvalidEncoderDevice, StatusInvalidDevice, StatusUnsupportedDevice,
		StatusNoEncodeDevice, StatusDeviceNotExist:
		return ErrDeviceRejected
	}
	return nil
}

// statusErrorf builds a StatusError whose message is rendered from format.
func statusErrorf(op string, st Status, format string, args ...any) *StatusError {
	return &StatusError{Op: op, Status: st, Message: fmt.Sprintf(format, args...)}
}

// Error is a classified failure whose text is exactly Message. It matches
// its Kind sentinel and, when set, the underlying Cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// missingExport builds the error for an absent function table entry.
func missingExport(name string) error {
	return newError(ErrMissingExport, "Required NVENC export '%s' is missing.", name)
}

// stateError wraps ErrInvalidState with a message.
func stateError(msg string) error {
	return newError(ErrInvalidState, "%s", msg)
}

// StatusOf extracts the NVENC status from err, if any.
func StatusOf(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
