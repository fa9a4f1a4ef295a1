package link

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the transport and framer. Callers are expected to
// test with errors.Is so that "try again" conditions can be told apart from
// "give up and reconfigure" ones.
var (
	// ErrNotConnected is returned when no serial connection is open.
	ErrNotConnected = errors.New("link: not connected")

	// ErrPending is returned when a transfer is started while another one
	// is still in flight. Only one transaction may be outstanding.
	ErrPending = errors.New("link: transfer already pending")

	// ErrTimeout is returned when the expected response did not arrive in
	// time.
	ErrTimeout = errors.New("link: timeout")

	// ErrOverflow is returned when a request exceeds the frame or buffer
	// capacity of the adapter.
	ErrOverflow = errors.New("link: request exceeds frame capacity")

	// ErrNack is returned when the addressed I2C device did not acknowledge.
	ErrNack = errors.New("link: no acknowledge from device")

	// ErrAdapterFault is returned when the bridge reported an internal
	// error.
	ErrAdapterFault = errors.New("link: adapter fault")

	// ErrDeviceError is returned when a macro completed but reported
	// failure.
	ErrDeviceError = errors.New("link: device reported error")

	// ErrCancelled is returned when an operation was cancelled by the
	// caller. It is a first-class outcome, not a fault, and is never
	// retried.
	ErrCancelled = errors.New("link: cancelled")

	// ErrMalformedData is returned for unparseable records or checksum
	// failures.
	ErrMalformedData = errors.New("link: malformed data")
)

// IdentityError is returned by Connect when the adapter does not identify as
// a supported (module id, firmware version, mode) combination.
type IdentityError struct {
	Module  byte
	FwMajor byte
	FwMinor byte
	Mode    byte
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("link: unsupported adapter: module 0x%02X fw %d.%d mode 0x%02X",
		e.Module, e.FwMajor, e.FwMinor, e.Mode)
}
