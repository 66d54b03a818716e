package provision

import (
	"errors"
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// Error classes. Every typed error below matches one of these with
// errors.Is.
var (
	ErrArgument        = errors.New("invalid provisioning arguments")
	ErrTransport       = errors.New("transport failure")
	ErrDeviceStatus    = errors.New("device reported failure")
	ErrExternalSigning = errors.New("csr signing failed")
	ErrSessionState    = errors.New("invalid session state")
)

// ArgumentError reports a missing or inconsistent input. It is raised
// before any hardware interaction.
type ArgumentError struct {
	Mode     string
	Argument string
	Reason   string
}

func (e *ArgumentError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	if e.Mode == "" {
		return fmt.Sprintf("argument %s %s", e.Argument, reason)
	}
	return fmt.Sprintf("%s: argument %s %s", e.Mode, e.Argument, reason)
}

// Is matches ErrArgument.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrArgument
}

// TransportError wraps a probe failure during open, reset, image load,
// exchange or close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// DeviceStatusError is a non-zero status returned by the firmware.
type DeviceStatusError struct {
	Command       wire.Command
	Status        wire.Status
	InternalError *uint32
}

func (e *DeviceStatusError) Error() string {
	if e.InternalError != nil {
		return fmt.Sprintf("%s: device status %s (internal error %d)", e.Command, e.Status, *e.InternalError)
	}
	return fmt.Sprintf("%s: device status %s", e.Command, e.Status)
}

// Is matches ErrDeviceStatus.
func (e *DeviceStatusError) Is(target error) bool {
	return target == ErrDeviceStatus
}

// ExternalSigningError reports a CSR signing failure. The device keeps
// its generated SMSN and keys; the run is safe to repeat.
type ExternalSigningError struct {
	// Signer names the signer implementation.
	Signer string

	// Reason is a short description of what failed.
	Reason string

	// Output holds the signer's diagnostic output, if any.
	Output string

	Err error
}

func (e *ExternalSigningError) Error() string {
	msg := fmt.Sprintf("%s signer: %s", e.Signer, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalSigningError) Unwrap() error {
	return e.Err
}

// Is matches ErrExternalSigning.
func (e *ExternalSigningError) Is(target error) bool {
	return target == ErrExternalSigning
}
