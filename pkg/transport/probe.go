package transport

import (
	"context"
	"errors"
)

// Register is a Cortex-M core register index.
type Register uint8

const (
	// RegSP is the stack pointer.
	RegSP Register = 13
	// RegPC is the program counter.
	RegPC Register = 15
)

// RTTChannel is the RTT up/down buffer index used for DPP traffic.
const RTTChannel = 0

// Probe errors.
var (
	// ErrProbeNotConnected indicates an operation on a disconnected probe.
	ErrProbeNotConnected = errors.New("probe not connected")

	// ErrRTTNotStarted indicates RTT I/O before StartRTT.
	ErrRTTNotStarted = errors.New("rtt not started")
)

// Probe is the debug probe capability the provisioning core depends on.
// Implemented by GDBProbe and by the device simulator.
type Probe interface {
	// Connect opens the probe and attaches to the target.
	Connect(ctx context.Context) error

	// Reset resets the target, leaving it halted if halt is true.
	Reset(ctx context.Context, halt bool) error

	// StartRTT starts the real-time transfer channel.
	StartRTT(ctx context.Context) error

	// StopRTT stops the real-time transfer channel.
	StopRTT() error

	// RTTWrite writes to an RTT down buffer and returns the bytes accepted,
	// which may be zero when the buffer is full.
	RTTWrite(channel int, data []byte) (int, error)

	// RTTRead reads at most max bytes from an RTT up buffer. It returns an
	// empty slice when nothing is available.
	RTTRead(channel int, max int) ([]byte, error)

	// WriteMemory writes data at addr and returns the bytes written.
	WriteMemory(addr uint32, data []byte) (int, error)

	// WriteRegister sets a core register.
	WriteRegister(reg Register, value uint32) error

	// Restart resumes execution from the current program counter.
	Restart() (bool, error)

	// Close releases the probe.
	Close() error
}

// Options identify the target and the probe to open.
type Options struct {
	// Device is the J-Link device name, e.g. EFR32MG24BxxxF1536.
	Device string

	// Serial selects a probe by serial number; empty uses the only one.
	Serial string
}
