// Package devsim simulates a target running the provisioning firmware
// behind a debug probe. It implements transport.Probe and executes DPP
// frames against an in-memory NVM3 store and key store, generating real
// key pairs for on-device certificate generation.
package devsim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/transport"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// ErrNotRunning is returned when memory or registers are written while
// the core runs.
var ErrNotRunning = errors.New("core is running")

// Internal error codes reported alongside failure statuses.
const (
	InternalInvalidState uint32 = 1
	InternalInvalidArgs  uint32 = 2
	InternalVerifyFailed uint32 = 3
	InternalInjected     uint32 = 0xFE
)

// KeySlot is a private key imported with InjectKey.
type KeySlot struct {
	Attributes wire.KeyAttributes
	Key        []byte
}

// Fault makes the next execution of a command fail.
type Fault struct {
	Status wire.Status

	// InternalError is appended to the response when set.
	InternalError *uint32
}

// Config configures a Device.
type Config struct {
	// Serial is reported as the probe serial.
	Serial string

	// WriteStalls is the number of RTT writes refused before each accepted
	// write.
	WriteStalls int

	// ReadStalls is the number of empty RTT reads before each response.
	ReadStalls int

	// Logger receives simulator traces (default: slog.Default()).
	Logger *slog.Logger
}

// Device is a simulated EFR32 target.
type Device struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	rtt       bool
	halted    bool
	running   bool
	firmware  bool
	image     []byte
	imageAddr uint32
	registers map[transport.Register]uint32

	in          []byte
	out         [][]byte
	writeStalls int
	readStalls  int

	frames []*wire.Frame
	faults map[wire.Command][]Fault

	nvm3 mfg.Data
	keys map[uint32]KeySlot
	odc  *onDevice
}

// New creates a powered, unconnected device.
func New(config Config) *Device {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		config:    config,
		logger:    logger,
		registers: make(map[transport.Register]uint32),
		faults:    make(map[wire.Command][]Fault),
		keys:      make(map[uint32]KeySlot),
	}
}

// Connect attaches the simulated probe.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

// Reset resets the core. The provisioning firmware stops; without halt
// the core boots the application.
func (d *Device) Reset(ctx context.Context, halt bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return transport.ErrProbeNotConnected
	}
	d.halted = halt
	d.running = !halt
	d.firmware = false
	d.odc = nil
	d.in, d.out = nil, nil
	return nil
}

// StartRTT starts the RTT channel.
func (d *Device) StartRTT(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return transport.ErrProbeNotConnected
	}
	d.rtt = true
	return nil
}

// StopRTT stops the RTT channel.
func (d *Device) StopRTT() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtt = false
	return nil
}

// RTTWrite feeds bytes to the firmware. Complete frames are executed
// immediately when the provisioning firmware runs.
func (d *Device) RTTWrite(channel int, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rtt {
		return 0, transport.ErrRTTNotStarted
	}
	if d.writeStalls < d.config.WriteStalls {
		d.writeStalls++
		return 0, nil
	}
	d.writeStalls = 0
	if !d.firmware {
		// Nothing listens on the channel.
		return len(data), nil
	}
	d.in = append(d.in, data...)
	d.drain()
	return len(data), nil
}

// RTTRead returns the next queued response, at most max bytes of it.
func (d *Device) RTTRead(channel int, max int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rtt {
		return nil, transport.ErrRTTNotStarted
	}
	if len(d.out) == 0 {
		return []byte{}, nil
	}
	if d.readStalls < d.config.ReadStalls {
		d.readStalls++
		return []byte{}, nil
	}
	d.readStalls = 0
	resp := d.out[0]
	if len(resp) > max {
		d.out[0] = resp[max:]
		return resp[:max], nil
	}
	d.out = d.out[1:]
	return resp, nil
}

// WriteMemory stores an image in RAM.
func (d *Device) WriteMemory(addr uint32, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return 0, transport.ErrProbeNotConnected
	}
	if d.running {
		return 0, ErrNotRunning
	}
	d.image = bytes.Clone(data)
	d.imageAddr = addr
	return len(data), nil
}

// WriteRegister sets a core register of the halted core.
func (d *Device) WriteRegister(reg transport.Register, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return transport.ErrProbeNotConnected
	}
	if d.running {
		return ErrNotRunning
	}
	d.registers[reg] = value
	return nil
}

// Restart resumes the core. The provisioning firmware starts when an
// image is loaded and PC points just above it at the stack top.
func (d *Device) Restart() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return false, transport.ErrProbeNotConnected
	}
	d.running = true
	d.halted = false
	pc := d.registers[transport.RegPC]
	d.firmware = len(d.image) > 0 && pc > d.imageAddr && pc == d.registers[transport.RegSP]
	d.logger.Debug("devsim restart", "firmware", d.firmware, "pc", fmt.Sprintf("0x%08x", pc))
	return true, nil
}

// Close detaches the probe.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.rtt = false
	return nil
}

// Serial returns the configured probe serial.
func (d *Device) Serial() string {
	return d.config.Serial
}

// Fail queues a fault for the next execution of cmd.
func (d *Device) Fail(cmd wire.Command, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[cmd] = append(d.faults[cmd], f)
}

// Frames returns the requests executed so far.
func (d *Device) Frames() []*wire.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*wire.Frame{}, d.frames...)
}

// NVM3 returns the objects written to NVM3, in write order.
func (d *Device) NVM3() mfg.Data {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(mfg.Data{}, d.nvm3...)
}

// Key returns the key imported under a PSA key id.
func (d *Device) Key(id uint32) (KeySlot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[id]
	return k, ok
}

// FirmwareRunning reports whether the provisioning firmware executes.
func (d *Device) FirmwareRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Halted reports whether the core is halted.
func (d *Device) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// drain executes every complete frame in the input buffer.
func (d *Device) drain() {
	for len(d.in) >= wire.HeaderSize {
		n := wire.HeaderSize + int(binary.LittleEndian.Uint16(d.in[2:4]))
		if len(d.in) < n {
			return
		}
		raw := d.in[:n]
		d.in = d.in[n:]
		d.out = append(d.out, wire.EncodeResponse(d.execute(raw)))
	}
}

func (d *Device) execute(raw []byte) *wire.Response {
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownCommand) {
			return &wire.Response{Status: wire.StatusErrCmdUnknown}
		}
		return &wire.Response{Status: wire.StatusErrPktLenTooSmall}
	}
	d.frames = append(d.frames, f)

	if q := d.faults[f.Command]; len(q) > 0 {
		d.faults[f.Command] = q[1:]
		return &wire.Response{Status: q[0].Status, InternalError: q[0].InternalError}
	}

	switch f.Command {
	case wire.CmdWriteNVM3:
		return d.writeNVM3(f)
	case wire.CmdInjectKey:
		return d.injectKey(f)
	default:
		return d.onDeviceCommand(f)
	}
}

func (d *Device) writeNVM3(f *wire.Frame) *wire.Response {
	key, data, err := wire.ParseWriteNVM3(f)
	if err != nil {
		return &wire.Response{Status: wire.StatusErrInArgsNotValid}
	}
	d.nvm3.Set(mfg.ObjectID(key), data)
	return &wire.Response{Status: wire.StatusSuccess}
}

func (d *Device) injectKey(f *wire.Frame) *wire.Response {
	attrs, key, err := wire.ParseInjectKey(f)
	if err != nil {
		return &wire.Response{Status: wire.StatusErrInArgsNotValid}
	}
	if len(key) == 0 {
		ie := InternalInvalidArgs
		return &wire.Response{Status: wire.StatusErrPSAImportKey, InternalError: &ie}
	}
	d.keys[attrs.KeyID] = KeySlot{Attributes: attrs, Key: bytes.Clone(key)}
	return &wire.Response{Status: wire.StatusSuccess}
}

func failure(status wire.Status, code uint32) *wire.Response {
	return &wire.Response{Status: status, InternalError: &code}
}

// Compile-time interface satisfaction check.
var _ transport.Probe = (*Device)(nil)
