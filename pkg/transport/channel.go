package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// Buffer bounds of the provisioning firmware.
const (
	// TxBufferSize bounds a frame sent to the target; frames of this size
	// or larger are rejected.
	TxBufferSize = 1024

	// RxBufferSize bounds a single receive.
	RxBufferSize = 1024

	// DefaultPollInterval is the delay between empty RTT polls.
	DefaultPollInterval = time.Millisecond
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState int

const (
	// StateClosed indicates the probe is not connected.
	StateClosed ChannelState = iota

	// StateConnected indicates the probe is attached to the target.
	StateConnected

	// StateRTT indicates the RTT data channel is running.
	StateRTT
)

// String returns the channel state name.
func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnected:
		return "CONNECTED"
	case StateRTT:
		return "RTT"
	default:
		return "UNKNOWN"
	}
}

// Channel errors.
var (
	ErrChannelClosed   = errors.New("channel closed")
	ErrAlreadyOpen     = errors.New("channel already open")
	ErrRTTNotRunning   = errors.New("rtt channel not running")
	ErrTimeout         = errors.New("rtt timeout")
	ErrFrameTooLarge   = fmt.Errorf("%w: frame exceeds transmit buffer", wire.ErrProtocol)
	ErrImageNotWritten = errors.New("image not fully written")
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// PollInterval is the delay between polls that moved no data
	// (default: 1ms).
	PollInterval time.Duration

	// Timeout bounds a single Send or Receive (0 = no timeout).
	Timeout time.Duration

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives frame and state events (optional).
	Capture *log.Recorder
}

// Channel owns one probe for the lifetime of a provisioning session.
// Calls are serialized; a channel serves one session at a time.
type Channel struct {
	probe  Probe
	config ChannelConfig
	logger *slog.Logger

	mu    sync.Mutex
	state ChannelState
}

// NewChannel creates a closed channel over p.
func NewChannel(p Probe, config ChannelConfig) *Channel {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		probe:  p,
		config: config,
		logger: logger,
	}
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Probe returns the underlying probe.
func (c *Channel) Probe() Probe {
	return c.probe
}

func (c *Channel) setState(s ChannelState, reason string) {
	old := c.state
	c.state = s
	if old == s {
		return
	}
	c.logger.Debug("channel state", "old", old, "new", s, "reason", reason)
	c.config.Capture.Record(log.Event{
		Layer:    log.LayerProbe,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: old.String(),
			NewState: s.String(),
			Reason:   reason,
		},
	})
}

// Open connects the probe to the target.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		return ErrAlreadyOpen
	}
	if err := c.probe.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.setState(StateConnected, "connect")
	return nil
}

// StartRTT starts the RTT data channel.
func (c *Channel) StartRTT(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrChannelClosed
	case StateRTT:
		return nil
	}
	if err := c.probe.StartRTT(ctx); err != nil {
		return fmt.Errorf("start rtt: %w", err)
	}
	c.setState(StateRTT, "rtt start")
	return nil
}

// StopRTT stops the RTT data channel.
func (c *Channel) StopRTT() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRTT {
		return nil
	}
	if err := c.probe.StopRTT(); err != nil {
		return fmt.Errorf("stop rtt: %w", err)
	}
	c.setState(StateConnected, "rtt stop")
	return nil
}

// Reset resets the target, halting it if halt is true.
func (c *Channel) Reset(ctx context.Context, halt bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrChannelClosed
	}
	if err := c.probe.Reset(ctx, halt); err != nil {
		return fmt.Errorf("reset(halt=%t): %w", halt, err)
	}
	return nil
}

// LoadImage writes img at ram, points SP and PC at stack and restarts the
// core. An empty image is not written and reports false.
func (c *Channel) LoadImage(ram, stack uint32, img []byte) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(img) == 0 {
		return false, 0, nil
	}
	if c.state == StateClosed {
		return false, 0, ErrChannelClosed
	}

	written, err := c.probe.WriteMemory(ram, img)
	if err != nil {
		return false, written, fmt.Errorf("write memory 0x%08x: %w", ram, err)
	}
	if written != len(img) {
		return false, written, fmt.Errorf("%w: %d of %d bytes", ErrImageNotWritten, written, len(img))
	}
	if err := c.probe.WriteRegister(RegSP, stack); err != nil {
		return false, written, fmt.Errorf("write SP: %w", err)
	}
	if err := c.probe.WriteRegister(RegPC, stack); err != nil {
		return false, written, fmt.Errorf("write PC: %w", err)
	}
	ok, err := c.probe.Restart()
	if err != nil {
		return false, written, fmt.Errorf("restart: %w", err)
	}
	c.logger.Debug("image loaded", "ram", fmt.Sprintf("0x%08x", ram), "size", written, "restarted", ok)
	return ok, written, nil
}

// Send writes data to the RTT channel. Writes that are not accepted are
// retried after the poll interval until all bytes are taken, the context
// ends or the timeout elapses.
func (c *Channel) Send(ctx context.Context, data []byte) (int, error) {
	if len(data) >= TxBufferSize {
		return 0, fmt.Errorf("%w: %d >= %d", ErrFrameTooLarge, len(data), TxBufferSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRTT {
		return 0, ErrRTTNotRunning
	}

	deadline := c.deadline()
	sent := 0
	for sent < len(data) {
		n, err := c.probe.RTTWrite(RTTChannel, data[sent:])
		if err != nil {
			return sent, fmt.Errorf("rtt write: %w", err)
		}
		if n > 0 {
			sent += n
			continue
		}
		if err := c.wait(ctx, deadline); err != nil {
			return sent, err
		}
	}

	c.config.Capture.Record(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerProbe,
		Category:  log.CategoryMessage,
		Frame:     log.NewFrameEvent(data),
	})
	return sent, nil
}

// Receive returns the next non-empty read of at most RxBufferSize bytes,
// polling until data arrives, the context ends or the timeout elapses.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRTT {
		return nil, ErrRTTNotRunning
	}

	deadline := c.deadline()
	for {
		data, err := c.probe.RTTRead(RTTChannel, RxBufferSize)
		if err != nil {
			return nil, fmt.Errorf("rtt read: %w", err)
		}
		if len(data) > 0 {
			c.config.Capture.Record(log.Event{
				Direction: log.DirectionIn,
				Layer:     log.LayerProbe,
				Category:  log.CategoryMessage,
				Frame:     log.NewFrameEvent(data),
			})
			return data, nil
		}
		if err := c.wait(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// Close stops RTT if running and releases the probe. Closing a closed
// channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	var errs []error
	if c.state == StateRTT {
		if err := c.probe.StopRTT(); err != nil {
			errs = append(errs, fmt.Errorf("stop rtt: %w", err))
		}
	}
	if err := c.probe.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	c.setState(StateClosed, "close")
	return errors.Join(errs...)
}

func (c *Channel) deadline() time.Time {
	if c.config.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.config.Timeout)
}

func (c *Channel) wait(ctx context.Context, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.config.Timeout)
	}
	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
