package provision

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/transport"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionClosed indicates the probe is released.
	SessionClosed SessionState = iota

	// SessionOpen indicates the probe is attached without RTT.
	SessionOpen

	// SessionRTTOpen indicates DPP exchanges are possible.
	SessionRTTOpen
)

// String returns the session state name.
func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "CLOSED"
	case SessionOpen:
		return "OPEN"
	case SessionRTTOpen:
		return "RTT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Observer is notified of every DPP exchange. Implemented by the metrics
// collector.
type Observer interface {
	ObserveCommand(cmd wire.Command, status wire.Status, elapsed time.Duration, err error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives DPP message events (optional).
	Capture *log.Recorder

	// Observer is told about each exchange (optional).
	Observer Observer
}

// Session runs DPP exchanges over a channel it owns exclusively between
// Open and Close.
type Session struct {
	ch       *transport.Channel
	logger   *slog.Logger
	capture  *log.Recorder
	observer Observer
	state    SessionState
}

// NewSession creates a closed session over ch.
func NewSession(ch *transport.Channel, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ch:       ch,
		logger:   logger,
		capture:  cfg.Capture,
		observer: cfg.Observer,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) setState(next SessionState, reason string) {
	prev := s.state
	s.state = next
	s.capture.Record(log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

// Open connects the probe and, if startRTT is set, starts the RTT channel.
func (s *Session) Open(ctx context.Context, startRTT bool) error {
	s.logger.Info("opening serial wire connection", "start_rtt", startRTT)
	if s.state != SessionClosed {
		return fmt.Errorf("%w: open in state %s", ErrSessionState, s.state)
	}
	if err := s.ch.Open(ctx); err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	s.setState(SessionOpen, "open")
	if !startRTT {
		return nil
	}
	if err := s.ch.StartRTT(ctx); err != nil {
		return &TransportError{Op: "start rtt", Err: err}
	}
	s.setState(SessionRTTOpen, "rtt start")
	return nil
}

// ResetAndHalt resets the target and leaves it halted for an image load.
func (s *Session) ResetAndHalt(ctx context.Context) error {
	s.logger.Info("resetting and halting target")
	if s.state == SessionClosed {
		return fmt.Errorf("%w: reset in state %s", ErrSessionState, s.state)
	}
	if err := s.ch.Reset(ctx, true); err != nil {
		return &TransportError{Op: "reset", Err: err}
	}
	return nil
}

// BurnImage writes img at ram, sets SP and PC to stack and restarts the
// core. An empty image is a no-op reporting false.
func (s *Session) BurnImage(ram, stack uint32, img []byte) (bool, error) {
	s.logger.Info("burning provisioning image", "addr", fmt.Sprintf("0x%08x", ram), "size", len(img))
	ok, written, err := s.ch.LoadImage(ram, stack, img)
	if err != nil {
		return false, &TransportError{Op: "load image", Err: err}
	}
	if ok {
		s.logger.Debug("image written", "bytes", written)
	}
	return ok, nil
}

// SendReceive sends one encoded frame and returns the response payload
// that follows the status word. A non-zero status is returned as a
// *DeviceStatusError.
func (s *Session) SendReceive(ctx context.Context, frame *wire.Frame) ([]byte, error) {
	start := time.Now()
	status, payload, err := s.exchange(ctx, frame)
	if s.observer != nil {
		s.observer.ObserveCommand(frame.Command, status, time.Since(start), err)
	}
	return payload, err
}

func (s *Session) exchange(ctx context.Context, frame *wire.Frame) (wire.Status, []byte, error) {
	if s.state != SessionRTTOpen {
		return 0, nil, fmt.Errorf("%w: exchange in state %s", ErrSessionState, s.state)
	}

	tx, err := frame.Encode()
	if err != nil {
		return 0, nil, err
	}
	if len(tx) >= transport.TxBufferSize {
		s.logger.Error("tx packet too big", "command", frame.Command, "size", len(tx), "limit", transport.TxBufferSize)
		return 0, nil, fmt.Errorf("%s: %w: %d >= %d", frame.Command, transport.ErrFrameTooLarge, len(tx), transport.TxBufferSize)
	}

	s.logger.Debug("tx", "command", frame.Command, "data", hex.EncodeToString(tx))
	s.capture.Record(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Type:     log.MessageTypeRequest,
			Command:  frame.Command,
			BodySize: len(frame.Body),
		},
	})

	start := time.Now()
	if _, err := s.ch.Send(ctx, tx); err != nil {
		return 0, nil, s.ioError("send", err)
	}
	rx, err := s.ch.Receive(ctx)
	if err != nil {
		return 0, nil, s.ioError("receive", err)
	}
	rtt := time.Since(start)
	s.logger.Debug("rx", "command", frame.Command, "data", hex.EncodeToString(rx))

	resp, err := wire.DecodeResponse(rx)
	if err != nil {
		return 0, nil, fmt.Errorf("%s response: %w", frame.Command, err)
	}
	s.capture.Record(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Type:          log.MessageTypeResponse,
			Command:       frame.Command,
			BodySize:      len(resp.Payload),
			Status:        &resp.Status,
			InternalError: resp.InternalError,
			RoundTrip:     &rtt,
		},
	})

	if !resp.OK() {
		derr := &DeviceStatusError{Command: frame.Command, Status: resp.Status, InternalError: resp.InternalError}
		if resp.InternalError != nil {
			s.logger.Error("wrong expected status", "command", frame.Command, "status", resp.Status, "internal_error", *resp.InternalError)
		} else {
			s.logger.Error("wrong expected status", "command", frame.Command, "status", resp.Status)
		}
		code := int(resp.Status)
		s.capture.Record(log.Event{
			Layer:    log.LayerSession,
			Category: log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerWire,
				Message: derr.Error(),
				Code:    &code,
				Context: frame.Command.String(),
			},
		})
		return resp.Status, nil, derr
	}
	s.logger.Info("status ok", "command", frame.Command)
	return resp.Status, resp.Payload, nil
}

// ioError classifies a channel failure. Context ends are returned as is.
func (s *Session) ioError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// SetSMSN tags later capture events with the device serial.
func (s *Session) SetSMSN(smsn []byte) {
	if s.capture != nil {
		s.capture.SMSN = hex.EncodeToString(smsn)
	}
}

// closeResetTimeout bounds the final reset of Close.
const closeResetTimeout = 5 * time.Second

// Close releases the probe. With stopRTT it first stops the RTT channel
// and resets the target without halting, so the device boots normally.
// The reset is sent even when ctx is already done.
func (s *Session) Close(ctx context.Context, stopRTT bool) error {
	s.logger.Info("closing serial wire connection", "stop_rtt", stopRTT)
	if s.state == SessionClosed {
		return nil
	}
	var errs []error
	if stopRTT {
		if err := s.ch.StopRTT(); err != nil {
			errs = append(errs, &TransportError{Op: "stop rtt", Err: err})
		}
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeResetTimeout)
		err := s.ch.Reset(resetCtx, false)
		cancel()
		if err != nil {
			errs = append(errs, &TransportError{Op: "reset", Err: err})
		}
	}
	if err := s.ch.Close(); err != nil {
		errs = append(errs, &TransportError{Op: "close", Err: err})
	}
	s.setState(SessionClosed, "close")
	return errors.Join(errs...)
}
