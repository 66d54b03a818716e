package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/part"
	"github.com/sidewalk-mfg/sidprov-go/pkg/transport"
)

// Mode is one provisioning command sequence.
type Mode interface {
	// Name identifies the mode in logs and metrics.
	Name() string

	// CheckArguments validates the mode inputs without touching hardware.
	CheckArguments() error

	// Run performs the mode's exchanges on an RTT-open session.
	Run(ctx context.Context, s *Session) error
}

// RunObserver is notified when a provisioning run ends.
type RunObserver interface {
	ObserveRun(mode string, elapsed time.Duration, err error)
}

// Config configures a Provisioner.
type Config struct {
	// Image is the provisioning firmware loaded into RAM.
	Image []byte

	// RAMStart is where the image is loaded (default: part.RAMStart).
	RAMStart uint32

	// StackSize is reserved above RAMStart; SP and PC start at
	// RAMStart+StackSize (default: part.StackSize).
	StackSize uint32

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives protocol capture events (optional).
	Capture *log.Recorder

	// Observer is told about exchanges and completed runs (optional).
	Observer Metrics
}

// Metrics observes both exchanges and runs.
type Metrics interface {
	Observer
	RunObserver
}

// Provisioner executes modes against one target.
type Provisioner struct {
	channel *transport.Channel
	config  Config
	logger  *slog.Logger
}

// New creates a Provisioner driving ch.
func New(ch *transport.Channel, config Config) *Provisioner {
	if config.RAMStart == 0 {
		config.RAMStart = part.RAMStart
	}
	if config.StackSize == 0 {
		config.StackSize = part.StackSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{channel: ch, config: config, logger: logger}
}

func (p *Provisioner) newSession() *Session {
	cfg := SessionConfig{Logger: p.logger, Capture: p.config.Capture}
	if p.config.Observer != nil {
		cfg.Observer = p.config.Observer
	}
	return NewSession(p.channel, cfg)
}

// Execute checks the arguments, flashes the provisioning image, runs the
// mode with RTT open and closes the session, resetting the target.
func (p *Provisioner) Execute(ctx context.Context, mode Mode) (err error) {
	start := time.Now()
	defer func() {
		if p.config.Observer != nil {
			p.config.Observer.ObserveRun(mode.Name(), time.Since(start), err)
		}
		p.recordRun(mode.Name(), err)
	}()

	if len(p.config.Image) == 0 {
		return &ArgumentError{Mode: mode.Name(), Argument: "pdp image"}
	}
	if err := mode.CheckArguments(); err != nil {
		return err
	}
	p.config.Capture.Record(log.Event{
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntityRun, NewState: "STARTED", Reason: mode.Name()},
	})

	if err := p.flash(ctx); err != nil {
		return err
	}

	s := p.newSession()
	if err := s.Open(ctx, true); err != nil {
		return errors.Join(err, s.Close(ctx, false))
	}
	runErr := mode.Run(ctx, s)
	closeErr := s.Close(ctx, true)
	return errors.Join(runErr, closeErr)
}

// flash loads the provisioning image into RAM and starts it.
func (p *Provisioner) flash(ctx context.Context) error {
	s := p.newSession()
	if err := s.Open(ctx, false); err != nil {
		return errors.Join(err, s.Close(ctx, false))
	}
	if err := s.ResetAndHalt(ctx); err != nil {
		return errors.Join(err, s.Close(ctx, false))
	}
	stack := p.config.RAMStart + p.config.StackSize
	if _, err := s.BurnImage(p.config.RAMStart, stack, p.config.Image); err != nil {
		return errors.Join(err, s.Close(ctx, false))
	}
	return s.Close(ctx, false)
}

func (p *Provisioner) recordRun(mode string, err error) {
	ev := log.Event{
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntityRun, NewState: "COMPLETED", Reason: mode},
	}
	if err != nil {
		ev.StateChange.NewState = "FAILED"
		ev.StateChange.Reason = err.Error()
		p.logger.Error("provisioning failed", "mode", mode, "error", err)
	} else {
		p.logger.Info("provisioning done", "mode", mode)
	}
	p.config.Capture.Record(ev)
}
