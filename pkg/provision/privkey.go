package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// PrivateKeyMode writes a host-generated identity. Entries are sent in
// order: private keys are injected into the key store, every other object
// is written to NVM3.
type PrivateKeyMode struct {
	// Data is the dynamic data of the device, usually from
	// mfg.Certificates.DynamicData.
	Data mfg.Data

	// Logger receives progress output (default: slog.Default()).
	Logger *slog.Logger
}

// Name returns "priv-key".
func (m *PrivateKeyMode) Name() string {
	return "priv-key"
}

// CheckArguments validates that every entry can be turned into a frame.
func (m *PrivateKeyMode) CheckArguments() error {
	_, err := m.Frames()
	return err
}

// Frames builds the request of every entry, in order.
func (m *PrivateKeyMode) Frames() ([]*wire.Frame, error) {
	if len(m.Data) == 0 {
		return nil, &ArgumentError{Mode: m.Name(), Argument: "dynamic data"}
	}
	frames := make([]*wire.Frame, 0, len(m.Data))
	for _, e := range m.Data {
		f, err := m.frame(e)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (m *PrivateKeyMode) frame(e mfg.Entry) (*wire.Frame, error) {
	if !e.ID.Valid() {
		return nil, &ArgumentError{Mode: m.Name(), Argument: e.ID.String(), Reason: "is not a manufacturing object"}
	}
	value, err := e.Bytes()
	if err != nil {
		return nil, &ArgumentError{Mode: m.Name(), Argument: e.ID.String(), Reason: fmt.Sprintf("is not hex: %v", err)}
	}
	switch e.ID.Kind() {
	case mfg.KindPrivateKey:
		attrs, ok := e.ID.KeyAttributes()
		if !ok {
			return nil, &ArgumentError{Mode: m.Name(), Argument: e.ID.String(), Reason: "has no key attributes"}
		}
		return wire.NewInjectKey(attrs, value), nil
	case mfg.KindStoredValue:
		return wire.NewWriteNVM3(uint32(e.ID), value), nil
	default:
		return nil, &ArgumentError{Mode: m.Name(), Argument: e.ID.String(), Reason: "has an unknown kind"}
	}
}

// Run sends the frames in order.
func (m *PrivateKeyMode) Run(ctx context.Context, s *Session) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frames, err := m.Frames()
	if err != nil {
		return err
	}
	if e, ok := m.Data.Get(mfg.SMSN); ok {
		if smsn, err := e.Bytes(); err == nil {
			s.SetSMSN(smsn)
		}
	}
	for i, f := range frames {
		id := m.Data[i].ID
		if f.Command == wire.CmdInjectKey {
			logger.Debug("injecting into secure vault", "object", id)
		} else {
			logger.Debug("storing onto nvm3", "object", id)
		}
		if _, err := s.SendReceive(ctx, f); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ Mode = (*PrivateKeyMode)(nil)
