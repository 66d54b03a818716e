package provision

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// OnDeviceCertGenMode lets the device generate its identity. The device
// derives the SMSN and both key pairs, the CSRs are signed by Signer and
// the chains are written back before the device commits everything.
type OnDeviceCertGenMode struct {
	DeviceType string
	DSN        string
	APID       string

	// BoardID is mixed into the SMSN when set.
	BoardID string

	// AppServerPublicKey is the hex encoded application server key.
	AppServerPublicKey string

	// Signer signs the device CSRs.
	Signer CSRSigner

	// Logger receives progress output (default: slog.Default()).
	Logger *slog.Logger

	// SMSN holds the device serial after a run reached GenSMSN.
	SMSN []byte
}

// Name returns "on-dev-cert-gen".
func (m *OnDeviceCertGenMode) Name() string {
	return "on-dev-cert-gen"
}

// CheckArguments validates the inputs.
func (m *OnDeviceCertGenMode) CheckArguments() error {
	required := []struct {
		name, value string
	}{
		{"dev_type", m.DeviceType},
		{"dsn", m.DSN},
		{"apid", m.APID},
		{"app_srv_pub_key", m.AppServerPublicKey},
	}
	for _, r := range required {
		if r.value == "" {
			return &ArgumentError{Mode: m.Name(), Argument: r.name}
		}
	}
	if _, err := hex.DecodeString(m.AppServerPublicKey); err != nil {
		return &ArgumentError{Mode: m.Name(), Argument: "app_srv_pub_key", Reason: "is not hex"}
	}
	if m.Signer == nil {
		return &ArgumentError{Mode: m.Name(), Argument: "signer"}
	}
	return nil
}

// Run performs Init, GenSMSN, GenCSR for both curves, signing,
// WriteCertChain for both curves, WriteAppSrvPubKey and Store. A signing
// failure aborts before any chain is written.
func (m *OnDeviceCertGenMode) Run(ctx context.Context, s *Session) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("initializing on-device certificate generation")
	if _, err := s.SendReceive(ctx, wire.NewInit()); err != nil {
		return err
	}

	logger.Debug("generating smsn")
	payload, err := s.SendReceive(ctx, wire.NewGenSMSN(wire.SMSNRequest{
		DeviceType: m.DeviceType,
		DSN:        m.DSN,
		APID:       m.APID,
		BoardID:    m.BoardID,
	}))
	if err != nil {
		return err
	}
	smsn, err := wire.ParseLengthPrefixed(payload)
	if err != nil {
		return fmt.Errorf("smsn: %w", err)
	}
	m.SMSN = smsn
	s.SetSMSN(smsn)
	logger.Debug("smsn generated", "len", len(smsn), "smsn", hex.EncodeToString(smsn))

	edCSR, err := m.generateCSR(ctx, s, logger, wire.CurveED25519)
	if err != nil {
		return err
	}
	pCSR, err := m.generateCSR(ctx, s, logger, wire.CurveP256R1)
	if err != nil {
		return err
	}

	logger.Debug("signing csrs")
	chains, err := m.Signer.SignCSRs(ctx, CSRRequest{
		ED25519: edCSR,
		P256R1:  pCSR,
		APID:    m.APID,
		SMSN:    smsn,
	})
	if err != nil {
		return err
	}

	for _, c := range []struct {
		curve wire.Curve
		chain []byte
	}{
		{wire.CurveED25519, chains.ED25519},
		{wire.CurveP256R1, chains.P256R1},
	} {
		logger.Debug("writing certificate chain", "curve", c.curve, "len", len(c.chain))
		if _, err := s.SendReceive(ctx, wire.NewWriteCertChain(c.curve, c.chain)); err != nil {
			return err
		}
	}

	key, _ := hex.DecodeString(m.AppServerPublicKey)
	logger.Debug("writing application server public key", "len", len(key))
	if _, err := s.SendReceive(ctx, wire.NewWriteAppSrvPubKey(key)); err != nil {
		return err
	}

	logger.Debug("finalizing on-device certificate generation")
	_, err = s.SendReceive(ctx, wire.NewStore())
	return err
}

func (m *OnDeviceCertGenMode) generateCSR(ctx context.Context, s *Session, logger *slog.Logger, curve wire.Curve) ([]byte, error) {
	logger.Debug("generating csr", "curve", curve)
	payload, err := s.SendReceive(ctx, wire.NewGenCSR(curve))
	if err != nil {
		return nil, err
	}
	csr, err := wire.ParseLengthPrefixed(payload)
	if err != nil {
		return nil, fmt.Errorf("%s csr: %w", curve, err)
	}
	logger.Debug("csr generated", "curve", curve, "len", len(csr))
	return csr, nil
}

// Compile-time interface satisfaction check.
var _ Mode = (*OnDeviceCertGenMode)(nil)
