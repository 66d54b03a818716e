// Package signer issues Sidewalk device certificate chains: it pulls the
// authority chain from a certificate store, signs the device leaf with
// the store's signer key and validates the complete chain before it is
// released.
package signer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// CertStore is the HSM view a Signer needs. *hsm.Store implements it.
type CertStore interface {
	Sign(ctx context.Context, curve cert.Curve, stage cert.Stage, data []byte) ([]byte, error)
	CertificateChain(ctx context.Context, stage cert.Stage, curve cert.Curve) (cert.Chain, error)
}

// Signer generates device chains for one stage.
type Signer struct {
	store  CertStore
	stage  cert.Stage
	verify bool
	logger *slog.Logger
}

// Config configures a Signer.
type Config struct {
	// Stage selects the authority certificates and signer key.
	Stage cert.Stage

	// SkipVerify disables chain validation. Only for diagnosing broken HSM
	// content; chains issued this way must not reach a device.
	SkipVerify bool

	// Logger for progress output (optional).
	Logger *slog.Logger
}

// New creates a Signer over store.
func New(store CertStore, cfg Config) *Signer {
	s := &Signer{store: store, stage: cfg.Stage, verify: !cfg.SkipVerify, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Stage returns the stage the signer issues chains for.
func (s *Signer) Stage() cert.Stage {
	return s.stage
}

// GenerateChain signs a DEVICE certificate for devicePub and smsn, appends
// it to the authority chain, validates the result and returns the flat
// chain encoding. A broken link anywhere aborts issuance.
func (s *Signer) GenerateChain(ctx context.Context, curve cert.Curve, devicePub, smsn []byte) ([]byte, error) {
	chain, err := s.Chain(ctx, curve, devicePub, smsn)
	if err != nil {
		return nil, err
	}
	return chain.Raw(), nil
}

// Chain is GenerateChain returning the decoded chain.
func (s *Signer) Chain(ctx context.Context, curve cert.Curve, devicePub, smsn []byte) (cert.Chain, error) {
	s.logger.Info("pulling the chain from HSM", "curve", curve, "stage", s.stage)
	chain, err := s.store.CertificateChain(ctx, s.stage, curve)
	if err != nil {
		return nil, fmt.Errorf("unable to get the %s cert chain for %s: %w", s.stage, curve, err)
	}

	s.logger.Info("signing the device cert", "curve", curve)
	data := make([]byte, 0, len(devicePub)+len(smsn))
	data = append(data, devicePub...)
	data = append(data, smsn...)
	sig, err := s.store.Sign(ctx, curve, s.stage, data)
	if err != nil {
		return nil, fmt.Errorf("signing %s device cert: %w", curve, err)
	}

	device, err := cert.NewCertificate(cert.AuthorityDevice, curve, smsn, devicePub, sig)
	if err != nil {
		return nil, err
	}
	chain.Append(device)

	if s.verify {
		if err := chain.Validate(); err != nil {
			return nil, err
		}
	}
	return chain, nil
}
