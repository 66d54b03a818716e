package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid signing request")

// Request collects the inputs of one device signing run.
type Request struct {
	// ProductTag is the HSM label prefix of the signer; it selects the stage.
	ProductTag string

	// TestCert selects TEST certificates for tags without a stage prefix.
	TestCert bool

	// CSRs, both required unless the SMSN is generated and PEM keys are given.
	ED25519CSR []byte
	P256R1CSR  []byte

	// SMSNLen is the serial length inside CSRs. Zero means cert.SMSNSize.
	SMSNLen int

	// GenerateSMSN derives the SMSN from DeviceType, DSN and APID instead
	// of reading it from the CSRs.
	GenerateSMSN bool
	DeviceType   string
	DSN          string
	APID         string

	// Device private keys, either loaded from PEM (with public key) or raw.
	ED25519Key    *cert.PrivateKey
	P256R1Key     *cert.PrivateKey
	ED25519KeyRaw []byte
	P256R1KeyRaw  []byte

	// AppServerPublicKey is passed through to the output.
	AppServerPublicKey []byte

	// SkipVerify disables the CSR, key pair and chain checks.
	SkipVerify bool
}

// Job is a validated request ready for signing.
type Job struct {
	Stage              cert.Stage
	SMSN               []byte
	APID               string
	ED25519Public      []byte
	P256R1Public       []byte
	ED25519Private     []byte
	P256R1Private      []byte
	AppServerPublicKey []byte
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Resolve checks the argument combination, decodes the CSRs, checks the
// key pairs and derives the stage and SMSN.
func (r *Request) Resolve() (*Job, error) {
	smsnLen := r.SMSNLen
	if smsnLen == 0 {
		smsnLen = cert.SMSNSize
	}
	if smsnLen < 0 {
		return nil, invalid("smsn length must be greater than 0")
	}

	if r.GenerateSMSN {
		if smsnLen != cert.SMSNSize {
			return nil, invalid("smsn length not valid when generating smsn")
		}
		if r.DeviceType == "" || r.DSN == "" || r.APID == "" {
			return nil, invalid("needs device type, dsn and apid when generating smsn")
		}
	}
	if r.ED25519Key != nil && r.ED25519KeyRaw != nil {
		return nil, invalid("both ed25519 private key file and ed25519 private key provided")
	}
	if r.P256R1Key != nil && r.P256R1KeyRaw != nil {
		return nil, invalid("both p256r1 private key file and p256r1 private key provided")
	}
	if r.ED25519CSR == nil && (!r.GenerateSMSN || r.ED25519Key == nil) {
		return nil, invalid("public key for eddsa should be provided by CSR or ed25519 private key file")
	}
	if r.P256R1CSR == nil && (!r.GenerateSMSN || r.P256R1Key == nil) {
		return nil, invalid("public key for ecdsa should be provided by CSR or p256r1 private key file")
	}
	if (r.ED25519CSR == nil) != (r.P256R1CSR == nil) {
		return nil, invalid("both of CSRs should be provided")
	}

	stage, err := cert.StageFromProductTag(r.ProductTag, r.TestCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	job := &Job{Stage: stage, APID: r.APID, AppServerPublicKey: r.AppServerPublicKey}
	csrSMSNLen := smsnLen
	if r.GenerateSMSN {
		csrSMSNLen = 0
	}

	edCSR, err := r.resolveCurve(cert.CurveED25519, r.ED25519Key, r.ED25519KeyRaw, r.ED25519CSR, csrSMSNLen,
		&job.ED25519Public, &job.ED25519Private)
	if err != nil {
		return nil, err
	}
	pCSR, err := r.resolveCurve(cert.CurveP256R1, r.P256R1Key, r.P256R1KeyRaw, r.P256R1CSR, csrSMSNLen,
		&job.P256R1Public, &job.P256R1Private)
	if err != nil {
		return nil, err
	}

	if r.GenerateSMSN {
		job.SMSN = GenerateSMSN(stage, r.DeviceType, r.APID, r.DSN)
	} else {
		if !bytes.Equal(edCSR.SMSN, pCSR.SMSN) {
			return nil, fmt.Errorf("%w: serials in both CSRs do not match", ErrCSRMismatch)
		}
		if edCSR.Signed() != pCSR.Signed() {
			return nil, fmt.Errorf("%w: only one of the CSRs has the signature", ErrCSRMismatch)
		}
		job.SMSN = edCSR.SMSN
	}
	return job, nil
}

// resolveCurve fills the public and private key of one curve.
func (r *Request) resolveCurve(curve cert.Curve, key *cert.PrivateKey, raw, csrData []byte, smsnLen int, pub, priv *[]byte) (*CSR, error) {
	if key != nil {
		*pub, *priv = key.PublicKey, key.Private
	} else if raw != nil {
		*priv = raw
	}

	var csr *CSR
	if csrData != nil {
		var err error
		csr, err = DecodeCSR(csrData, smsnLen, curve, !r.SkipVerify)
		if err != nil {
			return nil, err
		}
		if *pub != nil && !bytes.Equal(*pub, csr.PublicKey) {
			return nil, fmt.Errorf("%w: public keys of %s in CSR and PEM file do not match", cert.ErrKeyPairMismatch, curve)
		}
		*pub = csr.PublicKey
	}

	if !r.SkipVerify && *priv != nil {
		derived, err := cert.PrivateKeyFromRaw(curve, *priv)
		if err != nil {
			return nil, err
		}
		if err := cert.CheckKeyPair(derived, *pub); err != nil {
			return nil, err
		}
	}
	return csr, nil
}

// Result is the output of a signing run.
type Result struct {
	Stage              cert.Stage
	SMSN               []byte
	APID               string
	ED25519Chain       []byte
	P256R1Chain        []byte
	ED25519Private     []byte
	P256R1Private      []byte
	AppServerPublicKey []byte
}

// Issue generates the chains of both curves for a resolved job.
func (s *Signer) Issue(ctx context.Context, job *Job) (*Result, error) {
	if job.Stage != s.stage {
		return nil, fmt.Errorf("%w: job for %s on a %s signer", ErrInvalidRequest, job.Stage, s.stage)
	}
	ed, err := s.GenerateChain(ctx, cert.CurveED25519, job.ED25519Public, job.SMSN)
	if err != nil {
		return nil, err
	}
	p, err := s.GenerateChain(ctx, cert.CurveP256R1, job.P256R1Public, job.SMSN)
	if err != nil {
		return nil, err
	}
	return &Result{
		Stage:              job.Stage,
		SMSN:               job.SMSN,
		APID:               job.APID,
		ED25519Chain:       ed,
		P256R1Chain:        p,
		ED25519Private:     job.ED25519Private,
		P256R1Private:      job.P256R1Private,
		AppServerPublicKey: job.AppServerPublicKey,
	}, nil
}
