package signer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// CSR errors.
var (
	ErrInvalidCSR   = errors.New("invalid CSR")
	ErrCSRSignature = errors.New("invalid CSR signature")
	ErrCSRMismatch  = errors.New("CSRs do not match")
)

// CSR is a decoded certificate signing request: the device public key,
// the SMSN and an optional self-signature over publicKey||smsn.
type CSR struct {
	Curve     cert.Curve
	PublicKey []byte
	SMSN      []byte
	Signature []byte
}

// Signed reports whether the CSR carries a self-signature.
func (c *CSR) Signed() bool {
	return len(c.Signature) > 0
}

// DecodeCSR splits a raw CSR. A CSR of exactly publicKey+smsnLen bytes has
// no signature; any other length must also include a full signature. With
// verify set, a present signature is checked against the CSR's own key.
func DecodeCSR(csr []byte, smsnLen int, curve cert.Curve, verify bool) (*CSR, error) {
	if !curve.Valid() {
		return nil, fmt.Errorf("%w: unsupported curve %s", ErrInvalidCSR, curve)
	}
	pubLen := curve.PublicKeySize()
	sigLen := curve.SignatureSize()
	if len(csr) == pubLen+smsnLen {
		sigLen = 0
	}
	if len(csr) != pubLen+smsnLen+sigLen {
		return nil, fmt.Errorf("%w: invalid length of CSR for curve=%s, got %d", ErrInvalidCSR, curve, len(csr))
	}

	out := &CSR{
		Curve:     curve,
		PublicKey: bytes.Clone(csr[:pubLen]),
		SMSN:      bytes.Clone(csr[pubLen : pubLen+smsnLen]),
		Signature: bytes.Clone(csr[pubLen+smsnLen:]),
	}

	if verify && out.Signed() {
		data := append(bytes.Clone(out.PublicKey), out.SMSN...)
		if err := cert.VerifySignature(curve, out.PublicKey, out.Signature, data); err != nil {
			return nil, fmt.Errorf("%w (%s): %v", ErrCSRSignature, curve, err)
		}
	}
	return out, nil
}

// GenerateSMSN derives the SMSN as SHA-256 over
// deviceType + "-" + STAGE + dsn + apid.
func GenerateSMSN(stage cert.Stage, deviceType, apid, dsn string) []byte {
	sum := sha256.Sum256([]byte(deviceType + "-" + stage.String() + dsn + apid))
	return sum[:]
}
