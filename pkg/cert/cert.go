// Package cert models Sidewalk certificate chains: the fixed-size
// certificates of each authority tier, signature verification between
// adjacent tiers and the flat byte encoding shared by the HSM, the signing
// tool output documents and the device provisioning protocol.
package cert

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrInvalidCertificate indicates a certificate field has the wrong size.
var ErrInvalidCertificate = errors.New("invalid certificate")

// Certificate is one link of a Sidewalk chain.
type Certificate struct {
	Type      AuthorityType
	Curve     Curve
	Serial    []byte
	PublicKey []byte
	Signature []byte
}

// NewCertificate builds a certificate after checking every field length
// against the curve and tier. The byte slices are copied.
func NewCertificate(typ AuthorityType, curve Curve, serial, publicKey, signature []byte) (*Certificate, error) {
	if !curve.Valid() {
		return nil, fmt.Errorf("%w: unsupported curve %s", ErrInvalidCertificate, curve)
	}
	if len(publicKey) != curve.PublicKeySize() || len(signature) != curve.SignatureSize() {
		return nil, fmt.Errorf("%w: invalid length of public key(%d) or signature(%d) of %s",
			ErrInvalidCertificate, len(publicKey), len(signature), curve)
	}
	if len(serial) != typ.SerialSize() {
		return nil, fmt.Errorf("%w: invalid length of %s serial: %d", ErrInvalidCertificate, typ, len(serial))
	}

	return &Certificate{
		Type:      typ,
		Curve:     curve,
		Serial:    bytes.Clone(serial),
		PublicKey: bytes.Clone(publicKey),
		Signature: bytes.Clone(signature),
	}, nil
}

// SignedData returns the bytes covered by the certificate's signature.
func (c *Certificate) SignedData() []byte {
	data := make([]byte, 0, len(c.PublicKey)+len(c.Serial))
	data = append(data, c.PublicKey...)
	return append(data, c.Serial...)
}

// Size returns the length of the certificate in the flat encoding.
func (c *Certificate) Size() int {
	return len(c.Serial) + len(c.PublicKey) + len(c.Signature)
}

// Equal reports whether two certificates carry identical fields.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Type == other.Type &&
		c.Curve == other.Curve &&
		bytes.Equal(c.Serial, other.Serial) &&
		bytes.Equal(c.PublicKey, other.PublicKey) &&
		bytes.Equal(c.Signature, other.Signature)
}

// String returns a short description for logs.
func (c *Certificate) String() string {
	return fmt.Sprintf("%s/%s serial=%x", c.Type, c.Curve, c.Serial)
}
