package cert

import (
	"errors"
	"fmt"
)

// Chain errors.
var (
	ErrEmptyChain      = errors.New("certificate chain is empty")
	ErrChainValidation = errors.New("certificate chain validation failed")
	ErrChainTooLong    = errors.New("chain is longer than expected")
	ErrChainTruncated  = errors.New("chain is shorter than expected")
)

// ChainValidationError reports the broken link of a chain.
type ChainValidationError struct {
	Issuer  AuthorityType
	Subject AuthorityType
	Curve   Curve
	Err     error
}

func (e *ChainValidationError) Error() string {
	return fmt.Sprintf("%s cannot verify %s in the chain of %s: %v", e.Issuer, e.Subject, e.Curve, e.Err)
}

// Is makes errors.Is(err, ErrChainValidation) hold.
func (e *ChainValidationError) Is(target error) bool {
	return target == ErrChainValidation
}

func (e *ChainValidationError) Unwrap() error {
	return e.Err
}

// Chain is an ordered certificate chain from the root authority to the
// leaf. Insertion order is trust order.
type Chain []*Certificate

// Append adds a certificate at the leaf end.
func (c *Chain) Append(cert *Certificate) {
	*c = append(*c, cert)
}

// Leaf returns the last certificate, or nil for an empty chain.
func (c Chain) Leaf() *Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// Validate checks every signature link. The root must verify its own
// signature and each certificate must be verified by its predecessor.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return ErrEmptyChain
	}
	for i, subject := range c {
		issuer := c[0]
		if i > 0 {
			issuer = c[i-1]
		}
		if err := Verify(issuer, subject); err != nil {
			return &ChainValidationError{
				Issuer:  issuer.Type,
				Subject: subject.Type,
				Curve:   subject.Curve,
				Err:     err,
			}
		}
	}
	return nil
}

// Raw serializes the chain leaf first as serial||publicKey||signature per
// certificate.
func (c Chain) Raw() []byte {
	size := 0
	for _, cert := range c {
		size += cert.Size()
	}
	raw := make([]byte, 0, size)
	for i := len(c) - 1; i >= 0; i-- {
		raw = append(raw, c[i].Serial...)
		raw = append(raw, c[i].PublicKey...)
		raw = append(raw, c[i].Signature...)
	}
	return raw
}

// RawSize returns the flat encoding length of a chain with the given tiers.
func RawSize(curve Curve, tiers []AuthorityType) int {
	size := 0
	for _, t := range tiers {
		size += t.SerialSize() + curve.PublicKeySize() + curve.SignatureSize()
	}
	return size
}

// ParseChain decodes a full device chain (AMZN through DEVICE) from its
// flat encoding. It is the exact inverse of Raw.
func ParseChain(data []byte, curve Curve) (Chain, error) {
	return ParseChainTiers(data, curve, DeviceChainTiers)
}

// ParseChainTiers decodes a flat chain made of the given tiers (root
// first). Fields are consumed leaf first; trailing bytes are an error.
func ParseChainTiers(data []byte, curve Curve, tiers []AuthorityType) (Chain, error) {
	if !curve.Valid() {
		return nil, fmt.Errorf("unsupported curve %s", curve)
	}
	chain := make(Chain, len(tiers))
	for i := len(tiers) - 1; i >= 0; i-- {
		typ := tiers[i]
		need := typ.SerialSize() + curve.PublicKeySize() + curve.SignatureSize()
		if len(data) < need {
			return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrChainTruncated, typ, need, len(data))
		}

		serial, rest := data[:typ.SerialSize()], data[typ.SerialSize():]
		pub, rest := rest[:curve.PublicKeySize()], rest[curve.PublicKeySize():]
		sig, rest := rest[:curve.SignatureSize()], rest[curve.SignatureSize():]
		data = rest

		cert, err := NewCertificate(typ, curve, serial, pub, sig)
		if err != nil {
			return nil, err
		}
		chain[i] = cert
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrChainTooLong, len(data))
	}
	return chain, nil
}

// Find returns the certificate of the given tier, or nil.
func (c Chain) Find(typ AuthorityType) *Certificate {
	for _, cert := range c {
		if cert.Type == typ {
			return cert
		}
	}
	return nil
}
