package cert

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// Verification errors.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrCurveMismatch    = errors.New("curve mismatch")
)

// VerifySignature checks a raw signature over data with a raw public key.
// Ed25519 keys and signatures are used as-is. P256R1 keys are x||y and
// signatures r||s, both big-endian, over the SHA-256 digest of data.
func VerifySignature(curve Curve, publicKey, signature, data []byte) error {
	if len(publicKey) != curve.PublicKeySize() {
		return fmt.Errorf("%w: %s key of %d bytes", ErrInvalidPublicKey, curve, len(publicKey))
	}
	if len(signature) != curve.SignatureSize() {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(signature))
	}

	switch curve {
	case CurveED25519:
		if !ed25519.Verify(ed25519.PublicKey(publicKey), data, signature) {
			return ErrInvalidSignature
		}
		return nil

	case CurveP256R1:
		pub, err := P256PublicKey(publicKey)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(data)
		r := new(big.Int).SetBytes(signature[:32])
		s := new(big.Int).SetBytes(signature[32:])
		if !ecdsa.Verify(pub, digest[:], r, s) {
			return ErrInvalidSignature
		}
		return nil

	default:
		return fmt.Errorf("unsupported curve %s", curve)
	}
}

// P256PublicKey converts a raw x||y public key into an ECDSA public key.
func P256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != P256R1PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(raw))
	}
	x := new(big.Int).SetBytes(raw[:32])
	y := new(big.Int).SetBytes(raw[32:])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point not on P-256", ErrInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// RawP256PublicKey encodes an ECDSA P-256 public key as x||y.
func RawP256PublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, P256R1PublicKeySize)
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out
}

// Verify checks that issuer's public key verifies subject's signature over
// subject's public key followed by its serial.
func Verify(issuer, subject *Certificate) error {
	if issuer.Curve != subject.Curve {
		return fmt.Errorf("%w: %s issuer, %s subject", ErrCurveMismatch, issuer.Curve, subject.Curve)
	}
	return VerifySignature(issuer.Curve, issuer.PublicKey, subject.Signature, subject.SignedData())
}
