package cert

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM      = errors.New("invalid PEM data")
	ErrInvalidKey      = errors.New("invalid private key")
	ErrKeyPairMismatch = errors.New("private key does not match public key")
)

// PrivateKey is a raw device private key with its raw public key.
type PrivateKey struct {
	Curve     Curve
	Private   []byte // 32-byte seed (Ed25519) or scalar (P256R1)
	PublicKey []byte
}

// DecodeKeyPEM decodes a PEM private key of the given curve. PKCS#8 blocks
// are accepted for both curves, SEC1 "EC PRIVATE KEY" blocks for P256R1.
func DecodeKeyPEM(data []byte, curve Curve) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var key any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected block %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	switch k := key.(type) {
	case ed25519.PrivateKey:
		if curve != CurveED25519 {
			return nil, fmt.Errorf("%w: Ed25519 key given for %s", ErrInvalidKey, curve)
		}
		return &PrivateKey{
			Curve:     CurveED25519,
			Private:   bytes.Clone(k.Seed()),
			PublicKey: bytes.Clone(k.Public().(ed25519.PublicKey)),
		}, nil

	case *ecdsa.PrivateKey:
		if curve != CurveP256R1 || k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: EC key given for %s", ErrInvalidKey, curve)
		}
		ek, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return &PrivateKey{
			Curve:     CurveP256R1,
			Private:   ek.Bytes(),
			PublicKey: ek.PublicKey().Bytes()[1:],
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, key)
	}
}

// ReadKeyFile reads a PEM private key from a file.
func ReadKeyFile(path string, curve Curve) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeKeyPEM(data, curve)
}

// EncodeKeyPEM encodes a raw private key as a PKCS#8 PEM block.
func EncodeKeyPEM(key *PrivateKey) ([]byte, error) {
	var priv any
	switch key.Curve {
	case CurveED25519:
		if len(key.Private) != ed25519.SeedSize {
			return nil, ErrInvalidKey
		}
		priv = ed25519.NewKeyFromSeed(key.Private)
	case CurveP256R1:
		ek, err := ecdh.P256().NewPrivateKey(key.Private)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, err := P256PublicKey(ek.PublicKey().Bytes()[1:])
		if err != nil {
			return nil, err
		}
		priv = &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(key.Private)}
	default:
		return nil, fmt.Errorf("unsupported curve %s", key.Curve)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// CheckKeyPair fails when publicKey is not the public half of key.
func CheckKeyPair(key *PrivateKey, publicKey []byte) error {
	if !bytes.Equal(key.PublicKey, publicKey) {
		return fmt.Errorf("%w (%s)", ErrKeyPairMismatch, key.Curve)
	}
	return nil
}

// PrivateKeyFromRaw derives the public key of a raw private key.
func PrivateKeyFromRaw(curve Curve, private []byte) (*PrivateKey, error) {
	switch curve {
	case CurveED25519:
		if len(private) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: Ed25519 seed of %d bytes", ErrInvalidKey, len(private))
		}
		pub := ed25519.NewKeyFromSeed(private).Public().(ed25519.PublicKey)
		return &PrivateKey{Curve: curve, Private: bytes.Clone(private), PublicKey: bytes.Clone(pub)}, nil
	case CurveP256R1:
		ek, err := ecdh.P256().NewPrivateKey(private)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return &PrivateKey{Curve: curve, Private: bytes.Clone(private), PublicKey: ek.PublicKey().Bytes()[1:]}, nil
	default:
		return nil, fmt.Errorf("unsupported curve %s", curve)
	}
}
