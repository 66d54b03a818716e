package cert

import (
	"fmt"
	"strings"
)

// Field sizes of the flat Sidewalk certificate encoding.
const (
	// SerialSize is the serial length of every authority certificate.
	SerialSize = 4

	// SMSNSize is the serial length of a device certificate (the SMSN).
	SMSNSize = 32

	// ED25519PublicKeySize is the raw Ed25519 public key length.
	ED25519PublicKeySize = 32

	// P256R1PublicKeySize is the uncompressed x||y length without prefix.
	P256R1PublicKeySize = 64

	// SignatureSize is the signature length for both curves (r||s for P-256).
	SignatureSize = 64
)

// Curve identifies the elliptic curve of a certificate chain.
// The numeric values are the curve offsets used in HSM object addressing.
type Curve uint8

const (
	CurveED25519 Curve = 0
	CurveP256R1  Curve = 1
)

// Curves lists every supported curve in provisioning order.
var Curves = []Curve{CurveED25519, CurveP256R1}

// String returns the curve name.
func (c Curve) String() string {
	switch c {
	case CurveED25519:
		return "ED25519"
	case CurveP256R1:
		return "P256R1"
	default:
		return fmt.Sprintf("CURVE(%d)", uint8(c))
	}
}

// Valid reports whether c is a supported curve.
func (c Curve) Valid() bool {
	return c == CurveED25519 || c == CurveP256R1
}

// PublicKeySize returns the raw public key length for the curve.
func (c Curve) PublicKeySize() int {
	if c == CurveP256R1 {
		return P256R1PublicKeySize
	}
	return ED25519PublicKeySize
}

// SignatureSize returns the raw signature length for the curve.
func (c Curve) SignatureSize() int {
	return SignatureSize
}

// AuthorityType is one tier of the trust chain. The numeric order is the
// signing order: each authority signs the next one.
type AuthorityType uint8

const (
	AuthorityAMZN AuthorityType = iota + 1
	AuthoritySidewalk
	AuthorityManu
	AuthorityProd
	AuthorityDAK
	AuthorityDevice
	// AuthorityModel replaces PROD and DAK on HSMs using the legacy 3-tier scheme.
	AuthorityModel
)

// LongChainTiers are the authorities of the 5-tier scheme, root first.
var LongChainTiers = []AuthorityType{
	AuthorityAMZN, AuthoritySidewalk, AuthorityManu, AuthorityProd, AuthorityDAK,
}

// LegacyTiers are the authorities of the legacy 3-tier scheme, root first.
var LegacyTiers = []AuthorityType{
	AuthorityAMZN, AuthorityManu, AuthorityModel,
}

// DeviceChainTiers is the full layout of a device chain on the wire.
var DeviceChainTiers = append(append([]AuthorityType{}, LongChainTiers...), AuthorityDevice)

// String returns the authority name.
func (a AuthorityType) String() string {
	switch a {
	case AuthorityAMZN:
		return "AMZN"
	case AuthoritySidewalk:
		return "SIDEWALK"
	case AuthorityManu:
		return "MANU"
	case AuthorityProd:
		return "PROD"
	case AuthorityDAK:
		return "DAK"
	case AuthorityDevice:
		return "DEVICE"
	case AuthorityModel:
		return "MODEL"
	default:
		return fmt.Sprintf("AUTHORITY(%d)", uint8(a))
	}
}

// SerialSize returns the serial length a certificate of this tier carries.
func (a AuthorityType) SerialSize() int {
	if a == AuthorityDevice {
		return SMSNSize
	}
	return SerialSize
}

// Stage is the deployment environment of a key and certificate set.
type Stage uint8

const (
	StageProd    Stage = 0
	StageTest    Stage = 1
	StagePreprod Stage = 2
)

// String returns the stage label used in SMSN derivation and output documents.
func (s Stage) String() string {
	switch s {
	case StageProd:
		return "PRODUCTION"
	case StageTest:
		return "TEST"
	case StagePreprod:
		return "PREPRODUCTION"
	default:
		return ""
	}
}

// Product tag prefixes that select the stage.
const (
	ProdTagPrefix    = "RNET_"
	PreprodTagPrefix = "PREPROD_"
	TestTagPrefix    = "TEST_"
)

// StageFromProductTag derives the stage from an HSM product tag.
// forceTest selects the test certificates for tags without a known prefix.
func StageFromProductTag(tag string, forceTest bool) (Stage, error) {
	switch {
	case strings.HasPrefix(tag, ProdTagPrefix):
		return StageProd, nil
	case strings.HasPrefix(tag, PreprodTagPrefix):
		return StagePreprod, nil
	case strings.HasPrefix(tag, TestTagPrefix) || forceTest:
		return StageTest, nil
	default:
		return 0, fmt.Errorf("unable to determine the stage from the product tag %q", tag)
	}
}
