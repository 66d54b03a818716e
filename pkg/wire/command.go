package wire

import (
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// Command is a DPP command id.
type Command uint16

const (
	// CmdWriteNVM3 stores a manufacturing object in NVM3.
	CmdWriteNVM3 Command = 0

	// CmdInjectKey imports a private key into the secure key store.
	CmdInjectKey Command = 1

	// CmdInit starts on-device certificate generation.
	CmdInit Command = 2

	// CmdGenSMSN derives the SMSN on the device.
	CmdGenSMSN Command = 3

	// CmdGenCSR generates a key pair and returns its CSR.
	CmdGenCSR Command = 4

	// CmdWriteCertChain hands a signed chain back to the device.
	CmdWriteCertChain Command = 5

	// CmdWriteAppSrvPubKey writes the application server public key.
	CmdWriteAppSrvPubKey Command = 6

	// CmdStore verifies and commits the generated identity.
	CmdStore Command = 7
)

// Commands lists every command in id order.
var Commands = []Command{
	CmdWriteNVM3, CmdInjectKey, CmdInit, CmdGenSMSN,
	CmdGenCSR, CmdWriteCertChain, CmdWriteAppSrvPubKey, CmdStore,
}

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdWriteNVM3:
		return "WriteNVM3"
	case CmdInjectKey:
		return "InjectKey"
	case CmdInit:
		return "Init"
	case CmdGenSMSN:
		return "GenSMSN"
	case CmdGenCSR:
		return "GenCSR"
	case CmdWriteCertChain:
		return "WriteCertChain"
	case CmdWriteAppSrvPubKey:
		return "WriteAppSrvPubKey"
	case CmdStore:
		return "Store"
	default:
		return fmt.Sprintf("Command(%d)", uint16(c))
	}
}

// IsValid returns true if c is a known command.
func (c Command) IsValid() bool {
	return c <= CmdStore
}

// Curve is the DPP curve id used by GenCSR and WriteCertChain.
type Curve uint8

const (
	CurveED25519 Curve = 1
	CurveP256R1  Curve = 2
)

// String returns the curve name.
func (c Curve) String() string {
	switch c {
	case CurveED25519:
		return "ED25519"
	case CurveP256R1:
		return "P256R1"
	default:
		return fmt.Sprintf("Curve(%d)", uint8(c))
	}
}

// CurveOf maps a certificate curve to its DPP id.
func CurveOf(c cert.Curve) Curve {
	if c == cert.CurveP256R1 {
		return CurveP256R1
	}
	return CurveED25519
}

// Cert maps a DPP curve id to the certificate curve.
func (c Curve) Cert() (cert.Curve, error) {
	switch c {
	case CurveED25519:
		return cert.CurveED25519, nil
	case CurveP256R1:
		return cert.CurveP256R1, nil
	default:
		return 0, fmt.Errorf("%w: curve id %d", ErrProtocol, uint8(c))
	}
}

// KeyAttributes are the PSA key attributes sent with InjectKey.
type KeyAttributes struct {
	Lifetime   uint32
	Location   uint32
	UsageFlags uint32
	Bits       uint32
	Algorithm  uint32
	Type       uint8
	KeyID      uint32
}
