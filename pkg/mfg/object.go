// Package mfg models the manufacturing store: the object ids shared by
// the HSM tooling and the device NVM3, the PSA attributes of injected
// private keys, and the flattening of certificate documents into the
// ordered object data consumed by provisioning.
package mfg

import (
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// NVM3KeyBase is the first NVM3 key of the manufacturing objects.
const NVM3KeyBase = 0xA9000

// ObjectID is a manufacturing object id (an NVM3 key).
type ObjectID uint32

const (
	SMSN                       ObjectID = NVM3KeyBase + 0x04
	AppPubED25519              ObjectID = NVM3KeyBase + 0x05
	DevicePrivED25519          ObjectID = NVM3KeyBase + 0x06
	DevicePubED25519           ObjectID = NVM3KeyBase + 0x07
	DevicePubED25519Signature  ObjectID = NVM3KeyBase + 0x08
	DevicePrivP256R1           ObjectID = NVM3KeyBase + 0x09
	DevicePubP256R1            ObjectID = NVM3KeyBase + 0x0A
	DevicePubP256R1Signature   ObjectID = NVM3KeyBase + 0x0B
	DAKPubED25519              ObjectID = NVM3KeyBase + 0x0C
	DAKPubED25519Signature     ObjectID = NVM3KeyBase + 0x0D
	DAKED25519Serial           ObjectID = NVM3KeyBase + 0x0E
	DAKPubP256R1               ObjectID = NVM3KeyBase + 0x0F
	DAKPubP256R1Signature      ObjectID = NVM3KeyBase + 0x10
	DAKP256R1Serial            ObjectID = NVM3KeyBase + 0x11
	ProductPubED25519          ObjectID = NVM3KeyBase + 0x12
	ProductPubED25519Signature ObjectID = NVM3KeyBase + 0x13
	ProductED25519Serial       ObjectID = NVM3KeyBase + 0x14
	ProductPubP256R1           ObjectID = NVM3KeyBase + 0x15
	ProductPubP256R1Signature  ObjectID = NVM3KeyBase + 0x16
	ProductP256R1Serial        ObjectID = NVM3KeyBase + 0x17
	ManPubED25519              ObjectID = NVM3KeyBase + 0x18
	ManPubED25519Signature     ObjectID = NVM3KeyBase + 0x19
	ManED25519Serial           ObjectID = NVM3KeyBase + 0x1A
	ManPubP256R1               ObjectID = NVM3KeyBase + 0x1B
	ManPubP256R1Signature      ObjectID = NVM3KeyBase + 0x1C
	ManP256R1Serial            ObjectID = NVM3KeyBase + 0x1D
	SWPubED25519               ObjectID = NVM3KeyBase + 0x1E
	SWPubED25519Signature      ObjectID = NVM3KeyBase + 0x1F
	SWED25519Serial            ObjectID = NVM3KeyBase + 0x20
	SWPubP256R1                ObjectID = NVM3KeyBase + 0x21
	SWPubP256R1Signature       ObjectID = NVM3KeyBase + 0x22
	SWP256R1Serial             ObjectID = NVM3KeyBase + 0x23
	AMZNPubED25519             ObjectID = NVM3KeyBase + 0x24
	AMZNPubP256R1              ObjectID = NVM3KeyBase + 0x25
	APID                       ObjectID = NVM3KeyBase + 0x26
)

var objectNames = map[ObjectID]string{
	SMSN:                       "SMSN",
	AppPubED25519:              "APP_PUB_ED25519",
	DevicePrivED25519:          "DEVICE_PRIV_ED25519",
	DevicePubED25519:           "DEVICE_PUB_ED25519",
	DevicePubED25519Signature:  "DEVICE_PUB_ED25519_SIGNATURE",
	DevicePrivP256R1:           "DEVICE_PRIV_P256R1",
	DevicePubP256R1:            "DEVICE_PUB_P256R1",
	DevicePubP256R1Signature:   "DEVICE_PUB_P256R1_SIGNATURE",
	DAKPubED25519:              "DAK_PUB_ED25519",
	DAKPubED25519Signature:     "DAK_PUB_ED25519_SIGNATURE",
	DAKED25519Serial:           "DAK_ED25519_SERIAL",
	DAKPubP256R1:               "DAK_PUB_P256R1",
	DAKPubP256R1Signature:      "DAK_PUB_P256R1_SIGNATURE",
	DAKP256R1Serial:            "DAK_P256R1_SERIAL",
	ProductPubED25519:          "PRODUCT_PUB_ED25519",
	ProductPubED25519Signature: "PRODUCT_PUB_ED25519_SIGNATURE",
	ProductED25519Serial:       "PRODUCT_ED25519_SERIAL",
	ProductPubP256R1:           "PRODUCT_PUB_P256R1",
	ProductPubP256R1Signature:  "PRODUCT_PUB_P256R1_SIGNATURE",
	ProductP256R1Serial:        "PRODUCT_P256R1_SERIAL",
	ManPubED25519:              "MAN_PUB_ED25519",
	ManPubED25519Signature:     "MAN_PUB_ED25519_SIGNATURE",
	ManED25519Serial:           "MAN_ED25519_SERIAL",
	ManPubP256R1:               "MAN_PUB_P256R1",
	ManPubP256R1Signature:      "MAN_PUB_P256R1_SIGNATURE",
	ManP256R1Serial:            "MAN_P256R1_SERIAL",
	SWPubED25519:               "SW_PUB_ED25519",
	SWPubED25519Signature:      "SW_PUB_ED25519_SIGNATURE",
	SWED25519Serial:            "SW_ED25519_SERIAL",
	SWPubP256R1:                "SW_PUB_P256R1",
	SWPubP256R1Signature:       "SW_PUB_P256R1_SIGNATURE",
	SWP256R1Serial:             "SW_P256R1_SERIAL",
	AMZNPubED25519:             "AMZN_PUB_ED25519",
	AMZNPubP256R1:              "AMZN_PUB_P256R1",
	APID:                       "APID",
}

// String returns the object name.
func (id ObjectID) String() string {
	if name, ok := objectNames[id]; ok {
		return name
	}
	return fmt.Sprintf("MFG(0x%x)", uint32(id))
}

// Valid reports whether id is a known manufacturing object.
func (id ObjectID) Valid() bool {
	_, ok := objectNames[id]
	return ok
}

// Kind selects how an object reaches the device.
type Kind uint8

const (
	// KindStoredValue objects are written to NVM3.
	KindStoredValue Kind = iota

	// KindPrivateKey objects are imported into the secure key store.
	KindPrivateKey
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPrivateKey:
		return "PRIVATE_KEY"
	default:
		return "STORED_VALUE"
	}
}

// Kind returns the provisioning kind of the object.
func (id ObjectID) Kind() Kind {
	switch id {
	case DevicePrivED25519, DevicePrivP256R1:
		return KindPrivateKey
	default:
		return KindStoredValue
	}
}

// Default PSA key ids of the device private keys.
const (
	KeyIDED25519 = 1
	KeyIDP256R1  = 2
)

// KeyAttributes returns the PSA attributes of a private key object.
func (id ObjectID) KeyAttributes() (wire.KeyAttributes, bool) {
	switch id {
	case DevicePrivED25519:
		return wire.KeyAttributes{
			Lifetime:   0x00000001,
			Location:   0x00000001,
			UsageFlags: 0x00000400,
			Bits:       0x000000FF,
			Algorithm:  0x06000800,
			Type:       0x42,
			KeyID:      KeyIDED25519,
		}, true
	case DevicePrivP256R1:
		return wire.KeyAttributes{
			Lifetime:   0x00000001,
			Location:   0x00000001,
			UsageFlags: 0x00000400,
			Bits:       0x00000100,
			Algorithm:  0x06000609,
			Type:       0x12,
			KeyID:      KeyIDP256R1,
		}, true
	default:
		return wire.KeyAttributes{}, false
	}
}
