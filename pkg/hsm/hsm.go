// Package hsm reads Sidewalk authority certificates from a hardware security
// module and signs device certificates with the DAK (or legacy MODEL) key.
//
// The object model follows the YubiHSM2: objects are addressed by a 16-bit
// id and a type, and ids are grouped in namespaces of 16 slots. Each
// authority tier owns one namespace; within it the slot is derived from the
// curve, the stage and the element:
//
//	id = namespace + curve<<3 + (stage != PROD ? 4 : 0) + element
//
// The HSM itself is reached through the Connector and Session interfaces.
// YubiHSM talks to a YubiHSM2 through yubihsm-connector. SoftHSM provides an
// in-memory implementation for prototyping and tests. Dial selects one from
// an address.
package hsm

import (
	"context"
	"errors"
	"fmt"
)

// ObjectID is the 16-bit identifier of an HSM object.
type ObjectID uint16

// ObjectType distinguishes objects sharing the same id.
type ObjectType uint8

// Object types, numbered as in the YubiHSM2 protocol.
const (
	TypeOpaque            ObjectType = 1
	TypeAuthenticationKey ObjectType = 2
	TypeAsymmetricKey     ObjectType = 3
)

// String returns the object type name used in cache tags.
func (t ObjectType) String() string {
	switch t {
	case TypeOpaque:
		return "OPAQUE"
	case TypeAuthenticationKey:
		return "AUTHENTICATION_KEY"
	case TypeAsymmetricKey:
		return "ASYMMETRIC_KEY"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// ObjectRef identifies an object in a listing.
type ObjectRef struct {
	ID   ObjectID
	Type ObjectType
}

// Namespace returns the namespace the object belongs to.
func (r ObjectRef) Namespace() Namespace {
	return NamespaceOf(r.ID)
}

// Tag returns the cache key of the object, e.g. "0x0031-OPAQUE".
func (r ObjectRef) Tag() string {
	return fmt.Sprintf("0x%04x-%s", uint16(r.ID), r.Type)
}

// ObjectInfo is the metadata of an HSM object.
type ObjectInfo struct {
	ID        ObjectID   `cbor:"1,keyasint" yaml:"id"`
	Type      ObjectType `cbor:"2,keyasint" yaml:"type"`
	Label     string     `cbor:"3,keyasint" yaml:"label"`
	Algorithm string     `cbor:"4,keyasint,omitempty" yaml:"algorithm,omitempty"`
	Size      int        `cbor:"5,keyasint,omitempty" yaml:"size,omitempty"`
}

// Session is an authenticated HSM session. A session is owned by one
// signing run and is not safe for concurrent use.
type Session interface {
	// ListObjects returns every object visible to the session.
	ListObjects(ctx context.Context) ([]ObjectRef, error)

	// ObjectInfo returns the metadata of an object.
	ObjectInfo(ctx context.Context, ref ObjectRef) (ObjectInfo, error)

	// GetOpaque returns the content of an opaque object.
	GetOpaque(ctx context.Context, id ObjectID) ([]byte, error)

	// SignEdDSA signs data with an Ed25519 asymmetric key.
	SignEdDSA(ctx context.Context, id ObjectID, data []byte) ([]byte, error)

	// SignECDSA signs a SHA-256 digest with a P-256 asymmetric key and
	// returns the DER encoded signature.
	SignECDSA(ctx context.Context, id ObjectID, digest []byte) ([]byte, error)

	// Close ends the session.
	Close() error
}

// Connector opens sessions on one HSM.
type Connector interface {
	// CreateSession authenticates with the password derived key in slot authKey.
	// A missing slot yields an error wrapping ErrObjectNotFound.
	CreateSession(ctx context.Context, authKey ObjectID, password string) (Session, error)

	// SerialNumber returns the HSM device serial.
	SerialNumber(ctx context.Context) (uint32, error)
}

// HSM errors.
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoAuthKeySlot     = errors.New("no key slot found for authentication")
	ErrWrongObjectType   = errors.New("wrong object type")
	ErrUnsupportedAlgo   = errors.New("unsupported algorithm")
	ErrSignerNotFound    = errors.New("signer not found")
	ErrBadSignerTag      = errors.New("the tag for the DAK doesn't contain the mark 'DAK'")
	ErrProductCANotFound = errors.New("product CA not found")

	ErrUnsupportedConnector = errors.New("unsupported HSM connector")

	// ErrMissingCertificateObject is matched by *MissingCertificateObjectError.
	ErrMissingCertificateObject = errors.New("missing certificate object")

	// ErrSchemeMismatch is matched by the scheme discovery errors.
	ErrSchemeMismatch = errors.New("HSM chain scheme mismatch")
)
