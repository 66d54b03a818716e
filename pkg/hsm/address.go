package hsm

import (
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// Namespace is the first id of a block of NamespaceSize object slots.
type Namespace uint16

// NamespaceSize is the number of slots per namespace.
const NamespaceSize = 0x10

// Fixed namespaces.
const (
	NamespaceControl    Namespace = 0x00
	NamespaceCertStart  Namespace = 0x10
	NamespaceAmazon     Namespace = 0x10
	NamespaceSidewalk   Namespace = 0x20
	NamespaceManu       Namespace = 0x30
	NamespaceManuLegacy Namespace = 0x20
	NamespaceCertEnd    Namespace = 0xF0
)

// Element is the kind of object inside a certificate slot group.
type Element uint8

const (
	ElementPriv Element = iota
	ElementPubK
	ElementSignature
	ElementSerial
)

// Elements lists every element in slot order.
var Elements = []Element{ElementPriv, ElementPubK, ElementSignature, ElementSerial}

// String returns the element name.
func (e Element) String() string {
	switch e {
	case ElementPriv:
		return "PRIV"
	case ElementPubK:
		return "PUBK"
	case ElementSignature:
		return "SIGNATURE"
	case ElementSerial:
		return "SERIAL"
	default:
		return fmt.Sprintf("ELEMENT(%d)", uint8(e))
	}
}

// stageOffset selects the upper half of a curve's slots for every stage
// but production.
const stageOffset = 4

// ConstructID returns the object id of element for the curve and stage
// inside namespace ns.
func ConstructID(ns Namespace, curve cert.Curve, stage cert.Stage, element Element) ObjectID {
	id := uint16(ns)
	id += uint16(curve) << 3
	if stage != cert.StageProd {
		id += stageOffset
	}
	id += uint16(element)
	return ObjectID(id)
}

// NamespaceOf returns the namespace an object id belongs to.
func NamespaceOf(id ObjectID) Namespace {
	return Namespace(uint16(id) / NamespaceSize * NamespaceSize)
}

// String formats the namespace as hex.
func (ns Namespace) String() string {
	return fmt.Sprintf("0x%02x", uint16(ns))
}
