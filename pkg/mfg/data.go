package mfg

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Entry is one manufacturing object with its hex encoded value.
type Entry struct {
	ID  ObjectID
	Hex string
}

// Bytes decodes the entry value.
func (e Entry) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(e.Hex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.ID, err)
	}
	return b, nil
}

// Data is an ordered set of manufacturing objects. The order is the
// provisioning order and is preserved across updates.
type Data []Entry

// Set adds or replaces an object. A replaced object keeps its position.
func (d *Data) Set(id ObjectID, value []byte) {
	d.SetHex(id, hex.EncodeToString(value))
}

// SetHex is Set with an already encoded value.
func (d *Data) SetHex(id ObjectID, value string) {
	if _, i, ok := lo.FindIndexOf(*d, func(e Entry) bool { return e.ID == id }); ok {
		(*d)[i].Hex = value
		return
	}
	*d = append(*d, Entry{ID: id, Hex: value})
}

// Get returns the entry of an object.
func (d Data) Get(id ObjectID) (Entry, bool) {
	return lo.Find(d, func(e Entry) bool { return e.ID == id })
}

// IDs returns the object ids in order.
func (d Data) IDs() []ObjectID {
	return lo.Map(d, func(e Entry, _ int) ObjectID { return e.ID })
}

// NVM3Content renders the objects in the commander NVM3 content format,
// one "0x<key>:OBJ:<hex>" line per object.
func NVM3Content(d Data) string {
	lines := lo.Map(d, func(e Entry, _ int) string {
		return fmt.Sprintf("0x%04x:OBJ:%s", uint32(e.ID), e.Hex)
	})
	return strings.Join(lines, "\n")
}
