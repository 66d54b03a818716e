// Package part decodes EFR32 orderable part numbers into the addresses the
// provisioning flow needs.
package part

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Memory layout shared by all supported series.
const (
	// RAMStart is the start of SRAM, where the provisioning image runs.
	RAMStart uint32 = 0x20000000

	// StackSize is reserved above the image for its stack.
	StackSize uint32 = 0x1000

	// MfgPageSize is the size of the manufacturing NVM3 instance.
	MfgPageSize uint32 = 0x6000

	// mfgOffsetFromEnd covers the NVM3 instance plus the empty last page.
	mfgOffsetFromEnd uint32 = 0x8000
)

// Part errors.
var (
	ErrInvalidPart   = errors.New("invalid EFR32 part number")
	ErrUnknownFamily = errors.New("unsupported EFR32 family")
)

var partRe = regexp.MustCompile(`(?i)efr32([a-z]g[0-9]+)([a-z][0-9]+)f([0-9]+)`)

// flashBase maps the family series (xg21, xg24, ...) to its flash base.
var flashBase = map[string]uint32{
	"xg21": 0x00000000,
	"xg23": 0x08000000,
	"xg24": 0x08000000,
	"xg25": 0x08000000,
	"xg28": 0x08000000,
}

// Part is a decoded EFR32 part number.
type Part struct {
	// Number is the part number as given.
	Number string

	// Family is the lower-case family, e.g. "mg24".
	Family string

	// Option is the lower-case option code, e.g. "b020".
	Option string

	// FlashKB is the flash size in KiB.
	FlashKB uint32
}

// Parse decodes a part number such as EFR32MG24B020F1536IM48. Matching is
// case-insensitive and anything after the flash size is ignored.
func Parse(number string) (*Part, error) {
	m := partRe.FindStringSubmatch(number)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPart, number)
	}
	mem, err := strconv.ParseUint(m[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: flash size %q", ErrInvalidPart, m[3])
	}
	p := &Part{
		Number:  number,
		Family:  strings.ToLower(m[1]),
		Option:  strings.ToLower(m[2]),
		FlashKB: uint32(mem),
	}
	if _, ok := flashBase[p.Series()]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, p.Family)
	}
	return p, nil
}

// Series returns the family series, e.g. "xg24" for "mg24".
func (p *Part) Series() string {
	return "x" + p.Family[1:]
}

// JLinkDevice returns the J-Link device name, e.g. EFR32MG24BxxxF1536.
func (p *Part) JLinkDevice() string {
	return fmt.Sprintf("EFR32%s%sxxxF%d", strings.ToUpper(p.Family), strings.ToUpper(p.Option[:1]), p.FlashKB)
}

// FlashBase returns the flash start address.
func (p *Part) FlashBase() uint32 {
	return flashBase[p.Series()]
}

// MfgPageStart returns the start address of the manufacturing page.
func (p *Part) MfgPageStart() uint32 {
	return p.FlashBase() + p.FlashKB*1024 - mfgOffsetFromEnd
}

// StackAddr returns the initial SP/PC for an image loaded at RAMStart.
func (p *Part) StackAddr() uint32 {
	return RAMStart + StackSize
}

// String returns the J-Link device name.
func (p *Part) String() string {
	return p.JLinkDevice()
}
