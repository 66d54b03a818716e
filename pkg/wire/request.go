package wire

import (
	"encoding/binary"
	"fmt"
)

// NewWriteNVM3 builds a WriteNVM3 request: u32 key | u16 len | data.
func NewWriteNVM3(key uint32, data []byte) *Frame {
	b := binary.LittleEndian.AppendUint32(nil, key)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(data)))
	return &Frame{Command: CmdWriteNVM3, Body: append(b, data...)}
}

// NewInjectKey builds an InjectKey request: the key attributes followed by
// u32 key length and the raw key.
func NewInjectKey(attrs KeyAttributes, key []byte) *Frame {
	b := binary.LittleEndian.AppendUint32(nil, attrs.Lifetime)
	b = binary.LittleEndian.AppendUint32(b, attrs.Location)
	b = binary.LittleEndian.AppendUint32(b, attrs.UsageFlags)
	b = binary.LittleEndian.AppendUint32(b, attrs.Bits)
	b = binary.LittleEndian.AppendUint32(b, attrs.Algorithm)
	b = append(b, attrs.Type)
	b = binary.LittleEndian.AppendUint32(b, attrs.KeyID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(key)))
	return &Frame{Command: CmdInjectKey, Body: append(b, key...)}
}

// NewInit builds an Init request.
func NewInit() *Frame {
	return &Frame{Command: CmdInit, Body: []byte{}}
}

// SMSNRequest are the inputs of on-device SMSN generation.
type SMSNRequest struct {
	DeviceType string
	DSN        string
	APID       string
	BoardID    string
}

// NewGenSMSN builds a GenSMSN request: four u16 lengths followed by the
// strings. An empty board id is omitted.
func NewGenSMSN(req SMSNRequest) *Frame {
	var b []byte
	for _, s := range []string{req.DeviceType, req.DSN, req.APID, req.BoardID} {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	}
	b = append(b, req.DeviceType...)
	b = append(b, req.DSN...)
	b = append(b, req.APID...)
	b = append(b, req.BoardID...)
	return &Frame{Command: CmdGenSMSN, Body: b}
}

// NewGenCSR builds a GenCSR request.
func NewGenCSR(curve Curve) *Frame {
	return &Frame{Command: CmdGenCSR, Body: []byte{byte(curve)}}
}

// NewWriteCertChain builds a WriteCertChain request: u8 curve | u16 len | chain.
func NewWriteCertChain(curve Curve, chain []byte) *Frame {
	b := []byte{byte(curve)}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(chain)))
	return &Frame{Command: CmdWriteCertChain, Body: append(b, chain...)}
}

// NewWriteAppSrvPubKey builds a WriteAppSrvPubKey request: u16 len | key.
func NewWriteAppSrvPubKey(key []byte) *Frame {
	b := binary.LittleEndian.AppendUint16(nil, uint16(len(key)))
	return &Frame{Command: CmdWriteAppSrvPubKey, Body: append(b, key...)}
}

// NewStore builds a Store request.
func NewStore() *Frame {
	return &Frame{Command: CmdStore, Body: []byte{}}
}

// reader consumes little-endian fields from a body.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	return append([]byte{}, r.take(n)...)
}

// done fails when bytes remain or a read failed.
func (r *reader) done() error {
	if r.err == nil && len(r.buf) > 0 {
		r.err = fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(r.buf))
	}
	return r.err
}

func expect(f *Frame, cmd Command) error {
	if f.Command != cmd {
		return fmt.Errorf("%w: %s frame, want %s", ErrProtocol, f.Command, cmd)
	}
	return nil
}

// ParseWriteNVM3 decodes a WriteNVM3 body.
func ParseWriteNVM3(f *Frame) (key uint32, data []byte, err error) {
	if err := expect(f, CmdWriteNVM3); err != nil {
		return 0, nil, err
	}
	r := &reader{buf: f.Body}
	key = r.u32()
	data = r.bytes(int(r.u16()))
	return key, data, r.done()
}

// ParseInjectKey decodes an InjectKey body.
func ParseInjectKey(f *Frame) (KeyAttributes, []byte, error) {
	if err := expect(f, CmdInjectKey); err != nil {
		return KeyAttributes{}, nil, err
	}
	r := &reader{buf: f.Body}
	attrs := KeyAttributes{
		Lifetime:   r.u32(),
		Location:   r.u32(),
		UsageFlags: r.u32(),
		Bits:       r.u32(),
		Algorithm:  r.u32(),
		Type:       r.u8(),
		KeyID:      r.u32(),
	}
	key := r.bytes(int(r.u32()))
	return attrs, key, r.done()
}

// ParseGenSMSN decodes a GenSMSN body.
func ParseGenSMSN(f *Frame) (SMSNRequest, error) {
	if err := expect(f, CmdGenSMSN); err != nil {
		return SMSNRequest{}, err
	}
	r := &reader{buf: f.Body}
	var lens [4]int
	for i := range lens {
		lens[i] = int(r.u16())
	}
	req := SMSNRequest{
		DeviceType: string(r.take(lens[0])),
		DSN:        string(r.take(lens[1])),
		APID:       string(r.take(lens[2])),
		BoardID:    string(r.take(lens[3])),
	}
	return req, r.done()
}

// ParseGenCSR decodes a GenCSR body.
func ParseGenCSR(f *Frame) (Curve, error) {
	if err := expect(f, CmdGenCSR); err != nil {
		return 0, err
	}
	r := &reader{buf: f.Body}
	c := Curve(r.u8())
	return c, r.done()
}

// ParseWriteCertChain decodes a WriteCertChain body.
func ParseWriteCertChain(f *Frame) (Curve, []byte, error) {
	if err := expect(f, CmdWriteCertChain); err != nil {
		return 0, nil, err
	}
	r := &reader{buf: f.Body}
	c := Curve(r.u8())
	chain := r.bytes(int(r.u16()))
	return c, chain, r.done()
}

// ParseWriteAppSrvPubKey decodes a WriteAppSrvPubKey body.
func ParseWriteAppSrvPubKey(f *Frame) ([]byte, error) {
	if err := expect(f, CmdWriteAppSrvPubKey); err != nil {
		return nil, err
	}
	r := &reader{buf: f.Body}
	key := r.bytes(int(r.u16()))
	return key, r.done()
}
