package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame and response layout.
const (
	// HeaderSize is the size of the command and length fields.
	HeaderSize = 4

	// MaxBodySize is the largest body the length field can describe.
	MaxBodySize = math.MaxUint16

	// StatusSize is the size of the response status and internal error fields.
	StatusSize = 4
)

// Protocol errors.
var (
	// ErrProtocol is wrapped by every framing failure.
	ErrProtocol = errors.New("dpp protocol error")

	// ErrPayloadTooLarge is returned for bodies the length field cannot hold.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrProtocol)

	// ErrShortFrame is returned when a frame or response is truncated.
	ErrShortFrame = fmt.Errorf("%w: short frame", ErrProtocol)

	// ErrUnknownCommand is returned for command ids outside the command set.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrProtocol)
)

// Frame is a decoded DPP request.
type Frame struct {
	Command Command
	Body    []byte
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Body)
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	return Encode(f.Command, f.Body)
}

// Encode serializes a request frame.
func Encode(cmd Command, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(body), cmd)
	}
	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(cmd))
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(body)))
	return append(out, body...), nil
}

// DecodeFrame parses a request frame. Bytes past the declared body length
// are rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	cmd := Command(binary.LittleEndian.Uint16(data[0:2]))
	if !cmd.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint16(cmd))
	}
	n := int(binary.LittleEndian.Uint16(data[2:4]))
	switch {
	case len(data)-HeaderSize < n:
		return nil, fmt.Errorf("%w: body has %d of %d bytes", ErrShortFrame, len(data)-HeaderSize, n)
	case len(data)-HeaderSize > n:
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(data)-HeaderSize-n)
	}
	return &Frame{Command: cmd, Body: append([]byte{}, data[HeaderSize:]...)}, nil
}

// Response is a decoded DPP response.
type Response struct {
	Status Status

	// InternalError is set on failed responses that carry a non-zero
	// internal error word.
	InternalError *uint32

	// Payload holds every byte after the status field.
	Payload []byte
}

// OK reports whether the firmware accepted the command.
func (r *Response) OK() bool {
	return r.Status.IsSuccess()
}

// DecodeResponse parses a response. The internal error is only extracted
// from failed responses long enough to hold it.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < StatusSize {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrShortFrame, len(data))
	}
	resp := &Response{
		Status:  Status(binary.LittleEndian.Uint32(data[0:StatusSize])),
		Payload: append([]byte{}, data[StatusSize:]...),
	}
	if resp.Status.IsError() && len(data) >= 2*StatusSize {
		if ie := binary.LittleEndian.Uint32(data[StatusSize : 2*StatusSize]); ie != 0 {
			resp.InternalError = &ie
		}
	}
	return resp, nil
}

// EncodeResponse serializes a response. A set InternalError is written
// ahead of the payload.
func EncodeResponse(resp *Response) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(resp.Status))
	if resp.InternalError != nil {
		out = binary.LittleEndian.AppendUint32(out, *resp.InternalError)
	}
	return append(out, resp.Payload...)
}

// ParseLengthPrefixed splits a u32 length prefixed value, as returned by
// GenSMSN and GenCSR. The value must fill the rest of the payload.
func ParseLengthPrefixed(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: length prefix of %d bytes", ErrShortFrame, len(payload))
	}
	n := binary.LittleEndian.Uint32(payload[0:4])
	if uint64(n) != uint64(len(payload)-4) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrProtocol, n, len(payload)-4)
	}
	return append([]byte{}, payload[4:]...), nil
}

// LengthPrefixed is the inverse of ParseLengthPrefixed.
func LengthPrefixed(value []byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(value)))
	return append(out, value...)
}
