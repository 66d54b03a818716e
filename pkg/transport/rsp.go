package transport

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// GDB remote serial protocol errors.
var (
	// ErrGDBProtocol indicates a malformed or unexpected RSP exchange.
	ErrGDBProtocol = errors.New("gdb protocol error")

	// ErrGDBNack indicates the peer rejected a packet repeatedly.
	ErrGDBNack = fmt.Errorf("%w: packet not acknowledged", ErrGDBProtocol)
)

// GDBError is an "Enn" reply from the GDB server.
type GDBError struct {
	Request string
	Code    uint8
}

func (e *GDBError) Error() string {
	return fmt.Sprintf("gdb %s: error %02x", e.Request, e.Code)
}

// Is reports ErrGDBProtocol so callers can match all RSP failures.
func (e *GDBError) Is(target error) bool {
	return target == ErrGDBProtocol
}

const (
	rspAck       = '+'
	rspNack      = '-'
	rspInterrupt = 0x03
	rspRetries   = 3
)

// rspConn frames packets as $payload#cs with acknowledgements.
type rspConn struct {
	r *bufio.Reader
	w io.Writer
}

func newRSPConn(rw io.ReadWriter) *rspConn {
	return &rspConn{r: bufio.NewReader(rw), w: rw}
}

func rspChecksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return sum
}

func rspFrame(payload string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", payload, rspChecksum(payload)))
}

// send writes a packet and waits for the acknowledgement, retransmitting
// on nack.
func (c *rspConn) send(payload string) error {
	frame := rspFrame(payload)
	for i := 0; i < rspRetries; i++ {
		if _, err := c.w.Write(frame); err != nil {
			return err
		}
		ack, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		switch ack {
		case rspAck:
			return nil
		case rspNack:
			continue
		default:
			return fmt.Errorf("%w: unexpected ack byte 0x%02x", ErrGDBProtocol, ack)
		}
	}
	return ErrGDBNack
}

// receive reads the next packet, acknowledging it.
func (c *rspConn) receive() (string, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b != '$' {
			// Stray acks and interrupt bytes between packets.
			continue
		}
		body, err := c.r.ReadString('#')
		if err != nil {
			return "", err
		}
		body = strings.TrimSuffix(body, "#")

		var cs [2]byte
		if _, err := io.ReadFull(c.r, cs[:]); err != nil {
			return "", err
		}
		want, err := strconv.ParseUint(string(cs[:]), 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: bad checksum %q", ErrGDBProtocol, cs[:])
		}
		if byte(want) != rspChecksum(body) {
			if _, err := c.w.Write([]byte{rspNack}); err != nil {
				return "", err
			}
			continue
		}
		if _, err := c.w.Write([]byte{rspAck}); err != nil {
			return "", err
		}
		return rspExpand(body), nil
	}
}

// rspExpand undoes run-length encoding ("x*n" repeats x n-29 times) and
// binary escaping.
func rspExpand(body string) string {
	if !strings.ContainsAny(body, "*}") {
		return body
	}
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		switch c := body[i]; {
		case c == '}' && i+1 < len(body):
			i++
			sb.WriteByte(body[i] ^ 0x20)
		case c == '*' && i+1 < len(body) && sb.Len() > 0:
			i++
			prev := sb.String()[sb.Len()-1]
			for n := int(body[i]) - 29; n > 0; n-- {
				sb.WriteByte(prev)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// rspError converts an Enn reply into a *GDBError, or returns nil.
func rspError(request, reply string) error {
	if len(reply) != 3 || reply[0] != 'E' {
		return nil
	}
	code, err := strconv.ParseUint(reply[1:], 16, 8)
	if err != nil {
		return nil
	}
	return &GDBError{Request: request, Code: uint8(code)}
}

// rspHexLE encodes v as target-order (little-endian) register hex.
func rspHexLE(v uint32) string {
	return hex.EncodeToString([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}
