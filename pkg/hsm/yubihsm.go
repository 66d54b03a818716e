package hsm

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// yhCommand is a YubiHSM2 command id. Responses carry the id with the
// high bit set.
type yhCommand uint8

const (
	yhCreateSession       yhCommand = 0x03
	yhAuthenticateSession yhCommand = 0x04
	yhSessionMessage      yhCommand = 0x05
	yhGetDeviceInfo       yhCommand = 0x06
	yhCloseSession        yhCommand = 0x40
	yhGetOpaque           yhCommand = 0x43
	yhListObjects         yhCommand = 0x48
	yhGetObjectInfo       yhCommand = 0x4e
	yhSignECDSA           yhCommand = 0x56
	yhSignEdDSA           yhCommand = 0x6a

	yhResponse yhCommand = 0x80
	yhError    yhCommand = 0x7f
)

const (
	// yhMaxMessage bounds a framed message: header plus 2048 bytes.
	yhMaxMessage = 3 + 2048

	yhObjectInfoSize = 66
	yhLabelSize      = 40

	// DefaultConnectorURL is the listen address of yubihsm-connector.
	DefaultConnectorURL = "http://127.0.0.1:12345"
)

// yhAlgorithms names the algorithms found on Sidewalk signing HSMs.
var yhAlgorithms = map[uint8]string{
	12: AlgorithmP256,
	30: "opaque-data",
	31: "opaque-x509-certificate",
	38: "aes128-yubico-authentication",
	46: AlgorithmEd25519,
}

func algorithmName(id uint8) string {
	if name, ok := yhAlgorithms[id]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", id)
}

// YubiHSMError is an error code returned by the device.
type YubiHSMError uint8

// Device error codes mapped onto package errors.
const (
	YubiHSMInvalidSession YubiHSMError = 0x03
	YubiHSMAuthFailed     YubiHSMError = 0x04
	YubiHSMObjectNotFound YubiHSMError = 0x0b
)

func (e YubiHSMError) Error() string {
	switch e {
	case 0x01:
		return "yubihsm: unknown command"
	case 0x02:
		return "yubihsm: malformed data for the command"
	case YubiHSMInvalidSession:
		return "yubihsm: the session has expired or does not exist"
	case YubiHSMAuthFailed:
		return "yubihsm: wrong authentication key"
	case 0x05:
		return "yubihsm: no more available sessions"
	case 0x06:
		return "yubihsm: session setup failed"
	case 0x08:
		return "yubihsm: wrong data length for the command"
	case 0x09:
		return "yubihsm: insufficient permissions for the command"
	case YubiHSMObjectNotFound:
		return "yubihsm: no object found matching given ID and Type"
	case 0x0c:
		return "yubihsm: invalid ID"
	default:
		return fmt.Sprintf("yubihsm error(%#x)", uint8(e))
	}
}

// Is maps device errors onto ErrObjectNotFound, ErrAuthFailed and
// ErrSessionClosed.
func (e YubiHSMError) Is(target error) bool {
	switch e {
	case YubiHSMObjectNotFound:
		return target == ErrObjectNotFound
	case YubiHSMAuthFailed:
		return target == ErrAuthFailed
	case YubiHSMInvalidSession:
		return target == ErrSessionClosed
	}
	return false
}

// header encodes a command id and a big-endian payload length.
func header(cmd yhCommand, n int) []byte {
	return binary.BigEndian.AppendUint16([]byte{byte(cmd)}, uint16(n))
}

// frame encodes a command with its payload.
func frame(cmd yhCommand, payload []byte) []byte {
	return append(header(cmd, len(payload)), payload...)
}

// parseResponse checks the response header against cmd and returns the
// payload. Device errors are returned as YubiHSMError.
func parseResponse(cmd yhCommand, msg []byte) ([]byte, error) {
	if len(msg) < 3 {
		return nil, fmt.Errorf("yubihsm: response of %d bytes", len(msg))
	}
	id := yhCommand(msg[0])
	n := int(binary.BigEndian.Uint16(msg[1:3]))
	if len(msg)-3 < n {
		return nil, fmt.Errorf("yubihsm: response length %d exceeds %d bytes", n, len(msg)-3)
	}
	body := msg[3 : 3+n]
	if id == yhError {
		if n < 1 {
			return nil, fmt.Errorf("yubihsm: empty error response")
		}
		return nil, YubiHSMError(body[0])
	}
	if id != cmd|yhResponse {
		return nil, fmt.Errorf("yubihsm: response 0x%02x to command 0x%02x", uint8(id), uint8(cmd))
	}
	return body, nil
}

// YubiHSMConfig configures a YubiHSM connector.
type YubiHSMConfig struct {
	// URL of the yubihsm-connector, e.g. http://127.0.0.1:12345.
	URL string

	// Client sends the connector requests. Defaults to a client with a
	// 30 second timeout.
	Client *http.Client

	// Logger for debug output (optional).
	Logger *slog.Logger
}

// YubiHSM is a Connector for a YubiHSM2 reached through yubihsm-connector.
// Sessions use the password-derived secure channel of the device.
type YubiHSM struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ Connector = (*YubiHSM)(nil)

// NewYubiHSM creates a connector. No request is sent until a session is
// created.
func NewYubiHSM(cfg YubiHSMConfig) *YubiHSM {
	h := &YubiHSM{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		client: cfg.Client,
		logger: cfg.Logger,
	}
	if h.url == "" {
		h.url = DefaultConnectorURL
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 30 * time.Second}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// exchange posts one framed message to the connector.
func (h *YubiHSM) exchange(ctx context.Context, msg []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/connector/api", bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yubihsm connector: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yubihsm connector: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, yhMaxMessage))
}

// SerialNumber implements Connector.
func (h *YubiHSM) SerialNumber(ctx context.Context) (uint32, error) {
	resp, err := h.exchange(ctx, frame(yhGetDeviceInfo, nil))
	if err != nil {
		return 0, err
	}
	body, err := parseResponse(yhGetDeviceInfo, resp)
	if err != nil {
		return 0, err
	}
	if len(body) < 7 {
		return 0, fmt.Errorf("yubihsm: device info of %d bytes", len(body))
	}
	return binary.BigEndian.Uint32(body[3:7]), nil
}

// CreateSession implements Connector. It opens and authenticates a secure
// channel with the key in slot authKey.
func (h *YubiHSM) CreateSession(ctx context.Context, authKey ObjectID, password string) (Session, error) {
	host := make([]byte, scpChallengeSize)
	if _, err := rand.Read(host); err != nil {
		return nil, err
	}
	payload := binary.BigEndian.AppendUint16(nil, uint16(authKey))
	resp, err := h.exchange(ctx, frame(yhCreateSession, append(payload, host...)))
	if err != nil {
		return nil, err
	}
	body, err := parseResponse(yhCreateSession, resp)
	if err != nil {
		return nil, fmt.Errorf("auth key 0x%x: %w", uint16(authKey), err)
	}
	if len(body) != 1+scpChallengeSize+scpMACSize {
		return nil, fmt.Errorf("yubihsm: create session response of %d bytes", len(body))
	}
	id, card, cardCryptogram := body[0], body[1:1+scpChallengeSize], body[1+scpChallengeSize:]

	ch, err := newSecureChannel(passwordKeys(password), host, card)
	if err != nil {
		return nil, err
	}
	want, err := ch.cryptogram(deriveCardCryptogram)
	if err != nil {
		return nil, err
	}
	if !macEqual(want, cardCryptogram) {
		return nil, ErrAuthFailed
	}

	hostCryptogram, err := ch.cryptogram(deriveHostCryptogram)
	if err != nil {
		return nil, err
	}
	msg := append(header(yhAuthenticateSession, 1+scpChallengeSize+scpMACSize), id)
	msg = append(msg, hostCryptogram...)
	mac, err := ch.chainMAC(msg)
	if err != nil {
		return nil, err
	}
	resp, err = h.exchange(ctx, append(msg, mac...))
	if err != nil {
		return nil, err
	}
	if _, err := parseResponse(yhAuthenticateSession, resp); err != nil {
		return nil, fmt.Errorf("authenticate session: %w", err)
	}
	ch.start()
	h.logger.Debug("yubihsm session open", "id", id, "auth_key", uint16(authKey))
	return &yubiSession{hsm: h, id: id, ch: ch}, nil
}

// yubiSession is an authenticated Session on a YubiHSM.
type yubiSession struct {
	hsm    *YubiHSM
	id     byte
	ch     *secureChannel
	closed bool
}

var _ Session = (*yubiSession)(nil)

// send wraps one command in the secure channel and returns the payload of
// its response.
func (s *yubiSession) send(ctx context.Context, cmd yhCommand, payload []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := s.ch.encrypt(frame(cmd, payload))
	if err != nil {
		return nil, err
	}
	msg := append(header(yhSessionMessage, 1+len(enc)+scpMACSize), s.id)
	msg = append(msg, enc...)
	mac, err := s.ch.chainMAC(msg)
	if err != nil {
		return nil, err
	}

	resp, err := s.hsm.exchange(ctx, append(msg, mac...))
	if err != nil {
		return nil, err
	}
	body, err := parseResponse(yhSessionMessage, resp)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+aes.BlockSize+scpMACSize || body[0] != s.id {
		return nil, fmt.Errorf("yubihsm: malformed session response")
	}
	signed := resp[:3+len(body)-scpMACSize]
	rmac, err := s.ch.responseMAC(signed)
	if err != nil {
		return nil, err
	}
	if !macEqual(rmac, body[len(body)-scpMACSize:]) {
		return nil, errChannelMAC
	}
	inner, err := s.ch.decrypt(body[1 : len(body)-scpMACSize])
	s.ch.next()
	if err != nil {
		return nil, err
	}
	return parseResponse(cmd, inner)
}

func (s *yubiSession) ListObjects(ctx context.Context) ([]ObjectRef, error) {
	body, err := s.send(ctx, yhListObjects, nil)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("yubihsm: object list of %d bytes", len(body))
	}
	refs := make([]ObjectRef, 0, len(body)/4)
	for i := 0; i < len(body); i += 4 {
		refs = append(refs, ObjectRef{
			ID:   ObjectID(binary.BigEndian.Uint16(body[i:])),
			Type: ObjectType(body[i+2]),
		})
	}
	return refs, nil
}

func (s *yubiSession) ObjectInfo(ctx context.Context, ref ObjectRef) (ObjectInfo, error) {
	payload := binary.BigEndian.AppendUint16(nil, uint16(ref.ID))
	body, err := s.send(ctx, yhGetObjectInfo, append(payload, byte(ref.Type)))
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(body) < yhObjectInfoSize {
		return ObjectInfo{}, fmt.Errorf("yubihsm: object info of %d bytes", len(body))
	}
	label := body[18 : 18+yhLabelSize]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	return ObjectInfo{
		ID:        ObjectID(binary.BigEndian.Uint16(body[8:10])),
		Type:      ObjectType(body[14]),
		Label:     string(label),
		Algorithm: algorithmName(body[15]),
		Size:      int(binary.BigEndian.Uint16(body[10:12])),
	}, nil
}

func (s *yubiSession) GetOpaque(ctx context.Context, id ObjectID) ([]byte, error) {
	return s.send(ctx, yhGetOpaque, binary.BigEndian.AppendUint16(nil, uint16(id)))
}

func (s *yubiSession) SignEdDSA(ctx context.Context, id ObjectID, data []byte) ([]byte, error) {
	payload := binary.BigEndian.AppendUint16(nil, uint16(id))
	return s.send(ctx, yhSignEdDSA, append(payload, data...))
}

func (s *yubiSession) SignECDSA(ctx context.Context, id ObjectID, digest []byte) ([]byte, error) {
	payload := binary.BigEndian.AppendUint16(nil, uint16(id))
	return s.send(ctx, yhSignECDSA, append(payload, digest...))
}

// Close ends the session on the device. The session is unusable
// afterwards even if the device does not answer.
func (s *yubiSession) Close() error {
	if s.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.send(ctx, yhCloseSession, nil)
	s.closed = true
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
