package hsm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeYubiHSM answers the yubihsm-connector protocol with the device side
// of the secure channel. Objects are served from a SoftHSM.
type fakeYubiHSM struct {
	soft *SoftHSM

	mu       sync.Mutex
	sessions map[byte]*fakeYubiSession
	nextID   byte

	// corruptRMAC flips a bit of every response MAC.
	corruptRMAC bool
}

type fakeYubiSession struct {
	ch            *secureChannel
	session       Session
	authenticated bool
}

func newFakeYubiHSM(t *testing.T, soft *SoftHSM) (*fakeYubiHSM, *YubiHSM) {
	t.Helper()
	f := &fakeYubiHSM{soft: soft, sessions: make(map[byte]*fakeYubiSession)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, NewYubiHSM(YubiHSMConfig{URL: srv.URL + "/", Client: srv.Client()})
}

func (f *fakeYubiHSM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/connector/api" {
		http.NotFound(w, r)
		return
	}
	msg, err := io.ReadAll(r.Body)
	if err != nil || len(msg) < 3 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(f.handle(r.Context(), msg))
}

func deviceError(code YubiHSMError) []byte {
	return frame(yhError, []byte{byte(code)})
}

func (f *fakeYubiHSM) handle(ctx context.Context, msg []byte) []byte {
	cmd, body := yhCommand(msg[0]), msg[3:]
	switch cmd {
	case yhGetDeviceInfo:
		info := []byte{2, 4, 0}
		info = binary.BigEndian.AppendUint32(info, f.soft.serial)
		return frame(cmd|yhResponse, append(info, 62, 0, 12, 46))

	case yhCreateSession:
		slot := ObjectID(binary.BigEndian.Uint16(body))
		f.soft.mu.RLock()
		password, ok := f.soft.authKeys[slot]
		f.soft.mu.RUnlock()
		if !ok {
			return deviceError(YubiHSMObjectNotFound)
		}
		card := make([]byte, scpChallengeSize)
		rand.Read(card)
		ch, err := newSecureChannel(passwordKeys(password), body[2:2+scpChallengeSize], card)
		if err != nil {
			return deviceError(0x06)
		}
		cryptogram, _ := ch.cryptogram(deriveCardCryptogram)
		sess, err := f.soft.CreateSession(ctx, slot, password)
		if err != nil {
			return deviceError(0x06)
		}
		f.nextID++
		f.sessions[f.nextID] = &fakeYubiSession{ch: ch, session: sess}
		out := append([]byte{f.nextID}, card...)
		return frame(cmd|yhResponse, append(out, cryptogram...))

	case yhAuthenticateSession:
		s := f.sessions[body[0]]
		if s == nil {
			return deviceError(YubiHSMInvalidSession)
		}
		mac, _ := s.ch.chainMAC(msg[:len(msg)-scpMACSize])
		want, _ := s.ch.cryptogram(deriveHostCryptogram)
		if !macEqual(mac, msg[len(msg)-scpMACSize:]) || !macEqual(want, body[1:1+scpChallengeSize]) {
			delete(f.sessions, body[0])
			return deviceError(YubiHSMAuthFailed)
		}
		s.ch.start()
		s.authenticated = true
		return frame(cmd|yhResponse, nil)

	case yhSessionMessage:
		id := body[0]
		s := f.sessions[id]
		if s == nil || !s.authenticated {
			return deviceError(YubiHSMInvalidSession)
		}
		mac, _ := s.ch.chainMAC(msg[:len(msg)-scpMACSize])
		if !macEqual(mac, msg[len(msg)-scpMACSize:]) {
			return deviceError(YubiHSMInvalidSession)
		}
		inner, err := s.ch.decrypt(body[1 : len(body)-scpMACSize])
		if err != nil {
			return deviceError(0x02)
		}
		reply := f.dispatch(ctx, s, inner)
		enc, _ := s.ch.encrypt(reply)
		out := append(header(cmd|yhResponse, 1+len(enc)+scpMACSize), id)
		out = append(out, enc...)
		rmac, _ := s.ch.responseMAC(out)
		if f.corruptRMAC {
			rmac[0] ^= 0x01
		}
		s.ch.next()
		if yhCommand(inner[0]) == yhCloseSession {
			delete(f.sessions, id)
		}
		return append(out, rmac...)
	}
	return deviceError(0x01)
}

func (f *fakeYubiHSM) dispatch(ctx context.Context, s *fakeYubiSession, inner []byte) []byte {
	cmd := yhCommand(inner[0])
	payload := inner[3 : 3+int(binary.BigEndian.Uint16(inner[1:3]))]
	reply := func(data []byte, err error) []byte {
		if errors.Is(err, ErrObjectNotFound) {
			return deviceError(YubiHSMObjectNotFound)
		}
		if err != nil {
			return deviceError(0x02)
		}
		return frame(cmd|yhResponse, data)
	}

	switch cmd {
	case yhListObjects:
		refs, err := s.session.ListObjects(ctx)
		var out []byte
		for _, ref := range refs {
			out = binary.BigEndian.AppendUint16(out, uint16(ref.ID))
			out = append(out, byte(ref.Type), 0)
		}
		return reply(out, err)

	case yhGetObjectInfo:
		ref := ObjectRef{ID: ObjectID(binary.BigEndian.Uint16(payload)), Type: ObjectType(payload[2])}
		info, err := s.session.ObjectInfo(ctx, ref)
		if err != nil {
			return reply(nil, err)
		}
		out := make([]byte, yhObjectInfoSize)
		binary.BigEndian.PutUint16(out[8:], uint16(info.ID))
		binary.BigEndian.PutUint16(out[10:], uint16(info.Size))
		out[14] = byte(info.Type)
		for id, name := range yhAlgorithms {
			if name == info.Algorithm {
				out[15] = id
			}
		}
		copy(out[18:18+yhLabelSize], info.Label)
		return reply(out, nil)

	case yhGetOpaque:
		return reply(s.session.GetOpaque(ctx, ObjectID(binary.BigEndian.Uint16(payload))))

	case yhSignEdDSA:
		return reply(s.session.SignEdDSA(ctx, ObjectID(binary.BigEndian.Uint16(payload)), payload[2:]))

	case yhSignECDSA:
		return reply(s.session.SignECDSA(ctx, ObjectID(binary.BigEndian.Uint16(payload)), payload[2:]))

	case yhCloseSession:
		return reply(nil, s.session.Close())
	}
	return deviceError(0x01)
}

func (f *fakeYubiHSM) setCorruptRMAC(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corruptRMAC = v
}

func (f *fakeYubiHSM) openSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestYubiHSMSerialNumber(t *testing.T) {
	_, yh := newFakeYubiHSM(t, NewSoftHSM(0x00c0ffee))
	serial, err := yh.SerialNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00c0ffee), serial)
}

func TestYubiHSMStore(t *testing.T) {
	soft := newHierarchy(t, HierarchyConfig{Scheme: SchemeLongChain, HSMInfo: true})
	fake, yh := newFakeYubiHSM(t, soft)
	ctx := context.Background()

	sess, err := OpenSession(ctx, yh, testPin, 0, cert.StageTest, nil)
	require.NoError(t, err)
	s, err := NewStore(ctx, sess, StoreConfig{SignerTag: testTag})
	require.NoError(t, err)
	assert.Equal(t, SchemeLongChain, s.Scheme())

	local, err := openStore(t, soft, StoreConfig{})
	require.NoError(t, err)
	assert.Equal(t, local.Namespaces(), s.Namespaces())

	for _, curve := range cert.Curves {
		chain, err := s.CertificateChain(ctx, cert.StageTest, curve)
		require.NoError(t, err)
		want, err := local.CertificateChain(ctx, cert.StageTest, curve)
		require.NoError(t, err)
		assert.Equal(t, want.Raw(), chain.Raw())
		assert.NoError(t, chain.Validate())

		data := []byte("device public key and smsn")
		sig, err := s.Sign(ctx, curve, cert.StageTest, data)
		require.NoError(t, err)
		assert.NoError(t, cert.VerifySignature(curve, chain.Leaf().PublicKey, sig, data))
	}

	signer := s.lookup(ConstructID(generatedSignerNS, cert.CurveED25519, cert.StageTest, ElementPriv), TypeAsymmetricKey)
	require.NotNil(t, signer)
	info, err := signer.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, info.Algorithm)
	assert.Contains(t, info.Label, testTag)

	require.Equal(t, 1, fake.openSessions())
	require.NoError(t, sess.Close())
	assert.Zero(t, fake.openSessions())
	_, err = sess.ListObjects(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestYubiHSMAuthSlotFallback(t *testing.T) {
	// Only slot 5 exists: PREPROD tries slot 6 first.
	soft := newHierarchy(t, HierarchyConfig{Scheme: SchemeLongChain})
	_, yh := newFakeYubiHSM(t, soft)

	sess, err := OpenSession(context.Background(), yh, testPin, 0, cert.StagePreprod, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = yh.CreateSession(context.Background(), AuthKeySlotPreprod, testPin)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestYubiHSMWrongPassword(t *testing.T) {
	soft := newHierarchy(t, HierarchyConfig{Scheme: SchemeLongChain})
	fake, yh := newFakeYubiHSM(t, soft)

	_, err := OpenSession(context.Background(), yh, "wrong", 0, cert.StageTest, nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, fake.openSessions(), "the device session is never authenticated")
}

func TestYubiHSMRejectsBadResponseMAC(t *testing.T) {
	soft := newHierarchy(t, HierarchyConfig{Scheme: SchemeLongChain})
	fake, yh := newFakeYubiHSM(t, soft)

	sess, err := OpenSession(context.Background(), yh, testPin, 0, cert.StageTest, nil)
	require.NoError(t, err)
	fake.setCorruptRMAC(true)

	_, err = sess.ListObjects(context.Background())
	assert.ErrorIs(t, err, errChannelMAC)
}

func TestYubiHSMConnectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	yh := NewYubiHSM(YubiHSMConfig{URL: srv.URL, Client: srv.Client()})

	_, err := yh.SerialNumber(context.Background())
	assert.ErrorContains(t, err, "404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = yh.CreateSession(ctx, AuthKeySlot, testPin)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseResponse(t *testing.T) {
	body, err := parseResponse(yhGetOpaque, frame(yhGetOpaque|yhResponse, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body)

	_, err = parseResponse(yhGetOpaque, deviceError(YubiHSMObjectNotFound))
	assert.ErrorIs(t, err, ErrObjectNotFound)
	var yerr YubiHSMError
	require.ErrorAs(t, err, &yerr)
	assert.Equal(t, YubiHSMObjectNotFound, yerr)

	tests := []struct {
		name string
		msg  []byte
	}{
		{"short", []byte{0xc3, 0x00}},
		{"truncated", []byte{0xc3, 0x00, 0x05, 0x01}},
		{"other command", frame(yhListObjects|yhResponse, nil)},
		{"empty error", frame(yhError, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResponse(yhGetOpaque, tt.msg)
			assert.Error(t, err)
		})
	}
}

func TestSecureChannelPadding(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(0x80 + i)
		}
		padded := pad(data)
		assert.Zero(t, len(padded)%16, "len %d", n)
		assert.Greater(t, len(padded), n)
		got, err := unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := unpad(make([]byte, 16))
	assert.Error(t, err)
	_, err = unpad(append(make([]byte, 15), 0x01))
	assert.Error(t, err)
}

func TestSecureChannelCounter(t *testing.T) {
	c := &secureChannel{}
	c.start()
	c.counter[15] = 0xff
	c.next()
	assert.Equal(t, byte(0x01), c.counter[14])
	assert.Equal(t, byte(0x00), c.counter[15])
}

func TestDial(t *testing.T) {
	c, err := Dial("http://127.0.0.1:12345", nil)
	require.NoError(t, err)
	assert.IsType(t, &YubiHSM{}, c)

	_, err = Dial("yhusb://", nil)
	assert.ErrorIs(t, err, ErrUnsupportedConnector)
	_, err = Dial("", nil)
	assert.ErrorIs(t, err, ErrUnsupportedConnector)

	h := newHierarchy(t, HierarchyConfig{Scheme: SchemeLongChain})
	path := filepath.Join(t.TempDir(), "keystore.yaml")
	require.NoError(t, h.Save(path))
	for _, addr := range []string{path, "file://" + path} {
		c, err := Dial(addr, nil)
		require.NoError(t, err)
		assert.IsType(t, &SoftHSM{}, c)
	}

	_, err = Dial(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
