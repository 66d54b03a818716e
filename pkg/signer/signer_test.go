package signer

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTag = "TEST_ACME_DAK"

func newStore(t *testing.T) *hsm.Store {
	t.Helper()
	h := hsm.NewSoftHSM(42)
	require.NoError(t, hsm.GenerateHierarchy(h, hsm.HierarchyConfig{
		Scheme:    hsm.SchemeLongChain,
		SignerTag: testTag,
		Stages:    []cert.Stage{cert.StageTest},
		Pin:       "pin",
		HSMInfo:   true,
	}))
	ctx := context.Background()
	sess, err := hsm.OpenSession(ctx, h, "pin", 0, cert.StageTest, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	store, err := hsm.NewStore(ctx, sess, hsm.StoreConfig{SignerTag: testTag})
	require.NoError(t, err)
	return store
}

type deviceKey struct {
	curve cert.Curve
	priv  []byte
	pub   []byte
}

func newDeviceKey(t *testing.T, curve cert.Curve) *deviceKey {
	t.Helper()
	if curve == cert.CurveED25519 {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		return &deviceKey{curve: curve, priv: priv.Seed(), pub: pub}
	}
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &deviceKey{curve: curve, priv: k.Bytes(), pub: k.PublicKey().Bytes()[1:]}
}

// csr builds pub||smsn, self-signed when sign is set.
func (k *deviceKey) csr(t *testing.T, smsn []byte, sign bool) []byte {
	t.Helper()
	data := append(append([]byte{}, k.pub...), smsn...)
	if !sign {
		return data
	}
	var sig []byte
	if k.curve == cert.CurveED25519 {
		sig = ed25519.Sign(ed25519.NewKeyFromSeed(k.priv), data)
	} else {
		pk, err := cert.P256PublicKey(k.pub)
		require.NoError(t, err)
		key := &ecdsa.PrivateKey{PublicKey: *pk}
		key.D = new(big.Int).SetBytes(k.priv)
		digest := sha256.Sum256(data)
		r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
		require.NoError(t, err)
		sig = make([]byte, 64)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
	}
	return append(data, sig...)
}

func TestGenerateChain(t *testing.T) {
	store := newStore(t)
	s := New(store, Config{Stage: cert.StageTest})
	smsn := GenerateSMSN(cert.StageTest, "acme-sensor", "ABCD", "dsn-0001")

	for _, curve := range cert.Curves {
		t.Run(curve.String(), func(t *testing.T) {
			dev := newDeviceKey(t, curve)
			raw, err := s.GenerateChain(context.Background(), curve, dev.pub, smsn)
			require.NoError(t, err)

			chain, err := cert.ParseChain(raw, curve)
			require.NoError(t, err)
			require.Len(t, chain, 6)
			assert.NoError(t, chain.Validate())
			assert.Equal(t, smsn, chain.Leaf().Serial)
			assert.Equal(t, dev.pub, chain.Leaf().PublicKey)
		})
	}
}

type stubStore struct{ mock.Mock }

func (s *stubStore) Sign(ctx context.Context, curve cert.Curve, stage cert.Stage, data []byte) ([]byte, error) {
	ret := s.Called(curve, stage, data)
	b, _ := ret.Get(0).([]byte)
	return b, ret.Error(1)
}

func (s *stubStore) CertificateChain(ctx context.Context, stage cert.Stage, curve cert.Curve) (cert.Chain, error) {
	ret := s.Called(stage, curve)
	c, _ := ret.Get(0).(cert.Chain)
	return c, ret.Error(1)
}

func TestGenerateChainRejectsBadSignature(t *testing.T) {
	store := newStore(t)
	chain, err := store.CertificateChain(context.Background(), cert.StageTest, cert.CurveED25519)
	require.NoError(t, err)

	stub := &stubStore{}
	stub.On("CertificateChain", cert.StageTest, cert.CurveED25519).Return(chain, nil)
	stub.On("Sign", cert.CurveED25519, cert.StageTest, mock.Anything).Return(make([]byte, 64), nil)

	dev := newDeviceKey(t, cert.CurveED25519)
	smsn := make([]byte, cert.SMSNSize)

	_, err = New(stub, Config{Stage: cert.StageTest}).GenerateChain(context.Background(), cert.CurveED25519, dev.pub, smsn)
	var verr *cert.ChainValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, cert.AuthorityDAK, verr.Issuer)
	assert.Equal(t, cert.AuthorityDevice, verr.Subject)

	// With verification disabled the broken chain is returned.
	raw, err := New(stub, Config{Stage: cert.StageTest, SkipVerify: true}).GenerateChain(context.Background(), cert.CurveED25519, dev.pub, smsn)
	require.NoError(t, err)
	assert.Len(t, raw, cert.RawSize(cert.CurveED25519, cert.DeviceChainTiers))
}

func TestGenerateChainMissingObject(t *testing.T) {
	stub := &stubStore{}
	stub.On("CertificateChain", cert.StageTest, cert.CurveP256R1).
		Return(nil, &hsm.MissingCertificateObjectError{Type: cert.AuthorityManu, Element: hsm.ElementSerial, ID: 0x3F})

	_, err := New(stub, Config{Stage: cert.StageTest}).GenerateChain(context.Background(), cert.CurveP256R1, make([]byte, 64), make([]byte, 32))
	assert.ErrorIs(t, err, hsm.ErrMissingCertificateObject)
	stub.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything, mock.Anything)
}

func TestDecodeCSR(t *testing.T) {
	smsn := make([]byte, cert.SMSNSize)
	smsn[0] = 0x5A

	for _, curve := range cert.Curves {
		t.Run(curve.String(), func(t *testing.T) {
			dev := newDeviceKey(t, curve)

			unsigned, err := DecodeCSR(dev.csr(t, smsn, false), cert.SMSNSize, curve, true)
			require.NoError(t, err)
			assert.False(t, unsigned.Signed())
			assert.Equal(t, dev.pub, unsigned.PublicKey)
			assert.Equal(t, smsn, unsigned.SMSN)

			signed, err := DecodeCSR(dev.csr(t, smsn, true), cert.SMSNSize, curve, true)
			require.NoError(t, err)
			assert.True(t, signed.Signed())

			bad := dev.csr(t, smsn, true)
			bad[len(bad)-1] ^= 0x01
			_, err = DecodeCSR(bad, cert.SMSNSize, curve, true)
			assert.ErrorIs(t, err, ErrCSRSignature)

			_, err = DecodeCSR(bad, cert.SMSNSize, curve, false)
			assert.NoError(t, err)

			_, err = DecodeCSR(bad[:len(bad)-1], cert.SMSNSize, curve, true)
			assert.ErrorIs(t, err, ErrInvalidCSR)
		})
	}
}

func TestGenerateSMSN(t *testing.T) {
	want := sha256.Sum256([]byte("acme-sensor-TESTdsn-0001ABCD"))
	assert.Equal(t, want[:], GenerateSMSN(cert.StageTest, "acme-sensor", "ABCD", "dsn-0001"))
	assert.NotEqual(t, want[:], GenerateSMSN(cert.StageProd, "acme-sensor", "ABCD", "dsn-0001"))
}

func TestResolveValidation(t *testing.T) {
	ed := newDeviceKey(t, cert.CurveED25519)
	p := newDeviceKey(t, cert.CurveP256R1)
	smsn := make([]byte, cert.SMSNSize)

	tests := []struct {
		name string
		req  Request
	}{
		{"no csr", Request{ProductTag: testTag}},
		{"one csr", Request{ProductTag: testTag, ED25519CSR: ed.csr(t, smsn, false)}},
		{"generate without apid", Request{
			ProductTag: testTag, GenerateSMSN: true, DeviceType: "d", DSN: "1",
			ED25519CSR: ed.pub, P256R1CSR: p.pub,
		}},
		{"generate with custom smsn length", Request{
			ProductTag: testTag, GenerateSMSN: true, SMSNLen: 16, DeviceType: "d", DSN: "1", APID: "A",
			ED25519CSR: ed.pub, P256R1CSR: p.pub,
		}},
		{"both key forms", Request{
			ProductTag: testTag, ED25519CSR: ed.csr(t, smsn, false), P256R1CSR: p.csr(t, smsn, false),
			ED25519Key: &cert.PrivateKey{}, ED25519KeyRaw: ed.priv,
		}},
		{"unknown stage", Request{
			ProductTag: "ACME_DAK", ED25519CSR: ed.csr(t, smsn, false), P256R1CSR: p.csr(t, smsn, false),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Resolve()
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestResolveCSRMismatch(t *testing.T) {
	ed := newDeviceKey(t, cert.CurveED25519)
	p := newDeviceKey(t, cert.CurveP256R1)
	a := make([]byte, cert.SMSNSize)
	b := make([]byte, cert.SMSNSize)
	b[0] = 1

	_, err := (&Request{ProductTag: testTag, ED25519CSR: ed.csr(t, a, false), P256R1CSR: p.csr(t, b, false)}).Resolve()
	assert.ErrorIs(t, err, ErrCSRMismatch)

	_, err = (&Request{ProductTag: testTag, ED25519CSR: ed.csr(t, a, true), P256R1CSR: p.csr(t, a, false)}).Resolve()
	assert.ErrorIs(t, err, ErrCSRMismatch)
}

func TestResolveKeyPairMismatch(t *testing.T) {
	ed := newDeviceKey(t, cert.CurveED25519)
	p := newDeviceKey(t, cert.CurveP256R1)
	other := newDeviceKey(t, cert.CurveP256R1)
	smsn := make([]byte, cert.SMSNSize)

	_, err := (&Request{
		ProductTag:   testTag,
		ED25519CSR:   ed.csr(t, smsn, true),
		P256R1CSR:    p.csr(t, smsn, true),
		P256R1KeyRaw: other.priv,
	}).Resolve()
	assert.ErrorIs(t, err, cert.ErrKeyPairMismatch)
}

func TestSignRunOutputs(t *testing.T) {
	ed := newDeviceKey(t, cert.CurveED25519)
	p := newDeviceKey(t, cert.CurveP256R1)

	req := &Request{
		ProductTag:         testTag,
		GenerateSMSN:       true,
		DeviceType:         "acme-sensor",
		DSN:                "dsn-0001",
		APID:               "ABCD",
		ED25519Key:         &cert.PrivateKey{Curve: cert.CurveED25519, Private: ed.priv, PublicKey: ed.pub},
		P256R1Key:          &cert.PrivateKey{Curve: cert.CurveP256R1, Private: p.priv, PublicKey: p.pub},
		AppServerPublicKey: []byte{0xAA, 0xBB},
	}
	job, err := req.Resolve()
	require.NoError(t, err)
	assert.Equal(t, cert.StageTest, job.Stage)

	res, err := New(newStore(t), Config{Stage: job.Stage}).Issue(context.Background(), job)
	require.NoError(t, err)

	out, err := res.JSON()
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "test", doc.Label)
	require.NotNil(t, doc.Metadata)
	assert.Equal(t, hex.EncodeToString(job.SMSN), doc.Metadata.SMSN)
	assert.Equal(t, "ABCD", doc.Metadata.APID)
	assert.Equal(t, hex.EncodeToString(ed.priv), doc.Metadata.DevicePrivKeyEd25519)
	assert.Equal(t, "aabb", doc.ApplicationServerPublicKey)

	raw, err := base64.StdEncoding.DecodeString(doc.P256R1)
	require.NoError(t, err)
	chain, err := cert.ParseChain(raw, cert.CurveP256R1)
	require.NoError(t, err)
	assert.NoError(t, chain.Validate())

	flat := res.Flat()
	assert.True(t, strings.HasPrefix(flat, "smsn: "+hex.EncodeToString(job.SMSN)+"\n"))
	assert.Contains(t, flat, "Label: test\n")
	assert.Contains(t, flat, "Application Server Public Key:aabb\n")

	dir := t.TempDir()
	path, err := res.WriteControlLog(dir, ControlLogVersion)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": "4-0-1"`)
	assert.Contains(t, string(data), `"advertisedProductId": "ABCD"`)

	_, err = res.ControlLog("3-0-0")
	assert.ErrorIs(t, err, ErrUnsupportedControlLog)
}

func TestIssueStageMismatch(t *testing.T) {
	_, err := New(&stubStore{}, Config{Stage: cert.StageProd}).Issue(context.Background(), &Job{Stage: cert.StageTest})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDocumentWithoutMetadata(t *testing.T) {
	res := &Result{Stage: cert.StageProd, ED25519Chain: []byte{1}, P256R1Chain: []byte{2}}
	doc := res.Document()
	assert.Nil(t, doc.Metadata)
	assert.Equal(t, "production", doc.Label)
}
