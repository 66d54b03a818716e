package mfg

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// issue signs a TEST identity against a generated software HSM.
func issue(t *testing.T) *signer.Result {
	t.Helper()
	const tag = "TEST_ACME_DAK"
	h := hsm.NewSoftHSM(7)
	require.NoError(t, hsm.GenerateHierarchy(h, hsm.HierarchyConfig{
		Scheme:    hsm.SchemeLongChain,
		SignerTag: tag,
		Stages:    []cert.Stage{cert.StageTest},
		Pin:       "pin",
		HSMInfo:   true,
	}))
	ctx := context.Background()
	sess, err := hsm.OpenSession(ctx, h, "pin", 0, cert.StageTest, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	store, err := hsm.NewStore(ctx, sess, hsm.StoreConfig{SignerTag: tag})
	require.NoError(t, err)

	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ed, err := cert.PrivateKeyFromRaw(cert.CurveED25519, edPriv.Seed())
	require.NoError(t, err)
	pSeed := make([]byte, 32)
	pSeed[31] = 0x2A
	p, err := cert.PrivateKeyFromRaw(cert.CurveP256R1, pSeed)
	require.NoError(t, err)

	job, err := (&signer.Request{
		ProductTag:         tag,
		GenerateSMSN:       true,
		DeviceType:         "acme-sensor",
		DSN:                "0001",
		APID:               "ABCD",
		ED25519Key:         ed,
		P256R1Key:          p,
		AppServerPublicKey: []byte{0xA1, 0xB2},
	}).Resolve()
	require.NoError(t, err)
	res, err := signer.New(store, signer.Config{Stage: job.Stage}).Issue(ctx, job)
	require.NoError(t, err)
	return res
}

func production(t *testing.T, res *signer.Result) *Certificates {
	t.Helper()
	data, err := res.JSON()
	require.NoError(t, err)
	c, err := ParseProduction(data)
	require.NoError(t, err)
	return c
}

func TestObjectIDs(t *testing.T) {
	tests := []struct {
		id   ObjectID
		key  uint32
		name string
		kind Kind
	}{
		{SMSN, 0xA9004, "SMSN", KindStoredValue},
		{DevicePrivED25519, 0xA9006, "DEVICE_PRIV_ED25519", KindPrivateKey},
		{DevicePrivP256R1, 0xA9009, "DEVICE_PRIV_P256R1", KindPrivateKey},
		{DAKP256R1Serial, 0xA9011, "DAK_P256R1_SERIAL", KindStoredValue},
		{AMZNPubP256R1, 0xA9025, "AMZN_PUB_P256R1", KindStoredValue},
		{APID, 0xA9026, "APID", KindStoredValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, uint32(tt.id))
			assert.Equal(t, tt.name, tt.id.String())
			assert.Equal(t, tt.kind, tt.id.Kind())
			assert.True(t, tt.id.Valid())
		})
	}
	assert.False(t, ObjectID(0xA9000).Valid())
	assert.Equal(t, "MFG(0xa9000)", ObjectID(0xA9000).String())
}

func TestKeyAttributes(t *testing.T) {
	ed, ok := DevicePrivED25519.KeyAttributes()
	require.True(t, ok)
	assert.Equal(t, uint32(0x06000800), ed.Algorithm)
	assert.Equal(t, uint32(0xFF), ed.Bits)
	assert.Equal(t, uint8(0x42), ed.Type)
	assert.Equal(t, uint32(1), ed.KeyID)

	p, ok := DevicePrivP256R1.KeyAttributes()
	require.True(t, ok)
	assert.Equal(t, uint32(0x06000609), p.Algorithm)
	assert.Equal(t, uint32(0x100), p.Bits)
	assert.Equal(t, uint8(0x12), p.Type)
	assert.Equal(t, uint32(2), p.KeyID)

	_, ok = SMSN.KeyAttributes()
	assert.False(t, ok)
}

func TestDataOrder(t *testing.T) {
	var d Data
	d.Set(SMSN, []byte{1})
	d.Set(DevicePrivED25519, []byte{2})
	d.Set(APID, []byte{3})
	d.Set(SMSN, []byte{4})

	assert.Equal(t, []ObjectID{SMSN, DevicePrivED25519, APID}, d.IDs())
	e, ok := d.Get(SMSN)
	require.True(t, ok)
	assert.Equal(t, "04", e.Hex)

	b, err := e.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, b)

	assert.Equal(t, "0xa9004:OBJ:04\n0xa9006:OBJ:02\n0xa9026:OBJ:03", NVM3Content(d))
}

func TestDynamicData(t *testing.T) {
	res := issue(t)
	c := production(t, res)
	require.NoError(t, c.Validate())

	d, err := c.DynamicData()
	require.NoError(t, err)
	assert.Equal(t, []ObjectID{
		SMSN,
		DevicePrivED25519, DevicePubED25519, DevicePubED25519Signature,
		DevicePrivP256R1, DevicePubP256R1, DevicePubP256R1Signature,
		DAKPubED25519, DAKPubED25519Signature, DAKED25519Serial,
		DAKPubP256R1, DAKPubP256R1Signature, DAKP256R1Serial,
	}, d.IDs())

	smsn, _ := d.Get(SMSN)
	assert.Equal(t, hex.EncodeToString(res.SMSN), smsn.Hex)
	priv, _ := d.Get(DevicePrivED25519)
	assert.Equal(t, hex.EncodeToString(res.ED25519Private), priv.Hex)
	pub, _ := d.Get(DevicePubP256R1)
	assert.Len(t, pub.Hex, 2*cert.P256R1PublicKeySize)
	serial, _ := d.Get(DAKED25519Serial)
	assert.Len(t, serial.Hex, 2*cert.SerialSize)
}

func TestStaticData(t *testing.T) {
	c := production(t, issue(t))
	d, err := c.StaticData()
	require.NoError(t, err)

	ids := d.IDs()
	assert.Len(t, ids, 24)
	assert.Equal(t, AppPubED25519, ids[0])
	assert.Equal(t, APID, ids[len(ids)-1])

	app, _ := d.Get(AppPubED25519)
	assert.Equal(t, "a1b2", app.Hex)
	apid, _ := d.Get(APID)
	assert.Equal(t, "41424344", apid.Hex)
	kid, _ := d.Get(DevicePrivP256R1)
	assert.Equal(t, "02"+strings.Repeat("0", 62), kid.Hex)
	amzn, _ := d.Get(AMZNPubED25519)
	assert.Equal(t, hex.EncodeToString(c.ED25519.Find(cert.AuthorityAMZN).PublicKey), amzn.Hex)
}

func TestMissingPrivateKey(t *testing.T) {
	res := issue(t)
	res.P256R1Private = nil
	c := production(t, res)
	_, err := c.DynamicData()
	assert.ErrorIs(t, err, ErrMissingPrivateKey)
}

func TestDataRequiresChains(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Certificates)
	}{
		{"no ed25519 chain", func(c *Certificates) { c.ED25519 = nil }},
		{"no p256r1 chain", func(c *Certificates) { c.P256R1 = cert.Chain{} }},
		{"no device cert", func(c *Certificates) { c.P256R1 = c.P256R1[:len(c.P256R1)-1] }},
		{"no amzn cert", func(c *Certificates) { c.ED25519 = c.ED25519[1:] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := production(t, issue(t))
			tt.mutate(c)

			_, dynErr := c.DynamicData()
			_, staticErr := c.StaticData()
			assert.True(t, errors.Is(dynErr, ErrIncompleteChain) || errors.Is(staticErr, ErrIncompleteChain),
				"dynamic: %v, static: %v", dynErr, staticErr)
		})
	}

	c := production(t, issue(t))
	c.ED25519 = nil
	_, err := c.DynamicData()
	assert.ErrorIs(t, err, ErrIncompleteChain)
	_, err = c.StaticData()
	assert.ErrorIs(t, err, ErrIncompleteChain)
}

func TestParsePrototype(t *testing.T) {
	res := issue(t)

	var doc prototypeDocument
	doc.Sidewalk.SidewalkManufacturingSn = strings.ToUpper(hex.EncodeToString(res.SMSN))
	doc.Sidewalk.DeviceCertificates = []signedValue{
		{SigningAlg: "P256r1", Value: base64.StdEncoding.EncodeToString(res.P256R1Chain)},
		{SigningAlg: "Ed25519", Value: base64.StdEncoding.EncodeToString(res.ED25519Chain)},
	}
	doc.Sidewalk.PrivateKeys = []signedValue{
		{SigningAlg: "Ed25519", Value: hex.EncodeToString(res.ED25519Private)},
		{SigningAlg: "P256r1", Value: hex.EncodeToString(res.P256R1Private)},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	profile, err := ParseDeviceProfile([]byte(`{"Sidewalk":{
		"ApplicationServerPublicKey":"00ff",
		"DakCertificateMetadata":[{"DeviceTypeId":"abcd-1234-WXYZ"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "WXYZ", profile.APID())

	c, err := ParsePrototype(data, profile)
	require.NoError(t, err)
	assert.Equal(t, res.SMSN, c.SMSN)
	assert.Equal(t, "WXYZ", c.APID)
	assert.Equal(t, []byte{0x00, 0xFF}, c.AppServerPublicKey)
	assert.Equal(t, res.ED25519Chain, c.ED25519.Raw())
	assert.Equal(t, res.P256R1Chain, c.P256R1.Raw())

	_, err = c.DynamicData()
	assert.NoError(t, err)
}

func TestParseDocumentErrors(t *testing.T) {
	res := issue(t)
	data, err := res.JSON()
	require.NoError(t, err)

	var doc signer.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.Metadata.SMSN = strings.Repeat("00", cert.SMSNSize)
	bad, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = ParseProduction(bad)
	assert.ErrorIs(t, err, ErrInvalidDocument)

	require.NoError(t, json.Unmarshal(data, &doc))
	doc.P256R1 = base64.StdEncoding.EncodeToString(res.P256R1Chain[:10])
	bad, err = json.Marshal(doc)
	require.NoError(t, err)
	_, err = ParseProduction(bad)
	assert.ErrorIs(t, err, cert.ErrChainTruncated)

	_, err = ParsePrototype([]byte(`{"Sidewalk":{}}`), nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestParseDocumentType(t *testing.T) {
	typ, err := ParseDocumentType("PROD")
	require.NoError(t, err)
	assert.Equal(t, DocumentProduction, typ)

	_, err = ParseDocumentType("dev")
	assert.ErrorIs(t, err, ErrInvalidDocument)
}
