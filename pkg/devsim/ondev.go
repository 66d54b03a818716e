package devsim

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// productionSuffix is appended to the device type by the firmware.
const productionSuffix = "-PRODUCTION"

// onDevice is the state of one on-device certificate generation.
type onDevice struct {
	apid   string
	smsn   []byte
	keys   map[cert.Curve]*cert.PrivateKey
	chains map[cert.Curve][]byte
	appKey []byte
	stored bool
}

// DeriveSMSN computes the SMSN the firmware derives from its GenSMSN
// inputs.
func DeriveSMSN(req wire.SMSNRequest) []byte {
	if req.BoardID == "" {
		return signer.GenerateSMSN(cert.StageProd, req.DeviceType, req.APID, req.DSN)
	}
	sum := sha256.Sum256([]byte(req.DeviceType + productionSuffix + req.DSN + req.APID + req.BoardID))
	return sum[:]
}

func (d *Device) onDeviceCommand(f *wire.Frame) *wire.Response {
	if f.Command == wire.CmdInit {
		d.odc = &onDevice{
			keys:   make(map[cert.Curve]*cert.PrivateKey),
			chains: make(map[cert.Curve][]byte),
		}
		return &wire.Response{Status: wire.StatusSuccess}
	}
	status := onDeviceStatus(f.Command)
	if d.odc == nil || d.odc.stored {
		return failure(status, InternalInvalidState)
	}

	switch f.Command {
	case wire.CmdGenSMSN:
		req, err := wire.ParseGenSMSN(f)
		if err != nil || req.DeviceType == "" || req.DSN == "" || req.APID == "" {
			return failure(status, InternalInvalidArgs)
		}
		d.odc.apid = req.APID
		d.odc.smsn = DeriveSMSN(req)
		return &wire.Response{Status: wire.StatusSuccess, Payload: wire.LengthPrefixed(d.odc.smsn)}

	case wire.CmdGenCSR:
		curve, err := wire.ParseGenCSR(f)
		if err != nil {
			return failure(status, InternalInvalidArgs)
		}
		c, err := curve.Cert()
		if err != nil {
			return failure(status, InternalInvalidArgs)
		}
		if d.odc.smsn == nil {
			return failure(status, InternalInvalidState)
		}
		csr, err := d.odc.generateCSR(c)
		if err != nil {
			d.logger.Warn("devsim CSR generation failed", "curve", c, "error", err)
			return failure(status, InternalVerifyFailed)
		}
		return &wire.Response{Status: wire.StatusSuccess, Payload: wire.LengthPrefixed(csr)}

	case wire.CmdWriteCertChain:
		curve, chain, err := wire.ParseWriteCertChain(f)
		if err != nil {
			return failure(status, InternalInvalidArgs)
		}
		c, err := curve.Cert()
		if err != nil || d.odc.keys[c] == nil {
			return failure(status, InternalInvalidState)
		}
		d.odc.chains[c] = bytes.Clone(chain)
		return &wire.Response{Status: wire.StatusSuccess}

	case wire.CmdWriteAppSrvPubKey:
		key, err := wire.ParseWriteAppSrvPubKey(f)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return failure(status, InternalInvalidArgs)
		}
		d.odc.appKey = bytes.Clone(key)
		return &wire.Response{Status: wire.StatusSuccess}

	case wire.CmdStore:
		certs, err := d.odc.commit()
		if err != nil {
			d.logger.Warn("devsim commit rejected", "error", err)
			return failure(status, InternalVerifyFailed)
		}
		dynamic, err := certs.DynamicData()
		if err != nil {
			return failure(status, InternalVerifyFailed)
		}
		static, err := certs.StaticData()
		if err != nil {
			return failure(status, InternalVerifyFailed)
		}
		for _, e := range static {
			d.nvm3.SetHex(e.ID, e.Hex)
		}
		for _, e := range dynamic {
			if e.ID.Kind() != mfg.KindPrivateKey {
				d.nvm3.SetHex(e.ID, e.Hex)
				continue
			}
			attrs, _ := e.ID.KeyAttributes()
			key, _ := e.Bytes()
			d.keys[attrs.KeyID] = KeySlot{Attributes: attrs, Key: key}
		}
		d.odc.stored = true
		return &wire.Response{Status: wire.StatusSuccess}
	}
	return &wire.Response{Status: wire.StatusErrCmdUnknown}
}

func onDeviceStatus(cmd wire.Command) wire.Status {
	switch cmd {
	case wire.CmdGenSMSN:
		return wire.StatusErrOnDevCertGenGenSMSN
	case wire.CmdGenCSR:
		return wire.StatusErrOnDevCertGenGenCSR
	case wire.CmdWriteCertChain:
		return wire.StatusErrOnDevCertGenWriteCertChain
	case wire.CmdWriteAppSrvPubKey:
		return wire.StatusErrOnDevCertGenWriteAppKey
	case wire.CmdStore:
		return wire.StatusErrOnDevCertGenCommit
	default:
		return wire.StatusErrOnDevCertGenInit
	}
}

// generateCSR creates a key pair and returns publicKey||smsn||signature,
// the signature covering publicKey||smsn.
func (o *onDevice) generateCSR(curve cert.Curve) ([]byte, error) {
	var (
		key *cert.PrivateKey
		sig []byte
		err error
	)
	switch curve {
	case cert.CurveED25519:
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		if key, err = cert.PrivateKeyFromRaw(curve, seed); err != nil {
			return nil, err
		}
		sig = ed25519.Sign(ed25519.NewKeyFromSeed(seed), append(bytes.Clone(key.PublicKey), o.smsn...))
	case cert.CurveP256R1:
		ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		if key, err = cert.PrivateKeyFromRaw(curve, ek.D.FillBytes(make([]byte, 32))); err != nil {
			return nil, err
		}
		digest := sha256.Sum256(append(bytes.Clone(key.PublicKey), o.smsn...))
		der, err := ecdsa.SignASN1(rand.Reader, ek, digest[:])
		if err != nil {
			return nil, err
		}
		if sig, err = hsm.DERToRaw(der); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported curve %s", curve)
	}
	o.keys[curve] = key
	csr := append(bytes.Clone(key.PublicKey), o.smsn...)
	return append(csr, sig...), nil
}

// commit verifies the received chains against the generated keys.
func (o *onDevice) commit() (*mfg.Certificates, error) {
	if o.appKey == nil {
		return nil, fmt.Errorf("application server key missing")
	}
	certs := &mfg.Certificates{
		SMSN:               o.smsn,
		APID:               o.apid,
		AppServerPublicKey: o.appKey,
	}
	for _, curve := range cert.Curves {
		key, raw := o.keys[curve], o.chains[curve]
		if key == nil || raw == nil {
			return nil, fmt.Errorf("%s chain missing", curve)
		}
		chain, err := cert.ParseChain(raw, curve)
		if err != nil {
			return nil, err
		}
		if err := chain.Validate(); err != nil {
			return nil, err
		}
		leaf := chain.Leaf()
		if !bytes.Equal(leaf.Serial, o.smsn) {
			return nil, fmt.Errorf("%s leaf serial does not match SMSN", curve)
		}
		if err := cert.CheckKeyPair(key, leaf.PublicKey); err != nil {
			return nil, err
		}
		if curve == cert.CurveED25519 {
			certs.ED25519, certs.ED25519Private = chain, key.Private
		} else {
			certs.P256R1, certs.P256R1Private = chain, key.Private
		}
	}
	return certs, nil
}
