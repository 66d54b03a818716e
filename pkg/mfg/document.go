package mfg

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
)

// Document errors.
var (
	ErrInvalidDocument   = errors.New("invalid certificate document")
	ErrMissingPrivateKey = errors.New("private key missing from certificate document")
	ErrIncompleteChain   = errors.New("certificate chain incomplete")
)

// DocumentType selects the certificate document format.
type DocumentType string

const (
	// DocumentPrototype is the cloud registry output for prototype devices.
	DocumentPrototype DocumentType = "proto"

	// DocumentProduction is the signing tool output.
	DocumentProduction DocumentType = "prod"
)

// ParseDocumentType validates a document type name.
func ParseDocumentType(s string) (DocumentType, error) {
	switch t := DocumentType(strings.ToLower(s)); t {
	case DocumentPrototype, DocumentProduction:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidDocument, s)
	}
}

// Certificates is the decoded content of a certificate document.
type Certificates struct {
	SMSN               []byte
	ED25519            cert.Chain
	P256R1             cert.Chain
	ED25519Private     []byte
	P256R1Private      []byte
	APID               string
	AppServerPublicKey []byte
}

// Chain returns the chain of a curve.
func (c *Certificates) Chain(curve cert.Curve) cert.Chain {
	if curve == cert.CurveP256R1 {
		return c.P256R1
	}
	return c.ED25519
}

// Validate checks both chains.
func (c *Certificates) Validate() error {
	for _, curve := range cert.Curves {
		if err := c.Chain(curve).Validate(); err != nil {
			return err
		}
	}
	return nil
}

type signedValue struct {
	SigningAlg string `json:"SigningAlg"`
	Value      string `json:"Value"`
}

type prototypeDocument struct {
	Sidewalk struct {
		DeviceCertificates      []signedValue `json:"DeviceCertificates"`
		PrivateKeys             []signedValue `json:"PrivateKeys"`
		SidewalkManufacturingSn string        `json:"SidewalkManufacturingSn"`
	} `json:"Sidewalk"`
}

// signingAlg is the algorithm name used by prototype documents.
func signingAlg(c cert.Curve) string {
	if c == cert.CurveP256R1 {
		return "P256r1"
	}
	return "Ed25519"
}

// ParsePrototype decodes a prototype certificate document. The APID and
// the application server key come from the device profile, which may be
// nil when only the device objects are needed.
func ParsePrototype(data []byte, profile *DeviceProfile) (*Certificates, error) {
	var doc prototypeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	out := &Certificates{}
	for _, curve := range cert.Curves {
		alg := signingAlg(curve)
		c, ok := lo.Find(doc.Sidewalk.DeviceCertificates, func(v signedValue) bool { return v.SigningAlg == alg })
		if !ok {
			return nil, fmt.Errorf("%w: no %s device certificate", ErrInvalidDocument, alg)
		}
		chain, err := decodeChain(c.Value, curve)
		if err != nil {
			return nil, err
		}
		var priv []byte
		if k, ok := lo.Find(doc.Sidewalk.PrivateKeys, func(v signedValue) bool { return v.SigningAlg == alg }); ok {
			if priv, err = hex.DecodeString(k.Value); err != nil {
				return nil, fmt.Errorf("%w: %s private key: %v", ErrInvalidDocument, alg, err)
			}
		}
		out.setCurve(curve, chain, priv)
	}

	if err := out.setSMSN(doc.Sidewalk.SidewalkManufacturingSn); err != nil {
		return nil, err
	}
	if profile != nil {
		out.APID = profile.APID()
		key, err := profile.AppServerPublicKey()
		if err != nil {
			return nil, err
		}
		out.AppServerPublicKey = key
	}
	return out, nil
}

// ParseProduction decodes a signing tool document. The private keys and
// metadata are optional; on-device generated identities carry neither.
func ParseProduction(data []byte) (*Certificates, error) {
	var doc signer.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	out := &Certificates{}
	md := lo.FromPtrOr(doc.Metadata, signer.Metadata{})
	for _, curve := range cert.Curves {
		value, privHex := doc.ED25519, md.DevicePrivKeyEd25519
		if curve == cert.CurveP256R1 {
			value, privHex = doc.P256R1, md.DevicePrivKeyP256R1
		}
		if value == "" {
			return nil, fmt.Errorf("%w: no %s chain", ErrInvalidDocument, curve)
		}
		chain, err := decodeChain(value, curve)
		if err != nil {
			return nil, err
		}
		priv, err := hex.DecodeString(privHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %s private key: %v", ErrInvalidDocument, curve, err)
		}
		out.setCurve(curve, chain, priv)
	}

	if err := out.setSMSN(md.SMSN); err != nil {
		return nil, err
	}
	out.APID = md.APID
	key, err := hex.DecodeString(doc.ApplicationServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: application server key: %v", ErrInvalidDocument, err)
	}
	out.AppServerPublicKey = key
	return out, nil
}

// LoadDocument reads and decodes a certificate document file.
func LoadDocument(path string, typ DocumentType, profile *DeviceProfile) (*Certificates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch typ {
	case DocumentPrototype:
		return ParsePrototype(data, profile)
	case DocumentProduction:
		return ParseProduction(data)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDocument, typ)
	}
}

func decodeChain(value string, curve cert.Curve) (cert.Chain, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s chain: %v", ErrInvalidDocument, curve, err)
	}
	chain, err := cert.ParseChain(raw, curve)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return chain, nil
}

func (c *Certificates) setCurve(curve cert.Curve, chain cert.Chain, priv []byte) {
	if curve == cert.CurveP256R1 {
		c.P256R1, c.P256R1Private = chain, lo.Ternary(len(priv) == 0, nil, priv)
		return
	}
	c.ED25519, c.ED25519Private = chain, lo.Ternary(len(priv) == 0, nil, priv)
}

// setSMSN takes the document SMSN, falling back to the device serial of
// the chains. Chains with different device serials are rejected.
func (c *Certificates) setSMSN(doc string) error {
	ed, p := c.ED25519.Leaf().Serial, c.P256R1.Leaf().Serial
	if !bytes.Equal(ed, p) {
		return fmt.Errorf("%w: device serials of the chains differ", ErrInvalidDocument)
	}
	c.SMSN = ed
	if doc == "" {
		return nil
	}
	smsn, err := hex.DecodeString(doc)
	if err != nil {
		return fmt.Errorf("%w: smsn: %v", ErrInvalidDocument, err)
	}
	if !bytes.Equal(smsn, ed) {
		return fmt.Errorf("%w: smsn does not match the device certificates", ErrInvalidDocument)
	}
	return nil
}

// DynamicData returns the per-device objects in provisioning order:
// SMSN, the device keys and certificates, then the DAK certificates.
func (c *Certificates) DynamicData() (Data, error) {
	if c.ED25519Private == nil || c.P256R1Private == nil {
		return nil, ErrMissingPrivateKey
	}
	if err := c.requireTiers(cert.AuthorityDevice, cert.AuthorityDAK); err != nil {
		return nil, err
	}
	ed, p := c.ED25519, c.P256R1

	var d Data
	d.Set(SMSN, c.SMSN)
	d.Set(DevicePrivED25519, c.ED25519Private)
	d.Set(DevicePubED25519, ed.Find(cert.AuthorityDevice).PublicKey)
	d.Set(DevicePubED25519Signature, ed.Find(cert.AuthorityDevice).Signature)
	d.Set(DevicePrivP256R1, c.P256R1Private)
	d.Set(DevicePubP256R1, p.Find(cert.AuthorityDevice).PublicKey)
	d.Set(DevicePubP256R1Signature, p.Find(cert.AuthorityDevice).Signature)
	d.Set(DAKPubED25519, ed.Find(cert.AuthorityDAK).PublicKey)
	d.Set(DAKPubED25519Signature, ed.Find(cert.AuthorityDAK).Signature)
	d.Set(DAKED25519Serial, ed.Find(cert.AuthorityDAK).Serial)
	d.Set(DAKPubP256R1, p.Find(cert.AuthorityDAK).PublicKey)
	d.Set(DAKPubP256R1Signature, p.Find(cert.AuthorityDAK).Signature)
	d.Set(DAKP256R1Serial, p.Find(cert.AuthorityDAK).Serial)
	return d, nil
}

// StaticData returns the objects shared by every device of a product:
// the application server key, the PSA key ids standing in for the
// private keys, the upper authority certificates and the APID.
func (c *Certificates) StaticData() (Data, error) {
	if err := c.requireTiers(cert.AuthorityProd, cert.AuthorityManu, cert.AuthoritySidewalk, cert.AuthorityAMZN); err != nil {
		return nil, err
	}
	ed, p := c.ED25519, c.P256R1

	var d Data
	d.Set(AppPubED25519, c.AppServerPublicKey)
	d.Set(DevicePrivED25519, keyIDObject(KeyIDED25519))
	d.Set(DevicePrivP256R1, keyIDObject(KeyIDP256R1))
	d.Set(ProductPubED25519, ed.Find(cert.AuthorityProd).PublicKey)
	d.Set(ProductPubED25519Signature, ed.Find(cert.AuthorityProd).Signature)
	d.Set(ProductED25519Serial, ed.Find(cert.AuthorityProd).Serial)
	d.Set(ProductPubP256R1, p.Find(cert.AuthorityProd).PublicKey)
	d.Set(ProductPubP256R1Signature, p.Find(cert.AuthorityProd).Signature)
	d.Set(ProductP256R1Serial, p.Find(cert.AuthorityProd).Serial)
	d.Set(ManPubED25519, ed.Find(cert.AuthorityManu).PublicKey)
	d.Set(ManPubED25519Signature, ed.Find(cert.AuthorityManu).Signature)
	d.Set(ManED25519Serial, ed.Find(cert.AuthorityManu).Serial)
	d.Set(ManPubP256R1, p.Find(cert.AuthorityManu).PublicKey)
	d.Set(ManPubP256R1Signature, p.Find(cert.AuthorityManu).Signature)
	d.Set(ManP256R1Serial, p.Find(cert.AuthorityManu).Serial)
	d.Set(SWPubED25519, ed.Find(cert.AuthoritySidewalk).PublicKey)
	d.Set(SWPubED25519Signature, ed.Find(cert.AuthoritySidewalk).Signature)
	d.Set(SWED25519Serial, ed.Find(cert.AuthoritySidewalk).Serial)
	d.Set(SWPubP256R1, p.Find(cert.AuthoritySidewalk).PublicKey)
	d.Set(SWPubP256R1Signature, p.Find(cert.AuthoritySidewalk).Signature)
	d.Set(SWP256R1Serial, p.Find(cert.AuthoritySidewalk).Serial)
	d.Set(AMZNPubED25519, ed.Find(cert.AuthorityAMZN).PublicKey)
	d.Set(AMZNPubP256R1, p.Find(cert.AuthorityAMZN).PublicKey)
	d.Set(APID, []byte(c.APID))
	return d, nil
}

// requireTiers checks that both chains carry every given authority.
func (c *Certificates) requireTiers(tiers ...cert.AuthorityType) error {
	for _, chain := range []cert.Chain{c.ED25519, c.P256R1} {
		if len(chain) == 0 {
			return fmt.Errorf("%w: empty chain", ErrIncompleteChain)
		}
		for _, typ := range tiers {
			if chain.Find(typ) == nil {
				return fmt.Errorf("%w: no %s certificate in %s chain", ErrIncompleteChain, typ, chain[0].Curve)
			}
		}
	}
	return nil
}

// keyIDObject encodes a PSA key id as the 32-byte little-endian value
// stored in place of a private key.
func keyIDObject(id uint32) []byte {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b, id)
	return b
}
