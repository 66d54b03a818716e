package hsm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/version"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// MissingCertificateObjectError reports an absent certificate element.
type MissingCertificateObjectError struct {
	Type    cert.AuthorityType
	Element Element
	ID      ObjectID
}

func (e *MissingCertificateObjectError) Error() string {
	return fmt.Sprintf("missing certificate object for %s %s at 0x%x", e.Type, e.Element, uint16(e.ID))
}

// Is makes errors.Is(err, ErrMissingCertificateObject) hold.
func (e *MissingCertificateObjectError) Is(target error) bool {
	return target == ErrMissingCertificateObject
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// SignerTag is the label prefix of the DAK (or MODEL) private key.
	SignerTag string

	// Cache pre-populates object metadata and content from an earlier run.
	// Only valid for a read-only signing pass.
	Cache Cache

	// ToolVersion is checked against the HSM_INFO requirement.
	// Zero means version.Tool().
	ToolVersion version.ToolVersion

	// Logger for debug output (optional).
	Logger *slog.Logger
}

// Store is the certificate view of one HSM session. The chain scheme and
// namespace map are resolved by NewStore and are immutable afterwards.
type Store struct {
	session     Session
	logger      *slog.Logger
	signerTag   string
	toolVersion version.ToolVersion

	objects []*object
	scheme  Scheme
	nsMap   NamespaceMap
}

// NewStore lists the HSM objects, resolves the chain scheme and locates
// the signer key and the namespace of every authority tier.
func NewStore(ctx context.Context, session Session, cfg StoreConfig) (*Store, error) {
	s := &Store{
		session:     session,
		logger:      cfg.Logger,
		signerTag:   cfg.SignerTag,
		toolVersion: cfg.ToolVersion,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.toolVersion == (version.ToolVersion{}) {
		s.toolVersion = version.Tool()
	}

	s.logger.Info("listing objects on HSM")
	refs, err := session.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	s.objects = make([]*object, 0, len(refs))
	for _, ref := range refs {
		s.objects = append(s.objects, &object{session: session, logger: s.logger, ref: ref})
	}
	if cfg.Cache != nil {
		cfg.Cache.apply(s.objects)
	}

	if s.scheme, err = s.resolveScheme(ctx); err != nil {
		return nil, err
	}

	signer, err := s.searchFor(func(o *object) (bool, error) {
		if o.ref.Type != TypeAsymmetricKey {
			return false, nil
		}
		info, err := o.Info(ctx)
		return err == nil && strings.HasPrefix(info.Label, s.signerTag), err
	})
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("%w with %s", ErrSignerNotFound, s.signerTag)
	}
	s.logger.Info("found signer", "namespace", signer.ref.Namespace().String(), "scheme", s.scheme)

	if s.nsMap, err = s.resolveNamespaces(ctx, signer); err != nil {
		return nil, err
	}
	return s, nil
}

// Scheme returns the resolved chain scheme.
func (s *Store) Scheme() Scheme {
	return s.scheme
}

// Namespaces returns a copy of the resolved namespace map.
func (s *Store) Namespaces() NamespaceMap {
	m := make(NamespaceMap, len(s.nsMap))
	for k, v := range s.nsMap {
		m[k] = v
	}
	return m
}

// searchFor returns the first object matching fn in listing order.
func (s *Store) searchFor(fn func(*object) (bool, error)) (*object, error) {
	for _, o := range s.objects {
		ok, err := fn(o)
		if err != nil {
			return nil, err
		}
		if ok {
			return o, nil
		}
	}
	return nil, nil
}

// lookup returns the object with the given id and type, or nil.
func (s *Store) lookup(id ObjectID, typ ObjectType) *object {
	for _, o := range s.objects {
		if o.ref.ID == id && o.ref.Type == typ {
			return o
		}
	}
	return nil
}

// Sign signs data with the signer's private key for the curve and stage.
// P256R1 signatures are returned as fixed-width r||s.
func (s *Store) Sign(ctx context.Context, curve cert.Curve, stage cert.Stage, data []byte) ([]byte, error) {
	ns := s.nsMap[s.scheme.SignerType()]
	id := ConstructID(ns, curve, stage, ElementPriv)
	signer := s.lookup(id, TypeAsymmetricKey)
	if signer == nil {
		return nil, fmt.Errorf("%w at 0x%x", ErrSignerNotFound, uint16(id))
	}

	switch curve {
	case cert.CurveED25519:
		s.logger.Debug("signing eddsa", "id", fmt.Sprintf("0x%x", uint16(id)))
		return s.session.SignEdDSA(ctx, id, data)

	case cert.CurveP256R1:
		digest := sha256.Sum256(data)
		s.logger.Debug("signing ecdsa", "id", fmt.Sprintf("0x%x", uint16(id)))
		der, err := s.session.SignECDSA(ctx, id, digest[:])
		if err != nil {
			return nil, err
		}
		return DERToRaw(der)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, curve)
	}
}

// Certificate assembles the certificate of an authority tier from its
// PUBK, SIGNATURE and SERIAL objects. Any missing object yields a
// *MissingCertificateObjectError and no certificate.
func (s *Store) Certificate(ctx context.Context, typ cert.AuthorityType, stage cert.Stage, curve cert.Curve) (*cert.Certificate, error) {
	ns, ok := s.nsMap[typ]
	if !ok {
		return nil, fmt.Errorf("authority %s is not part of the %s scheme", typ, s.scheme)
	}

	data := make(map[Element][]byte, 3)
	for _, e := range Elements {
		if e == ElementPriv {
			continue
		}
		id := ConstructID(ns, curve, stage, e)
		s.logger.Debug("getting cert object", "id", fmt.Sprintf("0x%x", uint16(id)), "element", e)
		o := s.lookup(id, TypeOpaque)
		if o == nil {
			return nil, &MissingCertificateObjectError{Type: typ, Element: e, ID: id}
		}
		content, err := o.Content(ctx)
		if err != nil {
			return nil, err
		}
		data[e] = content
	}

	return cert.NewCertificate(typ, curve, data[ElementSerial], data[ElementPubK], data[ElementSignature])
}

// CertificateChain returns one certificate per authority tier, root first.
func (s *Store) CertificateChain(ctx context.Context, stage cert.Stage, curve cert.Curve) (cert.Chain, error) {
	var chain cert.Chain
	for _, typ := range s.nsMap.Tiers() {
		s.logger.Debug("getting cert", "type", typ)
		c, err := s.Certificate(ctx, typ, stage, curve)
		if err != nil {
			return nil, err
		}
		chain.Append(c)
	}
	return chain, nil
}

// Snapshot captures every object fetched so far as a Cache.
func (s *Store) Snapshot() Cache {
	return snapshot(s.objects)
}

// Dump returns every object with its metadata and, for opaque objects, its
// content. Missing metadata is fetched from the HSM.
func (s *Store) Dump(ctx context.Context) (Cache, error) {
	for _, o := range s.objects {
		if _, err := o.Info(ctx); err != nil {
			return nil, err
		}
		if o.ref.Type == TypeOpaque {
			if _, err := o.Content(ctx); err != nil {
				return nil, err
			}
		}
	}
	return snapshot(s.objects), nil
}

// DERToRaw converts an ASN.1 DER ECDSA signature into 32-byte r || 32-byte s.
func DERToRaw(der []byte) ([]byte, error) {
	var r, sv big.Int
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(&r) ||
		!inner.ReadASN1Integer(&sv) ||
		!inner.Empty() {
		return nil, fmt.Errorf("invalid DER signature")
	}
	if r.Sign() <= 0 || sv.Sign() <= 0 || r.BitLen() > 256 || sv.BitLen() > 256 {
		return nil, fmt.Errorf("invalid DER signature values")
	}
	raw := make([]byte, cert.SignatureSize)
	r.FillBytes(raw[:32])
	sv.FillBytes(raw[32:])
	return raw, nil
}

// RawToDER converts r || s into an ASN.1 DER ECDSA signature.
func RawToDER(raw []byte) ([]byte, error) {
	if len(raw) != cert.SignatureSize {
		return nil, fmt.Errorf("invalid raw signature length %d", len(raw))
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(raw[:32]))
		b.AddASN1BigInt(new(big.Int).SetBytes(raw[32:]))
	})
	return b.Bytes()
}
