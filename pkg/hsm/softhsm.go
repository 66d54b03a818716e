package hsm

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// Algorithm names of asymmetric keys.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmP256    = "ecp256"
)

type softObject struct {
	info    ObjectInfo
	content []byte // opaque data, or the raw private key of an asymmetric key
}

// SoftHSM is an in-memory HSM implementing Connector. It is safe for
// concurrent use; sessions share its object store.
type SoftHSM struct {
	mu       sync.RWMutex
	serial   uint32
	authKeys map[ObjectID]string
	objects  map[ObjectRef]*softObject
}

var _ Connector = (*SoftHSM)(nil)

// NewSoftHSM creates an empty software HSM with the given serial.
func NewSoftHSM(serial uint32) *SoftHSM {
	return &SoftHSM{
		serial:   serial,
		authKeys: make(map[ObjectID]string),
		objects:  make(map[ObjectRef]*softObject),
	}
}

// PutAuthKey stores a password-derived authentication key.
func (h *SoftHSM) PutAuthKey(slot ObjectID, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authKeys[slot] = password
}

// PutOpaque stores an opaque object, replacing any existing one.
func (h *SoftHSM) PutOpaque(id ObjectID, label string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ref := ObjectRef{ID: id, Type: TypeOpaque}
	h.objects[ref] = &softObject{
		info:    ObjectInfo{ID: id, Type: TypeOpaque, Label: label, Algorithm: "opaque-data", Size: len(data)},
		content: bytes.Clone(data),
	}
}

// PutAsymmetricKey stores a private key: a 32-byte Ed25519 seed or a
// 32-byte P-256 scalar.
func (h *SoftHSM) PutAsymmetricKey(id ObjectID, label, algorithm string, private []byte) error {
	if algorithm != AlgorithmEd25519 && algorithm != AlgorithmP256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgo, algorithm)
	}
	if len(private) != 32 {
		return fmt.Errorf("invalid private key length %d", len(private))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ref := ObjectRef{ID: id, Type: TypeAsymmetricKey}
	h.objects[ref] = &softObject{
		info:    ObjectInfo{ID: id, Type: TypeAsymmetricKey, Label: label, Algorithm: algorithm, Size: len(private)},
		content: bytes.Clone(private),
	}
	return nil
}

// Delete removes an object. It reports whether the object existed.
func (h *SoftHSM) Delete(ref ObjectRef) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[ref]
	delete(h.objects, ref)
	return ok
}

// CreateSession implements Connector.
func (h *SoftHSM) CreateSession(ctx context.Context, authKey ObjectID, password string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	pw, ok := h.authKeys[authKey]
	if !ok {
		return nil, fmt.Errorf("auth key 0x%x: %w", uint16(authKey), ErrObjectNotFound)
	}
	if pw != password {
		return nil, ErrAuthFailed
	}
	return &softSession{hsm: h}, nil
}

// SerialNumber implements Connector.
func (h *SoftHSM) SerialNumber(ctx context.Context) (uint32, error) {
	return h.serial, nil
}

// softSession is a Session on a SoftHSM.
type softSession struct {
	hsm    *SoftHSM
	closed bool
}

var _ Session = (*softSession)(nil)

func (s *softSession) get(ctx context.Context, ref ObjectRef) (*softObject, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.hsm.mu.RLock()
	defer s.hsm.mu.RUnlock()
	o, ok := s.hsm.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%s 0x%x: %w", ref.Type, uint16(ref.ID), ErrObjectNotFound)
	}
	return o, nil
}

func (s *softSession) ListObjects(ctx context.Context) ([]ObjectRef, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.hsm.mu.RLock()
	refs := make([]ObjectRef, 0, len(s.hsm.objects))
	for ref := range s.hsm.objects {
		refs = append(refs, ref)
	}
	s.hsm.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ID != refs[j].ID {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].Type < refs[j].Type
	})
	return refs, nil
}

func (s *softSession) ObjectInfo(ctx context.Context, ref ObjectRef) (ObjectInfo, error) {
	o, err := s.get(ctx, ref)
	if err != nil {
		return ObjectInfo{}, err
	}
	return o.info, nil
}

func (s *softSession) GetOpaque(ctx context.Context, id ObjectID) ([]byte, error) {
	o, err := s.get(ctx, ObjectRef{ID: id, Type: TypeOpaque})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(o.content), nil
}

func (s *softSession) SignEdDSA(ctx context.Context, id ObjectID, data []byte) ([]byte, error) {
	o, err := s.get(ctx, ObjectRef{ID: id, Type: TypeAsymmetricKey})
	if err != nil {
		return nil, err
	}
	if o.info.Algorithm != AlgorithmEd25519 {
		return nil, fmt.Errorf("%w: eddsa with %s", ErrUnsupportedAlgo, o.info.Algorithm)
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(o.content), data), nil
}

func (s *softSession) SignECDSA(ctx context.Context, id ObjectID, digest []byte) ([]byte, error) {
	o, err := s.get(ctx, ObjectRef{ID: id, Type: TypeAsymmetricKey})
	if err != nil {
		return nil, err
	}
	if o.info.Algorithm != AlgorithmP256 {
		return nil, fmt.Errorf("%w: ecdsa with %s", ErrUnsupportedAlgo, o.info.Algorithm)
	}
	key, err := p256PrivateKey(o.content)
	if err != nil {
		return nil, err
	}
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

func (s *softSession) Close() error {
	s.closed = true
	return nil
}

// p256PrivateKey builds an ECDSA key from a raw scalar.
func p256PrivateKey(scalar []byte) (*ecdsa.PrivateKey, error) {
	ek, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private scalar: %w", err)
	}
	pub, err := cert.P256PublicKey(ek.PublicKey().Bytes()[1:])
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(scalar)}, nil
}

// curveAlgorithm maps a certificate curve to the key algorithm name.
func curveAlgorithm(c cert.Curve) string {
	if c == cert.CurveP256R1 {
		return AlgorithmP256
	}
	return AlgorithmEd25519
}
