package hsm

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/version"
)

// HierarchyConfig describes an authority hierarchy to generate.
type HierarchyConfig struct {
	// Scheme selects the 5-tier (LongChain, Preprod) or 3-tier layout.
	Scheme Scheme

	// SignerTag labels the signer key, e.g. "TEST_ACME_DAK". For long
	// chains it must contain "_DAK".
	SignerTag string

	// Stages to populate. TEST and PREPROD share slots and are exclusive.
	Stages []cert.Stage

	// Pin is stored in the auth key slot of the stages.
	Pin string

	// HSMInfo writes the HSM_INFO control object when true and the
	// SW_CTL_CHAIN_DEPTH object otherwise (long chains only).
	HSMInfo bool
}

// Namespaces of the product and signer authorities in generated hierarchies.
const (
	generatedProdNS   Namespace = 0x40
	generatedSignerNS Namespace = 0x50
)

// GenerateHierarchy fills h with a complete authority hierarchy for both
// curves and the configured stages. Only the signer's private keys are
// stored; the other authority keys are discarded after signing.
func GenerateHierarchy(h *SoftHSM, cfg HierarchyConfig) error {
	if len(cfg.Stages) == 0 {
		return fmt.Errorf("no stage selected")
	}
	var nonProd int
	for _, st := range cfg.Stages {
		if st != cert.StageProd {
			nonProd++
		}
	}
	if nonProd > 1 {
		return fmt.Errorf("TEST and PREPROD stages share HSM slots")
	}

	var nsMap NamespaceMap
	if cfg.Scheme.Legacy() {
		nsMap = NamespaceMap{
			cert.AuthorityAMZN:  NamespaceAmazon,
			cert.AuthorityManu:  NamespaceManuLegacy,
			cert.AuthorityModel: generatedProdNS,
		}
	} else {
		if !strings.Contains(cfg.SignerTag, dakMark) {
			return ErrBadSignerTag
		}
		nsMap = NamespaceMap{
			cert.AuthorityAMZN:     NamespaceAmazon,
			cert.AuthoritySidewalk: NamespaceSidewalk,
			cert.AuthorityManu:     NamespaceManu,
			cert.AuthorityProd:     generatedProdNS,
			cert.AuthorityDAK:      generatedSignerNS,
		}
	}
	signerType := cfg.Scheme.SignerType()
	prodTag := strings.ReplaceAll(cfg.SignerTag, dakMark, prodMark)

	for _, stage := range cfg.Stages {
		slot := AuthKeySlot
		if stage == cert.StagePreprod {
			slot = AuthKeySlotPreprod
		}
		h.PutAuthKey(slot, cfg.Pin)

		for _, curve := range cert.Curves {
			var issuer []byte
			for i, typ := range nsMap.Tiers() {
				ns := nsMap[typ]
				priv, pub, err := generateKey(curve)
				if err != nil {
					return err
				}
				if issuer == nil {
					issuer = priv
				}

				serial := make([]byte, cert.SerialSize)
				binary.BigEndian.PutUint32(serial, uint32(i+1)<<16|uint32(stage)<<8|uint32(curve))
				sig, err := signRaw(curve, issuer, append(append([]byte{}, pub...), serial...))
				if err != nil {
					return err
				}

				label := fmt.Sprintf("%s_%s_%s", typ, curve, stage)
				switch typ {
				case signerType:
					label = fmt.Sprintf("%s_%s_%s", cfg.SignerTag, curve, stage)
					id := ConstructID(ns, curve, stage, ElementPriv)
					if err := h.PutAsymmetricKey(id, label, curveAlgorithm(curve), priv); err != nil {
						return err
					}
				case cert.AuthorityProd:
					label = fmt.Sprintf("%s_%s_%s", prodTag, curve, stage)
				}

				h.PutOpaque(ConstructID(ns, curve, stage, ElementPubK), label, pub)
				h.PutOpaque(ConstructID(ns, curve, stage, ElementSignature), label+"_SIG", sig)
				h.PutOpaque(ConstructID(ns, curve, stage, ElementSerial), label+"_SERIAL", serial)
				issuer = priv
			}
		}
	}

	if cfg.Scheme.Legacy() {
		return nil
	}
	if cfg.HSMInfo {
		info, err := json.Marshal(HSMInfo{
			ToolReq:   version.Current,
			LongChain: true,
			Preprod:   cfg.Scheme == SchemePreprod,
		})
		if err != nil {
			return err
		}
		h.PutOpaque(0x01, HSMInfoLabel, info)
		return nil
	}
	depth := make([]byte, 4)
	binary.LittleEndian.PutUint32(depth, SupportedChainDepth)
	h.PutOpaque(0x01, ChainDepthCtlLabel, depth)
	return nil
}

// generateKey returns a raw private key and its raw public key.
func generateKey(curve cert.Curve) (priv, pub []byte, err error) {
	if curve == cert.CurveED25519 {
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return sk.Seed(), pk, nil
	}
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return k.Bytes(), k.PublicKey().Bytes()[1:], nil
}

// signRaw signs data with a raw private key, producing a raw signature.
func signRaw(curve cert.Curve, priv, data []byte) ([]byte, error) {
	if curve == cert.CurveED25519 {
		return ed25519.Sign(ed25519.NewKeyFromSeed(priv), data), nil
	}
	key, err := p256PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	return DERToRaw(der)
}
