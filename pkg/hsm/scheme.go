package hsm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/version"
)

// Labels of the control objects describing the HSM layout.
const (
	HSMInfoLabel        = "HSM_INFO"
	ChainDepthCtlLabel  = "SW_CTL_CHAIN_DEPTH"
	SupportedChainDepth = 5

	dakMark  = "_DAK"
	prodMark = "_PROD"
)

// Scheme is the chain layout an HSM uses.
type Scheme uint8

const (
	SchemeLegacy Scheme = iota
	SchemeLongChain
	SchemePreprod
)

// String returns the scheme name.
func (s Scheme) String() string {
	switch s {
	case SchemeLegacy:
		return "LEGACY"
	case SchemeLongChain:
		return "LONG_CHAIN"
	case SchemePreprod:
		return "PREPROD"
	default:
		return fmt.Sprintf("SCHEME(%d)", uint8(s))
	}
}

// Legacy reports whether the scheme is the 3-tier layout.
func (s Scheme) Legacy() bool {
	return s == SchemeLegacy
}

// SignerType returns the authority whose private key signs devices.
func (s Scheme) SignerType() cert.AuthorityType {
	if s.Legacy() {
		return cert.AuthorityModel
	}
	return cert.AuthorityDAK
}

// HSMInfo is the JSON content of the HSM_INFO control object.
type HSMInfo struct {
	ToolReq   string `json:"toolreq"`
	LongChain bool   `json:"longchain"`
	Preprod   bool   `json:"preprod,omitempty"`
}

// IncompatibleToolVersionError is returned when the HSM requires a newer tool.
type IncompatibleToolVersionError struct {
	Required string
	Tool     string
}

func (e *IncompatibleToolVersionError) Error() string {
	return fmt.Sprintf("the HSM needs signing tools newer than %s to work (running %s)", e.Required, e.Tool)
}

// Is makes errors.Is(err, ErrSchemeMismatch) hold.
func (e *IncompatibleToolVersionError) Is(target error) bool {
	return target == ErrSchemeMismatch
}

// UnsupportedChainDepthError is returned for a chain depth other than 5.
type UnsupportedChainDepthError struct {
	Depth uint64
}

func (e *UnsupportedChainDepthError) Error() string {
	return fmt.Sprintf("unsupported chain depth %d found in HSM", e.Depth)
}

// Is makes errors.Is(err, ErrSchemeMismatch) hold.
func (e *UnsupportedChainDepthError) Is(target error) bool {
	return target == ErrSchemeMismatch
}

// NamespaceMap assigns a namespace to each authority tier of the active
// scheme. It is resolved once per session and never changes afterwards.
type NamespaceMap map[cert.AuthorityType]Namespace

// Tiers returns the mapped authorities in ascending (signing) order.
func (m NamespaceMap) Tiers() []cert.AuthorityType {
	tiers := make([]cert.AuthorityType, 0, len(m))
	for t := range m {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// resolveScheme reads the control objects to decide the chain layout.
func (s *Store) resolveScheme(ctx context.Context) (Scheme, error) {
	infoObj, err := s.searchFor(func(o *object) (bool, error) {
		if o.ref.ID >= NamespaceSize {
			return false, nil
		}
		info, err := o.Info(ctx)
		return err == nil && info.Label == HSMInfoLabel, err
	})
	if err != nil {
		return 0, err
	}
	if infoObj != nil {
		content, err := infoObj.Content(ctx)
		if err != nil {
			return 0, err
		}
		var info HSMInfo
		if err := json.Unmarshal(content, &info); err != nil {
			return 0, fmt.Errorf("decoding %s: %w", HSMInfoLabel, err)
		}
		s.logger.Info("found HSM info", "toolreq", info.ToolReq, "longchain", info.LongChain)

		req, err := version.Parse(info.ToolReq)
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %w", HSMInfoLabel, err)
		}
		if !s.toolVersion.AtLeast(req) {
			return 0, &IncompatibleToolVersionError{Required: info.ToolReq, Tool: s.toolVersion.String()}
		}
		switch {
		case !info.LongChain:
			return SchemeLegacy, nil
		case info.Preprod:
			return SchemePreprod, nil
		default:
			return SchemeLongChain, nil
		}
	}

	depthObj, err := s.searchFor(func(o *object) (bool, error) {
		if o.ref.ID >= NamespaceSize {
			return false, nil
		}
		info, err := o.Info(ctx)
		return err == nil && info.Label == ChainDepthCtlLabel, err
	})
	if err != nil {
		return 0, err
	}
	if depthObj == nil {
		return SchemeLegacy, nil
	}

	content, err := depthObj.Content(ctx)
	if err != nil {
		return 0, err
	}
	depth := decodeLittleEndian(content)
	if depth != SupportedChainDepth {
		return 0, &UnsupportedChainDepthError{Depth: depth}
	}
	return SchemeLongChain, nil
}

// resolveNamespaces builds the namespace map around the signer key.
func (s *Store) resolveNamespaces(ctx context.Context, signer *object) (NamespaceMap, error) {
	signerNS := signer.ref.Namespace()
	if s.scheme.Legacy() {
		return NamespaceMap{
			cert.AuthorityAMZN:  NamespaceAmazon,
			cert.AuthorityManu:  NamespaceManuLegacy,
			cert.AuthorityModel: signerNS,
		}, nil
	}

	prodTag := strings.ReplaceAll(s.signerTag, dakMark, prodMark)
	if prodTag == s.signerTag {
		return nil, ErrBadSignerTag
	}

	// Only the PUBK slot is probed in each namespace.
	offset := uint16(signer.ref.ID) - uint16(signerNS) - uint16(ElementPriv) + uint16(ElementPubK)

	var prod *object
	for ns := NamespaceCertStart; ns < NamespaceCertEnd; ns += NamespaceSize {
		id := ObjectID(uint16(ns) + offset)
		s.logger.Debug("searching for product CA", "id", fmt.Sprintf("0x%x", uint16(id)), "tag", prodTag)
		o := s.lookup(id, TypeOpaque)
		if o == nil {
			continue
		}
		info, err := o.Info(ctx)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(info.Label, prodTag) {
			prod = o
			break
		}
	}
	if prod == nil {
		return nil, fmt.Errorf("%w for %s", ErrProductCANotFound, s.signerTag)
	}
	s.logger.Info("found product CA", "namespace", prod.ref.Namespace().String())

	return NamespaceMap{
		cert.AuthorityAMZN:     NamespaceAmazon,
		cert.AuthoritySidewalk: NamespaceSidewalk,
		cert.AuthorityManu:     NamespaceManu,
		cert.AuthorityProd:     prod.ref.Namespace(),
		cert.AuthorityDAK:      signerNS,
	}, nil
}

// decodeLittleEndian reads an unsigned little-endian integer of up to 8 bytes.
func decodeLittleEndian(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	if len(b) > 8 {
		return ^uint64(0)
	}
	return binary.LittleEndian.Uint64(buf[:])
}
