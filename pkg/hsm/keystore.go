package hsm

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// keystoreFile is the YAML layout of a SoftHSM keystore.
type keystoreFile struct {
	Serial   uint32            `yaml:"serial"`
	AuthKeys []keystoreAuthKey `yaml:"auth_keys"`
	Objects  []keystoreObject  `yaml:"objects"`
}

type keystoreAuthKey struct {
	Slot     uint16 `yaml:"slot"`
	Password string `yaml:"password"`
}

type keystoreObject struct {
	ID        uint16 `yaml:"id"`
	Type      string `yaml:"type"`
	Label     string `yaml:"label"`
	Algorithm string `yaml:"algorithm,omitempty"`
	Data      string `yaml:"data"`
}

const (
	keystoreOpaque = "opaque"
	keystoreKey    = "asymmetric-key"
)

// LoadSoftHSM reads a YAML keystore written by Save.
func LoadSoftHSM(path string) (*SoftHSM, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := yaml.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("parsing keystore %s: %w", path, err)
	}

	h := NewSoftHSM(ks.Serial)
	for _, a := range ks.AuthKeys {
		h.PutAuthKey(ObjectID(a.Slot), a.Password)
	}
	for _, o := range ks.Objects {
		data, err := hex.DecodeString(o.Data)
		if err != nil {
			return nil, fmt.Errorf("object 0x%x: %w", o.ID, err)
		}
		switch o.Type {
		case keystoreOpaque:
			h.PutOpaque(ObjectID(o.ID), o.Label, data)
		case keystoreKey:
			if err := h.PutAsymmetricKey(ObjectID(o.ID), o.Label, o.Algorithm, data); err != nil {
				return nil, fmt.Errorf("object 0x%x: %w", o.ID, err)
			}
		default:
			return nil, fmt.Errorf("object 0x%x: unknown type %q", o.ID, o.Type)
		}
	}
	return h, nil
}

// Save writes the HSM content as a YAML keystore. The file holds private
// keys and is created with owner-only permissions.
func (h *SoftHSM) Save(path string) error {
	h.mu.RLock()
	ks := keystoreFile{Serial: h.serial}
	for slot, pw := range h.authKeys {
		ks.AuthKeys = append(ks.AuthKeys, keystoreAuthKey{Slot: uint16(slot), Password: pw})
	}
	for ref, o := range h.objects {
		ko := keystoreObject{
			ID:    uint16(ref.ID),
			Label: o.info.Label,
			Data:  hex.EncodeToString(o.content),
		}
		if ref.Type == TypeAsymmetricKey {
			ko.Type = keystoreKey
			ko.Algorithm = o.info.Algorithm
		} else {
			ko.Type = keystoreOpaque
		}
		ks.Objects = append(ks.Objects, ko)
	}
	h.mu.RUnlock()

	sort.Slice(ks.AuthKeys, func(i, j int) bool { return ks.AuthKeys[i].Slot < ks.AuthKeys[j].Slot })
	sort.Slice(ks.Objects, func(i, j int) bool {
		if ks.Objects[i].ID != ks.Objects[j].ID {
			return ks.Objects[i].ID < ks.Objects[j].ID
		}
		return ks.Objects[i].Type < ks.Objects[j].Type
	})

	out, err := yaml.Marshal(&ks)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}
