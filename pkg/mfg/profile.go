package mfg

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// DeviceProfile is the device profile descriptor of the cloud registry.
// Only the fields used for provisioning are decoded.
type DeviceProfile struct {
	Sidewalk struct {
		ApplicationServerPublicKey string `json:"ApplicationServerPublicKey"`
		DakCertificateMetadata     []struct {
			DeviceTypeID string `json:"DeviceTypeId"`
		} `json:"DakCertificateMetadata"`
	} `json:"Sidewalk"`
}

// ParseDeviceProfile decodes a device profile.
func ParseDeviceProfile(data []byte) (*DeviceProfile, error) {
	var p DeviceProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("device profile: %w", err)
	}
	if len(p.Sidewalk.DakCertificateMetadata) == 0 {
		return nil, fmt.Errorf("device profile: no DAK certificate metadata")
	}
	return &p, nil
}

// LoadDeviceProfile reads and decodes a device profile file.
func LoadDeviceProfile(path string) (*DeviceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDeviceProfile(data)
}

// APID returns the advertised product id: the last four characters of
// the first device type id.
func (p *DeviceProfile) APID() string {
	if len(p.Sidewalk.DakCertificateMetadata) == 0 {
		return ""
	}
	id := p.Sidewalk.DakCertificateMetadata[0].DeviceTypeID
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

// AppServerPublicKey decodes the application server public key.
func (p *DeviceProfile) AppServerPublicKey() ([]byte, error) {
	key, err := hex.DecodeString(p.Sidewalk.ApplicationServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("device profile: application server key: %w", err)
	}
	return key, nil
}
