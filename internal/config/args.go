package config

import (
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
)

// Reason reported for inputs that do not belong to a mode.
const reasonInconsistent = "is not consistent with the mode"

// PrivKeyInputs are the priv-key mode inputs besides the configuration.
type PrivKeyInputs struct {
	DSN      string
	CertPath string
	CertType string
}

// CheckPrivKey applies the argument rules of the priv-key mode: a
// certificate document, its type, the part and the provisioning image
// are required; on-device generation inputs are refused.
func (c *Config) CheckPrivKey(in PrivKeyInputs) error {
	const mode = "priv-key"
	if err := requireArgs(mode,
		"sid_cert_type", in.CertType,
		"sid_cert", in.CertPath,
		"part", c.Part,
		"pdp_img", c.PDPImg,
	); err != nil {
		return err
	}
	return refuse(mode,
		"dsn", in.DSN,
		"dev_type", c.DevType,
		"apid", c.APID,
		"app_srv_pub_key", c.AppSrvPubKey,
		"sst_prod_tag", c.SSTProdTag,
		"sst_hsm_conn_addr", c.SSTHSMConnAddr,
		"sst_hsm_pin", c.SSTHSMPin,
	)
}

// OnDeviceInputs are the on-dev-cert-gen inputs besides the configuration.
type OnDeviceInputs struct {
	DSN      string
	CertPath string
	CertType string
}

// CheckOnDevice applies the argument rules of the on-dev-cert-gen mode:
// the DSN and the production keys are required and certificate documents
// are refused. The signing tool address and PIN are only required by the
// exec signer; the local signer needs a keystore or the HSM connector
// address instead.
func (c *Config) CheckOnDevice(in OnDeviceInputs) error {
	const mode = "on-dev-cert-gen"
	if err := requireArgs(mode, "dsn", in.DSN); err != nil {
		return err
	}
	if err := refuse(mode, "sid_cert", in.CertPath, "sid_cert_type", in.CertType); err != nil {
		return err
	}
	if err := requireArgs(mode,
		"part", c.Part,
		"pdp_img", c.PDPImg,
		"dev_type", c.DevType,
		"apid", c.APID,
		"app_srv_pub_key", c.AppSrvPubKey,
	); err != nil {
		return err
	}
	if c.HSM.Signer == SignerLocal {
		if c.SSTHSMConnAddr != "" {
			return nil
		}
		return requireArgs(mode, "hsm.keystore", c.HSM.Keystore)
	}
	return requireArgs(mode,
		"sst_prod_tag", c.SSTProdTag,
		"sst_hsm_conn_addr", c.SSTHSMConnAddr,
		"sst_hsm_pin", c.SSTHSMPin,
	)
}

// requireArgs takes name/value pairs and fails on the first empty value.
func requireArgs(mode string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &provision.ArgumentError{Mode: mode, Argument: pairs[i]}
		}
	}
	return nil
}

// refuse takes name/value pairs and fails on the first set value.
func refuse(mode string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			return &provision.ArgumentError{Mode: mode, Argument: pairs[i], Reason: reasonInconsistent}
		}
	}
	return nil
}
