package commands

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/samber/lo"
	"github.com/sidewalk-mfg/sidprov-go/internal/secrets"
	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
	"github.com/spf13/cobra"
)

// signOptions are the flags of the sign command.
type signOptions struct {
	keystore      string
	product       string
	pin           string
	pinSlot       uint16
	eddsaCSR      string
	ecdsaCSR      string
	smsnLen       int
	generateSMSN  bool
	deviceType    string
	dsn           string
	apid          string
	outform       string
	controlLogDir string
	controlLogVer string
	output        string
	edKey         string
	pKey          string
	edKeyFile     string
	pKeyFile      string
	deviceProfile string
	cacheCert     bool
	verifyCert    bool
	testCert      bool
}

func newSignCmd(o *rootOptions) *cobra.Command {
	so := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign device CSRs with an HSM",
		Long: `Issue the ED25519 and P256R1 device certificate chains of one device.

The device public keys come from the CSRs or, with --generate-smsn, from
PEM private key files. The chains are printed as a JSON document (or flat
key/value lines) and optionally recorded in a manufacturing control log.

Example:
  sidprov sign --keystore hsm.yaml -p TEST_ACME_DAK --pin env:HSM_PIN \
      --eddsa-csr <base64> --ecdsa-csr <base64> -a ab12
  sidprov sign --keystore http://127.0.0.1:12345 -p RNET_ACME_DAK --pin env:HSM_PIN \
      --eddsa-csr <base64> --ecdsa-csr <base64> -a ab12`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, o, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.keystore, "keystore", "", "Keystore file or yubihsm-connector URL (http://127.0.0.1:12345)")
	f.StringVarP(&so.product, "product", "p", "", "Label of the product defined in the HSM")
	f.StringVar(&so.pin, "pin", "", "Pin for the HSM signing domain (literal, env:NAME, file:PATH or aws-sm://ID#FIELD)")
	f.Uint16Var(&so.pinSlot, "pin-slot", 0, "Key slot the pin is authenticated with")
	f.StringVar(&so.eddsaCSR, "eddsa-csr", "", "Ed25519 certificate signing request (base64)")
	f.StringVar(&so.ecdsaCSR, "ecdsa-csr", "", "P256R1 certificate signing request (base64)")
	f.IntVarP(&so.smsnLen, "smsn-len", "s", cert.SMSNSize, "Length of the SMSN in the CSRs")
	f.BoolVarP(&so.generateSMSN, "generate-smsn", "g", false, "Generate the SMSN from device type, DSN and APID")
	f.StringVarP(&so.deviceType, "device-type", "d", "", "Device type of the product")
	f.StringVarP(&so.dsn, "dsn", "D", "", "Unique serial number of the device")
	f.StringVarP(&so.apid, "apid", "a", "", "Advertised product ID")
	f.StringVar(&so.outform, "outform", "json", "Output format (json, flat)")
	f.StringVar(&so.controlLogDir, "control-log-dir", "", "Directory of the generated control log")
	f.StringVar(&so.controlLogVer, "control-log-ver", signer.ControlLogVersion, "Control log version")
	f.StringVarP(&so.output, "output", "o", "", "Write the signing data to a file instead of stdout")
	f.StringVar(&so.edKey, "ed25519-private-key", "", "ED25519 private key (hex)")
	f.StringVar(&so.pKey, "p256r1-private-key", "", "P256R1 private key (hex)")
	f.StringVar(&so.edKeyFile, "ed25519-private-key-file", "", "ED25519 private key PEM file")
	f.StringVar(&so.pKeyFile, "p256r1-private-key-file", "", "P256R1 private key PEM file")
	f.StringVar(&so.deviceProfile, "device-profile-json", "", "Device profile JSON carrying the application server key")
	f.BoolVar(&so.cacheCert, "cache-cert", false, "Cache the HSM objects to reduce access to the HSM")
	f.BoolVar(&so.verifyCert, "verify-cert", true, "Verify the CSRs and the issued chains")
	f.BoolVar(&so.testCert, "test-cert", false, "Use test certificates for tags without a stage prefix")
	return cmd
}

// request builds the signing request from the flags.
func (so *signOptions) request() (*signer.Request, error) {
	req := &signer.Request{
		ProductTag:   so.product,
		TestCert:     so.testCert,
		SMSNLen:      so.smsnLen,
		GenerateSMSN: so.generateSMSN,
		DeviceType:   so.deviceType,
		DSN:          so.dsn,
		APID:         so.apid,
		SkipVerify:   !so.verifyCert,
	}
	var err error
	if req.ED25519CSR, err = decodeOptional(so.eddsaCSR, base64.StdEncoding.DecodeString, "eddsa-csr"); err != nil {
		return nil, err
	}
	if req.P256R1CSR, err = decodeOptional(so.ecdsaCSR, base64.StdEncoding.DecodeString, "ecdsa-csr"); err != nil {
		return nil, err
	}
	if req.ED25519KeyRaw, err = decodeOptional(so.edKey, hex.DecodeString, "ed25519-private-key"); err != nil {
		return nil, err
	}
	if req.P256R1KeyRaw, err = decodeOptional(so.pKey, hex.DecodeString, "p256r1-private-key"); err != nil {
		return nil, err
	}
	if so.edKeyFile != "" {
		if req.ED25519Key, err = cert.ReadKeyFile(so.edKeyFile, cert.CurveED25519); err != nil {
			return nil, err
		}
	}
	if so.pKeyFile != "" {
		if req.P256R1Key, err = cert.ReadKeyFile(so.pKeyFile, cert.CurveP256R1); err != nil {
			return nil, err
		}
	}
	if so.deviceProfile != "" {
		profile, err := mfg.LoadDeviceProfile(so.deviceProfile)
		if err != nil {
			return nil, err
		}
		if req.AppServerPublicKey, err = profile.AppServerPublicKey(); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func decodeOptional(s string, decode func(string) ([]byte, error), name string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	out, err := decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", signer.ErrInvalidRequest, name, err)
	}
	return out, nil
}

func runSign(cmd *cobra.Command, o *rootOptions, so *signOptions) error {
	logger, err := o.logger(cmd)
	if err != nil {
		return err
	}
	if !lo.Contains([]string{"json", "flat"}, so.outform) {
		return fmt.Errorf("%w: unknown output format %q", signer.ErrInvalidRequest, so.outform)
	}
	if so.controlLogDir != "" {
		if st, err := os.Stat(so.controlLogDir); err != nil || !st.IsDir() {
			return fmt.Errorf("%w: %s doesn't exist", signer.ErrInvalidRequest, so.controlLogDir)
		}
		if !lo.Contains(signer.SupportedControlLogVersions, so.controlLogVer) {
			return fmt.Errorf("%w %s", signer.ErrUnsupportedControlLog, so.controlLogVer)
		}
		if so.apid == "" {
			return fmt.Errorf("%w: apid is needed to generate control logs", signer.ErrInvalidRequest)
		}
	}

	req, err := so.request()
	if err != nil {
		return err
	}
	job, err := req.Resolve()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pin, err := (&secrets.Resolver{}).Resolve(ctx, so.pin)
	if err != nil {
		return fmt.Errorf("resolving hsm pin: %w", err)
	}
	ks, err := openKeystore(ctx, keystoreOptions{
		Addr:     so.keystore,
		Tag:      so.product,
		Pin:      pin,
		PinSlot:  hsm.ObjectID(so.pinSlot),
		TestCert: so.testCert,
		Cache:    so.cacheCert,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer ks.Close()

	s := signer.New(ks.store, signer.Config{Stage: ks.stage, SkipVerify: !so.verifyCert, Logger: logger})
	result, err := s.Issue(ctx, job)
	if err != nil {
		return err
	}
	if err := ks.SaveCache(); err != nil {
		logger.Warn("saving hsm cache", "error", err)
	}

	if err := writeResult(cmd, so, result); err != nil {
		return err
	}
	if so.controlLogDir != "" {
		path, err := result.WriteControlLog(so.controlLogDir, so.controlLogVer)
		if err != nil {
			return err
		}
		logger.Info("control log written", "path", path)
	}
	return nil
}

func writeResult(cmd *cobra.Command, so *signOptions, result *signer.Result) error {
	var w io.Writer = cmd.OutOrStdout()
	if so.output != "" {
		f, err := os.Create(so.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if so.outform == "flat" {
		_, err := io.WriteString(w, result.Flat())
		return err
	}
	out, err := result.JSON()
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
