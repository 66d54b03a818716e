package commands

import (
	"fmt"
	"log/slog"

	"github.com/sidewalk-mfg/sidprov-go/internal/config"
	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addStationFlags registers the flags bound to station configuration keys.
func addStationFlags(fs *pflag.FlagSet) {
	fs.String("part", "", "Part (ie: efr32mg24b220f1536im48)")
	fs.String("sid-init-img", "", "Sidewalk initialization image")
	fs.String("pdp-img", "", "Sidewalk PDP application image")
	fs.String("dev-type", "", "Device type issued by DMS")
	fs.String("apid", "", "Advertised product ID")
	fs.String("app-srv-pub-key", "", "Sidewalk application server public key (hex)")
	fs.String("sst-prod-tag", "", "Signing tool production tag")
	fs.String("sst-hsm-conn-addr", "", "Signing tool HSM connector address")
	fs.String("sst-hsm-pin", "", "Signing tool HSM pin (literal, env:NAME, file:PATH or aws-sm://ID#FIELD)")
	fs.String("probe", "", "Probe kind (gdb, sim)")
	fs.String("jlink-ser", "", "J-Link serial number")
	fs.String("gdb-addr", "", "J-Link GDB server address")
	fs.String("rtt-addr", "", "J-Link RTT telnet address")
	fs.String("gdb-server", "", "J-Link GDB server executable to spawn")
	fs.Duration("timeout", 0, "Timeout of a single DPP exchange")
	fs.String("signer", "", "CSR signer (exec, local)")
	fs.String("keystore", "", "Software HSM keystore of the local signer")
	fs.String("signer-tag", "", "Label prefix of the signer key")
	fs.String("capture", "", "Append DPP capture events to this file")
}

// certInputs are the certificate document flags.
type certInputs struct {
	certPath   string
	certType   string
	devProfile string
}

func (in *certInputs) register(fs *pflag.FlagSet) {
	fs.StringVar(&in.certPath, "sid-cert", "", "Sidewalk device certificate document")
	fs.StringVar(&in.certType, "sid-cert-type", "", "Certificate document type (proto, prod)")
	fs.StringVar(&in.devProfile, "sid-dev-prof", "", "Device profile JSON, required by proto documents")
}

// load reads the certificate document.
func (in *certInputs) load() (*mfg.Certificates, error) {
	typ, err := mfg.ParseDocumentType(in.certType)
	if err != nil {
		return nil, &provision.ArgumentError{Argument: "sid_cert_type", Reason: err.Error()}
	}
	var profile *mfg.DeviceProfile
	if in.devProfile != "" {
		if profile, err = mfg.LoadDeviceProfile(in.devProfile); err != nil {
			return nil, err
		}
	}
	return mfg.LoadDocument(in.certPath, typ, profile)
}

func newProvisionCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a Sidewalk identity into a device",
	}
	addStationFlags(cmd.PersistentFlags())
	cmd.AddCommand(newPrivKeyCmd(o), newOnDevCmd(o))
	return cmd
}

func newPrivKeyCmd(o *rootOptions) *cobra.Command {
	var in certInputs
	var dsn string
	cmd := &cobra.Command{
		Use:   "priv-key",
		Short: "Write a host generated identity",
		Long: `Write the device keys, certificates and SMSN of a certificate document.

Private keys are injected into the device key store, every other object is
written to the NVM3 manufacturing page.

Example:
  sidprov provision priv-key --sid-cert cert.json --sid-cert-type prod \
      --part efr32mg24b220f1536im48 --pdp-img pdp.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.load(cmd)
			if err != nil {
				return err
			}
			err = cfg.CheckPrivKey(config.PrivKeyInputs{DSN: dsn, CertPath: in.certPath, CertType: in.certType})
			if err != nil {
				return err
			}
			certs, err := in.load()
			if err != nil {
				return err
			}
			data, err := certs.DynamicData()
			if err != nil {
				return err
			}

			b, err := openBench(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer b.Close()
			return b.run(cmd.Context(), &provision.PrivateKeyMode{Data: data, Logger: logger})
		},
	}
	in.register(cmd.Flags())
	cmd.Flags().StringVar(&dsn, "dsn", "", "Device serial number (on-dev-cert-gen only)")
	return cmd
}

func newOnDevCmd(o *rootOptions) *cobra.Command {
	var (
		in      certInputs
		dsn     string
		boardID string
	)
	cmd := &cobra.Command{
		Use:   "on-dev-cert-gen",
		Short: "Let the device generate its identity",
		Long: `Let the device derive its SMSN and key pairs, sign the CSRs it returns
and write the chains back before the device commits them.

CSRs are signed by the signing tool (--signer exec) or in process with a
software HSM keystore (--signer local).

Example:
  sidprov provision on-dev-cert-gen --dsn 0001 --config station.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.load(cmd)
			if err != nil {
				return err
			}
			err = cfg.CheckOnDevice(config.OnDeviceInputs{DSN: dsn, CertPath: in.certPath, CertType: in.certType})
			if err != nil {
				return err
			}
			return runOnDevice(cmd, cfg, logger, dsn, boardID)
		},
	}
	in.register(cmd.Flags())
	cmd.Flags().StringVar(&dsn, "dsn", "", "Device serial number")
	cmd.Flags().StringVar(&boardID, "board-id", "", "Board id mixed into the SMSN")
	return cmd
}

func runOnDevice(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, dsn, boardID string) error {
	b, err := openBench(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	smsn, err := b.onDevice(cmd.Context(), dsn, boardID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "smsn: %x\n", smsn)
	return nil
}
