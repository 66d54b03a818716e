package commands

import (
	"fmt"
	"os"

	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/part"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/spf13/cobra"
)

// DefaultNVM3ContentFile is the output of init-data.
const DefaultNVM3ContentFile = "nvm3content.txt"

func newInitDataCmd(o *rootOptions) *cobra.Command {
	var (
		in       certInputs
		partName string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "init-data",
		Short: "Write the static data NVM3 content file",
		Long: `Write the objects shared by every device of a product (the application
server key, the key ids of the device keys, the product and manufacturer
certificates and the APID) as an NVM3 content file, one
"0xKEY:OBJ:HEX" line per object.

The file is flashed into the manufacturing page of the part before
priv-key provisioning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger(cmd)
			if err != nil {
				return err
			}
			if partName == "" {
				return &provision.ArgumentError{Argument: "part"}
			}
			if in.certPath == "" {
				return &provision.ArgumentError{Argument: "sid_cert"}
			}
			p, err := part.Parse(partName)
			if err != nil {
				return &provision.ArgumentError{Argument: "part", Reason: err.Error()}
			}
			certs, err := in.load()
			if err != nil {
				return err
			}
			static, err := certs.StaticData()
			if err != nil {
				return err
			}
			content := mfg.NVM3Content(static)
			if err := os.WriteFile(output, []byte(content), 0644); err != nil {
				return fmt.Errorf("writing nvm3 content: %w", err)
			}
			logger.Info("nvm3 content written",
				"path", output,
				"device", p.JLinkDevice(),
				"mfg_page", fmt.Sprintf("0x%08x", p.MfgPageStart()))
			return nil
		},
	}
	in.register(cmd.Flags())
	cmd.Flags().StringVar(&partName, "part", "", "Part (ie: efr32mg24b220f1536im48)")
	cmd.Flags().StringVarP(&output, "output", "o", DefaultNVM3ContentFile, "NVM3 content file")
	return cmd
}
