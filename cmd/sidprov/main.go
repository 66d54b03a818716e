// Command sidprov provisions Sidewalk device identities.
//
// Usage:
//
//	sidprov <command> [flags]
//
// Commands:
//
//	provision priv-key         Write a host generated identity
//	provision on-dev-cert-gen  Let the device generate its identity
//	sign                       Sign device CSRs with an HSM keystore
//	init-data                  Write the static data NVM3 content file
//	hsm init                   Generate a software HSM keystore
//	hsm dump                   List the objects of a keystore
//	station                    Interactive provisioning console
//	log view|stats|export      Inspect DPP capture files
//	version                    Print the tool version
//
// Examples:
//
//	# Provision a production identity
//	sidprov provision priv-key --sid-cert cert.json --sid-cert-type prod --part efr32mg24b220f1536im48 --pdp-img pdp.bin
//
//	# Dry run against the device simulator
//	sidprov provision on-dev-cert-gen --probe sim --dsn 0001 --signer local --keystore hsm.yaml
package main

import (
	"os"

	"github.com/sidewalk-mfg/sidprov-go/cmd/sidprov/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
