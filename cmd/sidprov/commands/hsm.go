package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sidewalk-mfg/sidprov-go/internal/secrets"
	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newHSMCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hsm",
		Short: "Manage software HSM keystores",
	}
	cmd.AddCommand(newHSMInitCmd(o), newHSMDumpCmd(o))
	return cmd
}

// parseScheme parses a chain scheme name (case-insensitive).
func parseScheme(s string) (hsm.Scheme, error) {
	switch strings.ToLower(s) {
	case "long", "long_chain":
		return hsm.SchemeLongChain, nil
	case "legacy":
		return hsm.SchemeLegacy, nil
	case "preprod":
		return hsm.SchemePreprod, nil
	default:
		return 0, fmt.Errorf("invalid scheme: %s (must be long, legacy, or preprod)", s)
	}
}

// parseStage parses a stage name (case-insensitive).
func parseStage(s string) (cert.Stage, error) {
	switch strings.ToLower(s) {
	case "prod", "production":
		return cert.StageProd, nil
	case "test":
		return cert.StageTest, nil
	case "preprod", "preproduction":
		return cert.StagePreprod, nil
	default:
		return 0, fmt.Errorf("invalid stage: %s (must be prod, test, or preprod)", s)
	}
}

func newHSMInitCmd(o *rootOptions) *cobra.Command {
	var (
		path    string
		serial  uint32
		scheme  string
		tag     string
		stages  []string
		pin     string
		hsmInfo bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a software HSM keystore",
		Long: `Generate a complete authority hierarchy for both curves and write it as a
YAML keystore. Only the signer private keys are kept; the upper authority
keys are discarded after signing.

Example:
  sidprov hsm init --keystore hsm.yaml --signer-tag TEST_ACME_DAK --stage test --pin env:HSM_PIN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger(cmd)
			if err != nil {
				return err
			}
			s, err := parseScheme(scheme)
			if err != nil {
				return err
			}
			cfg := hsm.HierarchyConfig{Scheme: s, SignerTag: tag, HSMInfo: hsmInfo}
			for _, name := range stages {
				st, err := parseStage(name)
				if err != nil {
					return err
				}
				cfg.Stages = append(cfg.Stages, st)
			}
			cfg.Stages = lo.Uniq(cfg.Stages)
			if cfg.Pin, err = (&secrets.Resolver{}).Resolve(cmd.Context(), pin); err != nil {
				return fmt.Errorf("resolving hsm pin: %w", err)
			}

			h := hsm.NewSoftHSM(serial)
			if err := hsm.GenerateHierarchy(h, cfg); err != nil {
				return err
			}
			if err := h.Save(path); err != nil {
				return fmt.Errorf("writing keystore: %w", err)
			}
			logger.Info("keystore written", "path", path, "scheme", s, "serial", serial)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "keystore", "hsm.yaml", "Keystore file to write")
	f.Uint32Var(&serial, "serial", 1, "HSM serial number")
	f.StringVar(&scheme, "scheme", "long", "Chain scheme (long, legacy, preprod)")
	f.StringVar(&tag, "signer-tag", "", "Label of the signer key, e.g. TEST_ACME_DAK")
	f.StringSliceVar(&stages, "stage", []string{"test"}, "Stages to populate (prod, test, preprod)")
	f.StringVar(&pin, "pin", "", "Pin of the signing domain (literal, env:NAME, file:PATH or aws-sm://ID#FIELD)")
	f.BoolVar(&hsmInfo, "hsm-info", true, "Write the HSM_INFO control object instead of the chain depth object")
	return cmd
}

// dumpObject is the printed form of one HSM object.
type dumpObject struct {
	Tag       string `json:"tag" yaml:"tag"`
	Label     string `json:"label" yaml:"label"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Size      int    `json:"size,omitempty" yaml:"size,omitempty"`
	Content   string `json:"content,omitempty" yaml:"content,omitempty"`
}

// dump is the printed form of a keystore.
type dump struct {
	Scheme     string            `json:"scheme" yaml:"scheme"`
	Namespaces map[string]string `json:"namespaces" yaml:"namespaces"`
	Objects    []dumpObject      `json:"objects" yaml:"objects"`
}

func newDump(store *hsm.Store, cache hsm.Cache) dump {
	d := dump{Scheme: store.Scheme().String(), Namespaces: map[string]string{}}
	for typ, ns := range store.Namespaces() {
		d.Namespaces[typ.String()] = ns.String()
	}
	for tag, o := range cache {
		d.Objects = append(d.Objects, dumpObject{
			Tag:       tag,
			Label:     o.Info.Label,
			Algorithm: o.Info.Algorithm,
			Size:      o.Info.Size,
			Content:   hex.EncodeToString(o.Content),
		})
	}
	sort.Slice(d.Objects, func(i, j int) bool { return d.Objects[i].Tag < d.Objects[j].Tag })
	return d
}

func writeDump(w io.Writer, d dump, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(d)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func newHSMDumpCmd(o *rootOptions) *cobra.Command {
	var (
		path     string
		tag      string
		pin      string
		pinSlot  uint16
		testCert bool
		format   string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List the objects of a keystore",
		Long: `Authenticate against a keystore, resolve its chain scheme and namespaces
and print every object with its metadata and opaque content.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := o.logger(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := (&secrets.Resolver{}).Resolve(ctx, pin)
			if err != nil {
				return fmt.Errorf("resolving hsm pin: %w", err)
			}
			ks, err := openKeystore(ctx, keystoreOptions{
				Addr:     path,
				Tag:      tag,
				Pin:      p,
				PinSlot:  hsm.ObjectID(pinSlot),
				TestCert: testCert,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer ks.Close()

			cache, err := ks.store.Dump(ctx)
			if err != nil {
				return err
			}
			return writeDump(cmd.OutOrStdout(), newDump(ks.store, cache), format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "keystore", "hsm.yaml", "Keystore file or yubihsm-connector URL")
	f.StringVar(&tag, "signer-tag", "", "Label of the signer key")
	f.StringVar(&pin, "pin", "", "Pin of the signing domain (literal, env:NAME, file:PATH or aws-sm://ID#FIELD)")
	f.Uint16Var(&pinSlot, "pin-slot", 0, "Key slot the pin is authenticated with")
	f.BoolVar(&testCert, "test-cert", false, "Use test certificates for tags without a stage prefix")
	f.StringVarP(&format, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}
