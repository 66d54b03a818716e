// Package commands implements the sidprov command tree.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sidewalk-mfg/sidprov-go/internal/config"
	"github.com/spf13/cobra"
)

// rootOptions are the global flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the sidprov command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:   "sidprov",
		Short: "Sidewalk device identity provisioning",
		Long: `sidprov provisions Sidewalk identities into devices over a debug probe.

A provisioning run loads the provisioning firmware into the device RAM,
talks DPP over SEGGER RTT and either writes a host generated identity
(priv-key) or lets the device generate its keys and signs its CSRs
(on-dev-cert-gen).

Station settings come from sidprov.yaml (or --config), SIDPROV_*
environment variables and flags, in increasing precedence.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "Configuration file (default: sidprov.{yaml,json} in . or /etc/sidprov)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newProvisionCmd(o),
		newSignCmd(o),
		newInitDataCmd(o),
		newHSMCmd(o),
		newStationCmd(o),
		newLogCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree until it completes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// load reads the station configuration with the flags of cmd applied and
// builds the operational logger.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log.Level, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// logger builds the operational logger for commands without a station
// configuration.
func (o *rootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	level := o.logLevel
	if level == "" {
		level = "info"
	}
	return newLogger(level, cmd.ErrOrStderr())
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
