package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect DPP capture files",
		Long: `Inspect the capture files written with --capture.

Examples:
  sidprov log view station.dpplog --command GenCSR
  sidprov log stats station.dpplog
  sidprov log export station.dpplog --format csv -o station.csv
  sidprov log filter station.dpplog -o failed.dpplog --category error`,
	}
	cmd.AddCommand(newLogViewCmd(), newLogStatsCmd(), newLogExportCmd(), newLogFilterCmd())
	return cmd
}

func addFilterFlags(cmd *cobra.Command, o *FilterOptions) {
	fs := cmd.Flags()
	fs.StringVar(&o.RunID, "run", "", "Only events of this run id")
	fs.StringVar(&o.SMSN, "smsn", "", "Only events of this device (hex SMSN)")
	fs.StringVar(&o.TimeStart, "time-start", "", "Only events at or after this time (RFC3339)")
	fs.StringVar(&o.TimeEnd, "time-end", "", "Only events before this time (RFC3339)")
	fs.StringVar(&o.Layer, "layer", "", "Only events of this layer (probe, wire, session)")
	fs.StringVar(&o.Direction, "direction", "", "Only events of this direction (in, out)")
	fs.StringVar(&o.Category, "category", "", "Only events of this category (message, state, error)")
	fs.StringVar(&o.Command, "command", "", "Only messages of this DPP command")
}

func newLogViewCmd() *cobra.Command {
	var opts FilterOptions
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Print the events of a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Filter()
			if err != nil {
				return err
			}
			return RunView(args[0], filter, cmd.OutOrStdout())
		},
	}
	addFilterFlags(cmd, &opts)
	return cmd
}

func newLogStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunStats(args[0], cmd.OutOrStdout())
		},
	}
}

func newLogExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a capture file as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunExport(args[0], format, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "Output format (jsonl, csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newLogFilterCmd() *cobra.Command {
	var (
		opts   FilterOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "filter <file>",
		Short: "Copy matching events into a new capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := RunFilter(args[0], output, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", n, output)
			return nil
		},
	}
	addFilterFlags(cmd, &opts)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output capture file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
