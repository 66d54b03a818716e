package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sidewalk-mfg/sidprov-go/internal/config"
	"github.com/sidewalk-mfg/sidprov-go/internal/metrics"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/spf13/cobra"
)

func newStationCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Interactive provisioning console",
		Long: `Run a provisioning console for a production line: the station settings
are loaded once and every device is provisioned with a single command.
With --metrics-addr the run and DPP statistics are served for Prometheus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "sidprov> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			// Logs go through readline so they do not clobber the prompt.
			logger, err = newLogger(cfg.Log.Level, rl.Stderr())
			if err != nil {
				return err
			}
			st := newStation(cfg, logger, metrics.New(), rl.Stdout())

			errc := make(chan error, 1)
			if cfg.Metrics.Addr != "" {
				srv, err := st.metrics.Listen(cfg.Metrics.Addr, logger)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				go func() { errc <- srv.Serve(ctx) }()
			} else {
				close(errc)
			}

			st.printHelp()
			for ctx.Err() == nil {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					break
				}
				if st.dispatch(ctx, line) {
					break
				}
			}
			fmt.Fprintln(st.out, "Exiting...")
			cancel()
			return <-errc
		},
	}
	addStationFlags(cmd.Flags())
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// station provisions one device per console command.
type station struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector
	out     io.Writer

	succeeded int
	failed    int
}

func newStation(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector, out io.Writer) *station {
	return &station{cfg: cfg, logger: logger, metrics: collector, out: out}
}

// dispatch executes one console line and reports whether to quit.
func (s *station) dispatch(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "ondev", "o":
		s.cmdOnDevice(ctx, args)
	case "privkey", "p":
		s.cmdPrivKey(ctx, args)
	case "status", "s":
		s.cmdStatus()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *station) printHelp() {
	fmt.Fprintln(s.out, `
Station Commands:
  ondev <dsn> [board-id]        - Let the device generate its identity
  privkey <cert> [proto|prod]   - Write the identity of a certificate document
  status                        - Show the runs of this session
  help                          - Show this help
  quit                          - Exit`)
}

func (s *station) cmdOnDevice(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(s.out, "Usage: ondev <dsn> [board-id]")
		return
	}
	var boardID string
	if len(args) == 2 {
		boardID = args[1]
	}
	if err := s.cfg.CheckOnDevice(config.OnDeviceInputs{DSN: args[0]}); err != nil {
		s.report(err)
		return
	}
	s.report(s.onDevice(ctx, args[0], boardID))
}

func (s *station) onDevice(ctx context.Context, dsn, boardID string) error {
	b, err := openBench(s.cfg, s.logger, s.metrics)
	if err != nil {
		return err
	}
	defer b.Close()

	smsn, err := b.onDevice(ctx, dsn, boardID)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "smsn: %x\n", smsn)
	return nil
}

func (s *station) cmdPrivKey(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(s.out, "Usage: privkey <cert> [proto|prod]")
		return
	}
	in := certInputs{certPath: args[0], certType: "prod"}
	if len(args) == 2 {
		in.certType = args[1]
	}
	// The station configuration may carry the on-device keys as well, so
	// only the inputs priv-key needs are checked here.
	for _, r := range []struct{ name, value string }{{"part", s.cfg.Part}, {"pdp_img", s.cfg.PDPImg}} {
		if r.value == "" {
			s.report(&provision.ArgumentError{Mode: "priv-key", Argument: r.name})
			return
		}
	}
	s.report(s.privKey(ctx, in))
}

func (s *station) privKey(ctx context.Context, in certInputs) error {
	certs, err := in.load()
	if err != nil {
		return err
	}
	data, err := certs.DynamicData()
	if err != nil {
		return err
	}
	b, err := openBench(s.cfg, s.logger, s.metrics)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.run(ctx, &provision.PrivateKeyMode{Data: data, Logger: s.logger}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "smsn: %x\n", certs.SMSN)
	return nil
}

func (s *station) report(err error) {
	if err != nil {
		s.failed++
		fmt.Fprintf(s.out, "FAIL [%s]: %v\n", metrics.ErrorClass(err), err)
		return
	}
	s.succeeded++
	fmt.Fprintln(s.out, "PASS")
}

func (s *station) cmdStatus() {
	fmt.Fprintf(s.out, "Runs: %d passed, %d failed\n", s.succeeded, s.failed)
}
