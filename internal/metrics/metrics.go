// Package metrics exposes provisioning statistics of a station in the
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

const namespace = "sidprov"

// Run results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector records runs and DPP exchanges. It implements
// provision.Metrics.
type Collector struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	failures        *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	signings        *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Provisioning runs by mode and result.",
		}, []string{"mode", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of provisioning runs.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Failed provisioning runs by error class.",
		}, []string{"mode", "class"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dpp_commands_total",
			Help:      "DPP exchanges by command and device status.",
		}, []string{"command", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dpp_command_duration_seconds",
			Help:      "Round trip time of DPP exchanges.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"command"}),
		signings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_signings_total",
			Help:      "CSR signing requests by signer and result.",
		}, []string{"signer", "result"}),
	}
	c.registry.MustRegister(c.runs, c.runDuration, c.failures, c.commands, c.commandDuration, c.signings)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveCommand records one DPP exchange. Exchanges that failed before
// a status was read are counted with status "none".
func (c *Collector) ObserveCommand(cmd wire.Command, status wire.Status, elapsed time.Duration, err error) {
	label := status.String()
	if err != nil && !errors.Is(err, provision.ErrDeviceStatus) {
		label = "none"
	}
	c.commands.WithLabelValues(cmd.String(), label).Inc()
	c.commandDuration.WithLabelValues(cmd.String()).Observe(elapsed.Seconds())
}

// ObserveRun records one provisioning run.
func (c *Collector) ObserveRun(mode string, elapsed time.Duration, err error) {
	c.runDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if err == nil {
		c.runs.WithLabelValues(mode, ResultSuccess).Inc()
		return
	}
	c.runs.WithLabelValues(mode, ResultFailure).Inc()
	c.failures.WithLabelValues(mode, ErrorClass(err)).Inc()
}

// ObserveSigning records one signing request of both chains.
func (c *Collector) ObserveSigning(signer string, err error) {
	c.signings.WithLabelValues(signer, lo.Ternary(err == nil, ResultSuccess, ResultFailure)).Inc()
}

// ErrorClass names the error class of a failed run.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, provision.ErrArgument):
		return "argument"
	case errors.Is(err, provision.ErrExternalSigning):
		return "signing"
	case errors.Is(err, provision.ErrDeviceStatus):
		return "device"
	case errors.Is(err, wire.ErrProtocol):
		return "protocol"
	case errors.Is(err, provision.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// Handler serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context ends.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// Listen binds addr and returns a server ready to Serve.
func (c *Collector) Listen(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: l,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx ends, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(s.listener)
	}()
	s.logger.Info("serving metrics", "addr", s.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ provision.Metrics = (*Collector)(nil)
