package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sidewalk-mfg/sidprov-go/internal/config"
	"github.com/sidewalk-mfg/sidprov-go/internal/metrics"
	"github.com/sidewalk-mfg/sidprov-go/internal/secrets"
	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/devsim"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/part"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
	"github.com/sidewalk-mfg/sidprov-go/pkg/transport"
)

// bench is one target attached to the station: the part, the probe, the
// provisioning image and the optional capture file and metrics.
type bench struct {
	cfg     *config.Config
	logger  *slog.Logger
	part    *part.Part
	image   []byte
	probe   transport.Probe
	capture *log.FileLogger
	metrics *metrics.Collector
}

// openBench resolves the part, reads the provisioning image, selects the
// probe and opens the capture file. Nothing touches the hardware yet.
func openBench(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*bench, error) {
	p, err := part.Parse(cfg.Part)
	if err != nil {
		return nil, &provision.ArgumentError{Argument: "part", Reason: err.Error()}
	}
	image, err := os.ReadFile(cfg.PDPImg)
	if err != nil {
		return nil, fmt.Errorf("reading provisioning image: %w", err)
	}
	b := &bench{
		cfg:     cfg,
		logger:  logger,
		part:    p,
		image:   image,
		probe:   newProbe(cfg, p, logger),
		metrics: collector,
	}
	if cfg.Log.Capture != "" {
		b.capture, err = log.NewFileLogger(cfg.Log.Capture)
		if err != nil {
			return nil, fmt.Errorf("opening capture file: %w", err)
		}
	}
	return b, nil
}

func newProbe(cfg *config.Config, p *part.Part, logger *slog.Logger) transport.Probe {
	if cfg.Probe.Kind == config.ProbeSim {
		return devsim.New(devsim.Config{Serial: cfg.Probe.Serial, Logger: logger})
	}
	return transport.NewGDBProbe(transport.GDBConfig{
		Options:     transport.Options{Device: p.JLinkDevice(), Serial: cfg.Probe.Serial},
		Addr:        cfg.Probe.GDBAddr,
		RTTAddr:     cfg.Probe.RTTAddr,
		ServerPath:  cfg.Probe.ServerPath,
		DialTimeout: cfg.Probe.Timeout,
		Logger:      logger,
	})
}

// recorder returns the capture recorder of one run, or nil when neither
// a capture file nor debug logging wants the events.
func (b *bench) recorder(runID string) *log.Recorder {
	var sinks []log.Logger
	if b.capture != nil {
		sinks = append(sinks, b.capture)
	}
	if b.logger.Enabled(context.Background(), slog.LevelDebug) {
		sinks = append(sinks, log.NewSlogAdapter(b.logger))
	}
	if len(sinks) == 0 {
		return nil
	}
	return &log.Recorder{
		Logger:      log.NewMultiLogger(sinks...),
		RunID:       runID,
		Target:      b.part.JLinkDevice(),
		ProbeSerial: b.cfg.Probe.Serial,
	}
}

// provisioner builds a provisioner for one run.
func (b *bench) provisioner(runID string) *provision.Provisioner {
	rec := b.recorder(runID)
	ch := transport.NewChannel(b.probe, transport.ChannelConfig{
		PollInterval: b.cfg.Channel.PollInterval,
		Timeout:      b.cfg.Channel.Timeout,
		Logger:       b.logger,
		Capture:      rec,
	})
	pc := provision.Config{Image: b.image, Logger: b.logger, Capture: rec}
	if b.metrics != nil {
		pc.Observer = b.metrics
	}
	return provision.New(ch, pc)
}

// run executes mode with a fresh run id.
func (b *bench) run(ctx context.Context, mode provision.Mode) error {
	runID := log.NewRunID()
	b.logger.Info("provisioning", "mode", mode.Name(), "run", runID, "target", b.part.JLinkDevice())
	if err := b.provisioner(runID).Execute(ctx, mode); err != nil {
		b.logger.Error("provisioning failed", "mode", mode.Name(), "run", runID, "error", err)
		return err
	}
	b.logger.Info("provisioning done", "mode", mode.Name(), "run", runID)
	return nil
}

// onDevice runs on-dev-cert-gen for one device and returns its SMSN.
func (b *bench) onDevice(ctx context.Context, dsn, boardID string) ([]byte, error) {
	s, release, err := b.csrSigner(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	mode := &provision.OnDeviceCertGenMode{
		DeviceType:         b.cfg.DevType,
		DSN:                dsn,
		APID:               b.cfg.APID,
		BoardID:            boardID,
		AppServerPublicKey: b.cfg.AppSrvPubKey,
		Signer:             s,
		Logger:             b.logger,
	}
	if err := b.run(ctx, mode); err != nil {
		return nil, err
	}
	return mode.SMSN, nil
}

// Close closes the capture file.
func (b *bench) Close() error {
	if b.capture == nil {
		return nil
	}
	return b.capture.Close()
}

// csrSigner builds the signer of the on-dev-cert-gen mode. The returned
// function releases the HSM session of the local signer.
func (b *bench) csrSigner(ctx context.Context) (provision.CSRSigner, func(), error) {
	resolver := &secrets.Resolver{Region: b.cfg.HSM.SecretsRegion}
	pin, err := resolver.Resolve(ctx, b.cfg.SSTHSMPin)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving hsm pin: %w", err)
	}

	if b.cfg.HSM.Signer == config.SignerLocal {
		tag := b.cfg.HSM.SignerTag
		if tag == "" {
			tag = b.cfg.SSTProdTag
		}
		addr := b.cfg.HSM.Keystore
		if addr == "" {
			addr = b.cfg.SSTHSMConnAddr
		}
		ks, err := openKeystore(ctx, keystoreOptions{
			Addr:   addr,
			Tag:    tag,
			Pin:    pin,
			Logger: b.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		s := &provision.LocalSigner{Signer: signer.New(ks.store, signer.Config{Stage: ks.stage, Logger: b.logger})}
		return b.observe("local", s), func() { ks.Close() }, nil
	}

	tool := b.cfg.HSM.Tool
	if tool == "" {
		tool = provision.DefaultSigningTool
	}
	s := &provision.ExecSigner{
		Command:       tool,
		Args:          b.cfg.HSM.ToolArgs,
		ProductTag:    b.cfg.SSTProdTag,
		HSMAddr:       b.cfg.SSTHSMConnAddr,
		PIN:           pin,
		ControlLogDir: b.cfg.HSM.ControlLogDir,
		Logger:        b.logger,
	}
	return b.observe("exec", s), func() {}, nil
}

func (b *bench) observe(name string, s provision.CSRSigner) provision.CSRSigner {
	if b.metrics == nil {
		return s
	}
	return &observedSigner{CSRSigner: s, name: name, metrics: b.metrics}
}

// observedSigner counts signing requests.
type observedSigner struct {
	provision.CSRSigner
	name    string
	metrics *metrics.Collector
}

func (s *observedSigner) SignCSRs(ctx context.Context, req provision.CSRRequest) (*provision.SignedChains, error) {
	chains, err := s.CSRSigner.SignCSRs(ctx, req)
	s.metrics.ObserveSigning(s.name, err)
	return chains, err
}

// keystoreOptions open an HSM for signing.
type keystoreOptions struct {
	// Addr is a keystore file or a yubihsm-connector URL.
	Addr    string
	Tag     string
	Pin     string
	PinSlot hsm.ObjectID

	// TestCert selects TEST certificates for tags without a stage prefix.
	TestCert bool

	// Cache reuses and refreshes the per-HSM object cache.
	Cache bool

	Logger *slog.Logger
}

// keystore is an authenticated certificate store over an HSM.
type keystore struct {
	store     *hsm.Store
	session   hsm.Session
	stage     cert.Stage
	cachePath string
}

func openKeystore(ctx context.Context, o keystoreOptions) (*keystore, error) {
	stage, err := cert.StageFromProductTag(o.Tag, o.TestCert)
	if err != nil {
		return nil, &provision.ArgumentError{Argument: "signer tag", Reason: err.Error()}
	}
	h, err := hsm.Dial(o.Addr, o.Logger)
	if err != nil {
		return nil, err
	}
	sess, err := hsm.OpenSession(ctx, h, o.Pin, o.PinSlot, stage, o.Logger)
	if err != nil {
		return nil, err
	}

	ks := &keystore{session: sess, stage: stage}
	storeCfg := hsm.StoreConfig{SignerTag: o.Tag, Logger: o.Logger}
	if o.Cache {
		serial, err := h.SerialNumber(ctx)
		if err != nil {
			sess.Close()
			return nil, err
		}
		ks.cachePath = hsm.CacheFileName(serial)
		storeCfg.Cache = hsm.LoadCache(ks.cachePath)
	}
	ks.store, err = hsm.NewStore(ctx, sess, storeCfg)
	if err != nil {
		sess.Close()
		if ks.cachePath != "" {
			hsm.RemoveCache(ks.cachePath)
		}
		return nil, err
	}
	return ks, nil
}

// SaveCache writes the objects fetched so far to the cache file.
func (k *keystore) SaveCache() error {
	if k.cachePath == "" {
		return nil
	}
	return k.store.Snapshot().Save(k.cachePath)
}

func (k *keystore) Close() error {
	return k.session.Close()
}
