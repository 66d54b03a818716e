// Package config loads the station configuration: the production keys of
// the provisioning scripts plus probe, channel, signer and metrics
// settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SIDPROV_PROBE_SERIAL.
const EnvPrefix = "SIDPROV"

// DefaultConfigName is the config file searched when none is given.
const DefaultConfigName = "sidprov"

// Probe kinds.
const (
	ProbeGDB = "gdb"
	ProbeSim = "sim"
)

// Signer kinds.
const (
	SignerExec  = "exec"
	SignerLocal = "local"
)

// Config is the station configuration.
type Config struct {
	Part         string `mapstructure:"part"`
	SidInitImg   string `mapstructure:"sid_init_img"`
	PDPImg       string `mapstructure:"pdp_img"`
	DevType      string `mapstructure:"dev_type"`
	APID         string `mapstructure:"apid"`
	AppSrvPubKey string `mapstructure:"app_srv_pub_key"`

	// SSTProdTag, SSTHSMConnAddr and SSTHSMPin are handed to the signing
	// tool. The PIN may be a secret reference.
	SSTProdTag     string `mapstructure:"sst_prod_tag"`
	SSTHSMConnAddr string `mapstructure:"sst_hsm_conn_addr"`
	SSTHSMPin      string `mapstructure:"sst_hsm_pin"`

	Probe   ProbeConfig   `mapstructure:"probe"`
	Channel ChannelConfig `mapstructure:"channel"`
	HSM     HSMConfig     `mapstructure:"hsm"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ProbeConfig selects and addresses the debug probe.
type ProbeConfig struct {
	Kind       string        `mapstructure:"kind"`
	Serial     string        `mapstructure:"serial"`
	GDBAddr    string        `mapstructure:"gdb_addr"`
	RTTAddr    string        `mapstructure:"rtt_addr"`
	ServerPath string        `mapstructure:"server_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ChannelConfig tunes the RTT polling.
type ChannelConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// HSMConfig selects how CSRs are signed.
type HSMConfig struct {
	// Signer is "exec" (signing tool process) or "local" (in process).
	Signer string `mapstructure:"signer"`

	// Tool and ToolArgs start the signing tool.
	Tool     string   `mapstructure:"tool"`
	ToolArgs []string `mapstructure:"tool_args"`

	// Keystore is the keystore file or yubihsm-connector URL of the local
	// signer. Empty falls back to sst_hsm_conn_addr.
	Keystore string `mapstructure:"keystore"`

	// SignerTag is the label prefix of the signer key.
	SignerTag string `mapstructure:"signer_tag"`

	ControlLogDir string `mapstructure:"control_log_dir"`

	// SecretsRegion is the AWS region used for aws-sm:// references.
	SecretsRegion string `mapstructure:"secrets_region"`
}

// MetricsConfig configures the Prometheus endpoint of the station.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures operational logs and protocol capture.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Capture string `mapstructure:"capture"`
}

// ErrInvalid reports an invalid configuration value.
var ErrInvalid = errors.New("invalid configuration")

// Load reads the configuration with precedence flags, environment,
// file, defaults. An empty path searches for sidprov.{yaml,json,toml} in
// the working directory and /etc/sidprov. Only flags that were set
// override other sources.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sidprov")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	for _, key := range []string{
		"part", "sid_init_img", "pdp_img", "dev_type", "apid", "app_srv_pub_key",
		"sst_prod_tag", "sst_hsm_conn_addr", "sst_hsm_pin",
		"probe.serial", "probe.server_path",
		"hsm.tool", "hsm.keystore", "hsm.signer_tag", "hsm.secrets_region",
		"metrics.addr", "log.capture",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("probe.kind", ProbeGDB)
	v.SetDefault("probe.gdb_addr", "localhost:2331")
	v.SetDefault("probe.rtt_addr", "localhost:19021")
	v.SetDefault("probe.timeout", "10s")
	v.SetDefault("channel.poll_interval", "1ms")
	v.SetDefault("channel.timeout", 0)
	v.SetDefault("hsm.signer", SignerExec)
	v.SetDefault("hsm.tool_args", []string{})
	v.SetDefault("hsm.control_log_dir", "out")
	v.SetDefault("log.level", "info")
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"part":              "part",
	"sid-init-img":      "sid_init_img",
	"pdp-img":           "pdp_img",
	"dev-type":          "dev_type",
	"apid":              "apid",
	"app-srv-pub-key":   "app_srv_pub_key",
	"sst-prod-tag":      "sst_prod_tag",
	"sst-hsm-conn-addr": "sst_hsm_conn_addr",
	"sst-hsm-pin":       "sst_hsm_pin",
	"probe":             "probe.kind",
	"jlink-ser":         "probe.serial",
	"gdb-addr":          "probe.gdb_addr",
	"rtt-addr":          "probe.rtt_addr",
	"gdb-server":        "probe.server_path",
	"timeout":           "channel.timeout",
	"signer":            "hsm.signer",
	"keystore":          "hsm.keystore",
	"signer-tag":        "hsm.signer_tag",
	"metrics-addr":      "metrics.addr",
	"log-level":         "log.level",
	"capture":           "log.capture",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch c.Probe.Kind {
	case ProbeGDB, ProbeSim:
	default:
		return fmt.Errorf("%w: probe.kind %q (want %s or %s)", ErrInvalid, c.Probe.Kind, ProbeGDB, ProbeSim)
	}
	switch c.HSM.Signer {
	case SignerExec, SignerLocal:
	default:
		return fmt.Errorf("%w: hsm.signer %q (want %s or %s)", ErrInvalid, c.HSM.Signer, SignerExec, SignerLocal)
	}
	if c.Channel.Timeout < 0 || c.Channel.PollInterval < 0 {
		return fmt.Errorf("%w: negative channel timing", ErrInvalid)
	}
	return nil
}
