package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "FOOTBALL_"

// Load builds a Config from defaults and an optional YAML file.
// An empty path returns Default(). The file is validated against the
// embedded schema, then decoded strictly (unknown fields are rejected).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode validates data against the schema and decodes it over cfg.
// Fields absent from data keep their current value in cfg.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := Validate(data); err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg.Check()
}

// Validate checks a YAML document against the #Config schema.
func Validate(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("invalid embedded schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := cueyaml.Validate(data, def); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// envOverrides lists the settings that may come from the environment.
// It is prefilled from the current Config so unset variables keep their value.
type envOverrides struct {
	StartupTimeout time.Duration `env:"STARTUP_TIMEOUT"`
	RestTimeout    time.Duration `env:"REST_TIMEOUT"`
	EventTimeout   time.Duration `env:"EVENT_TIMEOUT"`
	HealthInterval time.Duration `env:"HEALTH_INTERVAL"`
	ConnectorURL   string        `env:"CONNECTOR_URL"`
	PushURL        string        `env:"PUSH_URL"`
	BusBrokers     []string      `env:"BUS_BROKERS" envSeparator:","`
	BusGroupID     string        `env:"BUS_GROUP_ID"`
	StoreDriver    string        `env:"STORE_DRIVER"`
	StoreDSN       string        `env:"STORE_DSN"`
	ComposeEnabled bool          `env:"COMPOSE_ENABLED"`
	ReplaySource   string        `env:"REPLAY_SOURCE"`
	ReplayFactor   float64       `env:"REPLAY_FACTOR"`
	OTLPEndpoint   string        `env:"OTLP_ENDPOINT"`
}

// ApplyEnv overrides cfg with FOOTBALL_* environment variables.
// Variables that are not set leave the corresponding field untouched.
func ApplyEnv(cfg *Config) error {
	o := envOverrides{
		StartupTimeout: cfg.Timeouts.Startup,
		RestTimeout:    cfg.Timeouts.Rest,
		EventTimeout:   cfg.Timeouts.Event,
		HealthInterval: cfg.Timeouts.HealthInterval,
		ConnectorURL:   cfg.Connector.URL,
		PushURL:        cfg.Push.URL,
		BusBrokers:     cfg.Bus.Brokers,
		BusGroupID:     cfg.Bus.GroupID,
		StoreDriver:    cfg.Store.Driver,
		StoreDSN:       cfg.Store.DSN,
		ComposeEnabled: cfg.Compose.Enabled,
		ReplaySource:   cfg.Replay.Source,
		ReplayFactor:   cfg.Replay.Factor,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	cfg.Timeouts.Startup = o.StartupTimeout
	cfg.Timeouts.Rest = o.RestTimeout
	cfg.Timeouts.Event = o.EventTimeout
	cfg.Timeouts.HealthInterval = o.HealthInterval
	cfg.Connector.URL = o.ConnectorURL
	cfg.Push.URL = o.PushURL
	cfg.Bus.Brokers = o.BusBrokers
	cfg.Bus.GroupID = o.BusGroupID
	cfg.Store.Driver = o.StoreDriver
	cfg.Store.DSN = o.StoreDSN
	cfg.Compose.Enabled = o.ComposeEnabled
	cfg.Replay.Source = o.ReplaySource
	cfg.Replay.Factor = o.ReplayFactor
	cfg.Tracing.Endpoint = o.OTLPEndpoint
	return cfg.Check()
}
