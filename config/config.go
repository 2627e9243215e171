// Package config loads the service configuration from defaults, an optional
// YAML or JSON file, a .env file and FLEET_ environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fleetlive/core/dashboard"
	"github.com/kilianp07/fleetlive/core/ingest"
	"github.com/kilianp07/fleetlive/core/livestate"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/infra/logger"
	"github.com/kilianp07/fleetlive/infra/monitoring"
	"github.com/kilianp07/fleetlive/infra/mqtt"
	"github.com/kilianp07/fleetlive/simulator"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore: FLEET_MQTT__BROKER sets mqtt.broker.
const EnvPrefix = "FLEET_"

// DefaultMetricsAddr serves /metrics when metrics are enabled.
const DefaultMetricsAddr = ":2112"

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type Config struct {
	MQTT       mqtt.Config                `json:"mqtt"`
	LiveState  livestate.Config           `json:"live_state"`
	Ingest     ingest.Config              `json:"ingest"`
	Storage    persistence.ModuleConfig   `json:"storage"`
	Mirrors    []persistence.ModuleConfig `json:"mirrors"`
	Metrics    MetricsConfig              `json:"metrics"`
	Logging    logger.Config              `json:"logging"`
	Monitoring monitoring.Config          `json:"monitoring"`
	Alerts     dashboard.AlertConfig      `json:"alerts"`
	Dashboard  dashboard.Config           `json:"dashboard"`
	Simulator  simulator.Config           `json:"simulator"`
}

// Options tune where Load looks.
type Options struct {
	// EnvFile is loaded into the process environment when present.
	// Variables already set are not overridden.
	EnvFile string
}

// Load reads path (optional, may be empty) and applies overrides. The result
// has defaults applied and is validated.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, Options{EnvFile: ".env"})
}

// LoadWithOptions is Load with an explicit .env location.
func LoadWithOptions(path string, opts Options) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.EnvFile, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Default returns the configuration decoded files are layered onto. Keys
// absent from every source keep these values, so an explicit zero in a
// file or the environment is preserved.
func Default() Config {
	return Config{
		LiveState: livestate.DefaultConfig(),
		Alerts:    dashboard.DefaultAlertConfig(),
	}
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.MQTT.SetDefaults()
	c.LiveState.SetDefaults()
	c.Ingest.SetDefaults()
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	c.Logging.SetDefaults()
	c.Dashboard.Alerts = c.Alerts
	c.Dashboard.SetDefaults()
	c.Alerts = c.Dashboard.Alerts
	c.Simulator.SetDefaults()
}

// Validate checks every section; the first failure aborts startup.
func (c Config) Validate() error {
	checks := []struct {
		section string
		err     error
	}{
		{"mqtt", c.MQTT.Validate()},
		{"live_state", c.LiveState.Validate()},
		{"ingest", c.Ingest.Validate()},
		{"logging", c.Logging.Validate()},
		{"dashboard", c.Dashboard.Validate()},
		{"simulator", c.Simulator.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return fmt.Errorf("%s: %w", ch.section, ch.err)
		}
	}
	for i, m := range c.Mirrors {
		if m.Type == "" {
			return fmt.Errorf("mirrors[%d]: type is required", i)
		}
	}
	return nil
}
