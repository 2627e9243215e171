package dashboard

import (
	"fmt"
	"time"
)

const (
	DefaultSpeedLimit      = 100.0
	DefaultLowFuel         = 10.0
	DefaultEngineOverheat  = 100.0
	DefaultHistoryLookback = 30 * 24 * time.Hour
	DefaultHistoryLimit    = 100
	DefaultRouteLimit      = 10_000
)

// AlertConfig holds the thresholds counted as alerts in the fleet stats.
type AlertConfig struct {
	SpeedLimit     float64 `json:"speed_limit"`     // km/h, alert above
	LowFuel        float64 `json:"low_fuel"`        // percent, alert below
	EngineOverheat float64 `json:"engine_overheat"` // Celsius, alert above
}

// DefaultAlertConfig returns the stock thresholds.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{SpeedLimit: DefaultSpeedLimit, LowFuel: DefaultLowFuel, EngineOverheat: DefaultEngineOverheat}
}

// Config tunes the read service.
type Config struct {
	Alerts          AlertConfig   `json:"-"` // set from the top-level alerts section
	HistoryLookback time.Duration `json:"history_lookback"`
	HistoryLimit    int           `json:"history_limit"`
	RouteLimit      int           `json:"route_limit"`
}

// DefaultConfig returns every default, the alert thresholds included.
func DefaultConfig() Config {
	c := Config{Alerts: DefaultAlertConfig()}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero windows and limits. Alert thresholds are taken
// as given so that zero stays expressible.
func (c *Config) SetDefaults() {
	if c.HistoryLookback == 0 {
		c.HistoryLookback = DefaultHistoryLookback
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.RouteLimit == 0 {
		c.RouteLimit = DefaultRouteLimit
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.HistoryLookback < 0 {
		return fmt.Errorf("dashboard.history_lookback must not be negative")
	}
	if c.HistoryLimit < 0 || c.RouteLimit < 0 {
		return fmt.Errorf("dashboard limits must not be negative")
	}
	if c.Alerts.LowFuel < 0 || c.Alerts.LowFuel > 100 {
		return fmt.Errorf("alerts.low_fuel must be a percentage")
	}
	return nil
}
