package livestate

import (
	"fmt"
	"time"

	"github.com/kilianp07/fleetlive/core/model"
)

const (
	DefaultOfflineAfter    = 60 * time.Second
	DefaultIdleSpeed       = 1.0
	DefaultEvictAfter      = time.Hour
	DefaultJanitorInterval = time.Minute
)

// Config controls classification and garbage collection of the live store.
type Config struct {
	// OfflineAfter is the staleness threshold.
	OfflineAfter time.Duration `json:"offline_after"`
	// IdleSpeed in km/h; a live vehicle at or below it is idle. Zero is a
	// valid threshold, see DefaultConfig.
	IdleSpeed float64 `json:"idle_speed"`
	// EvictAfter removes vehicles from the index after this much silence.
	EvictAfter      time.Duration `json:"evict_after"`
	JanitorInterval time.Duration `json:"janitor_interval"`
}

// DefaultConfig returns every default, IdleSpeed included.
func DefaultConfig() Config {
	c := Config{IdleSpeed: DefaultIdleSpeed}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero durations. IdleSpeed is left alone.
func (c *Config) SetDefaults() {
	if c.OfflineAfter == 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = DefaultEvictAfter
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
}

// Validate checks the thresholds are coherent.
func (c Config) Validate() error {
	if c.OfflineAfter <= 0 {
		return fmt.Errorf("live_state.offline_after must be positive")
	}
	if c.IdleSpeed < 0 {
		return fmt.Errorf("live_state.idle_speed must not be negative")
	}
	if c.EvictAfter <= c.OfflineAfter {
		return fmt.Errorf("live_state.evict_after (%s) must exceed offline_after (%s)", c.EvictAfter, c.OfflineAfter)
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("live_state.janitor_interval must not be negative")
	}
	return nil
}

// Thresholds converts the config into classification thresholds.
func (c Config) Thresholds() model.Thresholds {
	return model.Thresholds{OfflineAfter: c.OfflineAfter, IdleSpeed: c.IdleSpeed}
}
