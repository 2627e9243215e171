package simulator

import (
	"fmt"
	"time"
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultVehicles      = 5
	DefaultTopicTemplate = "vehicles/%s/telemetry"
)

// Config holds parameters for the simulator.
type Config struct {
	Interval time.Duration `json:"interval"`
	Vehicles int           `json:"vehicles"`
	// TopicTemplate receives the vehicle id through a single %s verb.
	TopicTemplate string `json:"topic_template"`
	// Seed makes runs reproducible; zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Vehicles == 0 {
		c.Vehicles = DefaultVehicles
	}
	if c.TopicTemplate == "" {
		c.TopicTemplate = DefaultTopicTemplate
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("simulator.interval must be positive")
	}
	if c.Vehicles < 0 {
		return fmt.Errorf("simulator.vehicles must not be negative")
	}
	return nil
}
