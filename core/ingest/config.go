package ingest

import (
	"fmt"
	"time"
)

const (
	DefaultQueueSize     = 1024
	DefaultWorkers       = 4
	DefaultWriteTimeout  = 5 * time.Second
	DefaultShutdownGrace = 5 * time.Second
)

// Config sizes the persistence write queue.
type Config struct {
	QueueSize     int           `json:"queue_size"`
	Workers       int           `json:"workers"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Validate checks the queue settings.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("ingest.write_timeout must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("ingest.shutdown_grace must not be negative")
	}
	return nil
}
