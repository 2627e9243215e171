// Package kafka forwards accepted samples to a Kafka topic, keyed by vehicle
// id so that each vehicle's samples stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

// Config for the Kafka mirror.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	// BatchSize defaults to 1 for synchronous writes, which flush at once,
	// and to 100 when Async is set.
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	// Async hands messages to the writer without waiting for acks. Delivery
	// failures are logged.
	Async bool `json:"async"`
}

const (
	defaultAsyncBatchSize = 100
	defaultBatchTimeout   = 50 * time.Millisecond
)

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1
		if c.Async {
			c.BatchSize = defaultAsyncBatchSize
		}
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka mirror requires brokers")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka mirror requires topic")
	}
	return nil
}

func init() {
	_ = persistence.RegisterMirror("kafka", func(_ context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Writer, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		return New(c, opts.Logger)
	})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Mirror publishes samples as JSON.
type Mirror struct {
	w messageWriter
}

// New builds a hash-balanced writer. Connections are opened lazily. log may
// be nil.
func New(cfg Config, log logger.Logger) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        cfg.Async,
	}
	if cfg.Async {
		w.Completion = completion(log)
	}
	return &Mirror{w: w}, nil
}

// completion logs async batches the brokers did not accept.
func completion(log logger.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		log.Errorw("kafka mirror batch failed", map[string]any{
			"messages": len(msgs),
			"error":    err.Error(),
		})
	}
}

// Write sends one message keyed by vehicle id.
func (m *Mirror) Write(ctx context.Context, s model.TelemetrySample) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	err = m.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.VehicleID),
		Value: value,
		Time:  s.Timestamp,
		Headers: []kafka.Header{
			{Key: "timestamp_source", Value: []byte(s.TimestampSource)},
		},
	})
	return persistence.Unavailable("kafka write", err)
}

// Close flushes pending messages.
func (m *Mirror) Close() error { return m.w.Close() }
