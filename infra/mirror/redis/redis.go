// Package redis mirrors the latest sample of each vehicle into Redis so that
// other processes can read fleet state without querying durable storage.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

const (
	DefaultTTL       = time.Hour
	DefaultActiveKey = "vehicles:active"
	DefaultGeoKey    = "vehicles:geo"
)

// Config for the Redis mirror.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	// TTL of each vehicle hash; refreshed on every sample.
	TTL       time.Duration `json:"ttl"`
	ActiveKey string        `json:"active_key"`
	GeoKey    string        `json:"geo_key"`
	// Channel, when set, receives every sample as JSON.
	Channel string `json:"channel"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.ActiveKey == "" {
		c.ActiveKey = DefaultActiveKey
	}
	if c.GeoKey == "" {
		c.GeoKey = DefaultGeoKey
	}
}

func init() {
	_ = persistence.RegisterMirror("redis", func(ctx context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Writer, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		return New(ctx, c, opts.IdleSpeed)
	})
}

// Mirror writes vehicle state hashes, the active set and a GEO index.
type Mirror struct {
	client    *redis.Client
	cfg       Config
	idleSpeed float64
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config, idleSpeed float64) (*Mirror, error) {
	cfg.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, persistence.Unavailable("redis ping", err)
	}
	return &Mirror{client: client, cfg: cfg, idleSpeed: idleSpeed}, nil
}

// VehicleKey names the hash holding one vehicle's state.
func VehicleKey(id string) string { return "vehicle:" + id }

// Write updates the vehicle hash and indexes in one pipeline round trip.
func (m *Mirror) Write(ctx context.Context, s model.TelemetrySample) error {
	key := VehicleKey(s.VehicleID)
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, stateFields(s, s.PersistedStatus(m.idleSpeed)))
	pipe.Expire(ctx, key, m.cfg.TTL)
	pipe.SAdd(ctx, m.cfg.ActiveKey, s.VehicleID)
	pipe.GeoAdd(ctx, m.cfg.GeoKey, &redis.GeoLocation{
		Name:      s.VehicleID,
		Longitude: s.Longitude,
		Latitude:  s.Latitude,
	})
	if m.cfg.Channel != "" {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal sample: %w", err)
		}
		pipe.Publish(ctx, m.cfg.Channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.Unavailable("redis pipeline", err)
	}
	return nil
}

// Close releases the connection pool.
func (m *Mirror) Close() error { return m.client.Close() }

func stateFields(s model.TelemetrySample, status model.Status) map[string]any {
	f := map[string]any{
		"vehicle_id":  s.VehicleID,
		"latitude":    formatFloat(s.Latitude),
		"longitude":   formatFloat(s.Longitude),
		"speed":       formatFloat(s.Speed),
		"status":      string(status),
		"timestamp":   s.Timestamp.UTC().Format(time.RFC3339Nano),
		"received_at": s.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.FuelLevel != nil {
		f["fuel_level"] = formatFloat(*s.FuelLevel)
	}
	if s.EngineTemp != nil {
		f["engine_temp"] = formatFloat(*s.EngineTemp)
	}
	if s.Heading != nil {
		f["heading"] = formatFloat(*s.Heading)
	}
	return f
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
