// Package simulator publishes synthetic vehicle telemetry for demos and
// end-to-end tests.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/fleetlive/core/logger"
	coremqtt "github.com/kilianp07/fleetlive/core/mqtt"
)

// Message is one telemetry publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Fleet steps every vehicle on each tick.
type Fleet struct {
	mu       sync.Mutex
	vehicles []Vehicle
	rng      *rand.Rand
	topic    string
}

// NewFleet creates n vehicles. The first five start at fixed London
// positions; the rest are scattered around them with ids v6, v7...
func NewFleet(cfg Config) *Fleet {
	cfg.SetDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	vs := make([]Vehicle, 0, cfg.Vehicles)
	for i := 0; i < cfg.Vehicles; i++ {
		if i < len(london) {
			vs = append(vs, london[i])
			continue
		}
		base := london[i%len(london)]
		base.ID = fmt.Sprintf("v%d", i+1)
		base.Lat += uniform(rng, -0.01, 0.01)
		base.Lon += uniform(rng, -0.01, 0.01)
		base.Speed = uniform(rng, 0, 60)
		base.Fuel = uniform(rng, 20, 100)
		vs = append(vs, base)
	}
	return &Fleet{vehicles: vs, rng: rng, topic: cfg.TopicTemplate}
}

// Len returns the number of vehicles.
func (f *Fleet) Len() int { return len(f.vehicles) }

// Tick advances all vehicles and returns one message each.
func (f *Fleet) Tick(now time.Time) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.vehicles))
	for i := range f.vehicles {
		v := &f.vehicles[i]
		v.Step(f.rng)
		p, err := v.Payload(now)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", v.ID, err)
		}
		out = append(out, Message{Topic: fmt.Sprintf(f.topic, v.ID), Payload: p})
	}
	return out, nil
}

// Run publishes a tick every interval until ctx is done. Publish errors are
// logged and the loop continues.
func Run(ctx context.Context, cfg Config, pub coremqtt.Publisher, log logger.Logger) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	fleet := NewFleet(cfg)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	log.Infof("simulating %d vehicles every %s", fleet.Len(), cfg.Interval)
	for {
		msgs, err := fleet.Tick(time.Now())
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := pub.Publish(m.Topic, m.Payload); err != nil {
				log.Warnf("publish %s: %v", m.Topic, err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
