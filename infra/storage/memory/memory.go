// Package memory is an in-process persistence backend. It keeps samples in
// a fixed-size ring and answers queries by scanning it; suited to tests,
// demos and single-node deployments without a time-series database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

// DefaultMaxRows bounds memory use when no limit is configured.
const DefaultMaxRows = 500_000

// Config for the memory backend.
type Config struct {
	// MaxRows keeps only the newest rows once exceeded.
	MaxRows int `json:"max_rows"`
}

func init() {
	_ = persistence.RegisterBackend("memory", func(_ context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Port, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		return New(c, opts.IdleSpeed), nil
	})
}

type row struct {
	sample model.TelemetrySample
	status model.Status
}

// Store keeps samples in arrival order. Once rows holds maxRows entries it
// is used as a ring: head is the oldest row and the next slot to overwrite.
type Store struct {
	mu        sync.RWMutex
	rows      []row
	head      int
	maxRows   int
	idleSpeed float64

	geoMu     sync.RWMutex
	geofences []model.Geofence
}

// New returns an empty store.
func New(cfg Config, idleSpeed float64) *Store {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Store{maxRows: cfg.MaxRows, idleSpeed: idleSpeed}
}

// Write appends s, overwriting the oldest row once MaxRows is reached.
func (s *Store) Write(ctx context.Context, sample model.TelemetrySample) error {
	if err := ctx.Err(); err != nil {
		return persistence.Unavailable("memory write", err)
	}
	rw := row{sample: sample, status: sample.PersistedStatus(s.idleSpeed)}
	s.mu.Lock()
	if len(s.rows) < s.maxRows {
		s.rows = append(s.rows, rw)
	} else {
		s.rows[s.head] = rw
		s.head = (s.head + 1) % s.maxRows
	}
	s.mu.Unlock()
	return nil
}

// scan visits rows oldest first. The caller holds mu.
func (s *Store) scan(fn func(row)) {
	for _, rw := range s.rows[s.head:] {
		fn(rw)
	}
	for _, rw := range s.rows[:s.head] {
		fn(rw)
	}
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// QueryLatestPerVehicle returns the newest sample of each vehicle by sample
// timestamp, ordered by vehicle id.
func (s *Store) QueryLatestPerVehicle(ctx context.Context, r persistence.TimeRange) ([]persistence.LatestRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence.Unavailable("memory latest", err)
	}
	s.mu.RLock()
	latest := make(map[string]row)
	s.scan(func(rw row) {
		if !r.Contains(rw.sample.Timestamp) {
			return
		}
		if cur, ok := latest[rw.sample.VehicleID]; !ok || rw.sample.Timestamp.After(cur.sample.Timestamp) {
			latest[rw.sample.VehicleID] = rw
		}
	})
	s.mu.RUnlock()

	out := make([]persistence.LatestRow, 0, len(latest))
	for _, rw := range latest {
		out = append(out, persistence.LatestRow{Sample: rw.sample, Status: rw.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sample.VehicleID < out[j].Sample.VehicleID })
	return out, nil
}

// QueryHistory returns one vehicle's samples ordered by timestamp.
func (s *Store) QueryHistory(ctx context.Context, vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) ([]model.TelemetrySample, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence.Unavailable("memory history", err)
	}
	s.mu.RLock()
	var out []model.TelemetrySample
	s.scan(func(rw row) {
		if rw.sample.VehicleID == vehicleID && r.Contains(rw.sample.Timestamp) {
			out = append(out, rw.sample)
		}
	})
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if order == persistence.Descending {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type bucketKey struct {
	start int64
	key   string
}

// QueryBuckets aggregates matching rows into epoch-aligned buckets. Buckets
// without samples never appear.
func (s *Store) QueryBuckets(ctx context.Context, q persistence.BucketQuery) ([]persistence.BucketRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, persistence.Unavailable("memory buckets", err)
	}
	groups := make(map[bucketKey][]float64)
	s.mu.RLock()
	s.scan(func(rw row) {
		if !q.Range.Contains(rw.sample.Timestamp) {
			return
		}
		if q.Spec.Status != "" && rw.status != q.Spec.Status {
			return
		}
		v, ok := fieldValue(rw.sample, q.Spec.Field)
		if !ok {
			return
		}
		k := bucketKey{start: persistence.BucketStart(rw.sample.Timestamp, q.Width).UnixNano()}
		switch q.Spec.GroupBy {
		case persistence.GroupVehicle:
			k.key = rw.sample.VehicleID
		case persistence.GroupStatus:
			k.key = string(rw.status)
		}
		groups[k] = append(groups[k], v)
	})
	s.mu.RUnlock()

	out := make([]persistence.BucketRow, 0, len(groups))
	for k, vals := range groups {
		out = append(out, persistence.BucketRow{
			Start: time.Unix(0, k.start).UTC(),
			Key:   k.key,
			Count: len(vals),
			Avg:   stat.Mean(vals, nil),
			Max:   floats.Max(vals),
			Min:   floats.Min(vals),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ListGeofences returns geofences newest first.
func (s *Store) ListGeofences(ctx context.Context) ([]model.Geofence, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence.Unavailable("memory geofences", err)
	}
	s.geoMu.RLock()
	out := append([]model.Geofence(nil), s.geofences...)
	s.geoMu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateGeofence stores g as given.
func (s *Store) CreateGeofence(ctx context.Context, g model.Geofence) error {
	if err := ctx.Err(); err != nil {
		return persistence.Unavailable("memory geofences", err)
	}
	s.geoMu.Lock()
	s.geofences = append(s.geofences, g)
	s.geoMu.Unlock()
	return nil
}

// DeleteGeofence removes the geofence with the given id.
func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return persistence.Unavailable("memory geofences", err)
	}
	s.geoMu.Lock()
	defer s.geoMu.Unlock()
	for i, g := range s.geofences {
		if g.ID == id {
			s.geofences = append(s.geofences[:i], s.geofences[i+1:]...)
			return nil
		}
	}
	return persistence.ErrGeofenceNotFound
}

// Close drops all rows.
func (s *Store) Close() error {
	s.mu.Lock()
	s.rows, s.head = nil, 0
	s.mu.Unlock()
	return nil
}

func fieldValue(s model.TelemetrySample, field string) (float64, bool) {
	switch field {
	case persistence.FieldSpeed:
		return s.Speed, true
	case persistence.FieldFuelLevel:
		if s.FuelLevel != nil {
			return *s.FuelLevel, true
		}
	}
	return 0, false
}
