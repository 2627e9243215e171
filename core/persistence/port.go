// Package persistence defines the durable storage contract used by the
// ingest pipeline and the dashboard. Storage engines live under
// infra/storage and are selected through the backend registry; nothing in
// core branches on which engine is active.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/fleetlive/core/model"
)

// ErrBackendUnavailable wraps every failure to reach durable storage.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Last returns the range covering d up to now.
func Last(now time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: now.Add(-d), End: now}
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Order is the sort direction of history queries.
type Order int

const (
	Ascending Order = iota
	Descending
)

// GroupBy adds a key dimension to bucketed aggregates.
type GroupBy string

const (
	GroupNone    GroupBy = ""
	GroupVehicle GroupBy = "vehicle_id"
	GroupStatus  GroupBy = "status"
)

// Aggregated fields.
const (
	FieldSpeed     = "speed"
	FieldFuelLevel = "fuel_level"
)

// AggregateSpec selects what a bucket query summarises.
type AggregateSpec struct {
	// Field is the numeric column aggregated (FieldSpeed or FieldFuelLevel).
	// Rows where the field is absent are ignored.
	Field string
	// GroupBy splits each time bucket by vehicle or status.
	GroupBy GroupBy
	// Status, when set, keeps only rows persisted with that status.
	Status model.Status
}

// BucketQuery asks for fixed-width time buckets over Range.
type BucketQuery struct {
	Range TimeRange
	// Width of each bucket; buckets are aligned to the Unix epoch.
	Width time.Duration
	Spec  AggregateSpec
}

// Validate checks the query is answerable.
func (q BucketQuery) Validate() error {
	if !q.Range.End.After(q.Range.Start) {
		return fmt.Errorf("empty time range")
	}
	if q.Width <= 0 {
		return fmt.Errorf("bucket width must be positive")
	}
	switch q.Spec.Field {
	case FieldSpeed, FieldFuelLevel:
	default:
		return fmt.Errorf("unsupported aggregate field %q", q.Spec.Field)
	}
	switch q.Spec.GroupBy {
	case GroupNone, GroupVehicle, GroupStatus:
	default:
		return fmt.Errorf("unsupported group %q", q.Spec.GroupBy)
	}
	return nil
}

// BucketRow is one aggregate. Buckets without samples are never returned,
// so callers must not assume contiguous rows.
type BucketRow struct {
	Start time.Time
	Key   string
	Count int
	Avg   float64
	Max   float64
	Min   float64
}

// LatestRow is the newest stored sample of a vehicle.
type LatestRow struct {
	Sample model.TelemetrySample `json:"sample"`
	Status model.Status          `json:"status"`
}

// Writer accepts samples for durable storage.
type Writer interface {
	Write(ctx context.Context, s model.TelemetrySample) error
}

// Port is the full durable storage capability.
type Port interface {
	Writer
	QueryLatestPerVehicle(ctx context.Context, r TimeRange) ([]LatestRow, error)
	// QueryHistory returns at most limit samples of one vehicle; limit <= 0
	// means no limit.
	QueryHistory(ctx context.Context, vehicleID string, r TimeRange, limit int, order Order) ([]model.TelemetrySample, error)
	// QueryBuckets returns rows ordered by Start then Key.
	QueryBuckets(ctx context.Context, q BucketQuery) ([]BucketRow, error)
	Ping(ctx context.Context) error
	Close() error
}

// BucketStart aligns t to the epoch-based bucket grid of width w.
func BucketStart(t time.Time, w time.Duration) time.Time {
	ns, width := t.UnixNano(), int64(w)
	start := ns - ns%width
	if ns < 0 && ns%width != 0 {
		start -= width
	}
	return time.Unix(0, start).UTC()
}

// Pruner is implemented by backends that enforce their own retention.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}
