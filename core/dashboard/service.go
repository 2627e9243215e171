// Package dashboard answers the read side: the live fleet view from the
// live state store and time-windowed analytics from durable storage.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/fleetlive/core/livestate"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

var (
	// ErrNotFound is wrapped for vehicles unknown to both the live store
	// and durable storage, and for unknown geofences.
	ErrNotFound = livestate.ErrNotFound
	// ErrInvalidRange is returned when a route window is empty or inverted.
	ErrInvalidRange = errors.New("invalid time range")
)

// LiveReader is the read side of the live state store.
type LiveReader interface {
	Snapshot() model.FleetSnapshot
	Get(vehicleID string) (model.VehicleState, error)
}

// HistoryReader is the query side of the persistence port.
type HistoryReader interface {
	QueryLatestPerVehicle(ctx context.Context, r persistence.TimeRange) ([]persistence.LatestRow, error)
	QueryHistory(ctx context.Context, vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) ([]model.TelemetrySample, error)
	QueryBuckets(ctx context.Context, q persistence.BucketQuery) ([]persistence.BucketRow, error)
}

// Service is safe for concurrent use.
type Service struct {
	live      LiveReader
	history   HistoryReader
	geofences persistence.GeofenceStore
	cfg       Config
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for relative windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the live store and durable storage.
func NewService(live LiveReader, history HistoryReader, cfg Config, opts ...Option) *Service {
	cfg.SetDefaults()
	s := &Service{live: live, history: history, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AlertCounts splits the alert total by kind. A vehicle may raise several.
type AlertCounts struct {
	Speeding int `json:"speeding"`
	LowFuel  int `json:"low_fuel"`
	Overheat int `json:"overheat"`
}

// Total returns the number of alerts of any kind.
func (a AlertCounts) Total() int { return a.Speeding + a.LowFuel + a.Overheat }

// Stats summarises the live fleet.
type Stats struct {
	model.StatusCounts
	AvgSpeed   float64     `json:"avg_speed"`
	AlertCount int         `json:"alert_count"`
	Alerts     AlertCounts `json:"alerts"`
	TakenAt    time.Time   `json:"taken_at"`
}

// ListVehicles returns every live vehicle ordered by id.
func (s *Service) ListVehicles() []model.VehicleState {
	return s.live.Snapshot().Vehicles()
}

// GetVehicle returns one live vehicle.
func (s *Service) GetVehicle(id string) (model.VehicleState, error) {
	return s.live.Get(id)
}

// GetDashboardStats computes counts, the average speed of moving vehicles
// and alert counts from one snapshot. Offline vehicles are counted but
// raise no alerts since their readings are stale.
func (s *Service) GetDashboardStats() Stats {
	snap := s.live.Snapshot()
	st := Stats{StatusCounts: snap.Counts(), TakenAt: snap.TakenAt}
	var moving []float64
	for _, v := range snap.Vehicles() {
		if v.Status == model.StatusMoving {
			moving = append(moving, v.Speed)
		}
		if v.Status == model.StatusOffline {
			continue
		}
		if v.Speed > s.cfg.Alerts.SpeedLimit {
			st.Alerts.Speeding++
		}
		if v.FuelLevel != nil && *v.FuelLevel < s.cfg.Alerts.LowFuel {
			st.Alerts.LowFuel++
		}
		if v.EngineTemp != nil && *v.EngineTemp > s.cfg.Alerts.EngineOverheat {
			st.Alerts.Overheat++
		}
	}
	if len(moving) > 0 {
		st.AvgSpeed = round1(stat.Mean(moving, nil))
	}
	st.AlertCount = st.Alerts.Total()
	return st
}

// GetHistory returns the newest samples of one vehicle within the lookback
// window, newest first.
func (s *Service) GetHistory(ctx context.Context, id string) ([]model.TelemetrySample, error) {
	r := persistence.Last(s.now(), s.cfg.HistoryLookback)
	rows, err := s.history.QueryHistory(ctx, id, r, s.cfg.HistoryLimit, persistence.Descending)
	if err != nil {
		return nil, backendErr("history", err)
	}
	return s.knownOrNotFound(id, rows)
}

// GetRouteHistory returns the samples of one vehicle in [start, end),
// oldest first.
func (s *Service) GetRouteHistory(ctx context.Context, id string, start, end time.Time) ([]model.TelemetrySample, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	rows, err := s.history.QueryHistory(ctx, id, persistence.TimeRange{Start: start, End: end}, s.cfg.RouteLimit, persistence.Ascending)
	if err != nil {
		return nil, backendErr("route", err)
	}
	return s.knownOrNotFound(id, rows)
}

func (s *Service) knownOrNotFound(id string, rows []model.TelemetrySample) ([]model.TelemetrySample, error) {
	if len(rows) > 0 {
		return rows, nil
	}
	if _, err := s.live.Get(id); err != nil {
		return nil, fmt.Errorf("vehicle %q: %w", id, ErrNotFound)
	}
	return []model.TelemetrySample{}, nil
}

// TrendRange selects the window of the speed trend.
type TrendRange string

const (
	Range24h TrendRange = "24h"
	Range7d  TrendRange = "7d"
	Range30d TrendRange = "30d"
)

// ParseTrendRange validates a user supplied range.
func ParseTrendRange(s string) (TrendRange, error) {
	switch r := TrendRange(s); r {
	case Range24h, Range7d, Range30d:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown trend range %q", ErrInvalidRange, s)
}

// Window returns the lookback and the bucket width of r.
func (r TrendRange) Window() (lookback, width time.Duration) {
	switch r {
	case Range24h:
		return 24 * time.Hour, time.Hour
	case Range30d:
		return 30 * 24 * time.Hour, 24 * time.Hour
	default:
		return 7 * 24 * time.Hour, 24 * time.Hour
	}
}

// TrendPoint is one bucket of the speed trend.
type TrendPoint struct {
	Start    time.Time `json:"date"`
	AvgSpeed float64   `json:"avg_speed"`
	MaxSpeed float64   `json:"max_speed"`
}

// GetSpeedTrend returns fleet-wide average and maximum speed per bucket,
// ascending. Buckets without samples are omitted.
func (s *Service) GetSpeedTrend(ctx context.Context, r TrendRange) ([]TrendPoint, error) {
	lookback, width := r.Window()
	rows, err := s.history.QueryBuckets(ctx, persistence.BucketQuery{
		Range: persistence.Last(s.now(), lookback),
		Width: width,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed},
	})
	if err != nil {
		return nil, backendErr("speed trend", err)
	}
	out := make([]TrendPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, TrendPoint{Start: row.Start, AvgSpeed: round1(row.Avg), MaxSpeed: round1(row.Max)})
	}
	return out, nil
}

// FuelUsage is the fuel consumed by one vehicle.
type FuelUsage struct {
	VehicleID   string  `json:"name"`
	Consumption float64 `json:"consumption"`
}

const fuelTop = 5

// GetFuelConsumption returns the five vehicles with the largest fuel level
// drop over the last 24h. The drop is max minus min, so a refuel inside the
// window inflates it.
func (s *Service) GetFuelConsumption(ctx context.Context) ([]FuelUsage, error) {
	rows, err := s.history.QueryBuckets(ctx, persistence.BucketQuery{
		Range: persistence.Last(s.now(), 24*time.Hour),
		Width: time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldFuelLevel, GroupBy: persistence.GroupVehicle},
	})
	if err != nil {
		return nil, backendErr("fuel consumption", err)
	}
	type span struct{ max, min float64 }
	spans := make(map[string]*span)
	for _, row := range rows {
		sp, ok := spans[row.Key]
		if !ok {
			spans[row.Key] = &span{max: row.Max, min: row.Min}
			continue
		}
		sp.max = math.Max(sp.max, row.Max)
		sp.min = math.Min(sp.min, row.Min)
	}
	out := make([]FuelUsage, 0, len(spans))
	for id, sp := range spans {
		out = append(out, FuelUsage{VehicleID: id, Consumption: round1(sp.max - sp.min)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumption != out[j].Consumption {
			return out[i].Consumption > out[j].Consumption
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	if len(out) > fuelTop {
		out = out[:fuelTop]
	}
	return out, nil
}

// StatusShare is the percentage of samples persisted with one status.
type StatusShare struct {
	Status  model.Status `json:"name"`
	Percent float64      `json:"value"`
}

// GetIdleRatio returns the share of samples per status over the last 24h.
// No samples yields an empty slice.
func (s *Service) GetIdleRatio(ctx context.Context) ([]StatusShare, error) {
	rows, err := s.history.QueryBuckets(ctx, persistence.BucketQuery{
		Range: persistence.Last(s.now(), 24*time.Hour),
		Width: time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed, GroupBy: persistence.GroupStatus},
	})
	if err != nil {
		return nil, backendErr("idle ratio", err)
	}
	counts := make(map[string]int)
	total := 0
	for _, row := range rows {
		counts[row.Key] += row.Count
		total += row.Count
	}
	out := make([]StatusShare, 0, len(counts))
	if total == 0 {
		return out, nil
	}
	for st, n := range counts {
		if st == "" {
			st = string(model.StatusUnknown)
		}
		out = append(out, StatusShare{Status: model.Status(st), Percent: round1(float64(n) / float64(total) * 100)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

// KmPerMovingSample is the distance credited to each persisted moving sample.
const KmPerMovingSample = 0.1

// DistancePoint is the estimated distance driven by the fleet on one day.
type DistancePoint struct {
	Day time.Time `json:"date"`
	Km  float64   `json:"distance"`
}

// GetDistanceStats estimates daily distance over the last 7 days from the
// number of moving samples.
func (s *Service) GetDistanceStats(ctx context.Context) ([]DistancePoint, error) {
	rows, err := s.history.QueryBuckets(ctx, persistence.BucketQuery{
		Range: persistence.Last(s.now(), 7*24*time.Hour),
		Width: 24 * time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed, Status: model.StatusMoving},
	})
	if err != nil {
		return nil, backendErr("distance", err)
	}
	out := make([]DistancePoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, DistancePoint{Day: row.Start, Km: math.Round(float64(row.Count) * KmPerMovingSample)})
	}
	return out, nil
}

// GetRecentVehicles returns the newest stored row of every vehicle seen
// within window, for views that start before the live store is warm.
func (s *Service) GetRecentVehicles(ctx context.Context, window time.Duration) ([]persistence.LatestRow, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidRange)
	}
	now := s.now()
	// End is exclusive; include samples stamped exactly now.
	rows, err := s.history.QueryLatestPerVehicle(ctx, persistence.TimeRange{Start: now.Add(-window), End: now.Add(time.Nanosecond)})
	if err != nil {
		return nil, backendErr("recent vehicles", err)
	}
	return rows, nil
}

func backendErr(op string, err error) error {
	if errors.Is(err, persistence.ErrBackendUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return persistence.Unavailable(op, err)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
