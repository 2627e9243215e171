// Package influx stores telemetry in InfluxDB 2.x and answers the
// persistence queries with Flux.
package influx

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

const (
	DefaultMeasurement = "vehicle_telemetry"
	DefaultTimeout     = 5 * time.Second
)

// Config for the InfluxDB backend.
type Config struct {
	URL         string        `json:"url"`
	Token       string        `json:"token"`
	Org         string        `json:"org"`
	Bucket      string        `json:"bucket"`
	Measurement string        `json:"measurement"`
	Timeout     time.Duration `json:"timeout"`
	// SkipHealthCheck disables the startup ping.
	SkipHealthCheck bool `json:"skip_health_check"`
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.URL == "" || c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("influx storage requires url, org and bucket")
	}
	return nil
}

func init() {
	_ = persistence.RegisterBackend("influx", func(ctx context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Port, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		s, err := New(c, opts)
		if err != nil {
			return nil, err
		}
		if !c.SkipHealthCheck {
			if err := s.Ping(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	})
}

// Store is the InfluxDB persistence adapter.
type Store struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
	idleSpeed   float64
	log         logger.Logger
}

// New creates a store for the configured endpoint. No request is made.
func New(cfg Config, opts persistence.BuildOptions) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	log := opts.Logger
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Store{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: cfg.Measurement,
		idleSpeed:   opts.IdleSpeed,
		log:         log,
	}, nil
}

// Point converts a sample into a line protocol point.
func (s *Store) Point(sample model.TelemetrySample) *write.Point {
	p := write.NewPointWithMeasurement(s.measurement).
		AddTag("vehicle_id", sample.VehicleID).
		AddTag("status", string(sample.PersistedStatus(s.idleSpeed))).
		AddField("latitude", sample.Latitude).
		AddField("longitude", sample.Longitude).
		AddField("speed", round3(sample.Speed))
	if sample.TimestampSource != "" {
		p.AddTag("timestamp_source", string(sample.TimestampSource))
	}
	if sample.FuelLevel != nil {
		p.AddField("fuel_level", round3(*sample.FuelLevel))
	}
	if sample.EngineTemp != nil {
		p.AddField("engine_temp", round3(*sample.EngineTemp))
	}
	if sample.Heading != nil {
		p.AddField("heading", round3(*sample.Heading))
	}
	if !sample.ReceivedAt.IsZero() {
		p.AddField("received_at", sample.ReceivedAt.UnixNano())
	}
	return p.SetTime(sample.Timestamp)
}

// Write sends one point with a blocking write.
func (s *Store) Write(ctx context.Context, sample model.TelemetrySample) error {
	return persistence.Unavailable("influx write", s.writeAPI.WritePoint(ctx, s.Point(sample)))
}

// QueryLatestPerVehicle returns the newest point of each vehicle.
func (s *Store) QueryLatestPerVehicle(ctx context.Context, r persistence.TimeRange) ([]persistence.LatestRow, error) {
	res, err := s.queryAPI.Query(ctx, s.latestFlux(r))
	if err != nil {
		return nil, persistence.Unavailable("influx latest", err)
	}
	defer res.Close()
	var out []persistence.LatestRow
	for res.Next() {
		rec := res.Record()
		out = append(out, persistence.LatestRow{Sample: sampleFromRecord(rec), Status: model.Status(str(rec.ValueByKey("status")))})
	}
	if err := res.Err(); err != nil {
		return nil, persistence.Unavailable("influx latest", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sample.VehicleID < out[j].Sample.VehicleID })
	return out, nil
}

// QueryHistory returns the points of one vehicle.
func (s *Store) QueryHistory(ctx context.Context, vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) ([]model.TelemetrySample, error) {
	res, err := s.queryAPI.Query(ctx, s.historyFlux(vehicleID, r, limit, order))
	if err != nil {
		return nil, persistence.Unavailable("influx history", err)
	}
	defer res.Close()
	var out []model.TelemetrySample
	for res.Next() {
		out = append(out, sampleFromRecord(res.Record()))
	}
	if err := res.Err(); err != nil {
		return nil, persistence.Unavailable("influx history", err)
	}
	return out, nil
}

// QueryBuckets runs aggregateWindow with createEmpty disabled, so empty
// windows produce no row.
func (s *Store) QueryBuckets(ctx context.Context, q persistence.BucketQuery) ([]persistence.BucketRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	res, err := s.queryAPI.Query(ctx, s.bucketsFlux(q))
	if err != nil {
		return nil, persistence.Unavailable("influx buckets", err)
	}
	defer res.Close()
	var out []persistence.BucketRow
	for res.Next() {
		rec := res.Record()
		row := persistence.BucketRow{
			Start: rec.Time().UTC(),
			Count: int(num(rec.ValueByKey("count"))),
			Avg:   num(rec.ValueByKey("avg")),
			Max:   num(rec.ValueByKey("max")),
			Min:   num(rec.ValueByKey("min")),
		}
		if q.Spec.GroupBy != persistence.GroupNone {
			row.Key = str(rec.ValueByKey(string(q.Spec.GroupBy)))
		}
		out = append(out, row)
	}
	if err := res.Err(); err != nil {
		return nil, persistence.Unavailable("influx buckets", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Ping checks the server is reachable and healthy.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return persistence.Unavailable("influx ping", err)
	}
	if !ok {
		return persistence.Unavailable("influx ping", fmt.Errorf("server not ready"))
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) source(r persistence.TimeRange) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s)`,
		fluxString(s.bucket), fluxTime(r.Start), fluxTime(r.End), fluxString(s.measurement))
}

func (s *Store) latestFlux(r persistence.TimeRange) string {
	return s.source(r) + `
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group(columns: ["vehicle_id"])
  |> sort(columns: ["_time"])
  |> last(column: "_time")
  |> group()`
}

func (s *Store) historyFlux(vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) string {
	q := s.source(r) + fmt.Sprintf(`
  |> filter(fn: (r) => r.vehicle_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: %t)`, fluxString(vehicleID), order == persistence.Descending)
	if limit > 0 {
		q += fmt.Sprintf("\n  |> limit(n: %d)", limit)
	}
	return q
}

func (s *Store) bucketsFlux(q persistence.BucketQuery) string {
	var b strings.Builder
	b.WriteString("data = ")
	b.WriteString(s.source(q.Range))
	fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r._field == %s)", fluxString(q.Spec.Field))
	if q.Spec.Status != "" {
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r.status == %s)", fluxString(string(q.Spec.Status)))
	}
	if q.Spec.GroupBy == persistence.GroupNone {
		b.WriteString("\n  |> group()")
	} else {
		fmt.Fprintf(&b, "\n  |> group(columns: [%s])", fluxString(string(q.Spec.GroupBy)))
	}
	every := fluxDuration(q.Width)
	for _, agg := range []struct{ name, fn string }{{"avg", "mean"}, {"max", "max"}, {"min", "min"}, {"count", "count"}} {
		fmt.Fprintf(&b, "\n\n%s = data\n  |> aggregateWindow(every: %s, fn: %s, createEmpty: false, timeSrc: \"_start\")\n  |> toFloat()\n  |> set(key: \"agg\", value: %q)",
			agg.name, every, agg.fn, agg.name)
	}
	b.WriteString("\n\nunion(tables: [avg, max, min, count])\n  |> pivot(rowKey: [\"_time\"], columnKey: [\"agg\"], valueColumn: \"_value\")")
	return b.String()
}

func sampleFromRecord(rec *query.FluxRecord) model.TelemetrySample {
	s := model.TelemetrySample{
		VehicleID:       str(rec.ValueByKey("vehicle_id")),
		Timestamp:       rec.Time().UTC(),
		TimestampSource: model.TimestampSource(str(rec.ValueByKey("timestamp_source"))),
		Latitude:        num(rec.ValueByKey("latitude")),
		Longitude:       num(rec.ValueByKey("longitude")),
		Speed:           num(rec.ValueByKey("speed")),
		FuelLevel:       optNum(rec.ValueByKey("fuel_level")),
		EngineTemp:      optNum(rec.ValueByKey("engine_temp")),
		Heading:         optNum(rec.ValueByKey("heading")),
		StatusHint:      str(rec.ValueByKey("status")),
	}
	if ns, ok := rec.ValueByKey("received_at").(int64); ok {
		s.ReceivedAt = time.Unix(0, ns).UTC()
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func optNum(v any) *float64 {
	if v == nil {
		return nil
	}
	f := num(v)
	return &f
}

func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)
	return `"` + r.Replace(s) + `"`
}

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fluxDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dns", int64(d))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
