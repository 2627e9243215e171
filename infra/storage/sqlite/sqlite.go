// Package sqlite is an embedded relational backend built on the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

// DefaultPath of the database file.
const DefaultPath = "fleetlive.db"

// Config for the SQLite backend.
type Config struct {
	Path          string        `json:"path"`
	BusyTimeout   time.Duration `json:"busy_timeout"`
	RetentionDays int           `json:"retention_days"`
}

func init() {
	_ = persistence.RegisterBackend("sqlite", func(ctx context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Port, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		return Open(ctx, c, opts.IdleSpeed)
	})
}

const schema = `CREATE TABLE IF NOT EXISTS telemetry (
        vehicle_id TEXT NOT NULL,
        ts INTEGER NOT NULL,
        received_at INTEGER,
        ts_source TEXT,
        latitude REAL NOT NULL,
        longitude REAL NOT NULL,
        speed REAL NOT NULL,
        fuel_level REAL,
        engine_temp REAL,
        heading REAL,
        status TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS telemetry_vehicle_ts ON telemetry (vehicle_id, ts);
    CREATE INDEX IF NOT EXISTS telemetry_ts ON telemetry (ts);
    CREATE TABLE IF NOT EXISTS geofences (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        center_lat REAL NOT NULL,
        center_lng REAL NOT NULL,
        radius_meters REAL NOT NULL,
        color TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );`

const columns = `vehicle_id, ts, received_at, ts_source, latitude, longitude, speed, fuel_level, engine_temp, heading, status`

// Store persists samples in a SQLite database.
type Store struct {
	db        *sql.DB
	idleSpeed float64
	retention time.Duration
}

// Open opens or creates the database and ensures schema.
func Open(ctx context.Context, cfg Config, idleSpeed float64) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistence.Unavailable("sqlite open", err)
	}
	if cfg.Path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, persistence.Unavailable("sqlite schema", err)
	}
	return &Store{db: db, idleSpeed: idleSpeed, retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour}, nil
}

// Write inserts one row.
func (s *Store) Write(ctx context.Context, sample model.TelemetrySample) error {
	var received any
	if !sample.ReceivedAt.IsZero() {
		received = sample.ReceivedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO telemetry (`+columns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.VehicleID, sample.Timestamp.UnixNano(), received, string(sample.TimestampSource),
		sample.Latitude, sample.Longitude, sample.Speed,
		nullable(sample.FuelLevel), nullable(sample.EngineTemp), nullable(sample.Heading),
		string(sample.PersistedStatus(s.idleSpeed)))
	return persistence.Unavailable("sqlite write", err)
}

// QueryLatestPerVehicle relies on SQLite taking bare columns from the row
// holding MAX(ts).
func (s *Store) QueryLatestPerVehicle(ctx context.Context, r persistence.TimeRange) ([]persistence.LatestRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vehicle_id, MAX(ts), received_at, ts_source, latitude, longitude, speed, fuel_level, engine_temp, heading, status
        FROM telemetry WHERE ts >= ? AND ts < ? GROUP BY vehicle_id ORDER BY vehicle_id`,
		r.Start.UnixNano(), r.End.UnixNano())
	if err != nil {
		return nil, persistence.Unavailable("sqlite latest", err)
	}
	defer func() { _ = rows.Close() }()
	var out []persistence.LatestRow
	for rows.Next() {
		smp, st, err := scanSample(rows)
		if err != nil {
			return nil, persistence.Unavailable("sqlite latest", err)
		}
		out = append(out, persistence.LatestRow{Sample: smp, Status: st})
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("sqlite latest", err)
	}
	return out, nil
}

// QueryHistory returns one vehicle's rows.
func (s *Store) QueryHistory(ctx context.Context, vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) ([]model.TelemetrySample, error) {
	dir := "ASC"
	if order == persistence.Descending {
		dir = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+`
        FROM telemetry WHERE vehicle_id = ? AND ts >= ? AND ts < ? ORDER BY ts `+dir+` LIMIT ?`,
		vehicleID, r.Start.UnixNano(), r.End.UnixNano(), limit)
	if err != nil {
		return nil, persistence.Unavailable("sqlite history", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.TelemetrySample
	for rows.Next() {
		smp, _, err := scanSample(rows)
		if err != nil {
			return nil, persistence.Unavailable("sqlite history", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("sqlite history", err)
	}
	return out, nil
}

// QueryBuckets groups rows with integer division of the nanosecond
// timestamp, which matches the epoch-aligned grid.
func (s *Store) QueryBuckets(ctx context.Context, q persistence.BucketQuery) ([]persistence.BucketRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args := bucketSQL(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.Unavailable("sqlite buckets", err)
	}
	defer func() { _ = rows.Close() }()
	var out []persistence.BucketRow
	for rows.Next() {
		var (
			start int64
			row   persistence.BucketRow
			key   sql.NullString
		)
		if err := rows.Scan(&start, &key, &row.Count, &row.Avg, &row.Max, &row.Min); err != nil {
			return nil, persistence.Unavailable("sqlite buckets", err)
		}
		row.Start = time.Unix(0, start).UTC()
		row.Key = key.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("sqlite buckets", err)
	}
	return out, nil
}

func bucketSQL(q persistence.BucketQuery) (string, []any) {
	width := int64(q.Width)
	// Field and GroupBy are whitelisted by Validate.
	col := q.Spec.Field
	key := "NULL"
	if q.Spec.GroupBy != persistence.GroupNone {
		key = string(q.Spec.GroupBy)
	}
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT (ts / ?) * ? AS bucket, %s AS k, COUNT(%s), AVG(%s), MAX(%s), MIN(%s)
        FROM telemetry WHERE ts >= ? AND ts < ? AND %s IS NOT NULL`, key, col, col, col, col, col)
	args := []any{width, width, q.Range.Start.UnixNano(), q.Range.End.UnixNano()}
	if q.Spec.Status != "" {
		b.WriteString(" AND status = ?")
		args = append(args, string(q.Spec.Status))
	}
	b.WriteString(" GROUP BY bucket, k ORDER BY bucket, k")
	return b.String(), args
}

// Prune deletes rows older than the configured retention and returns how
// many were removed. Without retention it is a no-op.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE ts < ?`, now.Add(-s.retention).UnixNano())
	if err != nil {
		return 0, persistence.Unavailable("sqlite prune", err)
	}
	return res.RowsAffected()
}

// ListGeofences returns geofences newest first.
func (s *Store) ListGeofences(ctx context.Context) ([]model.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, center_lat, center_lng, radius_meters, color, created_at
        FROM geofences ORDER BY created_at DESC`)
	if err != nil {
		return nil, persistence.Unavailable("sqlite geofences", err)
	}
	defer rows.Close()
	var out []model.Geofence
	for rows.Next() {
		var (
			g       model.Geofence
			created int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.CenterLat, &g.CenterLng, &g.RadiusMeters, &g.Color, &created); err != nil {
			return nil, persistence.Unavailable("sqlite geofences", err)
		}
		g.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("sqlite geofences", err)
	}
	return out, nil
}

// CreateGeofence inserts g.
func (s *Store) CreateGeofence(ctx context.Context, g model.Geofence) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO geofences (id, name, center_lat, center_lng, radius_meters, color, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.CenterLat, g.CenterLng, g.RadiusMeters, g.Color, g.CreatedAt.UnixNano())
	return persistence.Unavailable("sqlite create geofence", err)
}

// DeleteGeofence removes one geofence.
func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE id = ?`, id)
	if err != nil {
		return persistence.Unavailable("sqlite delete geofence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence.Unavailable("sqlite delete geofence", err)
	}
	if n == 0 {
		return persistence.ErrGeofenceNotFound
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return persistence.Unavailable("sqlite ping", s.db.PingContext(ctx))
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(sc scanner) (model.TelemetrySample, model.Status, error) {
	var (
		smp                 model.TelemetrySample
		ts                  int64
		received            sql.NullInt64
		src, status         sql.NullString
		fuel, temp, heading sql.NullFloat64
	)
	if err := sc.Scan(&smp.VehicleID, &ts, &received, &src, &smp.Latitude, &smp.Longitude, &smp.Speed, &fuel, &temp, &heading, &status); err != nil {
		return smp, "", err
	}
	smp.Timestamp = time.Unix(0, ts).UTC()
	if received.Valid {
		smp.ReceivedAt = time.Unix(0, received.Int64).UTC()
	}
	smp.TimestampSource = model.TimestampSource(src.String)
	smp.FuelLevel = ptr(fuel)
	smp.EngineTemp = ptr(temp)
	smp.Heading = ptr(heading)
	smp.StatusHint = status.String
	return smp, model.Status(status.String), nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
