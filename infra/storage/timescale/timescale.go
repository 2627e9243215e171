// Package timescale stores telemetry in a TimescaleDB hypertable through a
// pgx connection pool.
package timescale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

const (
	// DefaultTable holds the telemetry rows.
	DefaultTable         = "vehicle_telemetry"
	DefaultGeofenceTable = "geofences"
)

// ErrExtensionMissing is returned by Open when the database lacks the
// timescaledb extension that time_bucket needs.
var ErrExtensionMissing = errors.New("timescaledb extension is not installed")

// Config for the TimescaleDB backend.
type Config struct {
	// DSN is a postgres connection URL or keyword/value string.
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
	Table    string `json:"table"`
	// GeofenceTable holds geofences.
	GeofenceTable string `json:"geofence_table"`
	// SkipSchema leaves schema management to migrations.
	SkipSchema bool `json:"skip_schema"`
}

func init() {
	_ = persistence.RegisterBackend("timescale", func(ctx context.Context, conf map[string]any, opts persistence.BuildOptions) (persistence.Port, error) {
		var c Config
		if err := persistence.Decode(conf, &c); err != nil {
			return nil, err
		}
		return Open(ctx, c, opts)
	})
}

// Store is the TimescaleDB persistence adapter.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	geoTable  string
	idleSpeed float64
	log       logger.Logger
}

// Open creates the pool, pings the server and bootstraps the schema.
func Open(ctx context.Context, cfg Config, opts persistence.BuildOptions) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("timescale storage requires dsn")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.GeofenceTable == "" {
		cfg.GeofenceTable = DefaultGeofenceTable
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, persistence.Unavailable("timescale pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, persistence.Unavailable("timescale ping", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.NopLogger{}
	}
	if err := requireExtension(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{pool: pool, table: cfg.Table, geoTable: cfg.GeofenceTable, idleSpeed: opts.IdleSpeed, log: log}
	if !cfg.SkipSchema {
		if err := s.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	table := pgx.Identifier{s.table}.Sanitize()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        time        TIMESTAMPTZ      NOT NULL,
        vehicle_id  TEXT             NOT NULL,
        received_at TIMESTAMPTZ,
        ts_source   TEXT,
        latitude    DOUBLE PRECISION NOT NULL,
        longitude   DOUBLE PRECISION NOT NULL,
        speed       DOUBLE PRECISION NOT NULL,
        fuel_level  DOUBLE PRECISION,
        engine_temp DOUBLE PRECISION,
        heading     DOUBLE PRECISION,
        status      TEXT
    )`, table))
	if err != nil {
		return persistence.Unavailable("timescale schema", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (vehicle_id, time DESC)`,
		pgx.Identifier{s.table + "_vehicle_time"}.Sanitize(), table)); err != nil {
		return persistence.Unavailable("timescale index", err)
	}
	if _, err := s.pool.Exec(ctx, `SELECT create_hypertable($1::regclass, 'time', if_not_exists => TRUE)`, s.table); err != nil {
		return persistence.Unavailable("timescale hypertable", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id            UUID             PRIMARY KEY,
        name          TEXT             NOT NULL,
        center_lat    DOUBLE PRECISION NOT NULL,
        center_lng    DOUBLE PRECISION NOT NULL,
        radius_meters DOUBLE PRECISION NOT NULL,
        color         TEXT             NOT NULL,
        created_at    TIMESTAMPTZ      NOT NULL DEFAULT now()
    )`, pgx.Identifier{s.geoTable}.Sanitize())); err != nil {
		return persistence.Unavailable("timescale geofence schema", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const extensionSQL = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`

// requireExtension fails when the server is plain PostgreSQL.
func requireExtension(ctx context.Context, q rowQuerier) error {
	var ok bool
	if err := q.QueryRow(ctx, extensionSQL).Scan(&ok); err != nil {
		return persistence.Unavailable("timescale extension check", err)
	}
	if !ok {
		return ErrExtensionMissing
	}
	return nil
}

const columns = `time, vehicle_id, received_at, ts_source, latitude, longitude, speed, fuel_level, engine_temp, heading, status`

// Write inserts one row.
func (s *Store) Write(ctx context.Context, sample model.TelemetrySample) error {
	var received *time.Time
	if !sample.ReceivedAt.IsZero() {
		received = &sample.ReceivedAt
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO `+pgx.Identifier{s.table}.Sanitize()+` (`+columns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sample.Timestamp, sample.VehicleID, received, string(sample.TimestampSource),
		sample.Latitude, sample.Longitude, sample.Speed,
		sample.FuelLevel, sample.EngineTemp, sample.Heading,
		string(sample.PersistedStatus(s.idleSpeed)))
	return persistence.Unavailable("timescale write", err)
}

// QueryLatestPerVehicle uses DISTINCT ON to keep the newest row per vehicle.
func (s *Store) QueryLatestPerVehicle(ctx context.Context, r persistence.TimeRange) ([]persistence.LatestRow, error) {
	rows, err := s.pool.Query(ctx, latestSQL(s.table), r.Start, r.End)
	if err != nil {
		return nil, persistence.Unavailable("timescale latest", err)
	}
	defer rows.Close()
	var out []persistence.LatestRow
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, persistence.Unavailable("timescale latest", err)
		}
		out = append(out, persistence.LatestRow{Sample: smp, Status: model.Status(smp.StatusHint)})
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("timescale latest", err)
	}
	return out, nil
}

// QueryHistory returns one vehicle's rows.
func (s *Store) QueryHistory(ctx context.Context, vehicleID string, r persistence.TimeRange, limit int, order persistence.Order) ([]model.TelemetrySample, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, historySQL(s.table, order), vehicleID, r.Start, r.End, lim)
	if err != nil {
		return nil, persistence.Unavailable("timescale history", err)
	}
	defer rows.Close()
	var out []model.TelemetrySample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, persistence.Unavailable("timescale history", err)
		}
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("timescale history", err)
	}
	return out, nil
}

// QueryBuckets aggregates with time_bucket anchored at the Unix epoch.
func (s *Store) QueryBuckets(ctx context.Context, q persistence.BucketQuery) ([]persistence.BucketRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args := bucketSQL(s.table, q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence.Unavailable("timescale buckets", err)
	}
	defer rows.Close()
	var out []persistence.BucketRow
	for rows.Next() {
		var (
			row   persistence.BucketRow
			key   *string
			count int64
		)
		if err := rows.Scan(&row.Start, &key, &count, &row.Avg, &row.Max, &row.Min); err != nil {
			return nil, persistence.Unavailable("timescale buckets", err)
		}
		row.Start = row.Start.UTC()
		row.Count = int(count)
		if key != nil {
			row.Key = *key
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("timescale buckets", err)
	}
	return out, nil
}

// ListGeofences returns geofences newest first.
func (s *Store) ListGeofences(ctx context.Context) ([]model.Geofence, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, name, center_lat, center_lng, radius_meters, color, created_at
        FROM `+pgx.Identifier{s.geoTable}.Sanitize()+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, persistence.Unavailable("timescale geofences", err)
	}
	defer rows.Close()
	var out []model.Geofence
	for rows.Next() {
		var g model.Geofence
		if err := rows.Scan(&g.ID, &g.Name, &g.CenterLat, &g.CenterLng, &g.RadiusMeters, &g.Color, &g.CreatedAt); err != nil {
			return nil, persistence.Unavailable("timescale geofences", err)
		}
		g.CreatedAt = g.CreatedAt.UTC()
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.Unavailable("timescale geofences", err)
	}
	return out, nil
}

// CreateGeofence inserts g. The id must be a UUID.
func (s *Store) CreateGeofence(ctx context.Context, g model.Geofence) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+pgx.Identifier{s.geoTable}.Sanitize()+`
        (id, name, center_lat, center_lng, radius_meters, color, created_at)
        VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Name, g.CenterLat, g.CenterLng, g.RadiusMeters, g.Color, g.CreatedAt)
	return persistence.Unavailable("timescale create geofence", err)
}

// DeleteGeofence removes one geofence.
func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgx.Identifier{s.geoTable}.Sanitize()+` WHERE id = $1::uuid`, id)
	if err != nil {
		return persistence.Unavailable("timescale delete geofence", err)
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrGeofenceNotFound
	}
	return nil
}

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return persistence.Unavailable("timescale ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func latestSQL(table string) string {
	return `SELECT DISTINCT ON (vehicle_id) ` + columns + `
        FROM ` + pgx.Identifier{table}.Sanitize() + `
        WHERE time >= $1 AND time < $2
        ORDER BY vehicle_id, time DESC`
}

func historySQL(table string, order persistence.Order) string {
	dir := "ASC"
	if order == persistence.Descending {
		dir = "DESC"
	}
	// LIMIT NULL means no limit
	return `SELECT ` + columns + `
        FROM ` + pgx.Identifier{table}.Sanitize() + `
        WHERE vehicle_id = $1 AND time >= $2 AND time < $3
        ORDER BY time ` + dir + ` LIMIT $4`
}

func bucketSQL(table string, q persistence.BucketQuery) (string, []any) {
	// Field and GroupBy are whitelisted by Validate.
	col := q.Spec.Field
	key := "NULL::text"
	if q.Spec.GroupBy != persistence.GroupNone {
		key = string(q.Spec.GroupBy)
	}
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT time_bucket($1::interval, time, TIMESTAMPTZ '1970-01-01 00:00:00+00') AS bucket, %s AS k,
            COUNT(%s), AVG(%s), MAX(%s), MIN(%s)
        FROM %s
        WHERE time >= $2 AND time < $3 AND %s IS NOT NULL`, key, col, col, col, col, pgx.Identifier{table}.Sanitize(), col)
	args := []any{fmt.Sprintf("%d microseconds", q.Width.Microseconds()), q.Range.Start, q.Range.End}
	if q.Spec.Status != "" {
		b.WriteString(" AND status = $4")
		args = append(args, string(q.Spec.Status))
	}
	b.WriteString("\n        GROUP BY bucket, k ORDER BY bucket, k")
	return b.String(), args
}

func scanSample(rows pgx.Rows) (model.TelemetrySample, error) {
	var (
		smp      model.TelemetrySample
		received *time.Time
		src      *string
		status   *string
	)
	err := rows.Scan(&smp.Timestamp, &smp.VehicleID, &received, &src, &smp.Latitude, &smp.Longitude, &smp.Speed,
		&smp.FuelLevel, &smp.EngineTemp, &smp.Heading, &status)
	if err != nil {
		return smp, err
	}
	smp.Timestamp = smp.Timestamp.UTC()
	if received != nil {
		smp.ReceivedAt = received.UTC()
	}
	if src != nil {
		smp.TimestampSource = model.TimestampSource(*src)
	}
	if status != nil {
		smp.StatusHint = *status
	}
	return smp, nil
}
