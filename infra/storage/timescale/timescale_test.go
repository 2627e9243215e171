package timescale

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/test/util"
)

func TestBucketSQL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := persistence.BucketQuery{
		Range: persistence.Last(now, 7*24*time.Hour),
		Width: 24 * time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed, GroupBy: persistence.GroupStatus, Status: model.StatusMoving},
	}
	query, args := bucketSQL(DefaultTable, q)
	assert.Contains(t, query, `time_bucket($1::interval, time, TIMESTAMPTZ '1970-01-01 00:00:00+00') AS bucket, status AS k`)
	assert.Contains(t, query, `FROM "vehicle_telemetry"`)
	assert.Contains(t, query, `speed IS NOT NULL AND status = $4`)
	assert.True(t, strings.HasSuffix(query, "GROUP BY bucket, k ORDER BY bucket, k"))
	require.Len(t, args, 4)
	assert.Equal(t, "86400000000 microseconds", args[0])
	assert.Equal(t, "moving", args[3])

	q.Spec = persistence.AggregateSpec{Field: persistence.FieldFuelLevel}
	query, args = bucketSQL("custom", q)
	assert.Contains(t, query, `NULL::text AS k`)
	assert.Contains(t, query, `fuel_level IS NOT NULL`)
	assert.Len(t, args, 3)
}

func TestLatestAndHistorySQL(t *testing.T) {
	assert.Contains(t, latestSQL(DefaultTable), "DISTINCT ON (vehicle_id)")
	assert.Contains(t, latestSQL(DefaultTable), "ORDER BY vehicle_id, time DESC")
	assert.Contains(t, historySQL(DefaultTable, persistence.Descending), "ORDER BY time DESC LIMIT $4")
	assert.Contains(t, historySQL(DefaultTable, persistence.Ascending), "ORDER BY time ASC")
}

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.exists
	return nil
}

type fakeQuerier struct {
	row fakeRow
	sql string
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.sql = sql
	return q.row
}

func TestRequireExtension(t *testing.T) {
	ctx := context.Background()

	q := &fakeQuerier{row: fakeRow{exists: true}}
	require.NoError(t, requireExtension(ctx, q))
	assert.Contains(t, q.sql, "extname = 'timescaledb'")

	err := requireExtension(ctx, &fakeQuerier{row: fakeRow{exists: false}})
	assert.ErrorIs(t, err, ErrExtensionMissing)

	err = requireExtension(ctx, &fakeQuerier{row: fakeRow{err: errors.New("conn reset")}})
	assert.ErrorIs(t, err, persistence.ErrBackendUnavailable)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{}, persistence.BuildOptions{})
	assert.Error(t, err)
}

func TestTimescaleContainerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	dsn, cleanup, err := util.StartTimescale(ctx)
	if err != nil {
		t.Skipf("timescale container: %v", err)
	}
	defer cleanup()

	s, err := Open(ctx, Config{DSN: dsn}, persistence.BuildOptions{IdleSpeed: 1})
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, smp := range []model.TelemetrySample{
		{VehicleID: "v1", Timestamp: base.Add(5 * time.Minute), Speed: 20, FuelLevel: model.Float(80)},
		{VehicleID: "v1", Timestamp: base.Add(10 * time.Minute), Speed: 40, FuelLevel: model.Float(78)},
		{VehicleID: "v2", Timestamp: base.Add(3 * time.Hour), Speed: 0},
	} {
		require.NoError(t, s.Write(ctx, smp), "sample %d", i)
	}
	r := persistence.TimeRange{Start: base.Add(-time.Hour), End: base.Add(5 * time.Hour)}

	latest, err := s.QueryLatestPerVehicle(ctx, r)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 40.0, latest[0].Sample.Speed)
	assert.Equal(t, model.StatusIdle, latest[1].Status)

	hist, err := s.QueryHistory(ctx, "v1", r, 1, persistence.Descending)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.NotNil(t, hist[0].FuelLevel)
	assert.Equal(t, 78.0, *hist[0].FuelLevel)

	rows, err := s.QueryBuckets(ctx, persistence.BucketQuery{Range: r, Width: time.Hour, Spec: persistence.AggregateSpec{Field: persistence.FieldSpeed}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, base, rows[0].Start)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, 30, rows[0].Avg, 1e-9)

	hq := model.Geofence{
		ID:           "123e4567-e89b-12d3-a456-426614174000",
		Name:         "HQ",
		CenterLat:    40.7128,
		CenterLng:    -74.006,
		RadiusMeters: 100,
		Color:        "#FF0000",
		CreatedAt:    base,
	}
	require.NoError(t, s.CreateGeofence(ctx, hq))
	fences, err := s.ListGeofences(ctx)
	require.NoError(t, err)
	require.Len(t, fences, 1)
	assert.Equal(t, hq, fences[0])

	require.NoError(t, s.DeleteGeofence(ctx, hq.ID))
	assert.ErrorIs(t, s.DeleteGeofence(ctx, hq.ID), persistence.ErrGeofenceNotFound)
}
