package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func write(t *testing.T, s *Store, id string, at time.Duration, speed float64, fuel *float64) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), model.TelemetrySample{
		VehicleID: id, Timestamp: base.Add(at), Speed: speed, FuelLevel: fuel,
	}))
}

func TestLatestPerVehicleUsesSampleTimestamp(t *testing.T) {
	s := New(Config{}, 1)
	write(t, s, "v2", 0, 10, nil)
	write(t, s, "v1", 2*time.Minute, 50, nil)
	write(t, s, "v1", time.Minute, 0, nil) // late arrival, older timestamp

	rows, err := s.QueryLatestPerVehicle(context.Background(), persistence.Last(base.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v1", rows[0].Sample.VehicleID)
	assert.Equal(t, 50.0, rows[0].Sample.Speed)
	assert.Equal(t, model.StatusMoving, rows[0].Status)
	assert.Equal(t, model.StatusMoving, rows[1].Status)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	s := New(Config{}, 1)
	for i := 0; i < 5; i++ {
		write(t, s, "v1", time.Duration(i)*time.Minute, float64(i), nil)
	}
	write(t, s, "v2", 0, 1, nil)
	r := persistence.Last(base.Add(time.Hour), 2*time.Hour)

	desc, err := s.QueryHistory(context.Background(), "v1", r, 3, persistence.Descending)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, 4.0, desc[0].Speed)
	assert.Equal(t, 2.0, desc[2].Speed)

	asc, err := s.QueryHistory(context.Background(), "v1", r, 0, persistence.Ascending)
	require.NoError(t, err)
	assert.Len(t, asc, 5)
	assert.Equal(t, 0.0, asc[0].Speed)
}

func TestBucketsOmitEmptyAndGroup(t *testing.T) {
	s := New(Config{}, 1)
	write(t, s, "v1", 5*time.Minute, 20, model.Float(80))
	write(t, s, "v2", 10*time.Minute, 40, model.Float(60))
	write(t, s, "v1", 3*time.Hour, 30, nil) // leaves 1h and 2h buckets empty

	rows, err := s.QueryBuckets(context.Background(), persistence.BucketQuery{
		Range: persistence.Last(base.Add(4*time.Hour), 5*time.Hour),
		Width: time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, base, rows[0].Start)
	assert.Equal(t, 2, rows[0].Count)
	assert.InDelta(t, 30, rows[0].Avg, 1e-9)
	assert.Equal(t, 40.0, rows[0].Max)
	assert.Equal(t, 20.0, rows[0].Min)
	assert.Equal(t, base.Add(3*time.Hour), rows[1].Start)

	fuel, err := s.QueryBuckets(context.Background(), persistence.BucketQuery{
		Range: persistence.Last(base.Add(4*time.Hour), 5*time.Hour),
		Width: 24 * time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldFuelLevel, GroupBy: persistence.GroupVehicle},
	})
	require.NoError(t, err)
	require.Len(t, fuel, 2)
	assert.Equal(t, "v1", fuel[0].Key)
	assert.Equal(t, 1, fuel[0].Count)
	assert.Equal(t, "v2", fuel[1].Key)
}

func TestBucketsStatusFilter(t *testing.T) {
	s := New(Config{}, 1)
	write(t, s, "v1", 0, 0, nil)
	write(t, s, "v1", time.Minute, 50, nil)
	require.NoError(t, s.Write(context.Background(), model.TelemetrySample{
		VehicleID: "v2", Timestamp: base, Speed: 0, StatusHint: "moving",
	}))

	rows, err := s.QueryBuckets(context.Background(), persistence.BucketQuery{
		Range: persistence.Last(base.Add(time.Hour), 2*time.Hour),
		Width: time.Hour,
		Spec:  persistence.AggregateSpec{Field: persistence.FieldSpeed, Status: model.StatusMoving},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Count)
}

func TestMaxRowsKeepsNewest(t *testing.T) {
	s := New(Config{MaxRows: 2}, 1)
	write(t, s, "v1", 0, 1, nil)
	write(t, s, "v1", time.Minute, 2, nil)
	write(t, s, "v1", 2*time.Minute, 3, nil)
	assert.Equal(t, 2, s.Len())

	h, err := s.QueryHistory(context.Background(), "v1", persistence.Last(base.Add(time.Hour), 2*time.Hour), 0, persistence.Ascending)
	require.NoError(t, err)
	assert.Equal(t, 2.0, h[0].Speed)
}

// Writing several times around the ring must keep exactly the newest rows
// and preserve arrival order for equal timestamps.
func TestRingWrapsInPlace(t *testing.T) {
	const maxRows = 3
	s := New(Config{MaxRows: maxRows}, 1)
	for i := 0; i < 3*maxRows+1; i++ {
		write(t, s, "v1", 0, float64(i), nil)
	}
	assert.Equal(t, maxRows, s.Len())

	r := persistence.Last(base.Add(time.Hour), 2*time.Hour)
	h, err := s.QueryHistory(context.Background(), "v1", r, 0, persistence.Ascending)
	require.NoError(t, err)
	speeds := make([]float64, 0, len(h))
	for _, smp := range h {
		speeds = append(speeds, smp.Speed)
	}
	assert.Equal(t, []float64{7, 8, 9}, speeds)

	write(t, s, "v2", time.Minute, 40, nil)
	write(t, s, "v1", 2*time.Minute, 50, nil)
	h, err = s.QueryHistory(context.Background(), "v1", r, 2, persistence.Descending)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 50.0, h[0].Speed)
	assert.Equal(t, 9.0, h[1].Speed)

	rows, err := s.QueryLatestPerVehicle(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 50.0, rows[0].Sample.Speed)
	assert.Equal(t, 40.0, rows[1].Sample.Speed)
}

func TestGeofenceLifecycle(t *testing.T) {
	s := New(Config{}, 1)
	ctx := context.Background()
	require.NoError(t, s.CreateGeofence(ctx, model.Geofence{ID: "a", Name: "Depot", CreatedAt: base}))
	require.NoError(t, s.CreateGeofence(ctx, model.Geofence{ID: "b", Name: "HQ", CreatedAt: base.Add(time.Hour)}))

	gs, err := s.ListGeofences(ctx)
	require.NoError(t, err)
	require.Len(t, gs, 2)
	assert.Equal(t, "b", gs[0].ID)

	require.NoError(t, s.DeleteGeofence(ctx, "a"))
	assert.ErrorIs(t, s.DeleteGeofence(ctx, "a"), persistence.ErrGeofenceNotFound)
	gs, err = s.ListGeofences(ctx)
	require.NoError(t, err)
	require.Len(t, gs, 1)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	s := New(Config{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Write(ctx, model.TelemetrySample{VehicleID: "v1"})
	assert.ErrorIs(t, err, persistence.ErrBackendUnavailable)
}

func TestRegisteredFactory(t *testing.T) {
	p, err := persistence.NewBackend(context.Background(), persistence.ModuleConfig{Type: "memory", Conf: map[string]any{"max_rows": 10}}, persistence.BuildOptions{IdleSpeed: 1})
	require.NoError(t, err)
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 10, p.(*Store).maxRows)
}
