package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/core/dashboard"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/infra/storage/sqlite"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")

	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: db}, 1)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"VH-002", "VH-001"} {
		require.NoError(t, store.Write(context.Background(), model.TelemetrySample{
			VehicleID: id, Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
			Latitude: 51.5, Longitude: -0.12, Speed: 30, FuelLevel: model.Float(70),
		}))
	}
	require.NoError(t, store.Close())

	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("storage:\n  type: sqlite\n  conf:\n    path: %s\nlogging:\n  level: error\n", db)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestQueryLatest(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "query", "latest", "-c", path, "--window", "1h")
	require.NoError(t, err)

	var got []persistence.LatestRow
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "VH-001", got[0].Sample.VehicleID)
}

func TestQueryHistoryUnknownVehicle(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, "query", "history", "VH-404", "-c", path)
	assert.ErrorIs(t, err, dashboard.ErrNotFound)
}

func TestQueryTrendRejectsBadRange(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, "query", "trend", "-c", path, "--range", "90d")
	assert.Error(t, err)
}

func TestQueryGeofences(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "query", "geofences", "create", "-c", path,
		"--name", "HQ", "--lat", "40.7128", "--lng=-74.006", "--radius", "100", "--color", "#FF0000")
	require.NoError(t, err)
	var created model.Geofence
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "HQ", created.Name)
	assert.Equal(t, -74.006, created.CenterLng)
	require.NotEmpty(t, created.ID)

	out, err = run(t, "query", "geofences", "list", "-c", path)
	require.NoError(t, err)
	var fences []model.Geofence
	require.NoError(t, json.Unmarshal([]byte(out), &fences))
	require.Len(t, fences, 1)
	assert.Equal(t, created.ID, fences[0].ID)

	_, err = run(t, "query", "geofences", "delete", created.ID, "-c", path)
	require.NoError(t, err)
	_, err = run(t, "query", "geofences", "delete", created.ID, "-c", path)
	assert.ErrorIs(t, err, dashboard.ErrNotFound)
}
