// Package e2e runs the service against real brokers and databases started
// with testcontainers. Every test skips when Docker is unavailable.
package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/app"
	"github.com/kilianp07/fleetlive/config"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/infra/mqtt"
	"github.com/kilianp07/fleetlive/test/util"
)

const (
	settle = 10 * time.Second
	tick   = 50 * time.Millisecond
)

type harness struct {
	svc  *app.Service
	pub  *mqtt.Publisher
	stop func()
	done chan error
}

func startBroker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("container test")
	}
	broker, cleanup, err := util.StartMosquitto(context.Background())
	if err != nil {
		t.Skipf("mosquitto unavailable: %v", err)
	}
	t.Cleanup(cleanup)
	return broker
}

func newConfig(t *testing.T, broker string) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithOptions("", config.Options{})
	require.NoError(t, err)
	cfg.MQTT.Broker = broker
	cfg.MQTT.QoS = 1
	cfg.MQTT.ClientID = "fleetlive-e2e-" + t.Name()
	return cfg
}

// start runs the service and waits until its subscription delivers a probe
// message, so later publishes are not lost to a pending SUBSCRIBE.
func start(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	svc, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	pub, err := mqtt.NewPublisher(cfg.MQTT)
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, pub: pub, stop: cancel, done: make(chan error, 1)}
	go func() { h.done <- svc.Run(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		h.publish(t, "probe", `{"latitude":0,"longitude":0,"speed":0}`)
		_, err := svc.Dashboard.GetVehicle("probe")
		return err == nil
	}, settle, 200*time.Millisecond)
	return h
}

func (h *harness) publish(t *testing.T, id, payload string) {
	t.Helper()
	require.NoError(t, h.pub.Publish(fmt.Sprintf("vehicles/%s/telemetry", id), []byte(payload)))
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.stop()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(settle):
		t.Fatal("service did not stop")
	}
}

func TestVehicleGoesOfflineAfterSilence(t *testing.T) {
	cfg := newConfig(t, startBroker(t))
	cfg.LiveState.OfflineAfter = 500 * time.Millisecond
	h := start(t, cfg)

	h.publish(t, "VH-001", `{"latitude":51.5074,"longitude":-0.1278,"speed":42.5,"fuel_level":80}`)
	require.Eventually(t, func() bool {
		st, err := h.svc.Dashboard.GetVehicle("VH-001")
		return err == nil && st.Status == model.StatusMoving
	}, settle, tick)

	require.Eventually(t, func() bool {
		st, err := h.svc.Dashboard.GetVehicle("VH-001")
		return err == nil && st.Status == model.StatusOffline
	}, settle, tick)

	st, err := h.svc.Dashboard.GetVehicle("VH-001")
	require.NoError(t, err)
	assert.Equal(t, 51.5074, st.Latitude)
	assert.Equal(t, 42.5, st.Speed)
	assert.GreaterOrEqual(t, h.svc.Dashboard.GetDashboardStats().Offline, 1)

	h.publish(t, "VH-001", `{"latitude":51.5075,"longitude":-0.1279,"speed":0.5}`)
	require.Eventually(t, func() bool {
		st, err := h.svc.Dashboard.GetVehicle("VH-001")
		return err == nil && st.Status == model.StatusIdle
	}, settle, tick)
	h.shutdown(t)
}

func TestLateSampleWinsLiveStateButHistoryIsOrdered(t *testing.T) {
	cfg := newConfig(t, startBroker(t))
	h := start(t, cfg)

	t1 := time.Now().UTC().Truncate(time.Millisecond)
	t0 := t1.Add(-10 * time.Second)
	h.publish(t, "VH-002", fmt.Sprintf(`{"timestamp":%q,"latitude":51.60,"longitude":-0.12,"speed":30}`, t1.Format(time.RFC3339Nano)))
	h.publish(t, "VH-002", fmt.Sprintf(`{"timestamp":%q,"latitude":51.40,"longitude":-0.12,"speed":10}`, t0.Format(time.RFC3339Nano)))

	require.Eventually(t, func() bool {
		st, err := h.svc.Dashboard.GetVehicle("VH-002")
		return err == nil && st.Timestamp.Equal(t0)
	}, settle, tick)
	st, err := h.svc.Dashboard.GetVehicle("VH-002")
	require.NoError(t, err)
	assert.Equal(t, 51.40, st.Latitude)
	assert.Equal(t, 10.0, st.Speed)

	h.shutdown(t)
	route, err := h.svc.Dashboard.GetRouteHistory(context.Background(), "VH-002", t0.Add(-time.Minute), t1.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, route, 2)
	assert.True(t, route[0].Timestamp.Equal(t0))
	assert.True(t, route[1].Timestamp.Equal(t1))
}

func TestInfluxBackendPersistsIngestedSamples(t *testing.T) {
	broker := startBroker(t)
	const org, bucket, token = "fleet", "telemetry", "e2e-token"
	url, cleanup, err := util.StartInflux(context.Background(), org, bucket, token)
	if err != nil {
		t.Skipf("influx unavailable: %v", err)
	}
	t.Cleanup(cleanup)

	cfg := newConfig(t, broker)
	cfg.Storage = persistence.ModuleConfig{Type: "influx", Conf: map[string]any{
		"url": url, "org": org, "bucket": bucket, "token": token,
	}}
	h := start(t, cfg)

	// all three samples share one hourly bucket
	base := time.Now().UTC().Truncate(time.Hour).Add(-30 * time.Minute)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		h.publish(t, "VH-003", fmt.Sprintf(`{"timestamp":%q,"latitude":48.85,"longitude":2.35,"speed":%d,"fuel_level":%d}`,
			ts.Format(time.RFC3339), 20+10*i, 60-i))
	}
	require.Eventually(t, func() bool {
		st, err := h.svc.Dashboard.GetVehicle("VH-003")
		return err == nil && st.Speed == 40
	}, settle, tick)
	h.shutdown(t)

	hist, err := h.svc.Dashboard.GetHistory(context.Background(), "VH-003")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 40.0, hist[0].Speed)

	fuel, err := h.svc.Dashboard.GetFuelConsumption(context.Background())
	require.NoError(t, err)
	var found bool
	for _, f := range fuel {
		if f.VehicleID == "VH-003" {
			found = true
			assert.InDelta(t, 2.0, f.Consumption, 0.001)
		}
	}
	assert.True(t, found)
}
