package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/fleetlive/core/metrics"
	"github.com/kilianp07/fleetlive/core/model"
)

func TestPromRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPromRecorder(reg)
	require.NoError(t, err)

	r.SampleReceived()
	r.SampleReceived()
	r.SampleAccepted(model.TimestampProducer)
	r.SampleRejected("malformed")
	r.WritePersisted(20 * time.Millisecond)
	r.WriteFailed(coremetrics.ReasonTimeout)
	r.QueueDropped()
	r.QueueDepth(7)
	r.WritesAbandoned(3)
	r.TransportDisconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.accepted.WithLabelValues("producer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.writeFailed.WithLabelValues("timeout")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.depth))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.abandoned))
	assert.Equal(t, 1, testutil.CollectAndCount(r.writeLatency))

	expected := `
# HELP fleet_samples_rejected_total Telemetry messages discarded during normalization
# TYPE fleet_samples_rejected_total counter
fleet_samples_rejected_total{reason="malformed"} 1
`
	if err := testutil.CollectAndCompare(r.rejected, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestPromRecorderReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromRecorder(reg)
	require.NoError(t, err)
	b, err := NewPromRecorder(reg)
	require.NoError(t, err)
	a.QueueDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(b.dropped))
}

type staticCounts model.StatusCounts

func (s staticCounts) Counts() model.StatusCounts { return model.StatusCounts(s) }

func TestFleetCollector(t *testing.T) {
	c := NewFleetCollector(staticCounts{Total: 6, Moving: 3, Idle: 2, Offline: 1})
	expected := `
# HELP fleet_vehicles Vehicles in the live store by status
# TYPE fleet_vehicles gauge
fleet_vehicles{status="idle"} 2
fleet_vehicles{status="moving"} 3
fleet_vehicles{status="offline"} 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPromRecorder(reg)
	require.NoError(t, err)
	r.SampleReceived()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "fleet_samples_received_total 1")
}

func TestStartPromServerStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartPromServer(ctx, addr, prometheus.NewRegistry(), nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
