// Package metrics exports ingest pipeline and live fleet metrics to
// Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/fleetlive/core/metrics"
	"github.com/kilianp07/fleetlive/core/model"
)

// PromRecorder implements coremetrics.Recorder with Prometheus collectors.
type PromRecorder struct {
	received     prometheus.Counter
	accepted     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	persisted    prometheus.Counter
	writeLatency prometheus.Histogram
	writeFailed  *prometheus.CounterVec
	dropped      prometheus.Counter
	depth        prometheus.Gauge
	abandoned    prometheus.Counter
	disconnects  prometheus.Counter
}

var _ coremetrics.Recorder = (*PromRecorder)(nil)

// NewPromRecorder registers the pipeline metrics on reg. A nil registerer
// defaults to the global one; collectors already registered are reused.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_samples_received_total",
			Help: "Telemetry messages received from the transport",
		}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_samples_accepted_total",
			Help: "Telemetry samples normalized and applied to the live store",
		}, []string{"timestamp_source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_samples_rejected_total",
			Help: "Telemetry messages discarded during normalization",
		}, []string{"reason"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_writes_persisted_total",
			Help: "Samples written to durable storage",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_write_duration_seconds",
			Help:    "Durable write latency",
			Buckets: prometheus.DefBuckets,
		}),
		writeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_writes_failed_total",
			Help: "Durable writes given up on",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_queue_dropped_oldest_total",
			Help: "Queued samples evicted because the write queue was full",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_queue_depth",
			Help: "Samples waiting in the write queue",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_writes_abandoned_total",
			Help: "Samples left unwritten when the shutdown grace period expired",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_transport_disconnects_total",
			Help: "Lost broker connections",
		}),
	}
	var err error
	if r.received, err = register(reg, r.received); err != nil {
		return nil, err
	}
	if r.accepted, err = register(reg, r.accepted); err != nil {
		return nil, err
	}
	if r.rejected, err = register(reg, r.rejected); err != nil {
		return nil, err
	}
	if r.persisted, err = register(reg, r.persisted); err != nil {
		return nil, err
	}
	if r.writeLatency, err = register(reg, r.writeLatency); err != nil {
		return nil, err
	}
	if r.writeFailed, err = register(reg, r.writeFailed); err != nil {
		return nil, err
	}
	if r.dropped, err = register(reg, r.dropped); err != nil {
		return nil, err
	}
	if r.depth, err = register(reg, r.depth); err != nil {
		return nil, err
	}
	if r.abandoned, err = register(reg, r.abandoned); err != nil {
		return nil, err
	}
	if r.disconnects, err = register(reg, r.disconnects); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) SampleReceived() { r.received.Inc() }

func (r *PromRecorder) SampleAccepted(src model.TimestampSource) {
	r.accepted.WithLabelValues(string(src)).Inc()
}

func (r *PromRecorder) SampleRejected(reason string) { r.rejected.WithLabelValues(reason).Inc() }

func (r *PromRecorder) WritePersisted(d time.Duration) {
	r.persisted.Inc()
	r.writeLatency.Observe(d.Seconds())
}

func (r *PromRecorder) WriteFailed(reason string) { r.writeFailed.WithLabelValues(reason).Inc() }

func (r *PromRecorder) QueueDropped() { r.dropped.Inc() }

func (r *PromRecorder) QueueDepth(n int) { r.depth.Set(float64(n)) }

func (r *PromRecorder) WritesAbandoned(n int) { r.abandoned.Add(float64(n)) }

func (r *PromRecorder) TransportDisconnected() { r.disconnects.Inc() }
