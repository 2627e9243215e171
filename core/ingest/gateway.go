// Package ingest turns transport messages into live-state updates and
// asynchronous durable writes.
package ingest

import (
	"time"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/metrics"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/monitoring"
	"github.com/kilianp07/fleetlive/core/normalize"
)

const maxLoggedPayload = 256

// LiveUpdater applies a sample to the live fleet view.
type LiveUpdater interface {
	Update(s model.TelemetrySample) model.VehicleState
}

// Submitter accepts samples for asynchronous persistence.
type Submitter interface {
	Submit(s model.TelemetrySample) error
}

// Gateway is the message handler of the ingest pipeline.
type Gateway struct {
	pattern string
	live    LiveUpdater
	queue   Submitter
	rec     metrics.Recorder
	log     logger.Logger
	now     func() time.Time
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithTopicPattern sets the pattern used to recover vehicle ids from topics.
func WithTopicPattern(p string) GatewayOption {
	return func(g *Gateway) { g.pattern = p }
}

// WithGatewayRecorder sets the metrics recorder.
func WithGatewayRecorder(r metrics.Recorder) GatewayOption {
	return func(g *Gateway) { g.rec = r }
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l logger.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

// WithGatewayClock overrides the receive clock.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway wires the live store and the write queue.
func NewGateway(live LiveUpdater, queue Submitter, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		pattern: DefaultTopic,
		live:    live,
		queue:   queue,
		rec:     metrics.NopRecorder{},
		log:     logger.NopLogger{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// HandleMessage processes one transport message. Rejected messages are
// logged and counted; they never reach the live store. The call returns
// once the live store is updated and the sample is queued.
func (g *Gateway) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			err := monitoring.PanicError(r, map[string]string{"module": "ingest", "topic": topic})
			g.log.Errorw("telemetry handler panic", map[string]any{"topic": topic, "error": err.Error()})
		}
	}()
	g.rec.SampleReceived()

	s, err := normalize.NormalizeWithTopicID(payload, ExtractTopicID(g.pattern, topic), g.now())
	if err != nil {
		reason := normalize.Reason(err)
		g.rec.SampleRejected(reason)
		g.log.Warnw("telemetry rejected", map[string]any{
			"topic":   topic,
			"reason":  reason,
			"error":   err.Error(),
			"payload": truncate(payload, maxLoggedPayload),
		})
		return
	}
	g.rec.SampleAccepted(s.TimestampSource)
	g.log.Debugw("telemetry accepted", map[string]any{
		"vehicle_id":       s.VehicleID,
		"timestamp":        s.Timestamp,
		"received_at":      s.ReceivedAt,
		"timestamp_source": string(s.TimestampSource),
	})

	g.live.Update(s)
	if err := g.queue.Submit(s); err != nil {
		g.log.Warnf("sample for %s not queued: %v", s.VehicleID, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
