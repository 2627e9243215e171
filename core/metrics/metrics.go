package metrics

import (
	"time"

	"github.com/kilianp07/fleetlive/core/model"
)

// Write failure reasons.
const (
	ReasonTimeout = "timeout"
	ReasonBackend = "backend"
)

// Recorder receives ingest pipeline events.
type Recorder interface {
	// SampleReceived counts a transport message before normalization.
	SampleReceived()
	// SampleAccepted counts a normalized sample by timestamp origin.
	SampleAccepted(src model.TimestampSource)
	// SampleRejected counts a message discarded by the normalizer.
	SampleRejected(reason string)
	// WritePersisted observes a successful durable write.
	WritePersisted(d time.Duration)
	// WriteFailed counts a durable write given up on.
	WriteFailed(reason string)
	// QueueDropped counts a queued sample evicted to make room.
	QueueDropped()
	// QueueDepth reports the current number of queued samples.
	QueueDepth(n int)
	// WritesAbandoned counts samples left unwritten at shutdown.
	WritesAbandoned(n int)
	// TransportDisconnected counts a lost broker connection.
	TransportDisconnected()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) SampleReceived()                      {}
func (NopRecorder) SampleAccepted(model.TimestampSource) {}
func (NopRecorder) SampleRejected(string)                {}
func (NopRecorder) WritePersisted(time.Duration)         {}
func (NopRecorder) WriteFailed(string)                   {}
func (NopRecorder) QueueDropped()                        {}
func (NopRecorder) QueueDepth(int)                       {}
func (NopRecorder) WritesAbandoned(int)                  {}
func (NopRecorder) TransportDisconnected()               {}
