package model

import "time"

// TimestampSource tells where a sample timestamp came from.
type TimestampSource string

const (
	// TimestampProducer means the producer supplied the timestamp.
	TimestampProducer TimestampSource = "producer"
	// TimestampReceive means the timestamp was missing and the receive clock was used.
	TimestampReceive TimestampSource = "receive"
)

// TelemetrySample is one reported observation of a vehicle. Samples are
// values and are never mutated once normalized.
type TelemetrySample struct {
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
	// ReceivedAt is the local wall clock when the sample was decoded.
	ReceivedAt      time.Time       `json:"received_at"`
	TimestampSource TimestampSource `json:"timestamp_source,omitempty"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"` // km/h, never negative

	FuelLevel  *float64 `json:"fuel_level,omitempty"`  // percent
	EngineTemp *float64 `json:"engine_temp,omitempty"` // Celsius
	Heading    *float64 `json:"heading,omitempty"`     // degrees in [0,360)
	StatusHint string   `json:"status,omitempty"`
}

// Float returns a pointer to v. Handy for optional sample fields.
func Float(v float64) *float64 { return &v }

// PersistedStatus is the status value written to durable storage. The
// producer hint wins when it names a known status, otherwise the status is
// derived from speed alone since staleness has no meaning for a stored row.
func (s TelemetrySample) PersistedStatus(idleSpeed float64) Status {
	if st, ok := ParseStatus(s.StatusHint); ok && st != StatusUnknown {
		return st
	}
	if s.Speed > idleSpeed {
		return StatusMoving
	}
	return StatusIdle
}
