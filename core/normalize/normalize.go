// Package normalize turns raw telemetry payloads into typed samples.
//
// Normalization is side-effect free: no I/O, no logging. Callers decide what
// to do with rejected payloads.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kilianp07/fleetlive/core/model"
)

var (
	// ErrMalformedPayload is returned when the body is not a usable record.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingRequiredField is returned when a required field is absent or mistyped.
	ErrMissingRequiredField = errors.New("missing required field")
)

// MissingFieldError names the required field that could not be read.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Is lets errors.Is match ErrMissingRequiredField.
func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingRequiredField }

// InvalidFieldError reports a present field with an out-of-range or unparseable value.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrMalformedPayload.
func (e *InvalidFieldError) Is(target error) bool { return target == ErrMalformedPayload }

// Reason returns a short label for metrics and logs.
func Reason(err error) string {
	var mf *MissingFieldError
	var inv *InvalidFieldError
	switch {
	case errors.As(err, &mf):
		return "missing_" + mf.Field
	case errors.As(err, &inv):
		return "invalid_" + inv.Field
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	}
	return "unknown"
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Normalize decodes raw into a sample. now is the receive clock and is used
// when the payload carries no timestamp.
func Normalize(raw []byte, now time.Time) (model.TelemetrySample, error) {
	return NormalizeWithTopicID(raw, "", now)
}

// NormalizeWithTopicID behaves like Normalize but falls back to topicID when
// the body has no vehicle_id key at all.
func NormalizeWithTopicID(raw []byte, topicID string, now time.Time) (model.TelemetrySample, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.TelemetrySample{}, ErrMalformedPayload
	}

	s := model.TelemetrySample{ReceivedAt: now}

	id, err := requiredString(fields, "vehicle_id")
	if err != nil {
		if _, present := fields["vehicle_id"]; present || topicID == "" {
			return model.TelemetrySample{}, err
		}
		id = topicID
	}
	s.VehicleID = id

	if s.Latitude, err = requiredNumber(fields, "latitude"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.Longitude, err = requiredNumber(fields, "longitude"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.Speed, err = requiredNumber(fields, "speed"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return model.TelemetrySample{}, &InvalidFieldError{Field: "latitude", Reason: "out of range"}
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return model.TelemetrySample{}, &InvalidFieldError{Field: "longitude", Reason: "out of range"}
	}
	if s.Speed < 0 {
		return model.TelemetrySample{}, &InvalidFieldError{Field: "speed", Reason: "negative"}
	}

	if s.FuelLevel, err = optionalNumber(fields, "fuel_level"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.EngineTemp, err = optionalNumber(fields, "engine_temp"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.Heading, err = optionalNumber(fields, "heading"); err != nil {
		return model.TelemetrySample{}, err
	}
	if s.Heading != nil {
		h := math.Mod(*s.Heading, 360)
		if h < 0 {
			h += 360
		}
		s.Heading = &h
	}
	if raw, ok := fields["status"]; ok && !isNull(raw) {
		var hint string
		if err := json.Unmarshal(raw, &hint); err != nil {
			return model.TelemetrySample{}, &InvalidFieldError{Field: "status", Reason: "not a string"}
		}
		s.StatusHint = hint
	}

	ts, ok, err := timestamp(fields)
	if err != nil {
		return model.TelemetrySample{}, err
	}
	if ok {
		s.Timestamp = ts
		s.TimestampSource = model.TimestampProducer
	} else {
		s.Timestamp = now
		s.TimestampSource = model.TimestampReceive
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", &MissingFieldError{Field: name}
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil || strings.TrimSpace(v) == "" {
		return "", &MissingFieldError{Field: name}
	}
	return strings.TrimSpace(v), nil
}

func requiredNumber(fields map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return 0, &MissingFieldError{Field: name}
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &MissingFieldError{Field: name}
	}
	return v, nil
}

func optionalNumber(fields map[string]json.RawMessage, name string) (*float64, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &InvalidFieldError{Field: name, Reason: "not a number"}
	}
	return &v, nil
}

// Numeric epochs must fall within years 1 to 9999.
const (
	minEpoch = -62135596800
	maxEpoch = 253402300799
)

// timestamp accepts ISO-8601 text or a numeric epoch in seconds.
func timestamp(fields map[string]json.RawMessage) (time.Time, bool, error) {
	raw, ok := fields["timestamp"]
	if !ok || isNull(raw) {
		return time.Time{}, false, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return time.Time{}, false, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t.UTC(), true, nil
			}
		}
		return time.Time{}, false, &InvalidFieldError{Field: "timestamp", Reason: "unrecognised time format"}
	}
	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		if epoch < minEpoch || epoch > maxEpoch {
			return time.Time{}, false, &InvalidFieldError{Field: "timestamp", Reason: "epoch out of range"}
		}
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true, nil
	}
	return time.Time{}, false, &InvalidFieldError{Field: "timestamp", Reason: "not a string or number"}
}
