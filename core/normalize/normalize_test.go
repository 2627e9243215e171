package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/core/model"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNormalizeFullPayload(t *testing.T) {
	raw := []byte(`{"vehicle_id":"v1","latitude":51.5033,"longitude":-0.1195,"speed":42.5,
		"fuel_level":75,"engine_temp":85.2,"heading":-90,"status":"moving",
		"timestamp":"2024-03-01T09:59:58.250+01:00"}`)
	s, err := Normalize(raw, now)
	require.NoError(t, err)
	assert.Equal(t, "v1", s.VehicleID)
	assert.Equal(t, 51.5033, s.Latitude)
	assert.Equal(t, -0.1195, s.Longitude)
	assert.Equal(t, 42.5, s.Speed)
	require.NotNil(t, s.FuelLevel)
	assert.Equal(t, 75.0, *s.FuelLevel)
	require.NotNil(t, s.Heading)
	assert.Equal(t, 270.0, *s.Heading)
	assert.Equal(t, "moving", s.StatusHint)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 59, 58, 250_000_000, time.UTC), s.Timestamp)
	assert.Equal(t, model.TimestampProducer, s.TimestampSource)
	assert.Equal(t, now, s.ReceivedAt)
}

func TestNormalizeOptionalFieldsAbsent(t *testing.T) {
	s, err := Normalize([]byte(`{"vehicle_id":"v2","latitude":1,"longitude":2,"speed":0,"fuel_level":null}`), now)
	require.NoError(t, err)
	assert.Nil(t, s.FuelLevel)
	assert.Nil(t, s.EngineTemp)
	assert.Nil(t, s.Heading)
	assert.Empty(t, s.StatusHint)
	assert.Equal(t, now, s.Timestamp)
	assert.Equal(t, model.TimestampReceive, s.TimestampSource)
}

func TestNormalizeTimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2024-03-01T09:00:00"`:           time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		`"2024-03-01 09:00:00.5"`:         time.Date(2024, 3, 1, 9, 0, 0, 500_000_000, time.UTC),
		`"2024-03-01T09:00:00Z"`:          time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		`1709283600`:                      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		`"2024-03-01T10:00:00.123+01:00"`: time.Date(2024, 3, 1, 9, 0, 0, 123_000_000, time.UTC),
	}
	for in, want := range cases {
		s, err := Normalize([]byte(`{"vehicle_id":"v","latitude":0,"longitude":0,"speed":1,"timestamp":`+in+`}`), now)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(s.Timestamp), "%s: got %s", in, s.Timestamp)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		target  error
		reason  string
		missing string
	}{
		{"not json", `hello`, ErrMalformedPayload, "malformed", ""},
		{"array", `[1,2]`, ErrMalformedPayload, "malformed", ""},
		{"null", `null`, ErrMalformedPayload, "malformed", ""},
		{"missing id", `{"latitude":1,"longitude":1,"speed":1}`, ErrMissingRequiredField, "missing_vehicle_id", "vehicle_id"},
		{"empty id", `{"vehicle_id":" ","latitude":1,"longitude":1,"speed":1}`, ErrMissingRequiredField, "missing_vehicle_id", "vehicle_id"},
		{"numeric id", `{"vehicle_id":7,"latitude":1,"longitude":1,"speed":1}`, ErrMissingRequiredField, "missing_vehicle_id", "vehicle_id"},
		{"missing lat", `{"vehicle_id":"v","longitude":1,"speed":1}`, ErrMissingRequiredField, "missing_latitude", "latitude"},
		{"text speed", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":"fast"}`, ErrMissingRequiredField, "missing_speed", "speed"},
		{"null speed", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":null}`, ErrMissingRequiredField, "missing_speed", "speed"},
		{"negative speed", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":-3}`, ErrMalformedPayload, "invalid_speed", ""},
		{"lat out of range", `{"vehicle_id":"v","latitude":91,"longitude":1,"speed":1}`, ErrMalformedPayload, "invalid_latitude", ""},
		{"bad timestamp", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":1,"timestamp":"yesterday"}`, ErrMalformedPayload, "invalid_timestamp", ""},
		{"huge epoch", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":1,"timestamp":1e300}`, ErrMalformedPayload, "invalid_timestamp", ""},
		{"epoch past year 9999", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":1,"timestamp":253402300800}`, ErrMalformedPayload, "invalid_timestamp", ""},
		{"negative huge epoch", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":1,"timestamp":-1e19}`, ErrMalformedPayload, "invalid_timestamp", ""},
		{"text fuel", `{"vehicle_id":"v","latitude":1,"longitude":1,"speed":1,"fuel_level":"full"}`, ErrMalformedPayload, "invalid_fuel_level", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Normalize([]byte(c.raw), now)
			require.Error(t, err)
			assert.ErrorIs(t, err, c.target)
			assert.Equal(t, c.reason, Reason(err))
			if c.missing != "" {
				var mf *MissingFieldError
				require.True(t, errors.As(err, &mf))
				assert.Equal(t, c.missing, mf.Field)
			}
		})
	}
}

func TestNormalizeWithTopicID(t *testing.T) {
	s, err := NormalizeWithTopicID([]byte(`{"latitude":1,"longitude":1,"speed":1}`), "v9", now)
	require.NoError(t, err)
	assert.Equal(t, "v9", s.VehicleID)

	s, err = NormalizeWithTopicID([]byte(`{"vehicle_id":"v1","latitude":1,"longitude":1,"speed":1}`), "v9", now)
	require.NoError(t, err)
	assert.Equal(t, "v1", s.VehicleID)

	_, err = NormalizeWithTopicID([]byte(`{"vehicle_id":"","latitude":1,"longitude":1,"speed":1}`), "v9", now)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}
