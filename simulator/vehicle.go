package simulator

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"
)

// Vehicle is one simulated car driving a noisy straight line.
type Vehicle struct {
	ID         string
	Lat, Lon   float64
	Speed      float64
	Drift      float64 // latitude change per tick
	Fuel       float64
	EngineTemp float64
	Heading    float64
}

// london seeds the first vehicles around central London.
var london = []Vehicle{
	{ID: "v1", Lat: 51.5033, Lon: -0.1195, Speed: 40, Drift: 0.0001, Fuel: 75, EngineTemp: 85},
	{ID: "v2", Lat: 51.5090, Lon: -0.1337, Speed: 35, Drift: -0.0001, Fuel: 60, EngineTemp: 82},
	{ID: "v3", Lat: 51.5155, Lon: -0.0722, Speed: 50, Drift: 0.0002, Fuel: 90, EngineTemp: 88},
	{ID: "v4", Lat: 51.5390, Lon: -0.1426, Speed: 45, Drift: -0.0002, Fuel: 40, EngineTemp: 90},
	{ID: "v5", Lat: 51.5014, Lon: -0.1419, Speed: 30, Drift: 0.0001, Fuel: 20, EngineTemp: 84},
}

const (
	maxSpeed      = 100
	burnPerTick   = 0.05
	refuelBelow   = 5
	movingAbove   = 1
	positionNoise = 0.00005
)

// Step advances the vehicle by one tick.
func (v *Vehicle) Step(rng *rand.Rand) {
	prevLat, prevLon := v.Lat, v.Lon
	v.Lat += v.Drift + uniform(rng, -positionNoise, positionNoise)
	v.Lon += uniform(rng, -positionNoise, positionNoise)
	v.Heading = bearing(prevLat, prevLon, v.Lat, v.Lon)

	v.Speed = math.Max(0, math.Min(maxSpeed, v.Speed+uniform(rng, -5, 5)))

	v.Fuel -= burnPerTick
	if v.Fuel < refuelBelow {
		v.Fuel = 100
	}

	target := 85 + v.Speed/10
	v.EngineTemp += (target-v.EngineTemp)*0.1 + uniform(rng, -0.5, 0.5)
}

// Status is the hint sent with each sample.
func (v *Vehicle) Status() string {
	if v.Speed > movingAbove {
		return "moving"
	}
	return "idle"
}

type payload struct {
	VehicleID  string  `json:"vehicle_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	FuelLevel  float64 `json:"fuel_level"`
	EngineTemp float64 `json:"engine_temp"`
	Heading    float64 `json:"heading"`
	Status     string  `json:"status"`
	Timestamp  string  `json:"timestamp"`
}

// Payload encodes the current state as a telemetry message.
func (v *Vehicle) Payload(now time.Time) ([]byte, error) {
	return json.Marshal(payload{
		VehicleID:  v.ID,
		Latitude:   round(v.Lat, 6),
		Longitude:  round(v.Lon, 6),
		Speed:      round(v.Speed, 1),
		FuelLevel:  round(v.Fuel, 1),
		EngineTemp: round(v.EngineTemp, 1),
		Heading:    round(v.Heading, 1),
		Status:     v.Status(),
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	})
}

// bearing returns the initial great-circle bearing in degrees [0,360).
func bearing(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := lat1*math.Pi/180, lat2*math.Pi/180
	dl := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dl) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dl)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
