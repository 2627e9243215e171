package model

import (
	"sort"
	"strings"
	"time"
)

// Status is the liveness classification of a vehicle.
type Status string

const (
	StatusMoving  Status = "moving"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a free-form status string onto a Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moving":
		return StatusMoving, true
	case "idle":
		return StatusIdle, true
	case "offline":
		return StatusOffline, true
	case "unknown":
		return StatusUnknown, true
	}
	return "", false
}

// Thresholds drive liveness classification.
type Thresholds struct {
	// OfflineAfter is the maximum time since the last update before a
	// vehicle is considered offline.
	OfflineAfter time.Duration
	// IdleSpeed is the speed at or below which a live vehicle is idle.
	IdleSpeed float64
}

// Classify derives a status from elapsed time and speed. It is a pure
// function: staleness wins over speed.
func Classify(now, lastSeen time.Time, speed float64, th Thresholds) Status {
	if now.Sub(lastSeen) > th.OfflineAfter {
		return StatusOffline
	}
	if speed > th.IdleSpeed {
		return StatusMoving
	}
	return StatusIdle
}

// VehicleState is the latest known state of one vehicle as seen by readers.
type VehicleState struct {
	TelemetrySample
	Status     Status    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// StatusCounts is the distribution of vehicles per status.
type StatusCounts struct {
	Total   int `json:"total"`
	Moving  int `json:"moving"`
	Idle    int `json:"idle"`
	Offline int `json:"offline"`
}

// Add counts one vehicle with the given status.
func (c *StatusCounts) Add(s Status) {
	c.Total++
	switch s {
	case StatusMoving:
		c.Moving++
	case StatusIdle:
		c.Idle++
	case StatusOffline:
		c.Offline++
	}
}

// FleetSnapshot is a point-in-time, read-only copy of the fleet.
type FleetSnapshot struct {
	TakenAt  time.Time
	vehicles []VehicleState
}

// NewFleetSnapshot builds a snapshot sorted by vehicle id. The slice is owned
// by the snapshot afterwards.
func NewFleetSnapshot(at time.Time, vehicles []VehicleState) FleetSnapshot {
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].VehicleID < vehicles[j].VehicleID })
	return FleetSnapshot{TakenAt: at, vehicles: vehicles}
}

// Vehicles returns a copy of the snapshot entries.
func (f FleetSnapshot) Vehicles() []VehicleState {
	out := make([]VehicleState, len(f.vehicles))
	copy(out, f.vehicles)
	return out
}

// Len returns the number of vehicles in the snapshot.
func (f FleetSnapshot) Len() int { return len(f.vehicles) }

// Counts returns the status distribution of the snapshot.
func (f FleetSnapshot) Counts() StatusCounts {
	var c StatusCounts
	for _, v := range f.vehicles {
		c.Add(v.Status)
	}
	return c
}
