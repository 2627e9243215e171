package model

import (
	"fmt"
	"time"
)

// DefaultGeofenceColor is used when a geofence is created without a color.
const DefaultGeofenceColor = "#3388ff"

// Geofence is a named circular zone shown on the live map.
type Geofence struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CenterLat    float64   `json:"center_lat"`
	CenterLng    float64   `json:"center_lng"`
	RadiusMeters float64   `json:"radius_meters"`
	Color        string    `json:"color"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the zone is drawable.
func (g Geofence) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("geofence name is required")
	}
	if g.CenterLat < -90 || g.CenterLat > 90 {
		return fmt.Errorf("geofence center_lat %v out of range", g.CenterLat)
	}
	if g.CenterLng < -180 || g.CenterLng > 180 {
		return fmt.Errorf("geofence center_lng %v out of range", g.CenterLng)
	}
	if g.RadiusMeters <= 0 {
		return fmt.Errorf("geofence radius_meters must be positive")
	}
	return nil
}
