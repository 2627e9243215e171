package persistence

import (
	"context"
	"errors"

	"github.com/kilianp07/fleetlive/core/model"
)

// ErrGeofenceNotFound is returned when deleting an unknown geofence.
var ErrGeofenceNotFound = errors.New("geofence not found")

// GeofenceStore is implemented by backends that can keep geofences. Callers
// assign ID and CreatedAt before CreateGeofence.
type GeofenceStore interface {
	// ListGeofences returns every geofence, newest first.
	ListGeofences(ctx context.Context) ([]model.Geofence, error)
	CreateGeofence(ctx context.Context, g model.Geofence) error
	DeleteGeofence(ctx context.Context, id string) error
}
