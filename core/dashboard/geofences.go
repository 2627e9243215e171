package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
)

// ErrGeofencesUnsupported is returned when the storage backend keeps no
// geofences.
var ErrGeofencesUnsupported = errors.New("storage backend does not support geofences")

// WithGeofences enables the geofence operations.
func WithGeofences(store persistence.GeofenceStore) Option {
	return func(s *Service) { s.geofences = store }
}

// ListGeofences returns every geofence, newest first.
func (s *Service) ListGeofences(ctx context.Context) ([]model.Geofence, error) {
	if s.geofences == nil {
		return nil, ErrGeofencesUnsupported
	}
	out, err := s.geofences.ListGeofences(ctx)
	if err != nil {
		return nil, backendErr("list geofences", err)
	}
	if out == nil {
		out = []model.Geofence{}
	}
	return out, nil
}

// CreateGeofence validates g, assigns its id and creation time and stores
// it. An empty color becomes model.DefaultGeofenceColor.
func (s *Service) CreateGeofence(ctx context.Context, g model.Geofence) (model.Geofence, error) {
	if s.geofences == nil {
		return model.Geofence{}, ErrGeofencesUnsupported
	}
	if g.Color == "" {
		g.Color = model.DefaultGeofenceColor
	}
	if err := g.Validate(); err != nil {
		return model.Geofence{}, err
	}
	g.ID = uuid.NewString()
	g.CreatedAt = s.now().UTC()
	if err := s.geofences.CreateGeofence(ctx, g); err != nil {
		return model.Geofence{}, backendErr("create geofence", err)
	}
	return g, nil
}

// DeleteGeofence removes one geofence. Ids that are not UUIDs are unknown.
func (s *Service) DeleteGeofence(ctx context.Context, id string) error {
	if s.geofences == nil {
		return ErrGeofencesUnsupported
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("geofence %q: %w", id, ErrNotFound)
	}
	err := s.geofences.DeleteGeofence(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrGeofenceNotFound):
		return fmt.Errorf("geofence %q: %w", id, ErrNotFound)
	case err != nil:
		return backendErr("delete geofence", err)
	}
	return nil
}
