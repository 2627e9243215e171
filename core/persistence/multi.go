package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/model"
)

// NamedWriter labels a Writer for error reporting.
type NamedWriter struct {
	Name   string
	Writer Writer
}

// MultiWriter fans each sample out to several writers. Every writer is
// attempted even when an earlier one fails.
type MultiWriter struct {
	Writers []NamedWriter
}

// NewMultiWriter creates a MultiWriter with the provided writers.
func NewMultiWriter(writers ...NamedWriter) *MultiWriter {
	return &MultiWriter{Writers: writers}
}

// Write forwards s to all writers and joins their errors.
func (m *MultiWriter) Write(ctx context.Context, s model.TelemetrySample) error {
	var errs []error
	for _, w := range m.Writers {
		if err := w.Writer.Write(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name, err))
		}
	}
	return errors.Join(errs...)
}

// MirroredWriter writes to a primary backend and best-effort mirrors. Only
// the primary outcome is reported; mirror failures are logged.
type MirroredWriter struct {
	Primary Writer
	Mirrors *MultiWriter
	Log     logger.Logger
}

// NewMirroredWriter returns primary unchanged when there are no mirrors.
func NewMirroredWriter(primary Writer, log logger.Logger, mirrors ...NamedWriter) Writer {
	if len(mirrors) == 0 {
		return primary
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &MirroredWriter{Primary: primary, Mirrors: NewMultiWriter(mirrors...), Log: log}
}

// Write stores s in the primary backend, then in every mirror.
func (m *MirroredWriter) Write(ctx context.Context, s model.TelemetrySample) error {
	err := m.Primary.Write(ctx, s)
	if merr := m.Mirrors.Write(ctx, s); merr != nil {
		m.Log.Warnw("mirror write failed", map[string]any{"vehicle_id": s.VehicleID, "error": merr.Error()})
	}
	return err
}
