// Package livestate holds the in-memory "latest known state per vehicle".
//
// Writes for different vehicles never contend: entries live in a concurrent
// map and each entry carries its own lock. Liveness is never stored; it is
// classified at read time from the last-seen wall clock.
package livestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/model"
)

// ErrNotFound is wrapped by Get for an unknown vehicle identifier.
var ErrNotFound = errors.New("not found")

type entry struct {
	mu       sync.Mutex
	sample   model.TelemetrySample
	lastSeen time.Time
	// evicted is set by Purge; writers that raced with eviction retry on a
	// fresh entry.
	evicted bool
}

// Store is the live fleet cache. The zero value is not usable; use New.
type Store struct {
	entries *xsync.MapOf[string, *entry]
	th      model.Thresholds
	evict   time.Duration
	now     func() time.Time
	log     logger.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by the janitor.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store with the given configuration. cfg is expected to be
// validated already.
func New(cfg Config, opts ...Option) *Store {
	cfg.SetDefaults()
	s := &Store{
		entries: xsync.NewMapOf[string, *entry](),
		th:      cfg.Thresholds(),
		evict:   cfg.EvictAfter,
		now:     time.Now,
		log:     logger.NopLogger{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Thresholds returns the classification thresholds in use.
func (s *Store) Thresholds() model.Thresholds { return s.th }

// Update applies sample as the latest state of its vehicle. The last call to
// arrive wins; the sample's own timestamp is not used for ordering.
func (s *Store) Update(sample model.TelemetrySample) model.VehicleState {
	for {
		e, _ := s.entries.LoadOrCompute(sample.VehicleID, func() *entry { return &entry{} })
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		now := s.now()
		e.sample = sample
		e.lastSeen = now
		st := s.stateLocked(e, now)
		e.mu.Unlock()
		return st
	}
}

// Get returns the current state of one vehicle.
func (s *Store) Get(vehicleID string) (model.VehicleState, error) {
	e, ok := s.entries.Load(vehicleID)
	if !ok {
		return model.VehicleState{}, fmt.Errorf("vehicle %q: %w", vehicleID, ErrNotFound)
	}
	now := s.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return model.VehicleState{}, fmt.Errorf("vehicle %q: %w", vehicleID, ErrNotFound)
	}
	return s.stateLocked(e, now), nil
}

// Snapshot returns an immutable copy of every entry. Only references are
// gathered while walking the map; each entry is then copied under its own
// lock, so writers are held for at most one entry copy.
func (s *Store) Snapshot() model.FleetSnapshot {
	refs := make([]*entry, 0, s.entries.Size())
	s.entries.Range(func(_ string, e *entry) bool {
		refs = append(refs, e)
		return true
	})
	now := s.now()
	out := make([]model.VehicleState, 0, len(refs))
	for _, e := range refs {
		e.mu.Lock()
		if !e.evicted {
			out = append(out, s.stateLocked(e, now))
		}
		e.mu.Unlock()
	}
	return model.NewFleetSnapshot(now, out)
}

// Len returns the number of vehicles currently indexed.
func (s *Store) Len() int { return s.entries.Size() }

// Counts returns the current status distribution.
func (s *Store) Counts() model.StatusCounts { return s.Snapshot().Counts() }

// Purge evicts vehicles not seen for longer than the eviction grace period
// and returns how many were removed.
func (s *Store) Purge() int {
	now := s.now()
	var stale []string
	s.entries.Range(func(id string, e *entry) bool {
		e.mu.Lock()
		if now.Sub(e.lastSeen) > s.evict {
			stale = append(stale, id)
		}
		e.mu.Unlock()
		return true
	})
	removed := 0
	for _, id := range stale {
		s.entries.Compute(id, func(e *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return e, true
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			// re-check: an update may have landed since the scan
			if now.Sub(e.lastSeen) <= s.evict {
				return e, false
			}
			e.evicted = true
			removed++
			return e, true
		})
	}
	return removed
}

// RunJanitor purges stale entries every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Purge(); n > 0 {
				s.log.Infof("evicted %d vehicles unseen for more than %s", n, s.evict)
			}
		}
	}
}

func (s *Store) stateLocked(e *entry, now time.Time) model.VehicleState {
	return model.VehicleState{
		TelemetrySample: e.sample,
		Status:          model.Classify(now, e.lastSeen, e.sample.Speed, s.th),
		LastSeenAt:      e.lastSeen,
	}
}
