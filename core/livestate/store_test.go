package livestate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetlive/core/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(clk *fakeClock) *Store {
	return New(Config{OfflineAfter: time.Minute, IdleSpeed: 1, EvictAfter: time.Hour}, WithClock(clk.Now))
}

func sample(id string, speed float64, ts time.Time) model.TelemetrySample {
	return model.TelemetrySample{VehicleID: id, Latitude: 51.50, Longitude: -0.12, Speed: speed, Timestamp: ts}
}

func TestStoreGoesOfflineWithoutUpdates(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	t0 := clk.Now()

	s.Update(sample("v1", 42, t0))
	st, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoving, st.Status)
	assert.Equal(t, t0, st.LastSeenAt)

	clk.Advance(time.Minute + time.Second)
	st, err = s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, st.Status)
	assert.Equal(t, 51.50, st.Latitude)
	assert.Equal(t, -0.12, st.Longitude)
	assert.Equal(t, 42.0, st.Speed)
}

func TestStoreArrivalOrderWins(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	t1 := clk.Now()
	t0 := t1.Add(-10 * time.Second)

	late := sample("v1", 30, t1)
	late.Latitude = 51.60
	early := sample("v1", 10, t0)
	early.Latitude = 51.40

	s.Update(late)
	s.Update(early)

	st, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, t0, st.Timestamp)
	assert.Equal(t, 51.40, st.Latitude)
	assert.Equal(t, 10.0, st.Speed)
}

func TestStoreIdleClassification(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	s.Update(sample("v1", 1, clk.Now()))
	st, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, st.Status)
}

func TestStoreGetUnknown(t *testing.T) {
	s := newTestStore(newFakeClock())
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSnapshotIsDetached(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	s.Update(sample("v2", 0, clk.Now()))
	s.Update(sample("v1", 20, clk.Now()))

	snap := s.Snapshot()
	require.Equal(t, 2, snap.Len())
	s.Update(sample("v1", 0, clk.Now()))
	s.Update(sample("v3", 0, clk.Now()))

	vs := snap.Vehicles()
	assert.Equal(t, "v1", vs[0].VehicleID)
	assert.Equal(t, 20.0, vs[0].Speed)
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, model.StatusCounts{Total: 3, Idle: 3}, s.Counts())
}

func TestStorePurge(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	s.Update(sample("old", 5, clk.Now()))
	clk.Advance(30 * time.Minute)
	s.Update(sample("fresh", 5, clk.Now()))
	clk.Advance(31 * time.Minute)

	assert.Equal(t, 1, s.Purge())
	_, err := s.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := s.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, st.Status)
	assert.Equal(t, 1, s.Snapshot().Len())

	s.Update(sample("old", 5, clk.Now()))
	st, err = s.Get("old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoving, st.Status)
}

func TestStoreJanitorStopsOnCancel(t *testing.T) {
	s := New(Config{}, WithClock(newFakeClock().Now))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

// Each vehicle receives its own ordered sequence from one goroutine while
// other vehicles are written concurrently; the last sample of each sequence
// must be the one visible afterwards.
func TestStoreConcurrentLastApplied(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk)
	const vehicles, updates = 16, 200

	var wg sync.WaitGroup
	for v := 0; v < vehicles; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			id := fmt.Sprintf("v%02d", v)
			for i := 0; i < updates; i++ {
				s.Update(sample(id, float64(i), clk.Now()))
			}
		}(v)
	}
	readers, stop := sync.WaitGroup{}, make(chan struct{})
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Snapshot()
				_, _ = s.Get("v00")
			}
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	require.Equal(t, vehicles, s.Len())
	for v := 0; v < vehicles; v++ {
		st, err := s.Get(fmt.Sprintf("v%02d", v))
		require.NoError(t, err)
		assert.Equal(t, float64(updates-1), st.Speed)
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	require.NoError(t, c.Validate())

	c.EvictAfter = c.OfflineAfter
	assert.Error(t, c.Validate())
}
