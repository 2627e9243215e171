package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/fleetlive/core/logger"
	"github.com/kilianp07/fleetlive/core/metrics"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/monitoring"
	"github.com/kilianp07/fleetlive/core/persistence"
)

var (
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("write queue closed")
	// ErrDrainTimeout reports that the grace period expired with writes left.
	ErrDrainTimeout = errors.New("drain grace period expired")
)

type job struct {
	sample   model.TelemetrySample
	enqueued time.Time
}

// WriteQueue hands samples to durable storage without blocking the caller.
// When the buffer is full the oldest queued sample is discarded.
type WriteQueue struct {
	w       persistence.Writer
	timeout time.Duration
	workers int
	rec     metrics.Recorder
	log     logger.Logger

	jobs chan job

	mu     sync.RWMutex
	closed bool

	base    context.Context
	abandon context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	dropped   atomic.Int64
	abandoned atomic.Int64
}

// QueueOption customises a WriteQueue.
type QueueOption func(*WriteQueue)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) QueueOption {
	return func(q *WriteQueue) { q.rec = r }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l logger.Logger) QueueOption {
	return func(q *WriteQueue) { q.log = l }
}

// NewWriteQueue creates a queue writing to w. Workers are started by Start.
func NewWriteQueue(w persistence.Writer, cfg Config, opts ...QueueOption) *WriteQueue {
	cfg.SetDefaults()
	base, cancel := context.WithCancel(context.Background())
	q := &WriteQueue{
		w:       w,
		timeout: cfg.WriteTimeout,
		workers: cfg.Workers,
		rec:     metrics.NopRecorder{},
		log:     logger.NopLogger{},
		jobs:    make(chan job, cfg.QueueSize),
		base:    base,
		abandon: cancel,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the worker pool. Calling it more than once has no effect.
func (q *WriteQueue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.run()
		}
	})
}

// Submit enqueues s. It never blocks: on a full buffer the oldest queued
// sample is evicted.
func (q *WriteQueue) Submit(s model.TelemetrySample) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	j := job{sample: s, enqueued: time.Now()}
	for {
		select {
		case q.jobs <- j:
			q.rec.QueueDepth(len(q.jobs))
			return nil
		default:
		}
		select {
		case old := <-q.jobs:
			q.dropped.Add(1)
			q.rec.QueueDropped()
			q.log.Warnw("write queue full, dropped oldest sample", map[string]any{
				"vehicle_id": old.sample.VehicleID,
				"queued_for": time.Since(old.enqueued).String(),
			})
		default:
		}
	}
}

// Len returns the number of queued samples.
func (q *WriteQueue) Len() int { return len(q.jobs) }

// Dropped returns how many samples were evicted by the drop-oldest policy.
func (q *WriteQueue) Dropped() int64 { return q.dropped.Load() }

// Abandoned returns how many samples were left unwritten by Drain.
func (q *WriteQueue) Abandoned() int64 { return q.abandoned.Load() }

// Close stops accepting samples. Queued samples are still written by the
// workers until Drain returns.
func (q *WriteQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
}

// Drain closes the queue and waits for the workers to flush it. When ctx
// ends first, in-flight writes are cancelled and remaining samples are
// abandoned; ErrDrainTimeout is returned with the abandoned count.
func (q *WriteQueue) Drain(ctx context.Context) error {
	q.Close()
	q.Start()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.abandon()
		return nil
	case <-ctx.Done():
	}
	q.abandon()
	<-done
	n := q.abandoned.Load()
	if n == 0 {
		return nil
	}
	q.rec.WritesAbandoned(int(n))
	q.log.Warnf("shutdown grace expired, abandoned %d queued writes", n)
	return fmt.Errorf("%w: %d writes abandoned", ErrDrainTimeout, n)
}

// run is one worker. A panicking writer is reported before it takes the
// process down.
func (q *WriteQueue) run() {
	defer q.wg.Done()
	defer monitoring.Recover()
	for j := range q.jobs {
		if q.base.Err() != nil {
			q.abandoned.Add(1)
			continue
		}
		q.write(j)
		q.rec.QueueDepth(len(q.jobs))
	}
}

func (q *WriteQueue) write(j job) {
	ctx, cancel := context.WithTimeout(q.base, q.timeout)
	defer cancel()
	start := time.Now()
	err := q.w.Write(ctx, j.sample)
	if err == nil {
		q.rec.WritePersisted(time.Since(start))
		return
	}
	if q.base.Err() != nil {
		q.abandoned.Add(1)
		return
	}
	reason := metrics.ReasonBackend
	if errors.Is(err, context.DeadlineExceeded) {
		reason = metrics.ReasonTimeout
	}
	q.rec.WriteFailed(reason)
	q.log.Errorw("durable write failed, sample dropped", map[string]any{
		"vehicle_id": j.sample.VehicleID,
		"reason":     reason,
		"error":      err.Error(),
	})
	monitoring.CaptureException(err, map[string]string{
		"module":     "ingest",
		"vehicle_id": j.sample.VehicleID,
	})
}
