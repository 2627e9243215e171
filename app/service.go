// Package app wires the ingest pipeline, the live store, durable storage and
// the read service into one runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "github.com/kilianp07/fleetlive/app/plugins"
	"github.com/kilianp07/fleetlive/config"
	"github.com/kilianp07/fleetlive/core/dashboard"
	"github.com/kilianp07/fleetlive/core/ingest"
	"github.com/kilianp07/fleetlive/core/livestate"
	coremetrics "github.com/kilianp07/fleetlive/core/metrics"
	coremon "github.com/kilianp07/fleetlive/core/monitoring"
	coremqtt "github.com/kilianp07/fleetlive/core/mqtt"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/infra/logger"
	"github.com/kilianp07/fleetlive/infra/metrics"
	"github.com/kilianp07/fleetlive/infra/monitoring"
	"github.com/kilianp07/fleetlive/infra/mqtt"
)

// DefaultPruneInterval is how often backends with retention are pruned.
const DefaultPruneInterval = time.Hour

// Subscriber is the transport feeding the gateway.
type Subscriber interface {
	Stop()
}

// SubscriberFactory connects a transport delivering to handler.
type SubscriberFactory func(cfg mqtt.Config, handler coremqtt.Handler, rec coremetrics.Recorder) (Subscriber, error)

func mqttSubscriber(cfg mqtt.Config, handler coremqtt.Handler, rec coremetrics.Recorder) (Subscriber, error) {
	return mqtt.NewSubscriber(cfg, handler, rec)
}

// Service orchestrates ingestion and exposes the read side.
type Service struct {
	Store     *livestate.Store
	Backend   persistence.Port
	Queue     *ingest.WriteQueue
	Gateway   *ingest.Gateway
	Dashboard *dashboard.Service

	cfg           *config.Config
	mirrors       []persistence.NamedWriter
	rec           coremetrics.Recorder
	registry      *prometheus.Registry
	newSubscriber SubscriberFactory
	log           logger.Logger
	closed        bool
}

// Option customises a Service.
type Option func(*Service)

// WithSubscriberFactory replaces the MQTT transport, mainly for tests.
func WithSubscriberFactory(f SubscriberFactory) Option {
	return func(s *Service) { s.newSubscriber = f }
}

// New builds every component from cfg. Storage connections are opened here;
// the transport is connected by Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	logg := logger.New("service")
	mon, err := monitoring.NewSentryMonitor(cfg.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{cfg: cfg, rec: coremetrics.NopRecorder{}, newSubscriber: mqttSubscriber, log: logg}
	for _, o := range opts {
		o(s)
	}

	s.Store = livestate.New(cfg.LiveState, livestate.WithLogger(logger.New("livestate")))

	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec, err := metrics.NewPromRecorder(s.registry)
		if err != nil {
			return nil, fmt.Errorf("prom recorder: %w", err)
		}
		if err := s.registry.Register(metrics.NewFleetCollector(s.Store)); err != nil {
			return nil, fmt.Errorf("fleet collector: %w", err)
		}
		s.rec = rec
	}

	buildOpts := persistence.BuildOptions{IdleSpeed: cfg.LiveState.IdleSpeed, Logger: logger.New("storage")}
	s.Backend, err = persistence.NewBackend(ctx, cfg.Storage, buildOpts)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Storage.Type, err)
	}
	for i, mc := range cfg.Mirrors {
		w, err := persistence.NewMirror(ctx, mc, buildOpts)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("mirror %d (%s): %w", i, mc.Type, err)
		}
		s.mirrors = append(s.mirrors, persistence.NamedWriter{Name: mc.Type, Writer: w})
	}

	writer := persistence.NewMirroredWriter(s.Backend, logger.New("mirror"), s.mirrors...)
	s.Queue = ingest.NewWriteQueue(writer, cfg.Ingest,
		ingest.WithRecorder(s.rec), ingest.WithQueueLogger(logger.New("write_queue")))
	s.Gateway = ingest.NewGateway(s.Store, s.Queue,
		ingest.WithTopicPattern(cfg.MQTT.Topic),
		ingest.WithGatewayRecorder(s.rec),
		ingest.WithGatewayLogger(logger.New("ingest")))
	var dashOpts []dashboard.Option
	if gs, ok := s.Backend.(persistence.GeofenceStore); ok {
		dashOpts = append(dashOpts, dashboard.WithGeofences(gs))
	}
	s.Dashboard = dashboard.NewService(s.Store, s.Backend, cfg.Dashboard, dashOpts...)
	return s, nil
}

// Registry returns the Prometheus registry, or nil when metrics are off.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Run starts ingestion and blocks until ctx is done or a background task
// fails. Shutdown stops the transport first, then drains the write queue
// within the configured grace period, then stops background tasks.
func (s *Service) Run(ctx context.Context) error {
	s.Queue.Start()

	g, gctx := errgroup.WithContext(ctx)
	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	g.Go(func() error {
		s.Store.RunJanitor(bg, s.cfg.LiveState.JanitorInterval)
		return nil
	})
	if p, ok := s.Backend.(persistence.Pruner); ok {
		g.Go(func() error {
			s.runPruner(bg, p, DefaultPruneInterval)
			return nil
		})
	}
	if s.registry != nil {
		g.Go(func() error {
			return metrics.StartPromServer(bg, s.cfg.Metrics.Addr, s.registry, logger.New("metrics"))
		})
	}

	sub, err := s.newSubscriber(s.cfg.MQTT, s.Gateway.HandleMessage, s.rec)
	if err != nil {
		stopBg()
		s.Queue.Close()
		_ = g.Wait()
		return fmt.Errorf("mqtt subscriber: %w", err)
	}
	s.log.Infof("ingesting from %s on %s", s.cfg.MQTT.Broker, s.cfg.MQTT.Topic)

	<-gctx.Done()
	s.log.Infof("shutting down")
	sub.Stop()
	s.Queue.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Ingest.ShutdownGrace)
	derr := s.Queue.Drain(drainCtx)
	cancel()
	if derr != nil {
		s.log.Warnf("write queue: %v (%d samples abandoned)", derr, s.Queue.Abandoned())
	}
	stopBg()
	if err := g.Wait(); err != nil {
		return err
	}
	coremon.Flush(2 * time.Second)
	return nil
}

func (s *Service) runPruner(ctx context.Context, p persistence.Pruner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Prune(ctx, now)
			if err != nil {
				s.log.Warnf("prune: %v", err)
				continue
			}
			if n > 0 {
				s.log.Infof("pruned %d rows past retention", n)
			}
		}
	}
}

// Close releases storage connections. It is safe to call more than once.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, m := range s.mirrors {
		if c, ok := m.Writer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("mirror %s: %w", m.Name, err))
			}
		}
	}
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
