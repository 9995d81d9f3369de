package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrProducer marks a failure to obtain the cycle's batch.
var ErrProducer = errors.New("producer failed")

// Producer supplies the primary batch of events for each cycle.
type Producer interface {
	Generate(ctx context.Context, count int) ([]Event, error)
}

// SupplementalProducer contributes whatever it has queued since the last
// cycle. Its events are appended after the primary batch.
type SupplementalProducer interface {
	Name() string
	Drain(ctx context.Context) ([]Event, error)
}

// BatchWriter persists a batch atomically.
type BatchWriter interface {
	InsertBatch(ctx context.Context, events []Event) error
}

// Snapshotter computes the dashboard aggregates in one consistent read.
type Snapshotter interface {
	Snapshot(ctx context.Context, recentLimit int) (*DashboardSnapshot, error)
}

// Broadcaster delivers dashboard updates to live subscribers. Delivery is
// at-most-once: Publish must not block and must not retry.
type Broadcaster interface {
	Publish(update *DashboardUpdate)
}

// AlertPublisher forwards the alerts raised in a cycle to external consumers.
type AlertPublisher interface {
	PublishAlerts(alerts []Alert)
}

// CycleResult summarizes one completed ingestion cycle.
type CycleResult struct {
	CycleID  string
	Events   int
	Alerts   []Alert
	Update   *DashboardUpdate
	Duration time.Duration
}

// Coordinator drives the ingest, correlate, aggregate and publish loop.
// Cycles run strictly one after another on a single goroutine.
type Coordinator struct {
	logger       zerolog.Logger
	cfg          IngestConfig
	clock        Clock
	producer     Producer
	supplemental []SupplementalProducer
	writer       BatchWriter
	correlator   *Correlator
	snapshots    Snapshotter
	broadcaster  Broadcaster
	alertSink    AlertPublisher

	mu     sync.Mutex
	cycles int
}

// CoordinatorDeps groups the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Producer     Producer
	Supplemental []SupplementalProducer
	Writer       BatchWriter
	Correlator   *Correlator
	Snapshots    Snapshotter
	Broadcaster  Broadcaster
	Alerts       AlertPublisher
	Clock        Clock
}

// NewCoordinator creates a coordinator. A nil Broadcaster discards updates.
func NewCoordinator(logger zerolog.Logger, cfg IngestConfig, deps CoordinatorDeps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewMultiBroadcaster(logger)
	}
	return &Coordinator{
		logger:       logger.With().Str("component", "coordinator").Logger(),
		cfg:          cfg,
		clock:        deps.Clock,
		producer:     deps.Producer,
		supplemental: deps.Supplemental,
		writer:       deps.Writer,
		correlator:   deps.Correlator,
		snapshots:    deps.Snapshots,
		broadcaster:  deps.Broadcaster,
		alertSink:    deps.Alerts,
	}
}

// Serve runs cycles until ctx is cancelled. It matches suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.logger.Info().
		Dur("interval", c.cfg.Interval).
		Int("batch_size", c.cfg.BatchSize).
		Msg("ingestion loop started")

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info().Int("cycles", c.Cycles()).Msg("ingestion loop stopped")
			return err
		}

		if _, err := c.RunCycle(ctx); err != nil {
			c.logger.Error().Err(err).Msg("ingestion cycle abandoned")
		}

		if err := c.clock.Sleep(ctx, c.cfg.Interval); err != nil {
			c.logger.Info().Int("cycles", c.Cycles()).Msg("ingestion loop stopped")
			return err
		}
	}
}

// RunCycle performs one full cycle. A producer or storage failure abandons
// the rest of the cycle and is returned; nothing is broadcast in that case.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := c.clock.Now()
	cycleID := uuid.New().String()
	log := c.logger.With().Str("cycle_id", cycleID).Logger()

	batch, err := c.collect(ctx)
	if err != nil {
		CyclesTotal.WithLabelValues("producer_error").Inc()
		return nil, err
	}

	if err := c.writer.InsertBatch(ctx, batch); err != nil {
		CyclesTotal.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("persisting batch of %d events: %w", len(batch), err)
	}

	alerts := c.correlator.Correlate(ctx, batch)
	if c.alertSink != nil && len(alerts) > 0 {
		c.alertSink.PublishAlerts(alerts)
	}

	snap, err := c.snapshots.Snapshot(ctx, c.cfg.RecentLimit)
	if err != nil {
		CyclesTotal.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("computing dashboard snapshot: %w", err)
	}

	update := &DashboardUpdate{
		CycleID:           cycleID,
		BatchCount:        len(batch),
		AlertsTriggered:   len(alerts),
		GeneratedAt:       c.clock.Now().UTC(),
		DashboardSnapshot: *snap,
	}
	c.broadcaster.Publish(update)

	elapsed := c.clock.Now().Sub(start)
	CycleDuration.Observe(elapsed.Seconds())
	CyclesTotal.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()

	log.Debug().
		Int("events", len(batch)).
		Int("alerts", len(alerts)).
		Dur("took", elapsed).
		Msg("cycle complete")

	return &CycleResult{
		CycleID:  cycleID,
		Events:   len(batch),
		Alerts:   alerts,
		Update:   update,
		Duration: elapsed,
	}, nil
}

// collect gathers the primary batch followed by every supplemental producer's queue.
func (c *Coordinator) collect(ctx context.Context) ([]Event, error) {
	var batch []Event
	if c.producer != nil && c.cfg.BatchSize > 0 {
		events, err := c.producer.Generate(ctx, c.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("%w: generate: %v", ErrProducer, err)
		}
		batch = append(batch, events...)
		EventsIngested.WithLabelValues("generator").Add(float64(len(events)))
	}

	for _, sp := range c.supplemental {
		events, err := sp.Drain(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProducer, sp.Name(), err)
		}
		batch = append(batch, events...)
		EventsIngested.WithLabelValues(sp.Name()).Add(float64(len(events)))
	}
	return batch, nil
}

// Cycles returns the number of cycles completed successfully.
func (c *Coordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// MultiBroadcaster fans an update out to several sinks. A sink that panics is
// logged and skipped.
type MultiBroadcaster struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	sinks  []namedSink
}

type namedSink struct {
	name string
	b    Broadcaster
}

// NewMultiBroadcaster creates an empty fan-out.
func NewMultiBroadcaster(logger zerolog.Logger) *MultiBroadcaster {
	return &MultiBroadcaster{logger: logger.With().Str("component", "broadcast").Logger()}
}

// Add registers a sink under name.
func (m *MultiBroadcaster) Add(name string, b Broadcaster) {
	m.mu.Lock()
	m.sinks = append(m.sinks, namedSink{name: name, b: b})
	m.mu.Unlock()
}

// Publish hands the update to every sink.
func (m *MultiBroadcaster) Publish(update *DashboardUpdate) {
	m.mu.RLock()
	sinks := make([]namedSink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.RUnlock()

	for _, s := range sinks {
		m.safePublish(s, update)
	}
}

func (m *MultiBroadcaster) safePublish(s namedSink, update *DashboardUpdate) {
	defer func() {
		if r := recover(); r != nil {
			BroadcastsTotal.WithLabelValues(s.name, "panic").Inc()
			m.logger.Error().
				Str("sink", s.name).
				Str("cycle_id", update.CycleID).
				Interface("panic", r).
				Msg("broadcast sink panicked")
		}
	}()
	s.b.Publish(update)
	BroadcastsTotal.WithLabelValues(s.name, "ok").Inc()
}
