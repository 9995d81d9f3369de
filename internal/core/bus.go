package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	subjectDashboard = "siem.dashboard.update"
	subjectAlerts    = "siem.alerts"

	// busOutboxSize bounds the messages waiting for a JetStream ack.
	busOutboxSize = 256
)

var (
	errBusBacklog = errors.New("publish queue full")
	errBusClosed  = errors.New("event bus closed")
)

type busMessage struct {
	subject string
	data    []byte
}

// EventBus publishes dashboard updates and alerts to NATS JetStream so
// out-of-process consumers can follow the pipeline. Publishing only queues
// the message; a single goroutine waits for the JetStream acks.
type EventBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	ns      *server.Server
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker[*nats.PubAck]
	mu      sync.RWMutex
	subs    []*nats.Subscription

	outbox chan busMessage
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewEventBus connects to NATS. If cfg.Embedded is true, it starts an embedded server first.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		outbox: make(chan busMessage, busOutboxSize),
		quit:   make(chan struct{}),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("siem"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "SIEM_DASHBOARD",
			Subjects:  []string{"siem.dashboard.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    time.Hour,
			MaxMsgs:   2000,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "SIEM_ALERTS",
			Subjects:  []string{subjectAlerts + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		// AddStream fails if the stream exists with a different config; update it in place.
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.breaker = gobreaker.NewCircuitBreaker[*nats.PubAck](gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bus.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	bus.wg.Add(1)
	go bus.drain()

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// publish queues a message without waiting. It fails when the queue is full
// or the bus is closed.
func (b *EventBus) publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	select {
	case b.outbox <- busMessage{subject: subject, data: data}:
		return nil
	default:
		return fmt.Errorf("publishing to %s: %w", subject, errBusBacklog)
	}
}

// drain sends queued messages to JetStream until the bus is closed. Messages
// still queued at Close are dropped.
func (b *EventBus) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case msg := <-b.outbox:
			_, err := b.breaker.Execute(func() (*nats.PubAck, error) {
				return b.js.Publish(msg.subject, msg.data, nats.AckWait(2*time.Second))
			})
			if err != nil {
				BroadcastsTotal.WithLabelValues("nats", "failed").Inc()
				b.logger.Warn().Err(err).Str("subject", msg.subject).Msg("message not acknowledged by JetStream")
				continue
			}
			BroadcastsTotal.WithLabelValues("nats", "published").Inc()
		}
	}
}

// Publish implements Broadcaster. It never blocks on NATS; a full queue drops
// the update.
func (b *EventBus) Publish(update *DashboardUpdate) {
	data, err := update.Marshal()
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal dashboard update")
		return
	}
	if err := b.publish(subjectDashboard, data); err != nil {
		BroadcastsTotal.WithLabelValues("nats", "dropped").Inc()
		b.logger.Warn().Err(err).Str("cycle_id", update.CycleID).Msg("dashboard update not published")
		return
	}
	BroadcastsTotal.WithLabelValues("nats", "queued").Inc()
}

// PublishAlerts publishes each alert on siem.alerts.<alert_type>.
func (b *EventBus) PublishAlerts(alerts []Alert) {
	for i := range alerts {
		a := &alerts[i]
		data, err := a.Marshal()
		if err != nil {
			b.logger.Error().Err(err).Int64("alert_id", a.ID).Msg("failed to marshal alert")
			continue
		}
		if err := b.publish(subjectAlerts+"."+a.AlertType, data); err != nil {
			b.logger.Warn().Err(err).Int64("alert_id", a.ID).Msg("alert not published")
		}
	}
}

// Subscribe creates a subscription to a subject pattern. An empty durable name
// creates an ephemeral consumer.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeDashboard delivers every dashboard update published after the call.
func (b *EventBus) SubscribeDashboard(handler func(update *DashboardUpdate)) error {
	return b.Subscribe("siem.dashboard.>", "", func(msg *nats.Msg) {
		var update DashboardUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal dashboard update")
			_ = msg.Term()
			return
		}
		handler(&update)
		_ = msg.Ack()
	})
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close stops publishing, drops queued messages, and shuts down the
// subscriptions, the connection and any embedded server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	stopDrain := !b.closed && b.quit != nil
	b.closed = true
	b.mu.Unlock()

	if stopDrain {
		close(b.quit)
	}
	if b.nc != nil {
		b.nc.Close()
	}
	b.wg.Wait()
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}
