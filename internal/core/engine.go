package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Engine owns the root logger, the optional NATS bus and the supervisor that
// keeps the long-running services (coordinator, WebSocket hub, API server,
// syslog listener) alive.
type Engine struct {
	Config     *Config
	ConfigPath string
	Logger     zerolog.Logger
	Logs       *LogRingBuffer
	Bus        *EventBus
	Broadcast  *MultiBroadcaster
	// Correlator receives threshold changes on SIGHUP.
	Correlator *Correlator
	Webhooks   *WebhookDispatcher

	supervisor *suture.Supervisor
	ctx        context.Context
	cancel     context.CancelFunc
	done       <-chan error
}

// NewEngine creates an engine logging to out.
func NewEngine(cfg *Config, out io.Writer) *Engine {
	logs := NewLogRingBuffer(1000)
	root := NewLogger(cfg.Logging, out, logs)
	logger := root.With().Str("component", "engine").Logger()

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		Config:    cfg,
		Logger:    root,
		Logs:      logs,
		Broadcast: NewMultiBroadcaster(root),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.supervisor = suture.New("siem", suture.Spec{
		EventHook:        supervisorHook(logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	return e
}

// supervisorHook logs suture lifecycle events through zerolog.
func supervisorHook(logger zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		var le *zerolog.Event
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeBackoff:
			le = logger.Error()
		case suture.EventTypeResume:
			le = logger.Info()
		default:
			le = logger.Warn()
		}
		le.Fields(ev.Map()).Msg(ev.String())
	}
}

// Add places a service under supervision. Services added after Start are
// started immediately.
func (e *Engine) Add(svc suture.Service) suture.ServiceToken {
	return e.supervisor.Add(svc)
}

// Start connects the event bus when enabled and starts the supervisor.
func (e *Engine) Start() error {
	log := e.Logger.With().Str("component", "engine").Logger()
	log.Info().Msg("starting SIEM engine")

	if e.Config.Bus.Enabled {
		bus, err := NewEventBus(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		e.Broadcast.Add("nats", bus)
	}

	if len(e.Config.Alerts.WebhookURLs) > 0 {
		e.Webhooks = NewWebhookDispatcher(e.Logger, e.Config.Alerts)
		e.supervisor.Add(e.Webhooks)
	}

	e.done = e.supervisor.ServeBackground(e.ctx)
	log.Info().Msg("SIEM engine started")
	return nil
}

// PublishAlerts forwards alerts to the event bus and the webhook dispatcher
// when they are configured.
func (e *Engine) PublishAlerts(alerts []Alert) {
	if e.Bus != nil {
		e.Bus.PublishAlerts(alerts)
	}
	if e.Webhooks != nil {
		e.Webhooks.PublishAlerts(alerts)
	}
}

// Run starts the engine and blocks until a shutdown signal is received.
// SIGHUP reloads the hot-reloadable configuration.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	log := e.Logger.With().Str("component", "engine").Logger()
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := ReloadConfig(e, e.ConfigPath, log); err != nil {
					log.Error().Err(err).Msg("config reload failed")
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		case <-e.ctx.Done():
			log.Info().Msg("context cancelled")
		case err := <-e.done:
			log.Error().Err(err).Msg("supervisor exited")
		}
		return e.Shutdown()
	}
}

// Shutdown stops every supervised service and closes the bus.
func (e *Engine) Shutdown() error {
	log := e.Logger.With().Str("component", "engine").Logger()
	log.Info().Msg("shutting down SIEM engine")
	e.cancel()

	if e.done != nil {
		select {
		case <-e.done:
		case <-time.After(15 * time.Second):
			report, _ := e.supervisor.UnstoppedServiceReport()
			for _, u := range report {
				log.Warn().Str("service", u.Name).Msg("service did not stop in time")
			}
		}
	}

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus")
		}
	}

	log.Info().Msg("SIEM engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
