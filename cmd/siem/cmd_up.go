package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the SIEM engine
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/1sec-project/siem/internal/api"
	"github.com/1sec-project/siem/internal/collect"
	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/generator"
	"github.com/1sec-project/siem/internal/ingest"
	"github.com/1sec-project/siem/internal/store"
)

// pipeline holds the components assembled around an engine.
type pipeline struct {
	db          *store.DB
	coordinator *core.Coordinator
	server      *api.Server
	syslog      *ingest.SyslogListener
	files       *collect.Tailer
	scenario    *generator.Scenario
}

// assemble opens the store and registers every service with the engine.
// The engine is not started.
func assemble(engine *core.Engine, clock core.Clock) (*pipeline, error) {
	cfg := engine.Config
	logger := engine.Logger
	if clock == nil {
		clock = core.SystemClock{}
	}

	db, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	events := store.NewEventStore(db)
	alerts := store.NewAlertStore(db)
	aggregator := store.NewAggregator(db, cfg.Dashboard, clock)

	p := &pipeline{db: db}

	var supplemental []core.SupplementalProducer
	if cfg.Scenario.Enabled {
		p.scenario = generator.NewScenario(nil, clock)
		supplemental = append(supplemental, p.scenario)
	}
	if cfg.Syslog.Enabled {
		p.syslog = ingest.NewSyslogListener(cfg.Syslog, logger, clock)
		engine.Add(p.syslog)
		supplemental = append(supplemental, p.syslog)
	}
	if cfg.Collect.Enabled {
		p.files = collect.NewTailer(cfg.Collect, logger, clock)
		engine.Add(p.files)
		supplemental = append(supplemental, p.files)
	}

	engine.Correlator = core.NewCorrelator(logger, events, alerts, clock, cfg.Correlation)

	hub := api.NewHub(logger)
	engine.Broadcast.Add("websocket", hub)
	engine.Add(hub)

	p.coordinator = core.NewCoordinator(logger, cfg.Ingest, core.CoordinatorDeps{
		Producer:     generator.NewProducer(nil, clock),
		Supplemental: supplemental,
		Writer:       events,
		Correlator:   engine.Correlator,
		Snapshots:    aggregator,
		Broadcaster:  engine.Broadcast,
		Alerts:       engine,
		Clock:        clock,
	})
	engine.Add(p.coordinator)

	p.server = api.NewServer(cfg, logger, api.Deps{
		Events:    events,
		Alerts:    alerts,
		Dashboard: aggregator,
		DB:        db,
		Hub:       hub,
		Logs:      engine.Logs,
		Clock:     clock,
	})
	engine.Add(p.server)

	return p, nil
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	warnings, validationErrs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid (%s).\n", green("✓"), *configPath)
		os.Exit(0)
	}

	engine := core.NewEngine(cfg, os.Stderr)
	engine.ConfigPath = *configPath

	p, err := assemble(engine, core.SystemClock{})
	if err != nil {
		errorf("%v", err)
	}
	defer p.db.Close()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s SIEM running, API on %s:%d, cycle every %s\n",
			green("✓"), cfg.Server.Host, cfg.Server.Port, cfg.Ingest.Interval)
		if p.syslog != nil {
			fmt.Fprintf(os.Stderr, "%s Syslog ingestion on :%d (%s)\n", green("✓"), cfg.Syslog.Port, cfg.Syslog.Protocol)
		}
		if p.files != nil {
			fmt.Fprintf(os.Stderr, "%s Tailing %d log file(s)\n", green("✓"), len(cfg.Collect.Sources))
		}
		if !cfg.AuthEnabled() {
			warnf("no API keys configured, the API is open. Set server.api_keys or SIEM_API_KEY.")
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop, send SIGHUP to reload thresholds\n", dim("▸"))
	}

	if err := engine.Run(); err != nil {
		errorf("engine: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s SIEM stopped after %d cycle(s).\n", green("✓"), p.coordinator.Cycles())
	}
}
