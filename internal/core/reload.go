package core

import (
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
)

// ReloadConfig reloads the configuration from disk and applies the settings
// that can change without a restart. It returns a description of what changed.
//
// Hot-reloadable settings:
//   - correlation thresholds and windows
//
// Settings that differ but need a restart are reported, not applied:
//   - every other section
func ReloadConfig(engine *Engine, configPath string, logger zerolog.Logger) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if _, errs := newCfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}

	var changes []string

	old := engine.Config.Correlation
	for _, r := range []struct {
		name     string
		from, to RuleConfig
	}{
		{"brute_force", old.BruteForce, newCfg.Correlation.BruteForce},
		{"port_scan", old.PortScan, newCfg.Correlation.PortScan},
		{"ddos", old.DDoS, newCfg.Correlation.DDoS},
	} {
		if r.from != r.to {
			changes = append(changes, fmt.Sprintf("correlation.%s → threshold %d, window %ds",
				r.name, r.to.Threshold, r.to.Window))
		}
	}
	if old != newCfg.Correlation {
		engine.Config.Correlation = newCfg.Correlation
		if engine.Correlator != nil {
			engine.Correlator.SetRules(newCfg.Correlation)
		}
	}

	for _, sec := range []struct {
		name     string
		from, to any
	}{
		{"server", engine.Config.Server, newCfg.Server},
		{"store", engine.Config.Store, newCfg.Store},
		{"bus", engine.Config.Bus, newCfg.Bus},
		{"syslog", engine.Config.Syslog, newCfg.Syslog},
		{"collect", engine.Config.Collect, newCfg.Collect},
		{"ingest", engine.Config.Ingest, newCfg.Ingest},
		{"dashboard", engine.Config.Dashboard, newCfg.Dashboard},
		{"scenario", engine.Config.Scenario, newCfg.Scenario},
		{"alerts", engine.Config.Alerts, newCfg.Alerts},
		{"logging", engine.Config.Logging, newCfg.Logging},
	} {
		if !reflect.DeepEqual(sec.from, sec.to) {
			logger.Warn().Str("section", sec.name).Msg("config section changed, restart required to apply")
		}
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}
