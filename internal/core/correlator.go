package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WindowQuerier answers the trailing-window counts the correlation rules need.
// Windows are open on the left: an event counts when timestamp > now - window.
type WindowQuerier interface {
	Count(ctx context.Context, sourceIP, eventType string, window time.Duration, now time.Time) (int, error)
	DistinctPorts(ctx context.Context, sourceIP string, window time.Duration, now time.Time) (int, error)
	CountAll(ctx context.Context, window time.Duration, now time.Time) (int, error)
}

// AlertRecorder persists correlator output.
type AlertRecorder interface {
	Insert(ctx context.Context, alert Alert) (int64, error)
	UpsertThreatIntel(ctx context.Context, ip, threatType string, now time.Time) error
}

// Correlator evaluates the threshold rules against the freshly committed batch
// and the event store's trailing windows. It holds no state between calls.
type Correlator struct {
	logger zerolog.Logger
	events WindowQuerier
	alerts AlertRecorder
	clock  Clock

	mu    sync.RWMutex
	rules CorrelationConfig
}

// NewCorrelator creates a correlator with the given rule thresholds.
func NewCorrelator(logger zerolog.Logger, events WindowQuerier, alerts AlertRecorder, clock Clock, rules CorrelationConfig) *Correlator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Correlator{
		logger: logger.With().Str("component", "correlator").Logger(),
		events: events,
		alerts: alerts,
		clock:  clock,
		rules:  rules,
	}
}

// Rules returns the thresholds in effect.
func (c *Correlator) Rules() CorrelationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// SetRules replaces the thresholds. Cycles already running keep the rules
// they started with.
func (c *Correlator) SetRules(rules CorrelationConfig) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// portScanTypes are the event types that trigger the port-scan rule.
var portScanTypes = map[string]bool{
	EventPortScan:       true,
	EventFirewallDrop:   true,
	EventFirewallReject: true,
}

// Correlate runs every rule for one ingestion cycle and persists the alerts it
// produces. A source that fires a rule is not evaluated again during the same
// call, so it yields at most one per-source alert. The DDoS rule runs once
// after the batch. Rule and store failures are logged, never returned.
func (c *Correlator) Correlate(ctx context.Context, batch []Event) []Alert {
	var alerts []Alert
	rules := c.Rules()
	checked := make(map[string]bool)

	for i := range batch {
		ev := &batch[i]

		var rule string
		var check func(context.Context, RuleConfig, string) (*Alert, error)
		var cfg RuleConfig
		switch {
		case checked[ev.SourceIP]:
		case ev.EventType == EventAuthFailure:
			rule, check, cfg = AlertBruteForce, c.checkBruteForce, rules.BruteForce
		case portScanTypes[ev.EventType]:
			rule, check, cfg = AlertPortScan, c.checkPortScan, rules.PortScan
		}
		if check != nil {
			alert, err := c.evaluate(rule, func() (*Alert, error) { return check(ctx, cfg, ev.SourceIP) })
			if err != nil {
				RuleErrors.WithLabelValues(rule).Inc()
				c.logger.Error().Err(err).Str("rule", rule).Str("source_ip", ev.SourceIP).Msg("rule evaluation aborted")
			} else if alert != nil {
				alerts = append(alerts, *alert)
				checked[ev.SourceIP] = true
			}
		}

		if ev.Flagged {
			if err := c.alerts.UpsertThreatIntel(ctx, ev.SourceIP, ev.EventType, c.clock.Now()); err != nil {
				c.logger.Error().Err(err).Str("source_ip", ev.SourceIP).Msg("threat intel upsert failed")
			} else {
				ThreatIntelHits.Inc()
			}
		}
	}

	ddos, err := c.evaluate(AlertDDoS, func() (*Alert, error) { return c.checkDDoS(ctx, rules.DDoS) })
	if err != nil {
		RuleErrors.WithLabelValues(AlertDDoS).Inc()
		c.logger.Error().Err(err).Str("rule", AlertDDoS).Msg("rule evaluation aborted")
	} else if ddos != nil {
		alerts = append(alerts, *ddos)
	}

	// Alerts that fail to persist are still returned, with a zero ID.
	for i := range alerts {
		id, err := c.alerts.Insert(ctx, alerts[i])
		if err != nil {
			c.logger.Error().Err(err).Str("alert_type", alerts[i].AlertType).Msg("failed to persist alert")
			continue
		}
		alerts[i].ID = id
		AlertsRaised.WithLabelValues(alerts[i].AlertType).Inc()
		c.logger.Warn().
			Int64("alert_id", id).
			Str("alert_type", alerts[i].AlertType).
			Str("source_ip", alerts[i].SourceIP).
			Int("event_count", alerts[i].EventCount).
			Msg("SECURITY ALERT")
	}

	return alerts
}

// evaluate runs one rule check and turns a panic into an error so a faulty
// rule cannot take the ingestion cycle down.
func (c *Correlator) evaluate(rule string, fn func() (*Alert, error)) (alert *Alert, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule, rec)
		}
	}()
	return fn()
}

func (c *Correlator) checkBruteForce(ctx context.Context, r RuleConfig, sourceIP string) (*Alert, error) {
	now := c.clock.Now()
	count, err := c.events.Count(ctx, sourceIP, EventAuthFailure, r.WindowDuration(), now)
	if err != nil {
		return nil, fmt.Errorf("counting auth failures: %w", err)
	}
	if count < r.Threshold {
		return nil, nil
	}
	return &Alert{
		Timestamp:     EpochSeconds(now),
		AlertType:     AlertBruteForce,
		Severity:      SeverityHigh,
		SeverityScore: 8,
		SourceIP:      sourceIP,
		Description:   fmt.Sprintf("Brute force detected: %d failed logins from %s in %ds", count, sourceIP, r.Window),
		Mitre:         MitreFor(AlertBruteForce),
		EventCount:    count,
	}, nil
}

func (c *Correlator) checkPortScan(ctx context.Context, r RuleConfig, sourceIP string) (*Alert, error) {
	now := c.clock.Now()
	ports, err := c.events.DistinctPorts(ctx, sourceIP, r.WindowDuration(), now)
	if err != nil {
		return nil, fmt.Errorf("counting distinct ports: %w", err)
	}
	if ports < r.Threshold {
		return nil, nil
	}
	return &Alert{
		Timestamp:     EpochSeconds(now),
		AlertType:     AlertPortScan,
		Severity:      SeverityHigh,
		SeverityScore: 7,
		SourceIP:      sourceIP,
		Description:   fmt.Sprintf("Port scan detected: %s probed %d distinct ports in %ds", sourceIP, ports, r.Window),
		Mitre:         MitreFor(AlertPortScan),
		EventCount:    ports,
	}, nil
}

func (c *Correlator) checkDDoS(ctx context.Context, r RuleConfig) (*Alert, error) {
	now := c.clock.Now()
	count, err := c.events.CountAll(ctx, r.WindowDuration(), now)
	if err != nil {
		return nil, fmt.Errorf("counting window events: %w", err)
	}
	if count < r.Threshold {
		return nil, nil
	}
	return &Alert{
		Timestamp:     EpochSeconds(now),
		AlertType:     AlertDDoS,
		Severity:      SeverityCritical,
		SeverityScore: 10,
		SourceIP:      SourceMultiple,
		Description:   fmt.Sprintf("Possible DDoS: %d events in %ds exceeds threshold", count, r.Window),
		Mitre:         MitreFor(AlertDDoS),
		EventCount:    count,
	}, nil
}
