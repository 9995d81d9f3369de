package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, exposed by the API server at /metrics.
var (
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "siem_cycle_duration_seconds",
			Help:    "Duration of one ingestion cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_cycles_total",
			Help: "Ingestion cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "producer_error", "storage_error"
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_events_ingested_total",
			Help: "Events persisted, by producer",
		},
		[]string{"producer"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_alerts_raised_total",
			Help: "Alerts produced by the correlator, by alert type",
		},
		[]string{"alert_type"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_rule_errors_total",
			Help: "Correlation rule evaluations aborted by a store error",
		},
		[]string{"rule"},
	)

	ThreatIntelHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siem_threat_intel_hits_total",
			Help: "Flagged events upserted into the threat intel table",
		},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_broadcasts_total",
			Help: "Dashboard updates handed to broadcast sinks",
		},
		[]string{"sink", "outcome"},
	)

	SyslogMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_syslog_messages_total",
			Help: "Syslog messages received by the listener",
		},
		[]string{"outcome"}, // "queued", "duplicate", "dropped"
	)

	FileLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_file_lines_total",
			Help: "Lines read from tailed log files",
		},
		[]string{"format", "outcome"}, // outcome: "queued", "skipped", "duplicate", "dropped"
	)
)
