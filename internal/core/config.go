package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire SIEM configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Bus         BusConfig         `yaml:"bus"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Scenario    ScenarioConfig    `yaml:"scenario"`
	Syslog      SyslogConfig      `yaml:"syslog"`
	Collect     CollectConfig     `yaml:"collect"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	APIKeys            []string `yaml:"api_keys"`
	CORSOrigins        []string `yaml:"cors_origins"`
	RateLimitPerSecond int      `yaml:"rate_limit_per_second"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// StoreConfig holds the SQLite store settings.
type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// IngestConfig controls the ingestion cycle.
type IngestConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	RecentLimit int           `yaml:"recent_limit"`
}

// RuleConfig is a threshold rule: fire when the measured count reaches Threshold within Window seconds.
type RuleConfig struct {
	Threshold int `yaml:"threshold"`
	Window    int `yaml:"window"`
}

// WindowDuration returns the rule window as a duration.
func (r RuleConfig) WindowDuration() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// CorrelationConfig holds the rule thresholds.
type CorrelationConfig struct {
	BruteForce RuleConfig `yaml:"brute_force"`
	PortScan   RuleConfig `yaml:"port_scan"`
	DDoS       RuleConfig `yaml:"ddos"`
}

// DashboardConfig holds aggregator defaults.
type DashboardConfig struct {
	DefaultRange   int `yaml:"default_range"`
	TimelineBucket int `yaml:"timeline_bucket"`
	TopSources     int `yaml:"top_sources"`
	TopPorts       int `yaml:"top_ports"`
	FailedLogins   int `yaml:"failed_logins"`
}

// ScenarioConfig toggles the scripted intrusion storyline.
type ScenarioConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SyslogConfig holds syslog ingestion settings.
type SyslogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Protocol  string `yaml:"protocol"` // "udp", "tcp", or "both"
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	QueueSize int    `yaml:"queue_size"`

	// DedupWindow suppresses identical lines seen again within the window. Zero disables it.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// CollectConfig lists local log files tailed into the ingestion cycle.
type CollectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Sources      []FileSource  `yaml:"sources"`
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueSize    int           `yaml:"queue_size"`
	// FromStart reads a file's existing content when it is first opened.
	// Otherwise only lines written afterwards are collected.
	FromStart   bool          `yaml:"from_start"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// FileSource is one tailed file.
type FileSource struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // "syslog" (default), "json" or "nginx"
}

// AlertsConfig holds outbound alert webhook settings.
type AlertsConfig struct {
	WebhookURLs []string           `yaml:"webhook_urls"`
	MinSeverity string             `yaml:"min_severity"`
	Retry       WebhookRetryConfig `yaml:"retry"`
}

// WebhookRetryConfig controls webhook delivery retries.
type WebhookRetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	CircuitBreaker int           `yaml:"circuit_breaker"` // consecutive failures before the URL is paused
	CircuitPause   time.Duration `yaml:"circuit_pause"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               5000,
			CORSOrigins:        []string{"*"},
			RateLimitPerSecond: 100,
		},
		Store: StoreConfig{
			Path:          "./data/siem.db",
			BusyTimeoutMS: 5000,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Ingest: IngestConfig{
			Interval:    3 * time.Second,
			BatchSize:   20,
			RecentLimit: 20,
		},
		Correlation: CorrelationConfig{
			BruteForce: RuleConfig{Threshold: 5, Window: 300},
			PortScan:   RuleConfig{Threshold: 8, Window: 120},
			DDoS:       RuleConfig{Threshold: 50, Window: 60},
		},
		Dashboard: DashboardConfig{
			DefaultRange:   3600,
			TimelineBucket: 60,
			TopSources:     10,
			TopPorts:       10,
			FailedLogins:   25,
		},
		Scenario: ScenarioConfig{Enabled: true},
		Syslog: SyslogConfig{
			Enabled:     false,
			Protocol:    "udp",
			Host:        "0.0.0.0",
			Port:        1514,
			QueueSize:   1000,
			DedupWindow: 30 * time.Second,
		},
		Collect: CollectConfig{
			Enabled:      false,
			PollInterval: 250 * time.Millisecond,
			QueueSize:    1000,
			DedupWindow:  30 * time.Second,
		},
		Alerts: AlertsConfig{
			MinSeverity: "high",
			Retry: WebhookRetryConfig{
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     5 * time.Minute,
				Workers:        4,
				QueueSize:      1000,
				CircuitBreaker: 5,
				CircuitPause:   5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// Load API keys from environment if not set in config
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("SIEM_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate returns non-fatal warnings and fatal errors.
func (c *Config) Validate() (warnings []string, errs []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is empty")
	}
	if c.Ingest.Interval <= 0 {
		errs = append(errs, "ingest.interval must be positive")
	}
	if c.Ingest.BatchSize < 0 {
		errs = append(errs, "ingest.batch_size must not be negative")
	}
	rules := map[string]RuleConfig{
		"brute_force": c.Correlation.BruteForce,
		"port_scan":   c.Correlation.PortScan,
		"ddos":        c.Correlation.DDoS,
	}
	for name, r := range rules {
		if r.Threshold <= 0 {
			errs = append(errs, fmt.Sprintf("correlation.%s.threshold must be positive", name))
		}
		if r.Window <= 0 {
			errs = append(errs, fmt.Sprintf("correlation.%s.window must be positive", name))
		}
	}
	if c.Dashboard.TimelineBucket <= 0 {
		errs = append(errs, "dashboard.timeline_bucket must be positive")
	}
	if c.Syslog.Enabled {
		switch strings.ToLower(c.Syslog.Protocol) {
		case "udp", "tcp", "both":
		default:
			errs = append(errs, fmt.Sprintf("syslog.protocol %q must be udp, tcp or both", c.Syslog.Protocol))
		}
	}
	if c.Collect.Enabled {
		for i, src := range c.Collect.Sources {
			if src.Path == "" {
				errs = append(errs, fmt.Sprintf("collect.sources[%d].path is empty", i))
			}
			switch strings.ToLower(src.Format) {
			case "", "syslog", "json", "nginx":
			default:
				errs = append(errs, fmt.Sprintf("collect.sources[%d].format %q must be syslog, json or nginx", i, src.Format))
			}
		}
		if len(c.Collect.Sources) == 0 {
			warnings = append(warnings, "collect is enabled but has no sources")
		}
	}
	if _, ok := ParseSeverity(c.Alerts.MinSeverity); !ok && c.Alerts.MinSeverity != "" {
		errs = append(errs, fmt.Sprintf("alerts.min_severity %q is not a severity", c.Alerts.MinSeverity))
	}
	for _, u := range c.Alerts.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Sprintf("alerts.webhook_urls entry %q must be an http(s) URL", u))
		}
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no API keys configured, the API runs in open mode")
	}
	if c.Ingest.BatchSize == 0 && !c.Scenario.Enabled && !c.Syslog.Enabled && !c.Collect.Enabled {
		warnings = append(warnings, "ingest.batch_size is 0 and no other producer is enabled")
	}
	return warnings, errs
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
