package main

// ---------------------------------------------------------------------------
// cmd_stats.go: dashboard totals from a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// clientFlags are the connection flags every client command shares.
type clientFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	timeout    *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key for authentication"),
		timeout:    fs.String("timeout", "5s", "Request timeout"),
	}
}

// resolve returns the API base URL, key and request timeout.
func (c clientFlags) resolve() (base, apiKey string, timeout time.Duration) {
	configPath := envConfig(*c.configPath)
	timeout, err := time.ParseDuration(*c.timeout)
	if err != nil {
		errorf("invalid timeout %q: %v", *c.timeout, err)
	}
	return apiBase(configPath, envHost(*c.host), envPort(*c.port)), resolveAPIKey(*c.apiKey, configPath), timeout
}

// rangeQuery encodes the since/until flags.
func rangeQuery(q url.Values, since, until string) {
	if since != "" {
		q.Set("since", since)
	}
	if until != "" {
		q.Set("until", until)
	}
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	client := addClientFlags(fs)
	since := fs.String("since", "", "Range start: epoch seconds, RFC 3339, or relative (15m, 1h, 7d)")
	until := fs.String("until", "", "Range end, same forms as --since")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	base, apiKey, timeout := client.resolve()

	q := url.Values{}
	rangeQuery(q, *since, *until)
	body, err := apiGet(base+"/api/v1/stats?"+q.Encode(), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	var stats core.DashboardStats
	if err := json.Unmarshal(body, &stats); err != nil {
		errorf("parsing response: %v", err)
	}

	rows := [][]string{
		{"total_events", strconv.Itoa(stats.TotalEvents)},
		{"unique_sources", strconv.Itoa(stats.UniqueSources)},
		{"critical_events", strconv.Itoa(stats.CriticalEvents)},
		{"high_events", strconv.Itoa(stats.HighEvents)},
		{"failed_logins", strconv.Itoa(stats.FailedLogins)},
		{"threat_intel_matches", strconv.Itoa(stats.ThreatIntelMatches)},
		{"total_alerts", strconv.Itoa(stats.TotalAlerts)},
		{"unacked_alerts", strconv.Itoa(stats.UnackedAlerts)},
	}

	switch parseFormat(*format) {
	case FormatJSON:
		writeJSON(w, stats)
		return
	case FormatCSV:
		writeCSV(w, []string{"field", "value"}, rows)
		return
	}

	fmt.Fprintf(w, "%s SIEM Stats\n\n", bold("●"))
	fmt.Fprintf(w, "  %-22s %d\n", "Events:", stats.TotalEvents)
	fmt.Fprintf(w, "  %-22s %d\n", "Unique Sources:", stats.UniqueSources)
	fmt.Fprintf(w, "  %-22s %s\n", "Critical Events:", red(strconv.Itoa(stats.CriticalEvents)))
	fmt.Fprintf(w, "  %-22s %s\n", "High Events:", yellow(strconv.Itoa(stats.HighEvents)))
	fmt.Fprintf(w, "  %-22s %d\n", "Failed Logins:", stats.FailedLogins)
	fmt.Fprintf(w, "  %-22s %d\n", "Threat Intel Matches:", stats.ThreatIntelMatches)
	fmt.Fprintf(w, "  %-22s %d (%d unacknowledged)\n", "Alerts:", stats.TotalAlerts, stats.UnackedAlerts)
	fmt.Fprintln(w)
}
