package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// ─── suggest ──────────────────────────────────────────────────────────────────

func TestSuggest_PrefixMatch(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"sta", "stats"},
		{"aler", "alerts"},
		{"con", "config"},
		{"hel", "help"},
		{"ver", "version"},
		{"eve", "events"},
		{"lo", "logs"},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSuggest_TypoCorrection(t *testing.T) {
	if got := suggest("statz"); got != "stats" {
		t.Errorf("suggest('statz') = %q, want 'stats'", got)
	}
	if got := suggest("nate"); got != "note" {
		t.Errorf("suggest('nate') = %q, want 'note'", got)
	}
}

func TestSuggest_InsertionsAndDeletions(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"alrts", "alerts"},
		{"evnts", "events"},
		{"confg", "config"},
		{"statss", "stats"},
		{"notes", "note"},
		{"ackk", "ack"},
		{"alrtz", ""},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestWithinOneEdit(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"alerts", "alerts", true},
		{"alerts", "alrts", true},
		{"alrts", "alerts", true},
		{"alerts", "alertx", true},
		{"alerts", "xalerts", true},
		{"alerts", "alertsx", true},
		{"alerts", "alr", false},
		{"alerts", "alrtz", false},
		{"", "a", true},
	}
	for _, tc := range tests {
		if got := withinOneEdit(tc.a, tc.b); got != tc.want {
			t.Errorf("withinOneEdit(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSuggest_NoMatch(t *testing.T) {
	if got := suggest("zzzzzzzzz"); got != "" {
		t.Errorf("suggest('zzzzzzzzz') = %q, want empty", got)
	}
	if got := suggest(""); got != "" {
		t.Errorf("suggest('') = %q, want empty", got)
	}
}

func TestSuggest_CaseInsensitive(t *testing.T) {
	if got := suggest("ALERTS"); got != "alerts" {
		t.Errorf("suggest('ALERTS') = %q, want 'alerts'", got)
	}
}

// ─── parseValue / setNestedValue ──────────────────────────────────────────────

func TestParseValue(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"true", true},
		{"False", false},
		{"42", 42},
		{"0.5", 0.5},
		{"3s", "3s"},
		{"1.2.3.4", "1.2.3.4"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := parseValue(tc.input); got != tc.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tc.input, got, got, tc.want, tc.want)
		}
	}
}

func TestSetNestedValue_MultiLevel(t *testing.T) {
	m := map[string]any{
		"server": map[string]any{"host": "0.0.0.0"},
	}
	if err := setNestedValue(m, []string{"server", "port"}, "8080"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := m["server"].(map[string]any)
	if server["port"] != 8080 || server["host"] != "0.0.0.0" {
		t.Errorf("server = %v", server)
	}
}

func TestSetNestedValue_CreateIntermediate(t *testing.T) {
	m := map[string]any{}
	if err := setNestedValue(m, []string{"correlation", "ddos", "threshold"}, "100"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ddos := m["correlation"].(map[string]any)["ddos"].(map[string]any)
	if ddos["threshold"] != 100 {
		t.Errorf("threshold = %v, want 100", ddos["threshold"])
	}
}

func TestSetNestedValue_Errors(t *testing.T) {
	if err := setNestedValue(map[string]any{}, nil, "v"); err == nil {
		t.Error("expected error for empty path")
	}
	m := map[string]any{"logging": "info"}
	if err := setNestedValue(m, []string{"logging", "level"}, "debug"); err == nil {
		t.Error("expected error when an intermediate key is not a map")
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

func TestParseFormat(t *testing.T) {
	tests := map[string]OutputFormat{
		"json": FormatJSON, " CSV ": FormatCSV, "sarif": FormatSARIF, "": FormatTable, "yaml": FormatTable,
	}
	for in, want := range tests {
		if got := parseFormat(in); got != want {
			t.Errorf("parseFormat(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "TYPE")
	tbl.AddRow("1", "brute_force")
	tbl.AddRow("22")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("rendered %d lines, want 6:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "ID") || !strings.Contains(lines[3], "brute_force") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if len([]rune(l)) != width {
			t.Errorf("line %d width %d, want %d", i, len([]rune(l)), width)
		}
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	writeCSV(&buf, []string{"a", "b"}, [][]string{{"1", "x,y"}})
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 2 || records[1][1] != "x,y" {
		t.Errorf("records = %v", records)
	}
}

func TestWriteSARIF(t *testing.T) {
	var buf bytes.Buffer
	writeSARIF(&buf, []core.Alert{
		{AlertType: core.AlertBruteForce, Severity: core.SeverityHigh, Description: "ssh", Mitre: core.MitreFor(core.AlertBruteForce)},
		{AlertType: core.AlertDDoS, Severity: core.SeverityMedium},
	}, "test")

	var report sarifReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("invalid SARIF: %v", err)
	}
	results := report.Runs[0].Results
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].RuleID != "brute_force/T1110" || results[0].Level != "error" {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].RuleID != "ddos_suspected" || results[1].Level != "warning" {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestEventRow_UnescapesStrings(t *testing.T) {
	ev := core.Event{
		ID: 7, EventType: core.EventAuthFailure, Severity: core.SeverityMedium, SeverityScore: 5,
		SourceIP: "10.0.0.1", Message: "user &lt;root&gt;", DestPort: core.IntPtr(22),
	}
	row := eventRow(ev, "ts")
	if row[0] != "7" || row[7] != "22" || row[9] != "-" || row[11] != "user <root>" {
		t.Errorf("row = %q", row)
	}
}

// ─── alerts ───────────────────────────────────────────────────────────────────

func TestFilterAlerts(t *testing.T) {
	alerts := []core.Alert{
		{ID: 1, AlertType: core.AlertBruteForce, Severity: core.SeverityHigh},
		{ID: 2, AlertType: core.AlertPortScan, Severity: core.SeverityMedium},
		{ID: 3, AlertType: core.AlertDDoS, Severity: core.SeverityCritical, Acknowledged: true},
	}
	tests := []struct {
		name    string
		minSev  core.Severity
		typ     string
		unacked bool
		want    []int64
	}{
		{"all", core.SeverityUnknown, "", false, []int64{1, 2, 3}},
		{"high and up", core.SeverityHigh, "", false, []int64{1, 3}},
		{"unacked", core.SeverityUnknown, "", true, []int64{1, 2}},
		{"by type", core.SeverityUnknown, core.AlertPortScan, false, []int64{2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := filterAlerts(alerts, tc.minSev, tc.typ, tc.unacked)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d alerts, want %d", len(got), len(tc.want))
			}
			for i, a := range got {
				if a.ID != tc.want[i] {
					t.Errorf("got[%d].ID = %d, want %d", i, a.ID, tc.want[i])
				}
			}
		})
	}
	if len(alerts) != 3 || alerts[1].ID != 2 {
		t.Error("filterAlerts modified its input")
	}
}

// ─── logs ─────────────────────────────────────────────────────────────────────

func TestNewLogEntries(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	entry := func(i int, raw string) core.LogEntry {
		return core.LogEntry{Timestamp: base.Add(time.Duration(i) * time.Second), Raw: raw}
	}
	first := []core.LogEntry{entry(0, "a"), entry(1, "b")}

	fresh, key := newLogEntries(first, "")
	if len(fresh) != 2 {
		t.Fatalf("first poll returned %d entries, want 2", len(fresh))
	}

	second := []core.LogEntry{entry(0, "a"), entry(1, "b"), entry(2, "c")}
	fresh, key = newLogEntries(second, key)
	if len(fresh) != 1 || fresh[0].Raw != "c" {
		t.Fatalf("second poll = %+v, want only c", fresh)
	}

	fresh, key2 := newLogEntries(second, key)
	if len(fresh) != 0 || key2 != key {
		t.Errorf("unchanged window returned %d entries", len(fresh))
	}

	fresh, _ = newLogEntries([]core.LogEntry{entry(9, "x")}, key)
	if len(fresh) != 1 {
		t.Errorf("gap should return every entry, got %d", len(fresh))
	}

	if fresh, k := newLogEntries(nil, key); fresh != nil || k != key {
		t.Error("empty poll should keep the previous key")
	}
}

// ─── help ─────────────────────────────────────────────────────────────────────

func TestCmdHelp(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	cmdHelp(&buf, "alerts")
	if !strings.Contains(buf.String(), "siem alerts get 42") {
		t.Errorf("help for alerts missing examples:\n%s", buf.String())
	}

	buf.Reset()
	cmdHelp(&buf, "alrts")
	if !strings.Contains(buf.String(), "Did you mean alerts?") {
		t.Errorf("unknown topic output = %q", buf.String())
	}
}

func TestEveryCommandHasHelp(t *testing.T) {
	topics := map[string]bool{}
	for _, h := range helpTopics {
		topics[h.name] = true
	}
	for _, c := range commands {
		if !topics[c] {
			t.Errorf("command %q has no help topic", c)
		}
	}
}

// ─── env ──────────────────────────────────────────────────────────────────────

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIEM_CONFIG", "/etc/siem.yaml")
	t.Setenv("SIEM_HOST", "10.1.1.1")
	t.Setenv("SIEM_PORT", "6000")
	t.Setenv("SIEM_API_KEY", "env-key")

	if got := envConfig(defaultConfigPath); got != "/etc/siem.yaml" {
		t.Errorf("envConfig(default) = %q", got)
	}
	if got := envConfig("custom.yaml"); got != "custom.yaml" {
		t.Errorf("envConfig(flag) = %q, flag should win", got)
	}
	if got := apiBase("", envHost(""), envPort(0)); got != "http://10.1.1.1:6000" {
		t.Errorf("apiBase = %q", got)
	}
	if got := resolveAPIKey("", ""); got != "env-key" {
		t.Errorf("resolveAPIKey = %q", got)
	}
	if got := resolveAPIKey("flag-key", ""); got != "flag-key" {
		t.Errorf("resolveAPIKey(flag) = %q", got)
	}
}

func TestAPIBase_Defaults(t *testing.T) {
	t.Setenv("SIEM_HOST", "")
	t.Setenv("SIEM_PORT", "")
	if got := apiBase(filepath.Join(t.TempDir(), "missing.yaml"), "", 0); got != "http://127.0.0.1:5000" {
		t.Errorf("apiBase = %q", got)
	}
}

// ─── http ─────────────────────────────────────────────────────────────────────

func TestAPIDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("Authorization") != "Bearer k":
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodPost && r.Header.Get("Content-Type") != "application/json":
			w.WriteHeader(http.StatusUnsupportedMediaType)
		case r.URL.Path == "/fail":
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"storage_error"}`)
		default:
			io.WriteString(w, `{"status":"ok"}`)
		}
	}))
	defer srv.Close()

	if body, err := apiGet(srv.URL+"/ok", "k", time.Second); err != nil || !strings.Contains(string(body), "ok") {
		t.Errorf("apiGet = %s, %v", body, err)
	}
	if _, err := apiPost(srv.URL+"/ok", []byte("{}"), "k", time.Second); err != nil {
		t.Errorf("apiPost error: %v", err)
	}
	if _, err := apiGet(srv.URL+"/ok", "wrong", time.Second); err == nil || !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("bad key error = %v", err)
	}
	if _, err := apiGet(srv.URL+"/fail", "k", time.Second); err == nil || !strings.Contains(err.Error(), "storage_error") {
		t.Errorf("server error = %v", err)
	}
}

// ─── up ───────────────────────────────────────────────────────────────────────

func TestAssemble_RunCycleReachesAPI(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "siem.db")
	cfg.Ingest.BatchSize = 5

	engine := core.NewEngine(cfg, io.Discard)
	clock := core.NewFakeClock(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))
	p, err := assemble(engine, clock)
	if err != nil {
		t.Fatalf("assemble() error: %v", err)
	}
	defer p.db.Close()

	if engine.Correlator == nil || p.scenario == nil || p.syslog != nil || p.files != nil {
		t.Fatalf("unexpected wiring: %+v", p)
	}

	res, err := p.coordinator.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if res.Events < cfg.Ingest.BatchSize {
		t.Errorf("cycle stored %d events, want at least %d", res.Events, cfg.Ingest.BatchSize)
	}

	rec := httptest.NewRecorder()
	p.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats?since=0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", rec.Code, rec.Body.String())
	}
	var stats core.DashboardStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalEvents != res.Events {
		t.Errorf("TotalEvents = %d, want %d", stats.TotalEvents, res.Events)
	}
}

func TestAssemble_OptionalSources(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "siem.db")
	cfg.Scenario.Enabled = false
	cfg.Syslog.Enabled = true
	cfg.Syslog.Port = 0
	cfg.Collect.Enabled = true
	cfg.Collect.Sources = []core.FileSource{{Path: filepath.Join(t.TempDir(), "auth.log")}}

	p, err := assemble(core.NewEngine(cfg, io.Discard), nil)
	if err != nil {
		t.Fatalf("assemble() error: %v", err)
	}
	defer p.db.Close()
	if p.scenario != nil || p.syslog == nil || p.files == nil {
		t.Errorf("unexpected wiring: scenario=%v syslog=%v files=%v", p.scenario != nil, p.syslog != nil, p.files != nil)
	}
}

func TestAssemble_BadStorePath(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store.Path = ""
	if _, err := assemble(core.NewEngine(cfg, io.Discard), nil); err == nil {
		t.Error("expected error for empty store path")
	}
}
