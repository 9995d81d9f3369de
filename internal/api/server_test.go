package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/store"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type testEnv struct {
	srv    *Server
	db     *store.DB
	events *store.EventStore
	alerts *store.AlertStore
	logs   *core.LogRingBuffer
}

// newTestEnv builds a server over a fresh SQLite store. Rate limiting is off
// unless mutate turns it on.
func newTestEnv(t *testing.T, mutate func(cfg *core.Config)) *testEnv {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Server.RateLimitPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.Open(core.StoreConfig{Path: filepath.Join(t.TempDir(), "siem.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := core.NewFakeClock(testNow)
	env := &testEnv{
		db:     db,
		events: store.NewEventStore(db),
		alerts: store.NewAlertStore(db),
		logs:   core.NewLogRingBuffer(50),
	}
	env.srv = NewServer(cfg, zerolog.Nop(), Deps{
		Events:    env.events,
		Alerts:    env.alerts,
		Dashboard: store.NewAggregator(db, cfg.Dashboard, clock),
		DB:        db,
		Logs:      env.logs,
		Clock:     clock,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodGet, target, nil, nil)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return v
}

func testEvent(src, eventType string, ago time.Duration) core.Event {
	sev := core.EventSeverity[eventType]
	return core.Event{
		Timestamp:     core.EpochSeconds(testNow.Add(-ago)),
		SourceIP:      src,
		DestIP:        "10.0.1.50",
		Protocol:      "TCP",
		EventType:     eventType,
		Severity:      sev,
		SeverityScore: sev.Band().Min,
		RawLog:        "raw " + eventType,
		Message:       "msg " + eventType,
	}
}

func (e *testEnv) seedEvents(t *testing.T, events ...core.Event) {
	t.Helper()
	if err := e.events.InsertBatch(context.Background(), events); err != nil {
		t.Fatalf("InsertBatch() error: %v", err)
	}
}

func (e *testEnv) seedAlert(t *testing.T, a core.Alert) int64 {
	t.Helper()
	id, err := e.alerts.Insert(context.Background(), a)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	return id
}

func bruteForceAlert(src string) core.Alert {
	return core.Alert{
		Timestamp:     core.EpochSeconds(testNow),
		AlertType:     core.AlertBruteForce,
		Severity:      core.SeverityHigh,
		SeverityScore: 7,
		SourceIP:      src,
		Description:   "Brute force from " + src,
		Mitre:         core.MitreFor(core.AlertBruteForce),
		EventCount:    6,
	}
}

// ─── writeJSON ────────────────────────────────────────────────────────────────

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body := decode[map[string]string](t, w)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "healthy" || body["store"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleHealth_Degraded(t *testing.T) {
	env := newTestEnv(t, nil)
	_ = env.db.Close()
	w := env.get(t, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decode[map[string]any](t, w); body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestHandleHealth_BypassesAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret"} })
	if w := env.get(t, "/health"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret"} })
	w := env.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func TestAuth_NoKeysConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.get(t, "/api/v1/stats"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in open mode", w.Code)
	}
}

func TestAuth_MissingKey(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret"} })
	w := env.get(t, "/api/v1/stats")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["error"] != "unauthorized" || body["message"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_Modes(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret"} })
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"bearer", "/api/v1/stats", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"x-api-token", "/api/v1/stats", map[string]string{"X-API-Token": "secret"}, http.StatusOK},
		{"query", "/api/v1/stats?token=secret", nil, http.StatusOK},
		{"wrong bearer", "/api/v1/stats", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong header", "/api/v1/stats", map[string]string{"X-API-Token": "nope"}, http.StatusUnauthorized},
		{"wrong query", "/api/v1/stats?token=nope", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.target, nil, tt.header)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.RateLimitPerSecond = 2 })
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.get(t, "/api/v1/severity")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if body := decode[map[string]string](t, last); body["error"] != "rate_limited" {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) { cfg.Server.RateLimitPerSecond = 2 })
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.do(t, http.MethodGet, "/api/v1/severity", nil, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1),
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 regardless of X-Forwarded-For", last.Code)
	}
}

func TestRateLimitUsesProxyHeadersWhenTrusted(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) {
		cfg.Server.RateLimitPerSecond = 2
		cfg.Server.TrustProxyHeaders = true
	})
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodGet, "/api/v1/severity", nil, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 for a distinct forwarded client", i, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodOptions, "/api/v1/stats", nil, map[string]string{
		"Origin":                        "http://dashboard.local",
		"Access-Control-Request-Method": "GET",
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

func TestHandleEvents_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedEvents(t,
		testEvent("1.1.1.1", core.EventDNSQuery, 30*time.Second),
		testEvent("2.2.2.2", core.EventAuthFailure, 20*time.Second),
		testEvent("2.2.2.2", core.EventAuthFailure, 10*time.Second),
		testEvent("3.3.3.3", core.EventMalwareSignature, 5*time.Second),
	)

	all := decode[[]map[string]any](t, env.get(t, "/api/v1/events"))
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0]["source_ip"] != "3.3.3.3" {
		t.Errorf("expected newest first, got %v", all[0]["source_ip"])
	}

	bySev := decode[[]map[string]any](t, env.get(t, "/api/v1/events?severity=critical"))
	if len(bySev) != 1 || bySev[0]["event_type"] != core.EventMalwareSignature {
		t.Errorf("severity filter = %v", bySev)
	}

	bySrc := decode[[]map[string]any](t, env.get(t, "/api/v1/events?source_ip=2.2.2.2&limit=1"))
	if len(bySrc) != 1 {
		t.Errorf("expected 1 event with limit, got %d", len(bySrc))
	}

	byRange := decode[[]map[string]any](t, env.get(t, "/api/v1/events?since="+strconv.FormatInt(testNow.Unix()-15, 10)))
	if len(byRange) != 2 {
		t.Errorf("expected 2 events in the last 15s, got %d", len(byRange))
	}

	// Seconds are not a recognised relative unit, so the bound is dropped.
	ignored := decode[[]map[string]any](t, env.get(t, "/api/v1/events?since=15s"))
	if len(ignored) != 4 {
		t.Errorf("expected unparseable since to be ignored, got %d", len(ignored))
	}
}

func TestHandleEvents_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/v1/events")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHandleEvents_EscapesStrings(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := testEvent("4.4.4.4", core.EventAuthFailure, time.Second)
	ev.Message = `<script>alert("x")</script>`
	ev.Username = core.StrPtr("<b>root</b>")
	env.seedEvents(t, ev)

	events := decode[[]map[string]any](t, env.get(t, "/api/v1/events"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if got := events[0]["message"]; got != "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;" {
		t.Errorf("message = %v", got)
	}
	if got := events[0]["username"]; got != "&lt;b&gt;root&lt;/b&gt;" {
		t.Errorf("username = %v", got)
	}
}

func TestHandleEvents_StorageError(t *testing.T) {
	env := newTestEnv(t, nil)
	_ = env.db.Close()
	w := env.get(t, "/api/v1/events")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decode[map[string]string](t, w); body["error"] != "storage_error" {
		t.Errorf("body = %v", body)
	}
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

func TestHandleAlerts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAlert(t, bruteForceAlert("5.5.5.5"))
	env.seedAlert(t, bruteForceAlert("6.6.6.6"))

	alerts := decode[[]map[string]any](t, env.get(t, "/api/v1/alerts"))
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0]["mitre_technique"] != "T1110" {
		t.Errorf("mitre_technique = %v", alerts[0]["mitre_technique"])
	}

	limited := decode[[]map[string]any](t, env.get(t, "/api/v1/alerts?limit=1"))
	if len(limited) != 1 {
		t.Errorf("expected 1 alert with limit, got %d", len(limited))
	}
}

func TestHandleAlertByID(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.seedAlert(t, bruteForceAlert("5.5.5.5"))

	w := env.get(t, "/api/v1/alerts/"+itoa(id))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decode[map[string]any](t, w); body["source_ip"] != "5.5.5.5" {
		t.Errorf("body = %v", body)
	}

	if w := env.get(t, "/api/v1/alerts/9999"); w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", w.Code)
	}
	if w := env.get(t, "/api/v1/alerts/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestHandleAck(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.seedAlert(t, bruteForceAlert("5.5.5.5"))

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/alerts/"+itoa(id)+"/ack", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ack #%d status = %d, want 200", i+1, w.Code)
		}
		if body := decode[map[string]string](t, w); body["status"] != "ok" {
			t.Errorf("body = %v", body)
		}
	}

	a, err := env.alerts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !a.Acknowledged {
		t.Error("alert should be acknowledged")
	}

	stats := decode[map[string]any](t, env.get(t, "/api/v1/stats"))
	if stats["unacked_alerts"] != float64(0) {
		t.Errorf("unacked_alerts = %v, want 0", stats["unacked_alerts"])
	}
}

func TestHandleAck_UnknownIDIsOK(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/alerts/424242/ack", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleAck_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.get(t, "/api/v1/alerts/1/ack"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleNote(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.seedAlert(t, bruteForceAlert("5.5.5.5"))

	w := env.do(t, http.MethodPost, "/api/v1/alerts/"+itoa(id)+"/note",
		[]byte(`{"note":"<i>checked</i> & closed"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// Escaped exactly once: at storage, not again on the way out.
	body := decode[map[string]any](t, env.get(t, "/api/v1/alerts/"+itoa(id)))
	if got := body["analyst_notes"]; got != "&lt;i&gt;checked&lt;/i&gt; &amp; closed" {
		t.Errorf("analyst_notes = %v", got)
	}

	w = env.do(t, http.MethodPost, "/api/v1/alerts/"+itoa(id)+"/note", []byte(`{not json`), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/alerts/777/note", []byte(`{"note":"x"}`), nil)
	if w.Code != http.StatusOK {
		t.Errorf("unknown id status = %d, want 200", w.Code)
	}
}

// ─── Dashboard ───────────────────────────────────────────────────────────────

func TestDashboardEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := testEvent("185.220.101.34", core.EventAuthFailure, 10*time.Second)
	ev.Username = core.StrPtr("admin")
	ev.DestPort = core.IntPtr(22)
	ev.Geo = &core.Geo{Country: "Germany", City: "Berlin", Latitude: 52.52, Longitude: 13.405}
	ev.Mitre = core.MitreForEvent(core.EventAuthFailure)
	ev.Flagged = true
	env.seedEvents(t, ev, testEvent("10.0.0.5", core.EventDNSQuery, 20*time.Second))
	if err := env.alerts.UpsertThreatIntel(context.Background(), "185.220.101.34", "tor_exit", testNow); err != nil {
		t.Fatalf("UpsertThreatIntel() error: %v", err)
	}

	stats := decode[map[string]any](t, env.get(t, "/api/v1/stats"))
	if stats["total_events"] != float64(2) || stats["failed_logins"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	sev := decode[map[string]int](t, env.get(t, "/api/v1/severity"))
	if sev["medium"] != 1 || sev["low"] != 1 {
		t.Errorf("severity = %v", sev)
	}

	for _, path := range []string{
		"/api/v1/event-types", "/api/v1/protocols", "/api/v1/ports",
		"/api/v1/top-sources", "/api/v1/geo", "/api/v1/failed-logins",
		"/api/v1/mitre", "/api/v1/threat-intel", "/api/v1/timeline",
	} {
		t.Run(path, func(t *testing.T) {
			w := env.get(t, path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			rows := decode[[]map[string]any](t, w)
			if len(rows) == 0 {
				t.Errorf("expected rows from %s", path)
			}
		})
	}

	logins := decode[[]map[string]any](t, env.get(t, "/api/v1/failed-logins"))
	if logins[0]["username"] != "admin" || logins[0]["attempts"] != float64(1) {
		t.Errorf("failed-logins = %v", logins)
	}
	intel := decode[[]map[string]any](t, env.get(t, "/api/v1/threat-intel"))
	if intel[0]["ip"] != "185.220.101.34" {
		t.Errorf("threat-intel = %v", intel)
	}
}

func TestDashboardEndpoints_StorageError(t *testing.T) {
	env := newTestEnv(t, nil)
	_ = env.db.Close()
	for _, path := range []string{"/api/v1/stats", "/api/v1/geo", "/api/v1/threat-intel", "/api/v1/timeline"} {
		if w := env.get(t, path); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, w.Code)
		}
	}
}

// ─── Logs ────────────────────────────────────────────────────────────────────

func TestHandleLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.logs.Write([]byte(`{"level":"info","component":"api_server","message":"one"}`))
	env.logs.Write([]byte(`{"level":"error","component":"correlator","message":"two"}`))

	body := decode[struct {
		Logs  []core.LogEntry `json:"logs"`
		Total int             `json:"total"`
	}](t, env.get(t, "/api/v1/logs?level=error"))
	if body.Total != 1 || body.Logs[0].Message != "two" {
		t.Errorf("logs = %+v", body)
	}
}

// ─── Serve ───────────────────────────────────────────────────────────────────

func TestServe_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, func(cfg *core.Config) {
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = 0
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + env.srv.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
