package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testWebhookConfig(urls ...string) AlertsConfig {
	return AlertsConfig{
		WebhookURLs: urls,
		MinSeverity: "high",
		Retry: WebhookRetryConfig{
			MaxRetries:     3,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			Workers:        2,
			QueueSize:      10,
			CircuitBreaker: 5,
			CircuitPause:   time.Minute,
		},
	}
}

func webhookAlert(sev Severity) Alert {
	return Alert{
		Timestamp:     1_700_000_000,
		AlertType:     "brute_force",
		Severity:      sev,
		SeverityScore: 8,
		SourceIP:      "185.220.101.34",
		Description:   "6 failed logins",
		EventCount:    6,
	}
}

func runDispatcher(t *testing.T, d *WebhookDispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWebhookDispatcher_SuccessfulDelivery(t *testing.T) {
	var received atomic.Int32
	var got Alert
	var gotID atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotID.Store(r.Header.Get("X-SIEM-Delivery-ID"))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(zerolog.Nop(), testWebhookConfig(server.URL))
	runDispatcher(t, d)

	id := d.Enqueue(server.URL, webhookAlert(SeverityHigh))
	if id == "" {
		t.Fatal("expected non-empty delivery ID")
	}
	waitFor(t, func() bool { return received.Load() == 1 }, "delivery")

	if got.AlertType != "brute_force" || got.SourceIP != "185.220.101.34" || got.Severity != SeverityHigh {
		t.Errorf("received alert = %+v", got)
	}
	if gotID.Load() != id {
		t.Errorf("delivery id header = %v, want %s", gotID.Load(), id)
	}
	if n := len(d.GetDeadLetters(0)); n != 0 {
		t.Errorf("expected 0 dead letters, got %d", n)
	}
}

func TestWebhookDispatcher_RetryOn5xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(zerolog.Nop(), testWebhookConfig(server.URL))
	runDispatcher(t, d)

	d.Enqueue(server.URL, webhookAlert(SeverityHigh))
	waitFor(t, func() bool { return attempts.Load() == 3 }, "third attempt")

	time.Sleep(20 * time.Millisecond)
	if n := len(d.GetDeadLetters(0)); n != 0 {
		t.Errorf("expected 0 dead letters after eventual success, got %d", n)
	}
}

func TestWebhookDispatcher_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(zerolog.Nop(), testWebhookConfig(server.URL))
	runDispatcher(t, d)

	d.Enqueue(server.URL, webhookAlert(SeverityHigh))
	waitFor(t, func() bool { return len(d.GetDeadLetters(0)) == 1 }, "dead letter")

	if n := attempts.Load(); n != 1 {
		t.Errorf("expected 1 attempt for 4xx, got %d", n)
	}
	dl := d.GetDeadLetters(0)[0]
	if dl.Delivery.Status != "dead_letter" || dl.Delivery.Attempts != 1 {
		t.Errorf("dead letter = %+v", dl.Delivery)
	}
}

func TestWebhookDispatcher_DeadLetterAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testWebhookConfig(server.URL)
	cfg.Retry.MaxRetries = 2
	d := NewWebhookDispatcher(zerolog.Nop(), cfg)
	runDispatcher(t, d)

	d.Enqueue(server.URL, webhookAlert(SeverityCritical))
	waitFor(t, func() bool { return len(d.GetDeadLetters(0)) == 1 }, "dead letter")

	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", n)
	}
	if dl := d.GetDeadLetters(0)[0]; dl.LastError == "" {
		t.Error("dead letter should carry the last error")
	}
}

func TestWebhookDispatcher_CircuitBreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testWebhookConfig(server.URL)
	cfg.Retry.MaxRetries = 0
	cfg.Retry.CircuitBreaker = 2
	cfg.Retry.Workers = 1
	d := NewWebhookDispatcher(zerolog.Nop(), cfg)
	runDispatcher(t, d)

	for i := 0; i < 4; i++ {
		d.Enqueue(server.URL, webhookAlert(SeverityHigh))
	}
	waitFor(t, func() bool { return len(d.GetDeadLetters(0)) == 4 }, "four dead letters")

	if n := attempts.Load(); n != 2 {
		t.Errorf("expected the breaker to stop requests after 2 failures, got %d attempts", n)
	}
}

func TestWebhookDispatcher_PublishAlertsFiltersSeverity(t *testing.T) {
	d := NewWebhookDispatcher(zerolog.Nop(), testWebhookConfig("http://a.invalid", "http://b.invalid"))

	d.PublishAlerts([]Alert{
		webhookAlert(SeverityLow),
		webhookAlert(SeverityMedium),
		webhookAlert(SeverityHigh),
		webhookAlert(SeverityCritical),
	})
	if n := d.Pending(); n != 4 {
		t.Errorf("Pending() = %d, want 4 (2 alerts x 2 urls)", n)
	}
}

func TestWebhookDispatcher_QueueFullDeadLetters(t *testing.T) {
	cfg := testWebhookConfig("http://a.invalid")
	cfg.Retry.QueueSize = 1
	d := NewWebhookDispatcher(zerolog.Nop(), cfg)

	d.Enqueue("http://a.invalid", webhookAlert(SeverityHigh))
	d.Enqueue("http://a.invalid", webhookAlert(SeverityHigh))

	dls := d.GetDeadLetters(0)
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
	if dls[0].LastError != "queue full, delivery dropped" {
		t.Errorf("reason = %q", dls[0].LastError)
	}
}

func TestWebhookDispatcher_GetDeadLettersLimit(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.Retry.QueueSize = 1
	d := NewWebhookDispatcher(zerolog.Nop(), cfg)
	d.Enqueue("http://a.invalid", webhookAlert(SeverityHigh))
	for i := 0; i < 5; i++ {
		d.Enqueue("http://a.invalid", webhookAlert(SeverityHigh))
	}

	if n := len(d.GetDeadLetters(3)); n != 3 {
		t.Errorf("GetDeadLetters(3) = %d entries, want 3", n)
	}
	if n := len(d.GetDeadLetters(0)); n != 5 {
		t.Errorf("GetDeadLetters(0) = %d entries, want 5", n)
	}
}

func TestWebhookDispatcher_ServeStopsOnCancel(t *testing.T) {
	d := NewWebhookDispatcher(zerolog.Nop(), testWebhookConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestEngine_PublishAlertsReachesWebhooks(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Alerts = testWebhookConfig(server.URL)
	e := NewEngine(cfg, io.Discard)
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer e.Shutdown()

	if e.Webhooks == nil {
		t.Fatal("expected webhook dispatcher to be created")
	}
	e.PublishAlerts([]Alert{webhookAlert(SeverityCritical), webhookAlert(SeverityLow)})
	waitFor(t, func() bool { return received.Load() == 1 }, "webhook from engine")
}
