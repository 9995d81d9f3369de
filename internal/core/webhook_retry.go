package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ---------------------------------------------------------------------------
// Alert webhooks: reliable delivery of correlator alerts to external
// receivers, with exponential backoff, a dead letter buffer and a circuit
// breaker per URL.
// ---------------------------------------------------------------------------

// WebhookDelivery is one alert on its way to one URL.
type WebhookDelivery struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Alert     Alert     `json:"alert"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Status    string    `json:"status"` // "pending", "delivered", "dead_letter"
}

// DeadLetterEntry is a failed delivery preserved for inspection.
type DeadLetterEntry struct {
	Delivery  WebhookDelivery `json:"delivery"`
	FailedAt  time.Time       `json:"failed_at"`
	LastError string          `json:"last_error"`
}

// errPermanent marks responses that must not be retried.
var errPermanent = errors.New("permanent delivery failure")

// WebhookDispatcher posts alerts to the configured webhook URLs. It
// implements AlertPublisher; Serve runs the delivery workers.
type WebhookDispatcher struct {
	logger zerolog.Logger
	cfg    AlertsConfig
	client *http.Client
	queue  chan *WebhookDelivery
	minSev Severity

	dlMu       sync.RWMutex
	deadLetter []*DeadLetterEntry
	maxDL      int

	cbMu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// NewWebhookDispatcher creates a dispatcher. Nothing is delivered until Serve runs.
func NewWebhookDispatcher(logger zerolog.Logger, cfg AlertsConfig) *WebhookDispatcher {
	r := &cfg.Retry
	if r.QueueSize <= 0 {
		r.QueueSize = 1000
	}
	if r.Workers <= 0 {
		r.Workers = 4
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if r.CircuitBreaker <= 0 {
		r.CircuitBreaker = 5
	}
	minSev, ok := ParseSeverity(cfg.MinSeverity)
	if !ok {
		minSev = SeverityLow
	}
	return &WebhookDispatcher{
		logger:     logger.With().Str("component", "webhook_dispatcher").Logger(),
		cfg:        cfg,
		client:     &http.Client{Timeout: 15 * time.Second},
		queue:      make(chan *WebhookDelivery, r.QueueSize),
		minSev:     minSev,
		deadLetter: make([]*DeadLetterEntry, 0, 100),
		maxDL:      500,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

func (d *WebhookDispatcher) String() string { return "webhook-dispatcher" }

// PublishAlerts queues every alert at or above the minimum severity for each
// URL. It never blocks; a full queue dead-letters the delivery.
func (d *WebhookDispatcher) PublishAlerts(alerts []Alert) {
	for _, a := range alerts {
		if a.Severity < d.minSev {
			continue
		}
		for _, url := range d.cfg.WebhookURLs {
			d.Enqueue(url, a)
		}
	}
}

// Enqueue adds one delivery to the queue and returns its id.
func (d *WebhookDispatcher) Enqueue(url string, alert Alert) string {
	delivery := &WebhookDelivery{
		ID:        uuid.New().String(),
		URL:       url,
		Alert:     alert,
		CreatedAt: time.Now().UTC(),
		Status:    "pending",
	}
	select {
	case d.queue <- delivery:
		d.logger.Debug().Str("id", delivery.ID).Str("url", url).Msg("webhook enqueued")
	default:
		d.addDeadLetter(delivery, "queue full, delivery dropped")
	}
	return delivery.ID
}

// Serve runs the delivery workers until ctx is done. Deliveries still queued
// at shutdown are abandoned.
func (d *WebhookDispatcher) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Retry.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	d.logger.Info().
		Int("workers", d.cfg.Retry.Workers).
		Int("urls", len(d.cfg.WebhookURLs)).
		Msg("webhook dispatcher started")

	wg.Wait()
	d.logger.Info().Int("dead_letters", len(d.GetDeadLetters(0))).Msg("webhook dispatcher stopped")
	return ctx.Err()
}

func (d *WebhookDispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.deliver(ctx, delivery)
		}
	}
}

func (d *WebhookDispatcher) breaker(url string) *gobreaker.CircuitBreaker[int] {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if cb, ok := d.breakers[url]; ok {
		return cb
	}
	threshold := uint32(d.cfg.Retry.CircuitBreaker)
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     d.cfg.Retry.CircuitPause,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A 4xx is the receiver rejecting the payload, not the receiver being down.
			return err == nil || errors.Is(err, errPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("url", name).Str("from", from.String()).Str("to", to.String()).
				Msg("webhook circuit breaker state changed")
		},
	})
	d.breakers[url] = cb
	return cb
}

func (d *WebhookDispatcher) deliver(ctx context.Context, delivery *WebhookDelivery) {
	body, err := json.Marshal(delivery.Alert)
	if err != nil {
		d.addDeadLetter(delivery, fmt.Sprintf("marshal error: %v", err))
		return
	}
	cb := d.breaker(delivery.URL)

	for attempt := 0; attempt <= d.cfg.Retry.MaxRetries; attempt++ {
		delivery.Attempts = attempt + 1
		status, err := cb.Execute(func() (int, error) { return d.post(ctx, delivery, body) })
		if err == nil {
			delivery.Status = "delivered"
			d.logger.Debug().
				Str("id", delivery.ID).
				Str("url", delivery.URL).
				Int("attempts", delivery.Attempts).
				Int("status", status).
				Msg("webhook delivered")
			return
		}
		delivery.LastError = err.Error()
		if errors.Is(err, errPermanent) || errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.Retry.MaxRetries && !d.backoff(ctx, attempt) {
			break
		}
	}
	d.addDeadLetter(delivery, delivery.LastError)
}

// post sends one attempt. 5xx and 429 are retryable; other 4xx are permanent.
func (d *WebhookDispatcher) post(ctx context.Context, delivery *WebhookDelivery, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: building request: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "siem-webhook-dispatcher/1.0")
	req.Header.Set("X-SIEM-Delivery-ID", delivery.ID)
	req.Header.Set("X-SIEM-Attempt", fmt.Sprint(delivery.Attempts))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%w: client error: HTTP %d", errPermanent, resp.StatusCode)
	default:
		return resp.StatusCode, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	}
}

// backoff waits InitialBackoff * 2^attempt, capped at MaxBackoff. It reports
// false if ctx ended first.
func (d *WebhookDispatcher) backoff(ctx context.Context, attempt int) bool {
	delay := d.cfg.Retry.InitialBackoff << attempt
	if delay > d.cfg.Retry.MaxBackoff || delay <= 0 {
		delay = d.cfg.Retry.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *WebhookDispatcher) addDeadLetter(delivery *WebhookDelivery, reason string) {
	delivery.Status = "dead_letter"
	d.dlMu.Lock()
	if len(d.deadLetter) >= d.maxDL {
		d.deadLetter = d.deadLetter[d.maxDL/10:]
	}
	d.deadLetter = append(d.deadLetter, &DeadLetterEntry{
		Delivery:  *delivery,
		FailedAt:  time.Now().UTC(),
		LastError: reason,
	})
	d.dlMu.Unlock()
	d.logger.Warn().
		Str("id", delivery.ID).
		Str("url", delivery.URL).
		Int("attempts", delivery.Attempts).
		Str("error", reason).
		Msg("webhook moved to dead letter")
}

// GetDeadLetters returns up to limit of the most recent failed deliveries,
// oldest first. A limit of zero or less returns all of them.
func (d *WebhookDispatcher) GetDeadLetters(limit int) []DeadLetterEntry {
	d.dlMu.RLock()
	defer d.dlMu.RUnlock()

	if limit <= 0 || limit > len(d.deadLetter) {
		limit = len(d.deadLetter)
	}
	out := make([]DeadLetterEntry, 0, limit)
	for _, dl := range d.deadLetter[len(d.deadLetter)-limit:] {
		out = append(out, *dl)
	}
	return out
}

// Pending returns the number of queued deliveries.
func (d *WebhookDispatcher) Pending() int { return len(d.queue) }
