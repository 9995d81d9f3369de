// Package api serves the dashboard REST API, the live WebSocket feed and
// the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/store"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// EventSource reads stored events.
type EventSource interface {
	Recent(ctx context.Context, f core.EventFilter) ([]core.Event, error)
}

// AlertSource reads and updates alerts and threat-intel records.
type AlertSource interface {
	ListRecent(ctx context.Context, limit int) ([]core.Alert, error)
	Get(ctx context.Context, id int64) (core.Alert, error)
	Acknowledge(ctx context.Context, id int64) error
	SetNote(ctx context.Context, id int64, note string) error
	ThreatIntelHits(ctx context.Context, limit int) ([]core.ThreatIntelRecord, error)
}

// DashboardSource computes the dashboard aggregates.
type DashboardSource interface {
	Stats(ctx context.Context, tr core.TimeRange) (core.DashboardStats, error)
	SeverityCounts(ctx context.Context, tr core.TimeRange) (map[string]int, error)
	EventTypeCounts(ctx context.Context, tr core.TimeRange) ([]store.KeyCount, error)
	ProtocolCounts(ctx context.Context, tr core.TimeRange) ([]store.KeyCount, error)
	PortTargets(ctx context.Context, tr core.TimeRange, limit int) ([]store.KeyCount, error)
	TopSources(ctx context.Context, tr core.TimeRange, limit int) ([]store.SourceCount, error)
	GeoBreakdown(ctx context.Context, tr core.TimeRange) ([]store.GeoBucket, error)
	MitreBreakdown(ctx context.Context, tr core.TimeRange) ([]store.MitreCount, error)
	FailedLogins(ctx context.Context, tr core.TimeRange, limit int) ([]store.FailedLogin, error)
	Timeline(ctx context.Context, tr core.TimeRange, bucket int) ([]core.TimelineBucket, error)
}

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Events    EventSource
	Alerts    AlertSource
	Dashboard DashboardSource
	DB        Pinger
	Hub       *Hub
	Logs      *core.LogRingBuffer
	Clock     core.Clock
}

// Server is the SIEM REST API server.
type Server struct {
	cfg     *core.Config
	logger  zerolog.Logger
	clock   core.Clock
	events  EventSource
	alerts  AlertSource
	dash    DashboardSource
	db      Pinger
	hub     *Hub
	logs    *core.LogRingBuffer
	router  http.Handler
	started time.Time

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new API server.
func NewServer(cfg *core.Config, logger zerolog.Logger, deps Deps) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "api_server").Logger(),
		clock:   clock,
		events:  deps.Events,
		alerts:  deps.Alerts,
		dash:    deps.Dashboard,
		db:      deps.DB,
		hub:     hub,
		logs:    deps.Logs,
		started: clock.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	if s.cfg.Server.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Token"},
		MaxAge:         86400,
	}))
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit())
		r.Use(s.authenticate)

		r.Get("/ws", s.handleWS)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/events", s.handleEvents)
			r.Get("/alerts", s.handleAlerts)
			r.Get("/alerts/{id}", s.handleAlertByID)
			r.Post("/alerts/{id}/ack", s.handleAck)
			r.Post("/alerts/{id}/note", s.handleNote)
			r.Get("/severity", s.handleSeverity)
			r.Get("/event-types", s.handleEventTypes)
			r.Get("/top-sources", s.handleTopSources)
			r.Get("/geo", s.handleGeo)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/failed-logins", s.handleFailedLogins)
			r.Get("/protocols", s.handleProtocols)
			r.Get("/ports", s.handlePorts)
			r.Get("/mitre", s.handleMitre)
			r.Get("/threat-intel", s.handleThreatIntel)
			r.Get("/logs", s.handleLogs)
		})
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub the server registers subscribers with.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) String() string { return "api-server" }

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or SIEM_API_KEY")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("API server shutdown")
		}
		s.logger.Info().Msg("API server stopped")
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respond writes data, or maps err onto the error contract: storage failures
// are 503 {"error":"storage_error"}.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, data)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, store.ErrStorage):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage error")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage_error"})
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

// requestToken extracts the API key from "Authorization: Bearer", the
// X-API-Token header, or the token query parameter used by WebSocket clients.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// authenticate enforces API key authentication. With no keys configured every
// request is allowed (open mode, warned about at startup).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := requestToken(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "missing API token",
			})
			return
		}
		if !s.cfg.ValidateAPIKey(key) {
			s.logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "invalid API token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit limits requests per client IP per second. Zero disables it. The
// client IP is the connection's remote address unless proxy headers are trusted.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	rps := s.cfg.Server.RateLimitPerSecond
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		}),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
