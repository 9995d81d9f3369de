package api

import (
	"encoding/json"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	defaultIntelLimit = 20
	defaultLogLimit   = 100
	maxNoteBytes      = 16 * 1024
)

// queryInt reads a positive integer query parameter, falling back to def when
// it is absent or malformed and clamping it to max.
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func (s *Server) timeRange(r *http.Request) core.TimeRange {
	q := r.URL.Query()
	return core.ParseTimeRange(q.Get("since"), q.Get("until"), s.clock.Now())
}

func alertID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, storeStatus, code := "healthy", "ok", http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check: store unreachable")
			status, storeStatus, code = "degraded", "unreachable", http.StatusServiceUnavailable
		}
	}
	now := s.clock.Now()
	writeJSON(w, code, map[string]any{
		"status":         status,
		"store":          storeStatus,
		"ws_clients":     s.hub.ClientCount(),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"timestamp":      now.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dash.Stats(r.Context(), s.timeRange(r))
	s.respond(w, r, stats, err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.EventFilter{
		TimeRange: s.timeRange(r),
		Severity:  q.Get("severity"),
		EventType: q.Get("event_type"),
		SourceIP:  q.Get("source_ip"),
		Limit:     queryInt(r, "limit", defaultEventLimit, maxEventLimit),
	}
	events, err := s.events.Recent(r.Context(), f)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, core.EscapeEvents(events))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.ListRecent(r.Context(), queryInt(r, "limit", defaultAlertLimit, maxAlertLimit))
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, core.EscapeAlerts(alerts))
}

func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		badRequest(w, "invalid alert id")
		return
	}
	alert, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, alert.Escaped())
}

// handleAck acknowledges an alert. Unknown ids succeed without effect.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		badRequest(w, "invalid alert id")
		return
	}
	if err := s.alerts.Acknowledge(r.Context(), id); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	s.logger.Info().Int64("alert_id", id).Msg("alert acknowledged")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNote replaces an alert's analyst note. Unknown ids succeed without effect.
func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		badRequest(w, "invalid alert id")
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNoteBytes)).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if err := s.alerts.SetNote(r.Context(), id, body.Note); err != nil {
		s.respond(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dash.SeverityCounts(r.Context(), s.timeRange(r))
	s.respond(w, r, counts, err)
}

func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.dash.EventTypeCounts(r.Context(), s.timeRange(r))
	s.respond(w, r, escapeKeyCounts(rows), err)
}

func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	rows, err := s.dash.ProtocolCounts(r.Context(), s.timeRange(r))
	s.respond(w, r, escapeKeyCounts(rows), err)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.cfg.Dashboard.TopPorts, maxEventLimit)
	rows, err := s.dash.PortTargets(r.Context(), s.timeRange(r), limit)
	s.respond(w, r, escapeKeyCounts(rows), err)
}

func (s *Server) handleTopSources(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.cfg.Dashboard.TopSources, maxEventLimit)
	rows, err := s.dash.TopSources(r.Context(), s.timeRange(r), limit)
	out := make([]store.SourceCount, len(rows))
	for i, row := range rows {
		row.SourceIP = html.EscapeString(row.SourceIP)
		row.Country = html.EscapeString(row.Country)
		row.City = html.EscapeString(row.City)
		out[i] = row
	}
	s.respond(w, r, out, err)
}

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	rows, err := s.dash.GeoBreakdown(r.Context(), s.timeRange(r))
	out := make([]store.GeoBucket, len(rows))
	for i, row := range rows {
		row.Country = html.EscapeString(row.Country)
		row.City = html.EscapeString(row.City)
		out[i] = row
	}
	s.respond(w, r, out, err)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	bucket := queryInt(r, "bucket", s.cfg.Dashboard.TimelineBucket, 86400)
	rows, err := s.dash.Timeline(r.Context(), s.timeRange(r), bucket)
	if rows == nil {
		rows = []core.TimelineBucket{}
	}
	s.respond(w, r, rows, err)
}

func (s *Server) handleFailedLogins(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.cfg.Dashboard.FailedLogins, maxEventLimit)
	rows, err := s.dash.FailedLogins(r.Context(), s.timeRange(r), limit)
	out := make([]store.FailedLogin, len(rows))
	for i, row := range rows {
		row.SourceIP = html.EscapeString(row.SourceIP)
		row.Username = html.EscapeString(row.Username)
		row.Country = html.EscapeString(row.Country)
		row.City = html.EscapeString(row.City)
		out[i] = row
	}
	s.respond(w, r, out, err)
}

func (s *Server) handleMitre(w http.ResponseWriter, r *http.Request) {
	rows, err := s.dash.MitreBreakdown(r.Context(), s.timeRange(r))
	out := make([]store.MitreCount, len(rows))
	for i, row := range rows {
		row.Tactic = html.EscapeString(row.Tactic)
		row.Technique = html.EscapeString(row.Technique)
		out[i] = row
	}
	s.respond(w, r, out, err)
}

func (s *Server) handleThreatIntel(w http.ResponseWriter, r *http.Request) {
	rows, err := s.alerts.ThreatIntelHits(r.Context(), queryInt(r, "limit", defaultIntelLimit, maxAlertLimit))
	out := make([]core.ThreatIntelRecord, len(rows))
	for i, row := range rows {
		row.IP = html.EscapeString(row.IP)
		row.ThreatType = html.EscapeString(row.ThreatType)
		out[i] = row
	}
	s.respond(w, r, out, err)
}

// handleLogs returns recent entries of the process log buffer, optionally
// filtered by level.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []core.LogEntry{}, "total": 0})
		return
	}
	limit := queryInt(r, "limit", defaultLogLimit, s.logs.Cap())
	entries := s.logs.GetEntriesByLevel(limit, r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"total": len(entries),
	})
}

func escapeKeyCounts(rows []store.KeyCount) []store.KeyCount {
	out := make([]store.KeyCount, len(rows))
	for i, row := range rows {
		row.Key = html.EscapeString(row.Key)
		out[i] = row
	}
	return out
}
