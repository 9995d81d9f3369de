package store

import (
	"context"
	"database/sql"
	"errors"
	"html"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// Default list sizes for alerts and threat intel.
const (
	DefaultAlertLimit       = 50
	DefaultThreatIntelLimit = 20
)

const alertColumns = `id, timestamp, alert_type, severity, severity_score, source_ip,
  description, mitre_tactic, mitre_technique, event_count, acknowledged, analyst_notes`

// AlertStore holds correlator alerts, their analyst annotations and the
// threat-intel hit table.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore returns the alert store backed by d.
func NewAlertStore(d *DB) *AlertStore {
	return &AlertStore{db: d.db}
}

// Insert persists a new unacknowledged alert and returns its id.
func (s *AlertStore) Insert(ctx context.Context, a core.Alert) (int64, error) {
	var tactic, technique sql.NullString
	if a.Mitre != nil {
		tactic = sql.NullString{String: a.Mitre.Tactic, Valid: true}
		technique = sql.NullString{String: a.Mitre.Technique, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (timestamp, alert_type, severity, severity_score,
		   source_ip, description, mitre_tactic, mitre_technique, event_count)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		a.Timestamp, a.AlertType, a.Severity.String(), a.SeverityScore,
		a.SourceIP, a.Description, tactic, technique, a.EventCount,
	)
	if err != nil {
		return 0, storageErr("inserting alert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("reading alert id", err)
	}
	return id, nil
}

// ListRecent returns up to limit alerts, newest first.
func (s *AlertStore) ListRecent(ctx context.Context, limit int) ([]core.Alert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("querying alerts", err)
	}
	defer rows.Close()

	alerts := make([]core.Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storageErr("scanning alert", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating alerts", err)
	}
	return alerts, nil
}

// Get returns one alert, or ErrNotFound.
func (s *AlertStore) Get(ctx context.Context, id int64) (core.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Alert{}, ErrNotFound
	}
	if err != nil {
		return core.Alert{}, storageErr("reading alert", err)
	}
	return a, nil
}

// Acknowledge marks an alert as acknowledged. Repeating it, or naming an
// unknown id, is a no-op.
func (s *AlertStore) Acknowledge(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id); err != nil {
		return storageErr("acknowledging alert", err)
	}
	return nil
}

// SetNote replaces the analyst note of an alert. The note is HTML-escaped
// before it is stored. Unknown ids are a no-op.
func (s *AlertStore) SetNote(ctx context.Context, id int64, note string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE alerts SET analyst_notes = ? WHERE id = ?`, html.EscapeString(note), id); err != nil {
		return storageErr("setting analyst note", err)
	}
	return nil
}

// UpsertThreatIntel records a hit from ip. The first hit creates the record
// with the default confidence; later hits bump hit_count and last_seen.
func (s *AlertStore) UpsertThreatIntel(ctx context.Context, ip, threatType string, now time.Time) error {
	ts := core.EpochSeconds(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threat_intel (ip, threat_type, confidence, first_seen, last_seen, hit_count)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(ip) DO UPDATE SET
		   last_seen = max(threat_intel.last_seen, excluded.last_seen),
		   hit_count = threat_intel.hit_count + 1`,
		ip, threatType, core.DefaultThreatConfidence, ts, ts,
	)
	if err != nil {
		return storageErr("upserting threat intel", err)
	}
	return nil
}

// ThreatIntelHits returns up to limit records, most recently seen first.
func (s *AlertStore) ThreatIntelHits(ctx context.Context, limit int) ([]core.ThreatIntelRecord, error) {
	if limit <= 0 {
		limit = DefaultThreatIntelLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, threat_type, confidence, first_seen, last_seen, hit_count
		 FROM threat_intel ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("querying threat intel", err)
	}
	defer rows.Close()

	records := make([]core.ThreatIntelRecord, 0, limit)
	for rows.Next() {
		r, err := scanThreatIntel(rows)
		if err != nil {
			return nil, storageErr("scanning threat intel", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating threat intel", err)
	}
	return records, nil
}

// GetThreatIntel returns the record for ip, or ErrNotFound.
func (s *AlertStore) GetThreatIntel(ctx context.Context, ip string) (core.ThreatIntelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ip, threat_type, confidence, first_seen, last_seen, hit_count
		 FROM threat_intel WHERE ip = ?`, ip)
	r, err := scanThreatIntel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ThreatIntelRecord{}, ErrNotFound
	}
	if err != nil {
		return core.ThreatIntelRecord{}, storageErr("reading threat intel", err)
	}
	return r, nil
}

// scanAlert maps one alerts row onto core.Alert.
func scanAlert(r rowScanner) (core.Alert, error) {
	var a core.Alert
	var severity string
	var acknowledged int
	var sourceIP, description, tactic, technique, notes sql.NullString
	err := r.Scan(
		&a.ID, &a.Timestamp, &a.AlertType, &severity, &a.SeverityScore, &sourceIP,
		&description, &tactic, &technique, &a.EventCount, &acknowledged, &notes,
	)
	if err != nil {
		return core.Alert{}, err
	}
	a.Severity, _ = core.ParseSeverity(severity)
	a.SourceIP = sourceIP.String
	a.Description = description.String
	a.Acknowledged = acknowledged != 0
	a.AnalystNotes = notes.String
	if tactic.Valid {
		a.Mitre = &core.Mitre{Tactic: tactic.String, Technique: technique.String}
	}
	return a, nil
}

func scanThreatIntel(r rowScanner) (core.ThreatIntelRecord, error) {
	var rec core.ThreatIntelRecord
	var threatType sql.NullString
	err := r.Scan(&rec.IP, &threatType, &rec.Confidence, &rec.FirstSeen, &rec.LastSeen, &rec.HitCount)
	if err != nil {
		return core.ThreatIntelRecord{}, err
	}
	rec.ThreatType = threatType.String
	return rec, nil
}
