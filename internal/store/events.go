package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// DefaultRecentLimit is the number of events Recent returns when no limit is given.
const DefaultRecentLimit = 200

const eventColumns = `id, timestamp, source_ip, dest_ip, dest_port, protocol, event_type,
  severity, severity_score, raw_log, message, username, country, city,
  latitude, longitude, mitre_tactic, mitre_technique, flagged`

const insertEventSQL = `INSERT INTO events (timestamp, source_ip, dest_ip, dest_port, protocol,
  event_type, severity, severity_score, raw_log, message, username,
  country, city, latitude, longitude, mitre_tactic, mitre_technique, flagged)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

// EventStore is the append-only event log.
type EventStore struct {
	db *sql.DB
}

// NewEventStore returns the event store backed by d.
func NewEventStore(d *DB) *EventStore {
	return &EventStore{db: d.db}
}

func eventArgs(ev *core.Event) []any {
	var country, city sql.NullString
	var lat, lng sql.NullFloat64
	if ev.Geo != nil {
		country = sql.NullString{String: ev.Geo.Country, Valid: true}
		city = sql.NullString{String: ev.Geo.City, Valid: true}
		lat = sql.NullFloat64{Float64: ev.Geo.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: ev.Geo.Longitude, Valid: true}
	}
	var tactic, technique sql.NullString
	if ev.Mitre != nil {
		tactic = sql.NullString{String: ev.Mitre.Tactic, Valid: true}
		technique = sql.NullString{String: ev.Mitre.Technique, Valid: true}
	}
	return []any{
		ev.Timestamp, ev.SourceIP, ev.DestIP, nullInt(ev.DestPort), ev.Protocol,
		ev.EventType, ev.Severity.String(), ev.SeverityScore, ev.RawLog, ev.Message,
		nullString(ev.Username), country, city, lat, lng, tactic, technique,
		boolInt(ev.Flagged),
	}
}

// InsertBatch persists events in one transaction. Either every event becomes
// visible to readers or none does.
func (s *EventStore) InsertBatch(ctx context.Context, events []core.Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return storageErr("preparing batch insert", err)
	}
	defer stmt.Close()

	for i := range events {
		if _, err := stmt.ExecContext(ctx, eventArgs(&events[i])...); err != nil {
			return storageErr("inserting event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing batch", err)
	}
	return nil
}

// Insert persists a single event and returns its id.
func (s *EventStore) Insert(ctx context.Context, ev core.Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, insertEventSQL, eventArgs(&ev)...)
	if err != nil {
		return 0, storageErr("inserting event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("reading event id", err)
	}
	return id, nil
}

func windowStart(now time.Time, window time.Duration) float64 {
	return core.EpochSeconds(now) - window.Seconds()
}

// Count returns the events of eventType from sourceIP newer than now - window.
func (s *EventStore) Count(ctx context.Context, sourceIP, eventType string, window time.Duration, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE source_ip = ? AND event_type = ? AND timestamp > ?`,
		sourceIP, eventType, windowStart(now, window),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("counting events", err)
	}
	return n, nil
}

// DistinctPorts returns the number of distinct non-null destination ports
// targeted by sourceIP newer than now - window.
func (s *EventStore) DistinctPorts(ctx context.Context, sourceIP string, window time.Duration, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT dest_port) FROM events WHERE source_ip = ? AND timestamp > ? AND dest_port IS NOT NULL`,
		sourceIP, windowStart(now, window),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("counting distinct ports", err)
	}
	return n, nil
}

// CountAll returns the number of events of any kind newer than now - window.
func (s *EventStore) CountAll(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp > ?`,
		windowStart(now, window),
	).Scan(&n)
	if err != nil {
		return 0, storageErr("counting window events", err)
	}
	return n, nil
}

// Recent returns events matching f, newest first.
func (s *EventStore) Recent(ctx context.Context, f core.EventFilter) ([]core.Event, error) {
	return recentEvents(ctx, s.db, f)
}

func recentEvents(ctx context.Context, q querier, f core.EventFilter) ([]core.Event, error) {
	var where []string
	var args []any
	if f.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *f.Until)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.SourceIP != "" {
		where = append(where, "source_ip = ?")
		args = append(args, f.SourceIP)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying events", err)
	}
	defer rows.Close()

	events := make([]core.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scanning event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent maps one events row onto core.Event.
func scanEvent(r rowScanner) (core.Event, error) {
	var ev core.Event
	var severity string
	var flagged int
	var destPort sql.NullInt64
	var lat, lng sql.NullFloat64
	var sourceIP, destIP, protocol, rawLog, message, username sql.NullString
	var country, city, tactic, technique sql.NullString
	err := r.Scan(
		&ev.ID, &ev.Timestamp, &sourceIP, &destIP, &destPort, &protocol, &ev.EventType,
		&severity, &ev.SeverityScore, &rawLog, &message, &username, &country, &city,
		&lat, &lng, &tactic, &technique, &flagged,
	)
	if err != nil {
		return core.Event{}, err
	}

	ev.SourceIP = sourceIP.String
	ev.DestIP = destIP.String
	ev.Protocol = protocol.String
	ev.Severity, _ = core.ParseSeverity(severity)
	ev.RawLog = rawLog.String
	ev.Message = message.String
	ev.Flagged = flagged != 0
	if destPort.Valid {
		ev.DestPort = core.IntPtr(int(destPort.Int64))
	}
	if username.Valid {
		ev.Username = core.StrPtr(username.String)
	}
	if lat.Valid && lng.Valid {
		ev.Geo = &core.Geo{
			Country:   country.String,
			City:      city.String,
			Latitude:  lat.Float64,
			Longitude: lng.Float64,
		}
	}
	if tactic.Valid {
		ev.Mitre = &core.Mitre{Tactic: tactic.String, Technique: technique.String}
	}
	return ev, nil
}
