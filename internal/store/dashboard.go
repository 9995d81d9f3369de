package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// KeyCount is one row of a ranked breakdown.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// SourceCount is one row of the top-sources ranking.
type SourceCount struct {
	SourceIP string `json:"source_ip"`
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
	Total    int    `json:"total"`
	HighSev  int    `json:"high_sev"`
}

// GeoBucket aggregates located events per country and city.
type GeoBucket struct {
	Country string  `json:"country"`
	City    string  `json:"city"`
	Count   int     `json:"cnt"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Threats int     `json:"threats"`
}

// MitreCount counts events per ATT&CK tactic and technique.
type MitreCount struct {
	Tactic    string `json:"mitre_tactic"`
	Technique string `json:"mitre_technique"`
	Count     int    `json:"cnt"`
}

// FailedLogin counts auth failures per source and username.
type FailedLogin struct {
	SourceIP string `json:"source_ip"`
	Username string `json:"username"`
	Attempts int    `json:"attempts"`
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
}

// Aggregator derives dashboard views from the event and alert tables. Every
// call reads the tables afresh; nothing is cached between calls.
type Aggregator struct {
	db    *sql.DB
	cfg   core.DashboardConfig
	clock core.Clock
}

// NewAggregator returns an aggregator over d.
func NewAggregator(d *DB, cfg core.DashboardConfig, clock core.Clock) *Aggregator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Aggregator{db: d.db, cfg: cfg, clock: clock}
}

func (a *Aggregator) defaultRange() time.Duration {
	if a.cfg.DefaultRange <= 0 {
		return time.Hour
	}
	return time.Duration(a.cfg.DefaultRange) * time.Second
}

// bounds renders tr as a WHERE fragment on timestamp. Since defaults to the
// configured range before now; Until is unbounded when absent.
func (a *Aggregator) bounds(tr core.TimeRange) (string, []any) {
	clause := "timestamp >= ?"
	args := []any{tr.SinceOr(a.clock.Now(), a.defaultRange())}
	if tr.Until != nil {
		clause += " AND timestamp <= ?"
		args = append(args, *tr.Until)
	}
	return clause, args
}

func withLimit(args []any, limit int) []any {
	out := make([]any, len(args), len(args)+1)
	copy(out, args)
	return append(out, limit)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Stats returns the headline counters.
func (a *Aggregator) Stats(ctx context.Context, tr core.TimeRange) (core.DashboardStats, error) {
	return a.stats(ctx, a.db, tr)
}

func (a *Aggregator) stats(ctx context.Context, q querier, tr core.TimeRange) (core.DashboardStats, error) {
	var s core.DashboardStats
	where, args := a.bounds(tr)

	err := q.QueryRowContext(ctx, `SELECT
		  COUNT(*),
		  COUNT(DISTINCT source_ip),
		  COALESCE(SUM(severity = 'critical'), 0),
		  COALESCE(SUM(severity = 'high'), 0),
		  COALESCE(SUM(event_type = 'auth_failure'), 0),
		  COALESCE(SUM(flagged = 1), 0)
		FROM events WHERE `+where, args...,
	).Scan(&s.TotalEvents, &s.UniqueSources, &s.CriticalEvents, &s.HighEvents, &s.FailedLogins, &s.ThreatIntelMatches)
	if err != nil {
		return s, storageErr("computing event stats", err)
	}

	err = q.QueryRowContext(ctx, `SELECT
		  COUNT(*),
		  COALESCE(SUM(acknowledged = 0), 0)
		FROM alerts WHERE `+where, args...,
	).Scan(&s.TotalAlerts, &s.UnackedAlerts)
	if err != nil {
		return s, storageErr("computing alert stats", err)
	}
	return s, nil
}

// SeverityCounts returns the number of events per severity name.
func (a *Aggregator) SeverityCounts(ctx context.Context, tr core.TimeRange) (map[string]int, error) {
	return a.severityCounts(ctx, a.db, tr)
}

func (a *Aggregator) severityCounts(ctx context.Context, q querier, tr core.TimeRange) (map[string]int, error) {
	where, args := a.bounds(tr)
	rows, err := q.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM events WHERE `+where+` GROUP BY severity`, args...)
	if err != nil {
		return nil, storageErr("counting severities", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, storageErr("scanning severity count", err)
		}
		counts[sev] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating severity counts", err)
	}
	return counts, nil
}

// EventTypeCounts ranks event types by frequency.
func (a *Aggregator) EventTypeCounts(ctx context.Context, tr core.TimeRange) ([]KeyCount, error) {
	where, args := a.bounds(tr)
	return a.keyCounts(ctx,
		`SELECT event_type, COUNT(*) AS cnt FROM events WHERE `+where+` GROUP BY event_type ORDER BY cnt DESC, event_type`,
		args, "counting event types")
}

// ProtocolCounts ranks protocols by frequency, ignoring events without one.
func (a *Aggregator) ProtocolCounts(ctx context.Context, tr core.TimeRange) ([]KeyCount, error) {
	where, args := a.bounds(tr)
	return a.keyCounts(ctx,
		`SELECT protocol, COUNT(*) AS cnt FROM events WHERE `+where+` AND protocol IS NOT NULL AND protocol != ''
		 GROUP BY protocol ORDER BY cnt DESC, protocol`,
		args, "counting protocols")
}

// PortTargets ranks destination ports by frequency.
func (a *Aggregator) PortTargets(ctx context.Context, tr core.TimeRange, limit int) ([]KeyCount, error) {
	where, args := a.bounds(tr)
	limit = orDefault(limit, orDefault(a.cfg.TopPorts, 10))
	rows, err := a.db.QueryContext(ctx,
		`SELECT dest_port, COUNT(*) AS cnt FROM events WHERE `+where+` AND dest_port IS NOT NULL
		 GROUP BY dest_port ORDER BY cnt DESC, dest_port LIMIT ?`,
		withLimit(args, limit)...)
	if err != nil {
		return nil, storageErr("counting ports", err)
	}
	defer rows.Close()

	out := make([]KeyCount, 0, limit)
	for rows.Next() {
		var port int64
		var n int
		if err := rows.Scan(&port, &n); err != nil {
			return nil, storageErr("scanning port count", err)
		}
		out = append(out, KeyCount{Key: strconv.FormatInt(port, 10), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating port counts", err)
	}
	return out, nil
}

func (a *Aggregator) keyCounts(ctx context.Context, query string, args []any, op string) ([]KeyCount, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []KeyCount{}
	for rows.Next() {
		var kc KeyCount
		if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// TopSources ranks source addresses by event count. HighSev counts their
// critical and high events.
func (a *Aggregator) TopSources(ctx context.Context, tr core.TimeRange, limit int) ([]SourceCount, error) {
	where, args := a.bounds(tr)
	limit = orDefault(limit, orDefault(a.cfg.TopSources, 10))
	rows, err := a.db.QueryContext(ctx,
		`SELECT source_ip, MAX(country), MAX(city), COUNT(*) AS total,
		   COALESCE(SUM(severity IN ('critical','high')), 0)
		 FROM events WHERE `+where+`
		 GROUP BY source_ip ORDER BY total DESC, source_ip LIMIT ?`,
		withLimit(args, limit)...)
	if err != nil {
		return nil, storageErr("ranking sources", err)
	}
	defer rows.Close()

	out := make([]SourceCount, 0, limit)
	for rows.Next() {
		var sc SourceCount
		var ip, country, city sql.NullString
		if err := rows.Scan(&ip, &country, &city, &sc.Total, &sc.HighSev); err != nil {
			return nil, storageErr("scanning source", err)
		}
		sc.SourceIP, sc.Country, sc.City = ip.String, country.String, city.String
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating sources", err)
	}
	return out, nil
}

// GeoBreakdown groups located events by country and city.
func (a *Aggregator) GeoBreakdown(ctx context.Context, tr core.TimeRange) ([]GeoBucket, error) {
	where, args := a.bounds(tr)
	rows, err := a.db.QueryContext(ctx,
		`SELECT country, city, COUNT(*) AS cnt, AVG(latitude), AVG(longitude),
		   COALESCE(SUM(severity IN ('critical','high')), 0)
		 FROM events WHERE `+where+` AND latitude IS NOT NULL
		 GROUP BY country, city ORDER BY cnt DESC`, args...)
	if err != nil {
		return nil, storageErr("grouping by location", err)
	}
	defer rows.Close()

	out := []GeoBucket{}
	for rows.Next() {
		var g GeoBucket
		var country, city sql.NullString
		if err := rows.Scan(&country, &city, &g.Count, &g.Lat, &g.Lng, &g.Threats); err != nil {
			return nil, storageErr("scanning location", err)
		}
		g.Country, g.City = country.String, city.String
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating locations", err)
	}
	return out, nil
}

// MitreBreakdown counts events per ATT&CK tactic and technique.
func (a *Aggregator) MitreBreakdown(ctx context.Context, tr core.TimeRange) ([]MitreCount, error) {
	where, args := a.bounds(tr)
	rows, err := a.db.QueryContext(ctx,
		`SELECT mitre_tactic, mitre_technique, COUNT(*) AS cnt
		 FROM events WHERE `+where+` AND mitre_tactic IS NOT NULL
		 GROUP BY mitre_tactic, mitre_technique ORDER BY cnt DESC`, args...)
	if err != nil {
		return nil, storageErr("grouping by technique", err)
	}
	defer rows.Close()

	out := []MitreCount{}
	for rows.Next() {
		var m MitreCount
		var technique sql.NullString
		if err := rows.Scan(&m.Tactic, &technique, &m.Count); err != nil {
			return nil, storageErr("scanning technique", err)
		}
		m.Technique = technique.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating techniques", err)
	}
	return out, nil
}

// FailedLogins ranks (source, username) pairs by auth failures.
func (a *Aggregator) FailedLogins(ctx context.Context, tr core.TimeRange, limit int) ([]FailedLogin, error) {
	where, args := a.bounds(tr)
	limit = orDefault(limit, orDefault(a.cfg.FailedLogins, 25))
	rows, err := a.db.QueryContext(ctx,
		`SELECT source_ip, username, COUNT(*) AS attempts, MAX(country), MAX(city)
		 FROM events WHERE event_type = 'auth_failure' AND `+where+`
		 GROUP BY source_ip, username ORDER BY attempts DESC LIMIT ?`,
		withLimit(args, limit)...)
	if err != nil {
		return nil, storageErr("ranking failed logins", err)
	}
	defer rows.Close()

	out := make([]FailedLogin, 0, limit)
	for rows.Next() {
		var f FailedLogin
		var ip, user, country, city sql.NullString
		if err := rows.Scan(&ip, &user, &f.Attempts, &country, &city); err != nil {
			return nil, storageErr("scanning failed login", err)
		}
		f.SourceIP, f.Username, f.Country, f.City = ip.String, user.String, country.String, city.String
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating failed logins", err)
	}
	return out, nil
}

// Timeline buckets events into fixed-width intervals, oldest first.
func (a *Aggregator) Timeline(ctx context.Context, tr core.TimeRange, bucket int) ([]core.TimelineBucket, error) {
	return a.timeline(ctx, a.db, tr, bucket)
}

func (a *Aggregator) timeline(ctx context.Context, q querier, tr core.TimeRange, bucket int) ([]core.TimelineBucket, error) {
	bucket = orDefault(bucket, orDefault(a.cfg.TimelineBucket, 60))
	where, args := a.bounds(tr)
	rows, err := q.QueryContext(ctx,
		`SELECT CAST(timestamp / ? AS INTEGER) * ? AS bucket,
		   COUNT(*),
		   COALESCE(SUM(severity = 'critical'), 0),
		   COALESCE(SUM(severity = 'high'), 0),
		   COALESCE(SUM(severity = 'medium'), 0),
		   COALESCE(SUM(severity = 'low'), 0)
		 FROM events WHERE `+where+`
		 GROUP BY bucket ORDER BY bucket ASC`,
		append([]any{bucket, bucket}, args...)...)
	if err != nil {
		return nil, storageErr("bucketing timeline", err)
	}
	defer rows.Close()

	out := []core.TimelineBucket{}
	for rows.Next() {
		var b core.TimelineBucket
		if err := rows.Scan(&b.Bucket, &b.Total, &b.Critical, &b.High, &b.Medium, &b.Low); err != nil {
			return nil, storageErr("scanning timeline bucket", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating timeline", err)
	}
	return out, nil
}

// Snapshot computes stats, the most recent events, severity counts and the
// timeline inside one read transaction, so the result reflects a single
// committed state of the store.
func (a *Aggregator) Snapshot(ctx context.Context, recentLimit int) (*core.DashboardSnapshot, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("beginning snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tr core.TimeRange
	snap := &core.DashboardSnapshot{}
	if snap.Stats, err = a.stats(ctx, tx, tr); err != nil {
		return nil, err
	}
	if snap.Recent, err = recentEvents(ctx, tx, core.EventFilter{Limit: orDefault(recentLimit, 20)}); err != nil {
		return nil, err
	}
	if snap.Severity, err = a.severityCounts(ctx, tx, tr); err != nil {
		return nil, err
	}
	if snap.Timeline, err = a.timeline(ctx, tx, tr, 0); err != nil {
		return nil, err
	}
	return snap, nil
}
