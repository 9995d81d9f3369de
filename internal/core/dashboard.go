package core

import (
	"encoding/json"
	"time"
)

// DashboardStats are the headline counters of the dashboard.
type DashboardStats struct {
	TotalEvents        int `json:"total_events"`
	UniqueSources      int `json:"unique_sources"`
	CriticalEvents     int `json:"critical_events"`
	HighEvents         int `json:"high_events"`
	FailedLogins       int `json:"failed_logins"`
	ThreatIntelMatches int `json:"threat_intel_matches"`
	TotalAlerts        int `json:"total_alerts"`
	UnackedAlerts      int `json:"unacked_alerts"`
}

// TimelineBucket counts events per severity in one fixed-width time bucket.
// Bucket is the bucket start in epoch seconds.
type TimelineBucket struct {
	Bucket   int64 `json:"bucket"`
	Total    int   `json:"total"`
	Critical int   `json:"critical"`
	High     int   `json:"high"`
	Medium   int   `json:"medium"`
	Low      int   `json:"low"`
}

// DashboardSnapshot is a consistent view of the aggregates taken in one read.
type DashboardSnapshot struct {
	Stats    DashboardStats   `json:"stats"`
	Recent   []Event          `json:"recent"`
	Severity map[string]int   `json:"severity"`
	Timeline []TimelineBucket `json:"timeline"`
}

// DashboardUpdate is the per-cycle message pushed to subscribers.
type DashboardUpdate struct {
	CycleID         string    `json:"cycle_id"`
	BatchCount      int       `json:"count"`
	AlertsTriggered int       `json:"alerts_triggered"`
	GeneratedAt     time.Time `json:"generated_at"`
	DashboardSnapshot
}

// Marshal serializes the update for the wire.
func (u *DashboardUpdate) Marshal() ([]byte, error) {
	return json.Marshal(u)
}
