package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity represents the severity level of a security event or alert.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScoreBand is the inclusive [Min, Max] range of severity scores allowed for a severity.
type ScoreBand struct {
	Min int `json:"min_score" yaml:"min_score"`
	Max int `json:"max_score" yaml:"max_score"`
}

var severityBands = map[Severity]ScoreBand{
	SeverityCritical: {Min: 9, Max: 10},
	SeverityHigh:     {Min: 7, Max: 8},
	SeverityMedium:   {Min: 4, Max: 6},
	SeverityLow:      {Min: 1, Max: 3},
}

// AllSeverities lists the known severities from most to least severe.
var AllSeverities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Band returns the score band for the severity. Unknown severities have a zero band.
func (s Severity) Band() ScoreBand {
	return severityBands[s]
}

// ScoreInBand reports whether score lies within the severity's band.
func (s Severity) ScoreInBand(score int) bool {
	b, ok := severityBands[s]
	return ok && score >= b.Min && score <= b.Max
}

// ParseSeverity maps a case-insensitive name to a Severity.
func ParseSeverity(name string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityUnknown, false
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s, _ = ParseSeverity(str)
	return nil
}

// Event types produced by the traffic generator, the scenario and the syslog listener.
const (
	EventAuthSuccess           = "auth_success"
	EventAuthFailure           = "auth_failure"
	EventFirewallAllow         = "firewall_allow"
	EventFirewallDrop          = "firewall_drop"
	EventFirewallReject        = "firewall_reject"
	EventPortScan              = "port_scan"
	EventConnectionEstablished = "connection_established"
	EventConnectionTimeout     = "connection_timeout"
	EventMalwareSignature      = "malware_signature"
	EventPrivilegeEscalation   = "privilege_escalation"
	EventDataExfiltration      = "data_exfiltration"
	EventDNSQuery              = "dns_query"
	EventServiceStart          = "service_start"
	EventServiceStop           = "service_stop"
	EventConfigChange          = "config_change"
)

// EventSeverity is the severity assigned to each known event type.
var EventSeverity = map[string]Severity{
	EventAuthSuccess:           SeverityLow,
	EventAuthFailure:           SeverityMedium,
	EventFirewallAllow:         SeverityLow,
	EventFirewallDrop:          SeverityMedium,
	EventFirewallReject:        SeverityMedium,
	EventPortScan:              SeverityHigh,
	EventConnectionEstablished: SeverityLow,
	EventConnectionTimeout:     SeverityLow,
	EventMalwareSignature:      SeverityCritical,
	EventPrivilegeEscalation:   SeverityCritical,
	EventDataExfiltration:      SeverityCritical,
	EventDNSQuery:              SeverityLow,
	EventServiceStart:          SeverityLow,
	EventServiceStop:           SeverityMedium,
	EventConfigChange:          SeverityHigh,
}

// Geo is the optional location of an event source. All fields are present together or not at all.
type Geo struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Mitre is an ATT&CK tactic/technique pair.
type Mitre struct {
	Tactic    string `json:"mitre_tactic"`
	Technique string `json:"mitre_technique"`
}

// Event is one observed security-relevant occurrence. Events are immutable once persisted.
// ID is assigned by the event store and is only set on events read back from it.
type Event struct {
	ID            int64    `json:"id,omitempty"`
	Timestamp     float64  `json:"timestamp"`
	SourceIP      string   `json:"source_ip"`
	DestIP        string   `json:"dest_ip"`
	DestPort      *int     `json:"dest_port"`
	Protocol      string   `json:"protocol"`
	EventType     string   `json:"event_type"`
	Severity      Severity `json:"severity"`
	SeverityScore int      `json:"severity_score"`
	RawLog        string   `json:"raw_log"`
	Message       string   `json:"message"`
	Username      *string  `json:"username"`
	*Geo
	*Mitre
	Flagged bool `json:"flagged"`
}

// Validate checks the fields the store relies on.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is empty")
	}
	if _, ok := severityBands[e.Severity]; !ok {
		return fmt.Errorf("unknown severity %d", int(e.Severity))
	}
	if !e.Severity.ScoreInBand(e.SeverityScore) {
		b := e.Severity.Band()
		return fmt.Errorf("severity_score %d outside %s band [%d,%d]", e.SeverityScore, e.Severity, b.Min, b.Max)
	}
	return nil
}

// IntPtr and StrPtr build the optional event fields.
func IntPtr(v int) *int { return &v }

func StrPtr(v string) *string { return &v }

// SourceMultiple is the alert source used when an alert aggregates many sources.
const SourceMultiple = "multiple"

// Alert types emitted by the correlator.
const (
	AlertBruteForce = "brute_force"
	AlertPortScan   = "port_scan"
	AlertDDoS       = "ddos_suspected"
)

// Alert is an analyst-facing finding produced when a correlation rule crosses its threshold.
type Alert struct {
	ID            int64    `json:"id,omitempty"`
	Timestamp     float64  `json:"timestamp"`
	AlertType     string   `json:"alert_type"`
	Severity      Severity `json:"severity"`
	SeverityScore int      `json:"severity_score"`
	SourceIP      string   `json:"source_ip"`
	Description   string   `json:"description"`
	*Mitre
	EventCount   int    `json:"event_count"`
	Acknowledged bool   `json:"acknowledged"`
	AnalystNotes string `json:"analyst_notes"`
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// ThreatIntelRecord tracks hits from an address on the threat-intel list.
type ThreatIntelRecord struct {
	IP         string  `json:"ip"`
	ThreatType string  `json:"threat_type"`
	Confidence int     `json:"confidence"`
	FirstSeen  float64 `json:"first_seen"`
	LastSeen   float64 `json:"last_seen"`
	HitCount   int     `json:"hit_count"`
}

// DefaultThreatConfidence is assigned to a threat-intel record on its first hit.
const DefaultThreatConfidence = 85

// MitreMapping is the fixed rule/activity to ATT&CK mapping.
var MitreMapping = map[string]Mitre{
	AlertBruteForce:  {Tactic: "Credential Access", Technique: "T1110"},
	AlertPortScan:    {Tactic: "Discovery", Technique: "T1046"},
	AlertDDoS:        {Tactic: "Impact", Technique: "T1498"},
	"malware_beacon": {Tactic: "Command and Control", Technique: "T1071"},
	"data_exfil":     {Tactic: "Exfiltration", Technique: "T1041"},
	"privilege_esc":  {Tactic: "Privilege Escalation", Technique: "T1068"},
}

// eventMitre maps event types to the ATT&CK activity they indicate.
var eventMitre = map[string]string{
	EventAuthFailure:         AlertBruteForce,
	EventPortScan:            AlertPortScan,
	EventMalwareSignature:    "malware_beacon",
	EventDataExfiltration:    "data_exfil",
	EventPrivilegeEscalation: "privilege_esc",
}

// MitreForEvent returns the ATT&CK mapping of an event type, or nil.
func MitreForEvent(eventType string) *Mitre {
	return MitreFor(eventMitre[eventType])
}

// ThreatIntelIPs is the static list of known-bad addresses. Events from them are flagged.
var ThreatIntelIPs = []string{
	"185.220.101.34", "45.155.205.233", "89.248.167.131",
	"171.25.193.78", "62.102.148.68", "194.26.29.120",
	"23.129.64.210", "185.56.80.65", "91.219.236.222",
	"198.98.56.149",
}

var threatIntelSet = func() map[string]bool {
	m := make(map[string]bool, len(ThreatIntelIPs))
	for _, ip := range ThreatIntelIPs {
		m[ip] = true
	}
	return m
}()

// IsThreatIntelIP reports whether ip is on the threat-intel list.
func IsThreatIntelIP(ip string) bool {
	return threatIntelSet[ip]
}

// MitreFor returns a copy of the mapping for key, or nil if there is none.
func MitreFor(key string) *Mitre {
	m, ok := MitreMapping[key]
	if !ok {
		return nil
	}
	return &m
}
