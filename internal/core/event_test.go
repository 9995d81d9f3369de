package core

import (
	"encoding/json"
	"strings"
	"testing"
)

// ─── Severity ───────────────────────────────────────────────────────────────

func TestSeverity_String(t *testing.T) {
	cases := []struct {
		s    Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Error("severity levels should be ordered low < medium < high < critical")
	}
}

func TestSeverity_Bands(t *testing.T) {
	cases := []struct {
		s        Severity
		min, max int
	}{
		{SeverityCritical, 9, 10},
		{SeverityHigh, 7, 8},
		{SeverityMedium, 4, 6},
		{SeverityLow, 1, 3},
	}
	for _, tc := range cases {
		b := tc.s.Band()
		if b.Min != tc.min || b.Max != tc.max {
			t.Errorf("%s band = [%d,%d], want [%d,%d]", tc.s, b.Min, b.Max, tc.min, tc.max)
		}
		if !tc.s.ScoreInBand(tc.min) || !tc.s.ScoreInBand(tc.max) {
			t.Errorf("%s should accept its band edges", tc.s)
		}
		if tc.s.ScoreInBand(tc.min-1) || tc.s.ScoreInBand(tc.max+1) {
			t.Errorf("%s should reject scores outside its band", tc.s)
		}
	}
	if SeverityUnknown.ScoreInBand(0) {
		t.Error("unknown severity has no band")
	}
}

func TestParseSeverity(t *testing.T) {
	for _, name := range []string{"low", "Medium", " HIGH ", "critical"} {
		if _, ok := ParseSeverity(name); !ok {
			t.Errorf("ParseSeverity(%q) failed", name)
		}
	}
	if _, ok := ParseSeverity("info"); ok {
		t.Error("ParseSeverity(info) should fail")
	}
}

func TestSeverity_JSON_RoundTrip(t *testing.T) {
	for _, s := range AllSeverities {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%v) error: %v", s, err)
		}
		var got Severity
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", data, err)
		}
		if got != s {
			t.Errorf("round trip %v -> %s -> %v", s, data, got)
		}
	}
}

func TestSeverity_UnmarshalJSON_Unknown(t *testing.T) {
	var s Severity
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if s != SeverityUnknown {
		t.Errorf("unknown name should decode to SeverityUnknown, got %v", s)
	}
}

// ─── Event ──────────────────────────────────────────────────────────────────

func TestEventSeverity_AllTypesMapped(t *testing.T) {
	types := []string{
		EventAuthSuccess, EventAuthFailure, EventFirewallAllow, EventFirewallDrop,
		EventFirewallReject, EventPortScan, EventConnectionEstablished, EventConnectionTimeout,
		EventMalwareSignature, EventPrivilegeEscalation, EventDataExfiltration, EventDNSQuery,
		EventServiceStart, EventServiceStop, EventConfigChange,
	}
	for _, typ := range types {
		if _, ok := EventSeverity[typ]; !ok {
			t.Errorf("event type %s has no severity", typ)
		}
	}
	if len(EventSeverity) != len(types) {
		t.Errorf("EventSeverity has %d entries, want %d", len(EventSeverity), len(types))
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{EventType: EventAuthFailure, Severity: SeverityMedium, SeverityScore: 5}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	cases := []struct {
		name string
		mut  func(e *Event)
		want string
	}{
		{"empty type", func(e *Event) { e.EventType = "" }, "event_type"},
		{"unknown severity", func(e *Event) { e.Severity = SeverityUnknown }, "unknown severity"},
		{"score outside band", func(e *Event) { e.SeverityScore = 9 }, "outside medium band"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mut(&e)
			err := e.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestEvent_JSON_OptionalFields(t *testing.T) {
	e := Event{
		Timestamp:     1700000000.25,
		SourceIP:      "10.0.0.1",
		EventType:     EventDNSQuery,
		Severity:      SeverityLow,
		SeverityScore: 1,
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"dest_port":null`, `"username":null`, `"severity":"low"`, `"flagged":false`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded event missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "country") || strings.Contains(s, "mitre_tactic") {
		t.Errorf("absent geo and mitre should not be encoded: %s", s)
	}

	e.Geo = &Geo{Country: "DE", City: "Berlin", Latitude: 52.5, Longitude: 13.4}
	e.Mitre = MitreForEvent(EventPortScan)
	data, _ = json.Marshal(e)
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if back.Geo == nil || back.Geo.City != "Berlin" || back.Mitre == nil || back.Mitre.Technique != "T1046" {
		t.Errorf("decoded event = %+v", back)
	}
}

// ─── MITRE and threat intel ─────────────────────────────────────────────────

func TestMitreForEvent(t *testing.T) {
	cases := map[string]string{
		EventAuthFailure:         "T1110",
		EventPortScan:            "T1046",
		EventMalwareSignature:    "T1071",
		EventDataExfiltration:    "T1041",
		EventPrivilegeEscalation: "T1068",
	}
	for typ, technique := range cases {
		m := MitreForEvent(typ)
		if m == nil || m.Technique != technique {
			t.Errorf("MitreForEvent(%s) = %+v, want %s", typ, m, technique)
		}
	}
	if MitreForEvent(EventDNSQuery) != nil {
		t.Error("dns_query has no MITRE mapping")
	}
}

func TestMitreFor_ReturnsCopy(t *testing.T) {
	m := MitreFor(AlertDDoS)
	m.Technique = "changed"
	if MitreFor(AlertDDoS).Technique != "T1498" {
		t.Error("MitreFor must not expose the shared mapping")
	}
}

func TestIsThreatIntelIP(t *testing.T) {
	for _, ip := range ThreatIntelIPs {
		if !IsThreatIntelIP(ip) {
			t.Errorf("%s should be on the list", ip)
		}
	}
	if IsThreatIntelIP("10.0.0.1") {
		t.Error("private address should not be on the list")
	}
}
