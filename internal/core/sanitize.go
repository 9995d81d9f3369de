package core

import "html"

func escapePtr(s *string) *string {
	if s == nil {
		return nil
	}
	return StrPtr(html.EscapeString(*s))
}

// Escaped returns a copy of the event with every string field HTML-escaped,
// for responses rendered by browsers.
func (e Event) Escaped() Event {
	e.SourceIP = html.EscapeString(e.SourceIP)
	e.DestIP = html.EscapeString(e.DestIP)
	e.Protocol = html.EscapeString(e.Protocol)
	e.EventType = html.EscapeString(e.EventType)
	e.RawLog = html.EscapeString(e.RawLog)
	e.Message = html.EscapeString(e.Message)
	e.Username = escapePtr(e.Username)
	if e.Geo != nil {
		g := *e.Geo
		g.Country = html.EscapeString(g.Country)
		g.City = html.EscapeString(g.City)
		e.Geo = &g
	}
	if e.Mitre != nil {
		m := *e.Mitre
		m.Tactic = html.EscapeString(m.Tactic)
		m.Technique = html.EscapeString(m.Technique)
		e.Mitre = &m
	}
	return e
}

// EscapeEvents escapes a slice of events into a new slice.
func EscapeEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i := range events {
		out[i] = events[i].Escaped()
	}
	return out
}

// Escaped returns a copy of the alert with its string fields HTML-escaped.
// AnalystNotes are escaped when stored and are left as is.
func (a Alert) Escaped() Alert {
	a.AlertType = html.EscapeString(a.AlertType)
	a.SourceIP = html.EscapeString(a.SourceIP)
	a.Description = html.EscapeString(a.Description)
	if a.Mitre != nil {
		m := *a.Mitre
		m.Tactic = html.EscapeString(m.Tactic)
		m.Technique = html.EscapeString(m.Technique)
		a.Mitre = &m
	}
	return a
}

// EscapeAlerts escapes a slice of alerts into a new slice.
func EscapeAlerts(alerts []Alert) []Alert {
	out := make([]Alert, len(alerts))
	for i := range alerts {
		out[i] = alerts[i].Escaped()
	}
	return out
}
