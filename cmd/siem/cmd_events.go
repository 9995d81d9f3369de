package main

// ---------------------------------------------------------------------------
// cmd_events.go: list recent events from a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"net/url"
	"strconv"

	"github.com/1sec-project/siem/internal/core"
)

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	client := addClientFlags(fs)
	limit := fs.Int("limit", 50, "Maximum events to fetch")
	severity := fs.String("severity", "", "Exact severity: low, medium, high, critical")
	eventType := fs.String("type", "", "Filter by event type, e.g. auth_failure")
	source := fs.String("source", "", "Filter by source IP")
	since := fs.String("since", "", "Range start: epoch seconds, RFC 3339, or relative (15m, 1h, 7d)")
	until := fs.String("until", "", "Range end, same forms as --since")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	base, apiKey, timeout := client.resolve()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *severity != "" {
		q.Set("severity", *severity)
	}
	if *eventType != "" {
		q.Set("event_type", *eventType)
	}
	if *source != "" {
		q.Set("source_ip", *source)
	}
	rangeQuery(q, *since, *until)

	body, err := apiGet(base+"/api/v1/events?"+q.Encode(), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	var events []core.Event
	if err := json.Unmarshal(body, &events); err != nil {
		errorf("parsing response: %v", err)
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	switch parseFormat(*format) {
	case FormatJSON:
		writeJSON(w, events)
		return
	case FormatCSV:
		headers := []string{"id", "timestamp", "event_type", "severity", "score", "source_ip", "dest_ip", "dest_port", "protocol", "username", "flagged", "message"}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, eventRow(ev, strconv.FormatFloat(ev.Timestamp, 'f', 3, 64)))
		}
		writeCSV(w, headers, rows)
		return
	}

	if len(events) == 0 {
		fmt.Fprintf(w, "%s No events found.\n", dim("▸"))
		return
	}

	fmt.Fprintf(w, "%s Events (%d)\n\n", bold("▸"), len(events))
	tbl := NewTable(w, "TIME", "TYPE", "SEVERITY", "SOURCE", "DEST", "PORT", "USER", "TI")
	for _, ev := range events {
		row := eventRow(ev, formatEpoch(ev.Timestamp))
		ti := ""
		if ev.Flagged {
			ti = "!"
		}
		tbl.AddRow(row[1], row[2], row[3], row[5], row[6], row[7], row[9], ti)
	}
	tbl.Render()
	fmt.Fprintln(w)
}

// eventRow flattens an event for tabular output, unescaping the API's
// HTML-escaped strings.
func eventRow(ev core.Event, ts string) []string {
	port := "-"
	if ev.DestPort != nil {
		port = strconv.Itoa(*ev.DestPort)
	}
	return []string{
		strconv.FormatInt(ev.ID, 10),
		ts,
		ev.EventType,
		ev.Severity.String(),
		strconv.Itoa(ev.SeverityScore),
		html.UnescapeString(ev.SourceIP),
		html.UnescapeString(ev.DestIP),
		port,
		ev.Protocol,
		html.UnescapeString(orDash(ev.Username)),
		strconv.FormatBool(ev.Flagged),
		html.UnescapeString(ev.Message),
	}
}
