package main

// ---------------------------------------------------------------------------
// cmd_alerts.go: list, inspect, acknowledge and annotate alerts
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"os"
	"strconv"

	"github.com/1sec-project/siem/internal/core"
)

func cmdAlerts(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "get":
			cmdAlertsGet(args[1:])
			return
		case "ack", "acknowledge":
			cmdAck(args[1:])
			return
		case "note":
			cmdNote(args[1:])
			return
		}
	}

	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	client := addClientFlags(fs)
	severity := fs.String("severity", "", "Minimum severity: low, medium, high, critical")
	unacked := fs.Bool("unacked", false, "Only show unacknowledged alerts")
	alertType := fs.String("type", "", "Filter by alert type: brute_force, port_scan, ddos_suspected")
	limit := fs.Int("limit", 50, "Maximum alerts to fetch")
	format := fs.String("format", "table", "Output format: table, json, csv, sarif")
	jsonOut := fs.Bool("json", false, "Output raw JSON (shorthand for --format json)")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	minSev := core.SeverityUnknown
	if *severity != "" {
		var ok bool
		if minSev, ok = core.ParseSeverity(*severity); !ok {
			errorf("invalid severity %q (low, medium, high, critical)", *severity)
		}
	}
	base, apiKey, timeout := client.resolve()

	body, err := apiGet(fmt.Sprintf("%s/api/v1/alerts?limit=%d", base, *limit), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	var alerts []core.Alert
	if err := json.Unmarshal(body, &alerts); err != nil {
		errorf("parsing response: %v", err)
	}
	alerts = filterAlerts(alerts, minSev, *alertType, *unacked)

	w, cleanup := outputWriter(*output)
	defer cleanup()

	switch parseFormat(*format) {
	case FormatJSON:
		writeJSON(w, alerts)
		return
	case FormatSARIF:
		writeSARIF(w, alerts, version)
		return
	case FormatCSV:
		headers := []string{"id", "timestamp", "type", "severity", "score", "source_ip", "events", "acknowledged", "description"}
		rows := make([][]string, 0, len(alerts))
		for _, a := range alerts {
			rows = append(rows, []string{
				strconv.FormatInt(a.ID, 10),
				strconv.FormatFloat(a.Timestamp, 'f', 3, 64),
				a.AlertType,
				a.Severity.String(),
				strconv.Itoa(a.SeverityScore),
				a.SourceIP,
				strconv.Itoa(a.EventCount),
				strconv.FormatBool(a.Acknowledged),
				html.UnescapeString(a.Description),
			})
		}
		writeCSV(w, headers, rows)
		return
	}

	if len(alerts) == 0 {
		fmt.Fprintf(w, "%s No alerts found.\n", dim("▸"))
		return
	}

	fmt.Fprintf(w, "%s Alerts (%d)\n\n", bold("🔔"), len(alerts))
	tbl := NewTable(w, "ID", "TIME", "SEVERITY", "TYPE", "SOURCE", "EVENTS", "ACK")
	for _, a := range alerts {
		ack := "no"
		if a.Acknowledged {
			ack = "yes"
		}
		tbl.AddRow(
			strconv.FormatInt(a.ID, 10),
			formatEpoch(a.Timestamp),
			a.Severity.String(),
			a.AlertType,
			html.UnescapeString(a.SourceIP),
			strconv.Itoa(a.EventCount),
			ack,
		)
	}
	tbl.Render()
	fmt.Fprintln(w)
}

// filterAlerts keeps alerts at or above minSev, of alertType when set, and
// unacknowledged when unackedOnly is set.
func filterAlerts(alerts []core.Alert, minSev core.Severity, alertType string, unackedOnly bool) []core.Alert {
	out := alerts[:0:0]
	for _, a := range alerts {
		if a.Severity < minSev {
			continue
		}
		if alertType != "" && a.AlertType != alertType {
			continue
		}
		if unackedOnly && a.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	return out
}

// alertIDArg parses the first positional argument as an alert id.
func alertIDArg(fs *flag.FlagSet, usage string) int64 {
	if fs.NArg() == 0 {
		errorf("alert ID required: usage: %s", usage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		errorf("invalid alert ID %q", fs.Arg(0))
	}
	return id
}

func cmdAlertsGet(args []string) {
	fs := flag.NewFlagSet("alerts-get", flag.ExitOnError)
	client := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	fs.Parse(args)

	id := alertIDArg(fs, "siem alerts get <alert-id>")
	base, apiKey, timeout := client.resolve()

	body, err := apiGet(fmt.Sprintf("%s/api/v1/alerts/%d", base, id), apiKey, timeout)
	if err != nil {
		errorf("%v", err)
	}
	if *jsonOut {
		fmt.Println(string(body))
		return
	}

	var a core.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		errorf("parsing response: %v", err)
	}

	fmt.Printf("%s Alert Detail\n\n", bold("🔔"))
	fmt.Printf("  %-16s %d\n", "ID:", a.ID)
	fmt.Printf("  %-16s %s\n", "Type:", a.AlertType)
	fmt.Printf("  %-16s %s (%d)\n", "Severity:", severityColor(a.Severity)(a.Severity.String()), a.SeverityScore)
	fmt.Printf("  %-16s %s\n", "Source:", html.UnescapeString(a.SourceIP))
	fmt.Printf("  %-16s %d\n", "Events:", a.EventCount)
	fmt.Printf("  %-16s %s\n", "Time:", formatEpoch(a.Timestamp))
	fmt.Printf("  %-16s %v\n", "Acknowledged:", a.Acknowledged)
	if a.Mitre != nil {
		fmt.Printf("  %-16s %s (%s)\n", "MITRE:", a.Technique, a.Tactic)
	}
	fmt.Printf("  %-16s %s\n", "Description:", html.UnescapeString(a.Description))
	if a.AnalystNotes != "" {
		fmt.Printf("  %-16s %s\n", "Notes:", html.UnescapeString(a.AnalystNotes))
	}
	fmt.Println()
}

func cmdAck(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	client := addClientFlags(fs)
	fs.Parse(args)

	id := alertIDArg(fs, "siem ack <alert-id>")
	base, apiKey, timeout := client.resolve()

	if _, err := apiPost(fmt.Sprintf("%s/api/v1/alerts/%d/ack", base, id), []byte("{}"), apiKey, timeout); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Alert %d acknowledged\n", green("✓"), id)
}

func cmdNote(args []string) {
	fs := flag.NewFlagSet("note", flag.ExitOnError)
	client := addClientFlags(fs)
	fs.Parse(args)

	id := alertIDArg(fs, "siem note <alert-id> <text>")
	if fs.NArg() < 2 {
		errorf("note text required: usage: siem note <alert-id> <text>")
	}
	payload, _ := json.Marshal(map[string]string{"note": fs.Arg(1)})
	base, apiKey, timeout := client.resolve()

	if _, err := apiPost(fmt.Sprintf("%s/api/v1/alerts/%d/note", base, id), payload, apiKey, timeout); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Note saved on alert %d\n", green("✓"), id)
}
