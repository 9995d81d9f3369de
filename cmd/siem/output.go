package main

// ---------------------------------------------------------------------------
// output.go: format flag, table rendering, SARIF, CSV, output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
	FormatCSV
	FormatSARIF
)

// parseFormat converts a --format string to an OutputFormat.
func parseFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	case "sarif":
		return FormatSARIF
	default:
		return FormatTable
	}
}

// ---------------------------------------------------------------------------
// Table renderer: auto-sized columns with box-drawing borders
// ---------------------------------------------------------------------------

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Render writes the table with box-drawing borders.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	line := func(left, sep, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				b.WriteString(sep)
			}
		}
		b.WriteString(right)
		return b.String()
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %-*s │", widths[i], cell)
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, line("┌", "┬", "┐"))
	printRow(t.headers)
	fmt.Fprintln(t.w, line("├", "┼", "┤"))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, line("└", "┴", "┘"))
}

func writeCSV(w io.Writer, headers []string, rows [][]string) {
	cw := csv.NewWriter(w)
	cw.Write(headers)
	for _, row := range rows {
		cw.Write(row)
	}
	cw.Flush()
}

func writeJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		errorf("marshaling output: %v", err)
	}
	fmt.Fprintln(w, string(data))
}

// ---------------------------------------------------------------------------
// SARIF output helper (minimal SARIF 2.1.0 for code-scanning dashboards)
// ---------------------------------------------------------------------------

type sarifReport struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type sarifResult struct {
	RuleID  string       `json:"ruleId"`
	Level   string       `json:"level"`
	Message sarifMessage `json:"message"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

func sarifLevel(sev core.Severity) string {
	switch sev {
	case core.SeverityCritical, core.SeverityHigh:
		return "error"
	case core.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}

func writeSARIF(w io.Writer, alerts []core.Alert, ver string) {
	results := make([]sarifResult, 0, len(alerts))
	for _, a := range alerts {
		rule := a.AlertType
		if a.Mitre != nil {
			rule += "/" + a.Technique
		}
		results = append(results, sarifResult{
			RuleID:  rule,
			Level:   sarifLevel(a.Severity),
			Message: sarifMessage{Text: a.Description},
		})
	}

	writeJSON(w, sarifReport{
		Schema:  "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/main/sarif-2.1/schema/sarif-schema-2.1.0.json",
		Version: "2.1.0",
		Runs: []sarifRun{{
			Tool:    sarifTool{Driver: sarifDriver{Name: "siem", Version: ver}},
			Results: results,
		}},
	})
}

// formatEpoch renders epoch seconds as a local timestamp.
func formatEpoch(ts float64) string {
	if ts <= 0 {
		return "-"
	}
	return core.TimeFromEpoch(ts).Local().Format(time.DateTime)
}

// orDash renders an empty or nil value as "-".
func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// outputWriter writes to the file at path, or stdout when path is empty or "-".
func outputWriter(path string) (*os.File, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		errorf("opening output file %q: %v", path, err)
	}
	return f, func() { f.Close() }
}
