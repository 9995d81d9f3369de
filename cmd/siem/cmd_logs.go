package main

// ---------------------------------------------------------------------------
// cmd_logs.go: fetch recent logs, with --follow for real-time tailing
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

type logsResponse struct {
	Logs  []core.LogEntry `json:"logs"`
	Total int             `json:"total"`
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	client := addClientFlags(fs)
	lines := fs.Int("lines", 50, "Number of log lines to fetch")
	level := fs.String("level", "", "Only show entries at this level")
	follow := fs.Bool("follow", false, "Continuously poll for new log entries (like tail -f)")
	fs.BoolVar(follow, "f", false, "Continuously poll for new log entries (like tail -f)")
	pollStr := fs.String("poll-interval", "2s", "Poll interval for --follow mode")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	fs.Parse(args)

	pollInterval, err := time.ParseDuration(*pollStr)
	if err != nil {
		errorf("invalid poll-interval %q: %v", *pollStr, err)
	}
	base, apiKey, timeout := client.resolve()

	fetch := func(limit int) (*logsResponse, []byte, error) {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if *level != "" {
			q.Set("level", *level)
		}
		body, err := apiGet(base+"/api/v1/logs?"+q.Encode(), apiKey, timeout)
		if err != nil {
			return nil, nil, err
		}
		var resp logsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, body, fmt.Errorf("parsing response: %w", err)
		}
		return &resp, body, nil
	}

	if *follow {
		followLogs(fetch, *lines, pollInterval)
		return
	}

	resp, body, err := fetch(*lines)
	if err != nil {
		errorf("%v", err)
	}
	if *jsonOut {
		fmt.Println(string(body))
		return
	}
	if len(resp.Logs) == 0 {
		fmt.Printf("%s No log entries found.\n", dim("▸"))
		return
	}
	for _, e := range resp.Logs {
		printLogEntry(os.Stdout, e)
	}
}

// followLogs polls until interrupted, printing only entries not yet shown.
func followLogs(fetch func(int) (*logsResponse, []byte, error), initial int, pollInterval time.Duration) {
	fmt.Fprintf(os.Stderr, "%s Tailing logs (Ctrl+C to stop)...\n\n", dim("▸"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastKey := ""
	limit := initial
	for {
		if resp, _, err := fetch(limit); err == nil {
			var fresh []core.LogEntry
			fresh, lastKey = newLogEntries(resp.Logs, lastKey)
			for _, e := range fresh {
				printLogEntry(os.Stdout, e)
			}
			limit = 100
		}

		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "\n%s Log tailing stopped.\n", dim("▸"))
			return
		case <-ticker.C:
		}
	}
}

func logKey(e core.LogEntry) string {
	return e.Timestamp.Format(time.RFC3339Nano) + "|" + e.Raw
}

// newLogEntries returns the entries after the one identified by lastKey and
// the key of the newest entry. If lastKey is empty or no longer in the
// window, every entry is new.
func newLogEntries(entries []core.LogEntry, lastKey string) ([]core.LogEntry, string) {
	if len(entries) == 0 {
		return nil, lastKey
	}
	start := 0
	if lastKey != "" {
		for i := len(entries) - 1; i >= 0; i-- {
			if logKey(entries[i]) == lastKey {
				start = i + 1
				break
			}
		}
	}
	return entries[start:], logKey(entries[len(entries)-1])
}

func printLogEntry(w io.Writer, e core.LogEntry) {
	if raw := strings.TrimSpace(e.Raw); raw != "" {
		fmt.Fprintln(w, raw)
		return
	}
	fmt.Fprintf(w, "%s %s\n", dim(e.Timestamp.Local().Format(time.DateTime)), e.Message)
}
