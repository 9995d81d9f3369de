package main

// ---------------------------------------------------------------------------
// banner.go: banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
    ┌────────────────────────────────────────────┐
    │   SIEM  ·  ingest · correlate · dashboard  │
    └────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "siem v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

type commandHelp struct {
	name, summary, usage string
	examples             []string
}

var helpTopics = []commandHelp{
	{"up", "Start the engine, ingestion cycle and API server", "siem up [--config path] [--log-level level] [--dry-run] [--quiet]",
		[]string{"siem up", "siem up --config /etc/siem/siem.yaml --log-level debug"}},
	{"stats", "Show dashboard totals from a running instance", "siem stats [--since 1h] [--until now] [--format table|json|csv]",
		[]string{"siem stats --since 24h"}},
	{"alerts", "List alerts, or show one with 'alerts get <id>'", "siem alerts [--limit n] [--severity level] [--unacked] [--format table|json|csv|sarif]",
		[]string{"siem alerts --severity high", "siem alerts get 42", "siem alerts --format sarif --output alerts.sarif"}},
	{"ack", "Acknowledge an alert", "siem ack <alert-id>", []string{"siem ack 42"}},
	{"note", "Set an alert's analyst note", "siem note <alert-id> <text>", []string{`siem note 42 "blocked at edge firewall"`}},
	{"events", "List recent events", "siem events [--limit n] [--severity level] [--type t] [--source ip] [--since 1h]",
		[]string{"siem events --type auth_failure --since 15m"}},
	{"logs", "Fetch recent log lines from a running instance", "siem logs [--lines n] [--level level] [--follow]",
		[]string{"siem logs --follow"}},
	{"config", "Show, validate or set configuration", "siem config [--validate] | siem config set <key> <value>",
		[]string{"siem config --validate", "siem config set correlation.brute_force.threshold 10"}},
	{"version", "Print version and build info", "siem version", nil},
	{"help", "Show help for a command", "siem help <command>", nil},
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  siem <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, h := range helpTopics {
		fmt.Fprintf(w, "  %-10s  %s\n", bold(h.name), h.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: SIEM_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key (env: SIEM_API_KEY)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--host, --port", "API address override (env: SIEM_HOST, SIEM_PORT)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\nRun %s for detailed help on any command.\n\n", bold("siem help <command>"))
}

func cmdHelp(w io.Writer, name string) {
	for _, h := range helpTopics {
		if h.name != name {
			continue
		}
		fmt.Fprintf(w, "%s\n\n  %s\n\n", bold(h.name), h.summary)
		fmt.Fprintf(w, "%s\n\n  %s\n", bold("USAGE"), h.usage)
		if len(h.examples) > 0 {
			fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
			for _, ex := range h.examples {
				fmt.Fprintf(w, "  %s\n", ex)
			}
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "No help for %q.", name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(w, " Did you mean %s?", bold(s))
	}
	fmt.Fprintln(w)
}
