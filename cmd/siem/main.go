package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the siem CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "--version", "-V":
		printVersion(os.Stdout)
		os.Exit(0)
	case "--help", "-h", "help":
		if len(os.Args) >= 3 {
			cmdHelp(os.Stdout, os.Args[2])
		} else {
			printUsage(os.Stdout)
		}
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	if hasFlag(args, "-h", "--help") {
		cmdHelp(os.Stdout, subcmd)
		os.Exit(0)
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "stats":
		cmdStats(args)
	case "alerts":
		cmdAlerts(args)
	case "ack":
		cmdAck(args)
	case "note":
		cmdNote(args)
	case "events":
		cmdEvents(args)
	case "logs":
		cmdLogs(args)
	case "config":
		cmdConfig(args)
	case "version":
		printVersion(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
