package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate, initialize or modify configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/1sec-project/siem/internal/core"
	"gopkg.in/yaml.v3"
)

func cmdConfig(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "set":
			cmdConfigSet(args[1:])
			return
		case "init":
			cmdConfigInit(args[1:])
			return
		}
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	output := fs.String("output", "", "Write output to file")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *jsonOut {
		*format = "json"
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		warnings, errs := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		if len(errs) > 0 {
			fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(errs))
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "  - %s\n", e)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid (%s).\n", green("✓"), *configPath)
		return
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()

	if parseFormat(*format) == FormatJSON {
		writeJSON(w, cfg)
		return
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	fmt.Fprint(w, string(data))
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config-init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path to create")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if _, err := os.Stat(*configPath); err == nil && !*force {
		errorf("%s already exists, pass --force to overwrite", *configPath)
	}
	if err := os.MkdirAll(filepath.Dir(*configPath), 0o755); err != nil {
		errorf("creating config dir: %v", err)
	}
	if err := core.SaveConfig(core.DefaultConfig(), *configPath); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default config to %s\n", green("✓"), *configPath)
}

func cmdConfigSet(args []string) {
	fs := flag.NewFlagSet("config-set", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if fs.NArg() < 2 {
		errorf("usage: siem config set <key> <value>\n\nExamples:\n  siem config set server.port 8080\n  siem config set logging.level debug\n  siem config set correlation.ddos.threshold 100")
	}
	key, value := fs.Arg(0), fs.Arg(1)

	raw := map[string]any{}
	data, err := os.ReadFile(*configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		errorf("reading config: %v", err)
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			errorf("parsing config: %v", err)
		}
	}

	if err := setNestedValue(raw, strings.Split(key, "."), value); err != nil {
		errorf("setting %s: %v", key, err)
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		errorf("marshaling config: %v", err)
	}

	// Reject values the config type cannot hold before touching the file.
	check := core.DefaultConfig()
	if err := yaml.Unmarshal(out, check); err != nil {
		errorf("%s = %s does not fit the config: %v", key, value, err)
	}
	if _, errs := check.Validate(); len(errs) > 0 {
		errorf("%s = %s makes the config invalid: %s", key, value, strings.Join(errs, "; "))
	}

	if err := os.WriteFile(*configPath, out, 0644); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Set %s = %s in %s\n", green("✓"), bold(key), value, *configPath)
}

func setNestedValue(m map[string]any, path []string, value string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty key path")
	}
	if len(path) == 1 {
		m[path[0]] = parseValue(value)
		return nil
	}

	next, ok := m[path[0]]
	if !ok {
		next = map[string]any{}
		m[path[0]] = next
	}
	nextMap, ok := next.(map[string]any)
	if !ok {
		return fmt.Errorf("key %q is not a map", path[0])
	}
	return setNestedValue(nextMap, path[1:], value)
}
