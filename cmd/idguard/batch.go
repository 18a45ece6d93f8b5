package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"idguard/internal/engine"
	"idguard/internal/ingest"
	"idguard/internal/logging"
	"idguard/internal/model"
	"idguard/internal/normalize"
	"idguard/internal/profiles"
)

func cmdBatch(args []string) int {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (yaml, json or toml)")
	input := fs.String("input", "", "event dataset: .csv, or JSON lines and key=value text (required)")
	output := fs.String("output", "", "write alerts as JSON to this file")
	profilePath := fs.String("profiles", "", "profile file (defaults to profiles.path from config)")
	show := fs.Int("show", 5, "number of narratives to print")
	fs.Parse(args)

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: -input is required")
		fs.Usage()
		return 1
	}
	cfgMgr, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	events, err := ingest.LoadDataset(*input, normalize.NewNormalizer(cfg), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading dataset: %v\n", err)
		return 1
	}
	path := cfg.Profiles.Path
	if *profilePath != "" {
		path = *profilePath
	}
	prof, err := profiles.Open(path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading profiles: %v\n", err)
		return 1
	}

	eng := engine.NewEngine(cfg, logger, engine.Options{Profiles: prof})
	alerts, err := eng.RunBatch(context.Background(), events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running batch: %v\n", err)
		return 1
	}

	printSummary(len(events), alerts)
	for i, a := range alerts {
		if i >= *show {
			break
		}
		fmt.Println(strings.Repeat("-", 60))
		fmt.Println(a.Narrative)
	}

	if *output != "" {
		if err := writeAlerts(*output, alerts); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing alerts: %v\n", err)
			return 1
		}
		fmt.Printf("\nAlerts written to %s\n", *output)
	}
	return 0
}

func printSummary(events int, alerts []model.Alert) {
	counts := map[model.Severity]int{}
	for _, a := range alerts {
		counts[a.Severity]++
	}
	fmt.Printf("Events scored: %d\n", events)
	fmt.Printf("Alerts raised: %d\n", len(alerts))
	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		fmt.Printf("  %-8s %d\n", sev, counts[sev])
	}
}

func writeAlerts(path string, alerts []model.Alert) error {
	if alerts == nil {
		alerts = []model.Alert{}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
