package main

import (
	"flag"
	"fmt"
	"os"

	"idguard/internal/ingest"
	"idguard/internal/logging"
	"idguard/internal/normalize"
	"idguard/internal/profiles"
)

func cmdProfiles(args []string) int {
	if len(args) < 1 || args[0] != "build" {
		fmt.Fprintln(os.Stderr, "Usage: idguard profiles build -input <events.csv|events.jsonl> [-output <profiles.json|yaml>]")
		return 1
	}
	fs := flag.NewFlagSet("profiles build", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (yaml, json or toml)")
	input := fs.String("input", "", "event dataset: .csv, or JSON lines and key=value text (required)")
	output := fs.String("output", "", "profile file to write (defaults to profiles.path from config)")
	fs.Parse(args[1:])

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
	built := profiles.Build(events)
	path := cfg.Profiles.Path
	if *output != "" {
		path = *output
	}
	if err := profiles.Save(path, built); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving profiles: %v\n", err)
		return 1
	}
	fmt.Printf("Built %d identity profiles from %d events -> %s\n", len(built), len(events), path)
	return 0
}
