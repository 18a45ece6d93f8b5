// idguard scores identity events for intrusion risk and raises alerts.
//
//	idguard serve             Run producers, the streaming engine and the HTTP API
//	idguard batch             Score an event dataset and print attack narratives
//	idguard profiles build    Build identity baselines from an event dataset
package main

import (
	"fmt"
	"os"

	"idguard/internal/config"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var code int
	switch os.Args[1] {
	case "serve":
		code = cmdServe(os.Args[2:])
	case "batch":
		code = cmdBatch(os.Args[2:])
	case "profiles":
		code = cmdProfiles(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		code = 1
	}
	os.Exit(code)
}

func usage() {
	fmt.Println(`idguard - identity intrusion risk scoring

USAGE:
    idguard <command> [options]

COMMANDS:
    serve                 Run live detection (ssh, syslog, auditd, kafka, ml) and the API
    batch                 Score an event dataset (CSV or JSON lines)
    profiles build        Build identity risk profiles from an event dataset
    version               Print the version
    help                  Show this help message

Run 'idguard <command> -h' for command options.`)
}

// loadConfig returns a file-backed manager, or defaults when path is empty.
func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
