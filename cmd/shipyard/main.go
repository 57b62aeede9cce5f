// Shipyard is the autonomous issue-to-merged-PR daemon.
//
// It admits sessions over HTTP, drives them through planning,
// implementation and the quality pipeline, and schedules ready branches
// into pull requests.
//
// Usage:
//
//	# Start the daemon with .shipyard/config.yaml
//	shipyard
//
//	# Use another config file; SHIPYARD_* variables still override it
//	shipyard -config /etc/shipyard/config.yaml
//
//	shipyard version
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default .shipyard/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  shipyard [-config path]   Start the shipyard daemon\n")
			fmt.Fprintf(os.Stderr, "  shipyard version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("shipyard: %v", err)
	}
}

func printVersion() {
	fmt.Printf("shipyard by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
