package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nomis52/goingest/app"
	"github.com/nomis52/goingest/buildinfo"
	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/metrics"
	"github.com/nomis52/goingest/server"
	"github.com/nomis52/goingest/trigger"
)

type Args struct {
	ConfigPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	props := buildinfo.Get()
	logger.Info("goingest server started",
		"version", props.Version,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
	)

	registry, err := metrics.NewScrapeRegistry()
	if err != nil {
		return fmt.Errorf("failed to create metrics registry: %w", err)
	}

	a, err := app.New(cfg, logger.Logger, registry)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, a.Runner, logger.Logger,
		server.WithTrigger(trigger.New(a.DAG, a.Runner, logger.Logger)),
		server.WithMetricsHandler(registry.Handler()),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ngoingest server - scheduled ingestion with an HTTP API\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/goingest/config.yaml\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}

	return Args{ConfigPath: path}
}
