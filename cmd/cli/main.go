package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomis52/goingest/app"
	"github.com/nomis52/goingest/buildinfo"
	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/metrics"
	"github.com/nomis52/goingest/scheduler"
)

type Args struct {
	ConfigPath  string
	LogicalTime string
	ShowVersion bool
	Validate    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ShowVersion {
		fmt.Println(buildinfo.Get())
		return nil
	}

	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logical := time.Now().UTC().Truncate(time.Second)
	if args.LogicalTime != "" {
		if logical, err = time.Parse(time.RFC3339, args.LogicalTime); err != nil {
			return fmt.Errorf("invalid logical time %q: %w", args.LogicalTime, err)
		}
	}

	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	props := buildinfo.Get()
	logger.Info("goingest started",
		"version", props.Version,
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
	)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	var registry *metrics.PushRegistry
	var reg metrics.Registry
	if cfg.Monitoring.VictoriaMetricsURL != "" {
		registry = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.Monitoring.VictoriaMetricsURL,
			Prefix:   cfg.Monitoring.MetricsPrefix,
			Job:      cfg.Monitoring.JobName,
			Instance: hostname,
		})
		reg = registry
	}

	a, err := app.New(cfg, logger.Logger, reg)
	if err != nil {
		return err
	}

	runID, err := a.Runner.Trigger(scheduler.KindManual, logical)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling run", "signal", sig, "run_id", runID)
		_ = a.Runner.Cancel(runID)
	}()

	a.Runner.Wait()

	if registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metrics.DefaultTimeout)
		defer cancel()
		if err := registry.Flush(ctx); err != nil {
			logger.Error("failed to push metrics", "error", err)
		}
	}

	snap, err := a.Runner.Status(runID)
	if err != nil {
		return err
	}
	for _, ti := range snap.Tasks {
		fmt.Printf("%-10s %-16s attempts=%d %s\n", ti.TaskID, ti.State, ti.Attempt, ti.LastError)
	}
	if snap.State != scheduler.RunSuccess {
		return errors.New("run " + runID + " " + snap.State.String())
	}
	return nil
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	logicalTime := flag.String("logical-time", "", "Logical time of the run (RFC3339), defaults to now")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	validate := flag.Bool("validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRun the ingestion pipeline once\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/goingest/config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml --logical-time 2021-01-01T00:00:00Z\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config config.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}

	return Args{
		ConfigPath:  path,
		LogicalTime: *logicalTime,
		ShowVersion: *showVersion || *versionShort,
		Validate:    *validate,
	}
}
