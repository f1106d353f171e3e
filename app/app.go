// Package app wires a loaded configuration into a ready-to-use Runner.
// Both commands build their dependencies through it.
package app

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/logging"
	"github.com/nomis52/goingest/metrics"
	"github.com/nomis52/goingest/notify"
	"github.com/nomis52/goingest/pipeline"
	"github.com/nomis52/goingest/runner"
	"github.com/nomis52/goingest/runstore"
	"github.com/nomis52/goingest/scheduler"
)

// App holds the dependencies built from a config.
type App struct {
	Config  config.Config
	DAG     *dag.DAG
	Store   runstore.Store
	Runner  *runner.Runner
	Metrics *metrics.IngestMetrics
}

// New builds the ingestion DAG and a Runner for it. Metrics are recorded into
// reg when it is non-nil.
func New(cfg config.Config, logger *slog.Logger, reg metrics.Registry) (*App, error) {
	adapters, err := pipeline.NewAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}
	d, err := pipeline.Build(cfg, adapters)
	if err != nil {
		return nil, fmt.Errorf("building dag: %w", err)
	}

	store, err := NewStore(cfg.Scheduler, logger)
	if err != nil {
		return nil, err
	}

	var m *metrics.IngestMetrics
	if reg != nil {
		if m, err = metrics.NewIngestMetrics(reg); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	r := runner.New(d, store, logger,
		runner.WithTaskLogs(logging.NewTaskLogs(cfg.Scheduler.History)),
		runner.WithSchedulerOptions(
			scheduler.WithWorkers(cfg.Scheduler.Workers),
			scheduler.WithNotifier(NewNotifier(cfg.Notify, logger)),
			scheduler.WithNotifyTimeout(cfg.Notify.Timeout),
			scheduler.WithMetrics(m),
		),
	)

	return &App{Config: cfg, DAG: d, Store: store, Runner: r, Metrics: m}, nil
}

// NewStore returns a DiskStore under cfg.StateDir, or a MemoryStore when no
// state directory is configured.
func NewStore(cfg config.SchedulerConfig, logger *slog.Logger) (runstore.Store, error) {
	if cfg.StateDir == "" {
		logger.Warn("no state_dir configured, run history is kept in memory only")
		return runstore.NewMemoryStore(), nil
	}
	store, err := runstore.NewDiskStore(filepath.Join(cfg.StateDir, "runs"), cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return store, nil
}

// NewNotifier returns an EmailNotifier when SMTP is configured, else a LogNotifier.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) scheduler.Notifier {
	if cfg.SMTP.Host == "" {
		return notify.NewLogNotifier(logger)
	}
	return notify.NewEmailNotifier(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.Timeout,
	}, logger)
}
