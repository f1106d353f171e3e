// Package config loads the YAML configuration for goingest.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/logging"
	"gopkg.in/yaml.v3"
)

const (
	defaultDAGID         = "data_ingestion"
	defaultSchedule      = "@daily"
	defaultMaxActiveRuns = 1
	defaultMaxAttempts   = 3
	defaultRetryDelay    = 30 * time.Second
	defaultBackoff       = "fixed"
	defaultFetchTimeout  = time.Hour

	defaultStorageBackend = "local"
	defaultObjectPrefix   = "raw"
	defaultSourceFormat   = "PARQUET"
	defaultConvertFormat  = "ndjson"

	defaultWorkers  = 4
	defaultHistory  = 100
	defaultStateDir = "state"

	defaultSMTPPort      = 25
	defaultNotifyTimeout = 30 * time.Second
	defaultMetricsPrefix = "goingest"
	defaultJobName       = "goingest"
	defaultListenAddr    = ":8080"

	redacted = "REDACTED"
)

// Config represents the complete application configuration.
type Config struct {
	DAG        DAGConfig        `yaml:"dag"`
	Source     SourceConfig     `yaml:"source"`
	Convert    ConvertConfig    `yaml:"convert"`
	Storage    StorageConfig    `yaml:"storage"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    logging.Config   `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Server     ServerConfig     `yaml:"server"`
}

// DAGConfig describes the ingestion DAG.
type DAGConfig struct {
	ID string `yaml:"id"`
	// Schedule is a cron expression, a descriptor such as @daily, or "manual".
	Schedule      string    `yaml:"schedule"`
	StartDate     time.Time `yaml:"start_date"`
	MaxActiveRuns int       `yaml:"max_active_runs"`
	Catchup       bool      `yaml:"catchup"`
	// NotifyEmail receives a message when a task exhausts its attempts.
	NotifyEmail string      `yaml:"notify_email"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig is the retry policy applied to every task.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     string        `yaml:"backoff"` // fixed or exponential
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Policy converts the config into a dag.RetryPolicy.
func (r RetryConfig) Policy() dag.RetryPolicy {
	kind, _ := dag.ParseBackoffKind(r.Backoff)
	return dag.RetryPolicy{MaxAttempts: r.MaxAttempts, Backoff: kind, Delay: r.Delay, MaxDelay: r.MaxDelay}
}

// SourceConfig locates the dataset. URL and File are text/template strings
// rendered with .LogicalTime, .DAGID and (for URL) .File.
type SourceConfig struct {
	URL         string        `yaml:"url"`
	File        string        `yaml:"file"`
	DownloadDir string        `yaml:"download_dir"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ConvertConfig enables the optional format conversion stage.
type ConvertConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // ndjson or csv.sz
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // local or ssh
	Bucket  string `yaml:"bucket"`
	// Prefix is prepended to the file name to form the object key.
	Prefix    string    `yaml:"prefix"`
	LocalRoot string    `yaml:"local_root"`
	SSH       SSHConfig `yaml:"ssh"`
}

// SSHConfig holds the remote host used by the ssh storage backend.
type SSHConfig struct {
	Host           string `yaml:"host"`
	User           string `yaml:"user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	HostKey        string `yaml:"host_key"`
	Dir            string `yaml:"dir"`
}

// WarehouseConfig describes the table registration.
type WarehouseConfig struct {
	CatalogPath  string `yaml:"catalog_path"`
	Table        string `yaml:"table"`
	SourceFormat string `yaml:"source_format"`
}

// SchedulerConfig tunes execution and persistence.
type SchedulerConfig struct {
	Workers int `yaml:"workers"`
	// StateDir holds run records. Empty keeps them in memory.
	StateDir string `yaml:"state_dir"`
	// History is the number of finished runs kept per DAG.
	History int `yaml:"history"`
}

// NotifyConfig configures failure notification delivery. Without an SMTP host
// notifications are only logged.
type NotifyConfig struct {
	// Timeout bounds the delivery of one notification.
	Timeout time.Duration `yaml:"timeout"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// MonitoringConfig holds metrics settings. The CLI pushes to VictoriaMetricsURL
// when set; the server always exposes /metrics.
type MonitoringConfig struct {
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	MetricsPrefix      string `yaml:"metrics_prefix"`
	JobName            string `yaml:"jobname"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.DAG.ID == "" {
		c.DAG.ID = defaultDAGID
	}
	if c.DAG.Schedule == "" {
		c.DAG.Schedule = defaultSchedule
	}
	if c.DAG.MaxActiveRuns == 0 {
		c.DAG.MaxActiveRuns = defaultMaxActiveRuns
	}
	if c.DAG.Retry.MaxAttempts == 0 {
		c.DAG.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.DAG.Retry.Backoff == "" {
		c.DAG.Retry.Backoff = defaultBackoff
	}
	if c.DAG.Retry.Delay == 0 {
		c.DAG.Retry.Delay = defaultRetryDelay
	}
	if c.Source.DownloadDir == "" {
		c.Source.DownloadDir = filepath.Join(os.TempDir(), "goingest")
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = defaultFetchTimeout
	}
	if c.Convert.Format == "" {
		c.Convert.Format = defaultConvertFormat
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = defaultObjectPrefix
	}
	if c.Warehouse.SourceFormat == "" {
		c.Warehouse.SourceFormat = defaultSourceFormat
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = defaultWorkers
	}
	if c.Scheduler.History == 0 {
		c.Scheduler.History = defaultHistory
	}
	if c.Warehouse.CatalogPath == "" {
		dir := c.Scheduler.StateDir
		if dir == "" {
			dir = defaultStateDir
		}
		c.Warehouse.CatalogPath = filepath.Join(dir, "catalog.yaml")
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = defaultNotifyTimeout
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = defaultSMTPPort
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultListenAddr
	}
	c.Logging.SetDefaults()
}

// Validate performs validation on the configuration. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DAG.ID == "" {
		add("dag id is required")
	}
	if _, err := dag.ParseSchedule(c.DAG.Schedule); err != nil {
		add("dag schedule: %w", err)
	}
	if c.DAG.MaxActiveRuns < 1 {
		add("dag max_active_runs must be at least 1")
	}
	if c.DAG.Retry.MaxAttempts < 1 {
		add("retry max_attempts must be at least 1")
	}
	if _, ok := dag.ParseBackoffKind(c.DAG.Retry.Backoff); !ok {
		add("retry backoff must be fixed or exponential, got %q", c.DAG.Retry.Backoff)
	}
	if c.DAG.Retry.Delay < 0 || c.DAG.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}

	if c.Source.URL == "" {
		add("source url is required")
	}
	if c.Source.File == "" {
		add("source file is required")
	}

	if c.Convert.Enabled && c.Convert.Format != "ndjson" && c.Convert.Format != "csv.sz" {
		add("convert format must be ndjson or csv.sz, got %q", c.Convert.Format)
	}

	if c.Storage.Bucket == "" {
		add("storage bucket is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			add("storage local_root is required for the local backend")
		}
	case "ssh":
		if c.Storage.SSH.Host == "" || c.Storage.SSH.User == "" {
			add("storage ssh host and user are required for the ssh backend")
		}
		if c.Storage.SSH.PrivateKeyFile == "" {
			add("storage ssh private_key_file is required for the ssh backend")
		}
		if c.Storage.SSH.Dir == "" {
			add("storage ssh dir is required for the ssh backend")
		}
	default:
		add("storage backend must be local or ssh, got %q", c.Storage.Backend)
	}

	if parts := strings.Split(c.Warehouse.Table, "."); len(parts) < 2 || len(parts) > 3 {
		add("warehouse table must be dataset.table or project.dataset.table, got %q", c.Warehouse.Table)
	}

	if c.Scheduler.Workers < 1 {
		add("scheduler workers must be at least 1")
	}
	if c.Scheduler.History < 1 {
		add("scheduler history must be at least 1")
	}

	if c.Notify.Timeout < 0 {
		add("notify timeout must not be negative")
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		add("notify smtp from is required when smtp host is set")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		add("server cert_file and key_file must be set together")
	}
	if err := c.Logging.Validate(); err != nil {
		add("logging: %w", err)
	}

	return errors.Join(errs...)
}

// Redacted returns a copy with secrets replaced.
func (c Config) Redacted() Config {
	if c.Notify.SMTP.Password != "" {
		c.Notify.SMTP.Password = redacted
	}
	if c.Storage.SSH.PrivateKeyFile != "" {
		c.Storage.SSH.PrivateKeyFile = redacted
	}
	return c
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the YAML config file at the given path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}
