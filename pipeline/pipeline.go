// Package pipeline assembles the ingestion DAG: fetch, an optional convert,
// upload and register, each handing a location reference to the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/dag"
	"github.com/nomis52/goingest/ingest"
)

// Task IDs of the ingestion DAG.
const (
	TaskFetch    = "fetch"
	TaskConvert  = "convert"
	TaskUpload   = "upload"
	TaskRegister = "register"
)

// Payload keys passed between tasks.
const (
	KeyLocalPath = "local_path"
	KeyFile      = "file"
	KeyURI       = "uri"
	KeyTable     = "table"
)

// Adapters are the external collaborators the tasks call.
type Adapters struct {
	Fetcher   ingest.SourceFetcher
	Converter ingest.FormatConverter
	Store     ingest.ObjectStore
	Registry  ingest.TableRegistry
}

func (a Adapters) validate(convert bool) error {
	var errs []error
	if a.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if convert && a.Converter == nil {
		errs = append(errs, errors.New("converter is required when convert is enabled"))
	}
	if a.Store == nil {
		errs = append(errs, errors.New("object store is required"))
	}
	if a.Registry == nil {
		errs = append(errs, errors.New("table registry is required"))
	}
	return errors.Join(errs...)
}

// TemplateData is what the source URL and file templates are rendered with.
type TemplateData struct {
	LogicalTime time.Time
	DAGID       string
	File        string
}

// Build returns the ingestion DAG described by cfg.
func Build(cfg config.Config, adapters Adapters) (*dag.DAG, error) {
	if err := adapters.validate(cfg.Convert.Enabled); err != nil {
		return nil, fmt.Errorf("pipeline adapters: %w", err)
	}
	p, err := newPipeline(cfg, adapters)
	if err != nil {
		return nil, err
	}
	policy := cfg.DAG.Retry.Policy()
	newTask := func(id string, run dag.RunFunc, deps ...string) dag.Task {
		return dag.Task{ID: id, Run: run, Dependencies: deps, RetryPolicy: policy, OnFailureNotify: cfg.DAG.NotifyEmail}
	}

	tasks := []dag.Task{newTask(TaskFetch, p.fetch)}
	uploadFrom := TaskFetch
	if cfg.Convert.Enabled {
		tasks = append(tasks, newTask(TaskConvert, p.convert, TaskFetch))
		uploadFrom = TaskConvert
	}
	tasks = append(tasks,
		newTask(TaskUpload, p.upload(uploadFrom), uploadFrom),
		newTask(TaskRegister, p.register, TaskUpload),
	)

	return dag.Build(cfg.DAG.ID, tasks,
		dag.WithSchedule(cfg.DAG.Schedule),
		dag.WithMaxActiveRuns(cfg.DAG.MaxActiveRuns),
		dag.WithCatchup(cfg.DAG.Catchup),
		dag.WithStartDate(cfg.DAG.StartDate),
	)
}

type pipeline struct {
	cfg      config.Config
	adapters Adapters
	fileTmpl *template.Template
	urlTmpl  *template.Template
}

func newPipeline(cfg config.Config, adapters Adapters) (*pipeline, error) {
	fileTmpl, err := template.New("file").Option("missingkey=error").Parse(cfg.Source.File)
	if err != nil {
		return nil, fmt.Errorf("parsing source file template: %w", err)
	}
	urlTmpl, err := template.New("url").Option("missingkey=error").Parse(cfg.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url template: %w", err)
	}
	return &pipeline{cfg: cfg, adapters: adapters, fileTmpl: fileTmpl, urlTmpl: urlTmpl}, nil
}

// Source renders the file name and URL fetched for a logical time.
func Source(cfg config.Config, logicalTime time.Time) (file, url string, err error) {
	p, err := newPipeline(cfg, Adapters{})
	if err != nil {
		return "", "", err
	}
	return p.source(logicalTime)
}

func (p *pipeline) source(logicalTime time.Time) (string, string, error) {
	data := TemplateData{LogicalTime: logicalTime, DAGID: p.cfg.DAG.ID}
	file, err := render(p.fileTmpl, data)
	if err != nil {
		return "", "", fmt.Errorf("rendering source file: %w", err)
	}
	if file == "" || file != filepath.Base(file) {
		return "", "", fmt.Errorf("source file %q must be a plain file name", file)
	}
	data.File = file
	url, err := render(p.urlTmpl, data)
	if err != nil {
		return "", "", fmt.Errorf("rendering source url: %w", err)
	}
	return file, url, nil
}

func (p *pipeline) fetch(ctx context.Context, tc dag.TaskContext) (dag.TaskResult, error) {
	file, url, err := p.source(tc.LogicalTime)
	if err != nil {
		return dag.TaskResult{}, err
	}
	dest := filepath.Join(p.cfg.Source.DownloadDir, file)

	if p.cfg.Source.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Source.Timeout)
		defer cancel()
	}

	tc.Logger.Info("fetching source", "url", url, "dest", dest)
	if err := p.adapters.Fetcher.Fetch(ctx, url, dest); err != nil {
		return dag.TaskResult{}, err
	}
	return dag.Success(map[string]string{KeyLocalPath: dest, KeyFile: file}, "downloaded "+file), nil
}

func (p *pipeline) convert(ctx context.Context, tc dag.TaskContext) (dag.TaskResult, error) {
	src, err := upstream(tc, TaskFetch, KeyLocalPath)
	if err != nil {
		return dag.TaskResult{}, err
	}
	tc.Logger.Info("converting file", "src", src, "format", p.cfg.Convert.Format)
	out, err := p.adapters.Converter.Convert(ctx, src, p.cfg.Convert.Format)
	if err != nil {
		return dag.TaskResult{}, err
	}
	file := filepath.Base(out)
	return dag.Success(map[string]string{KeyLocalPath: out, KeyFile: file}, "converted to "+file), nil
}

func (p *pipeline) upload(from string) dag.RunFunc {
	return func(ctx context.Context, tc dag.TaskContext) (dag.TaskResult, error) {
		localPath, err := upstream(tc, from, KeyLocalPath)
		if err != nil {
			return dag.TaskResult{}, err
		}
		key := ObjectKey(p.cfg.Storage.Prefix, filepath.Base(localPath))

		tc.Logger.Info("uploading object", "bucket", p.cfg.Storage.Bucket, "key", key)
		uri, err := p.adapters.Store.Upload(ctx, p.cfg.Storage.Bucket, key, localPath)
		if err != nil {
			return dag.TaskResult{}, err
		}
		return dag.Success(map[string]string{KeyURI: uri}, "staged "+uri), nil
	}
}

func (p *pipeline) register(ctx context.Context, tc dag.TaskContext) (dag.TaskResult, error) {
	uri, err := upstream(tc, TaskUpload, KeyURI)
	if err != nil {
		return dag.TaskResult{}, err
	}
	table := p.cfg.Warehouse.Table

	tc.Logger.Info("registering external table", "table", table, "uri", uri)
	if err := p.adapters.Registry.RegisterExternalTable(ctx, table, []string{uri}, p.cfg.Warehouse.SourceFormat); err != nil {
		return dag.TaskResult{}, err
	}
	return dag.Success(map[string]string{KeyTable: table, KeyURI: uri}, "registered "+table), nil
}

// ObjectKey joins the configured prefix and the file name.
func ObjectKey(prefix, file string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return file
	}
	return path.Join(prefix, file)
}

func upstream(tc dag.TaskContext, taskID, key string) (string, error) {
	v, ok := tc.UpstreamValue(taskID, key)
	if !ok || v == "" {
		return "", fmt.Errorf("missing %s from upstream task %s", key, taskID)
	}
	return v, nil
}

func render(t *template.Template, data TemplateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
