package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nomis52/goingest/clients/sshclient"
	"github.com/nomis52/goingest/config"
	"github.com/nomis52/goingest/ingest"
)

// NewAdapters builds the adapters selected by cfg.
func NewAdapters(cfg config.Config, logger *slog.Logger) (Adapters, error) {
	if err := os.MkdirAll(cfg.Source.DownloadDir, 0755); err != nil {
		return Adapters{}, fmt.Errorf("creating download dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Warehouse.CatalogPath), 0755); err != nil {
		return Adapters{}, fmt.Errorf("creating catalog dir: %w", err)
	}

	a := Adapters{
		Fetcher:   ingest.NewHTTPFetcher(&http.Client{}, logger),
		Converter: ingest.NewFileConverter(logger),
		Registry:  ingest.NewFileCatalog(cfg.Warehouse.CatalogPath, logger),
	}

	switch cfg.Storage.Backend {
	case "ssh":
		shell := &dialingShell{cfg: sshclient.Config{
			Host:           cfg.Storage.SSH.Host,
			User:           cfg.Storage.SSH.User,
			PrivateKeyFile: cfg.Storage.SSH.PrivateKeyFile,
			KnownHostsKey:  cfg.Storage.SSH.HostKey,
		}}
		a.Store = ingest.NewSSHObjectStore(shell, cfg.Storage.SSH.Dir, logger)
	default:
		a.Store = ingest.NewLocalObjectStore(cfg.Storage.LocalRoot, logger)
	}
	return a, nil
}

// dialingShell opens a fresh SSH connection per command.
type dialingShell struct {
	cfg sshclient.Config
}

func (s *dialingShell) RunWithIO(ctx context.Context, command string, in io.Reader, stdout, stderr io.Writer) error {
	client, err := sshclient.Dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.RunWithIO(ctx, command, in, stdout, stderr)
}

func (s *dialingShell) User() string { return s.cfg.User }
func (s *dialingShell) Host() string { return s.cfg.Host }
