package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ExternalTable is a catalog entry.
type ExternalTable struct {
	SourceFormat string    `yaml:"source_format"`
	SourceURIs   []string  `yaml:"source_uris"`
	RegisteredAt time.Time `yaml:"registered_at"`
}

type catalogFile struct {
	Tables map[string]ExternalTable `yaml:"tables"`
}

// FileCatalog is a TableRegistry persisted as a YAML file keyed by table reference.
type FileCatalog struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileCatalog creates a catalog stored at path. The file is created on first registration.
func NewFileCatalog(path string, logger *slog.Logger) *FileCatalog {
	return &FileCatalog{path: path, now: time.Now, logger: logger.With("component", "catalog")}
}

// RegisterExternalTable creates or replaces table. Registering identical URIs and
// format again leaves the catalog file untouched.
func (c *FileCatalog) RegisterExternalTable(ctx context.Context, table string, sourceURIs []string, sourceFormat string) error {
	if err := validateTableRef(table); err != nil {
		return &RegistrationError{Table: table, Err: err}
	}
	if len(sourceURIs) == 0 {
		return &RegistrationError{Table: table, Err: errors.New("no source uris")}
	}
	if err := ctx.Err(); err != nil {
		return &RegistrationError{Table: table, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cat, err := c.load()
	if err != nil {
		return &RegistrationError{Table: table, Err: err}
	}

	format := strings.ToUpper(sourceFormat)
	if cur, ok := cat.Tables[table]; ok && cur.SourceFormat == format && slices.Equal(cur.SourceURIs, sourceURIs) {
		c.logger.Info("table unchanged", "table", table)
		return nil
	}

	cat.Tables[table] = ExternalTable{
		SourceFormat: format,
		SourceURIs:   slices.Clone(sourceURIs),
		RegisteredAt: c.now().UTC(),
	}
	if err := c.save(cat); err != nil {
		return &RegistrationError{Table: table, Err: err}
	}

	c.logger.Info("registered external table", "table", table, "format", format, "uris", sourceURIs)
	return nil
}

// Table returns the catalog entry for table.
func (c *FileCatalog) Table(table string) (ExternalTable, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, err := c.load()
	if err != nil {
		return ExternalTable{}, false, err
	}
	t, ok := cat.Tables[table]
	return t, ok, nil
}

func (c *FileCatalog) load() (catalogFile, error) {
	cat := catalogFile{Tables: map[string]ExternalTable{}}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cat, nil
	}
	if err != nil {
		return cat, fmt.Errorf("reading catalog: %w", err)
	}
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return cat, fmt.Errorf("parsing catalog %s: %w", c.path, err)
	}
	if cat.Tables == nil {
		cat.Tables = map[string]ExternalTable{}
	}
	return cat, nil
}

func (c *FileCatalog) save(cat catalogFile) error {
	data, err := yaml.Marshal(cat)
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if _, err := writeAtomic(c.path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// validateTableRef accepts dataset.table or project.dataset.table.
func validateTableRef(ref string) error {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 || len(parts) > 3 || slices.Contains(parts, "") {
		return fmt.Errorf("invalid table reference %q", ref)
	}
	return nil
}
