// Package loader handles configuration file loading, validation, and
// conversion into the runtime types of possyncd.
//
// This package is responsible for:
//   - Loading the optional .env file and the YAML configuration
//   - Expanding environment variables
//   - Validating the result, collecting every problem
//   - Converting between YAML and internal representations
package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/archive"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/logging"
	"github.com/xtxerr/possync/internal/scheduler"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/store"
	possync "github.com/xtxerr/possync/internal/sync"
	"github.com/xtxerr/possync/internal/transform"
)

var (
	// identifierRE matches source ids and schedule names.
	identifierRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

	// sqlNameRE matches table and column overrides. They are interpolated
	// into queries, so nothing beyond [schema.]name is allowed.
	sqlNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
//
// A .env file next to the configuration and one in the working directory
// are loaded first, without overriding variables already set. ${VAR}
// references are then expanded. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse config: %v", errors.ErrInvalidConfig, err)
	}

	return cfg, nil
}

func loadEnvFiles(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			logging.Warn("failed to load env file", "path", abs, "error", err)
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration and reports every problem at once.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	for i, t := range cfg.Auth.Tokens {
		if t.Token == "" {
			errs.AddField(fmt.Sprintf("auth.tokens[%d]", i), "cannot be empty")
		}
	}

	if cfg.Destination.UpsertTimeout <= 0 {
		errs.AddField("destination.upsert_timeout", "must be positive")
	}

	// Sync
	if cfg.Sync.ConnectTimeout <= 0 {
		errs.AddField("sync.connect_timeout", "must be positive")
	}
	if cfg.Sync.QueryTimeout <= 0 {
		errs.AddField("sync.query_timeout", "must be positive")
	}
	if cfg.Sync.LockWait < 0 {
		errs.AddField("sync.lock_wait", "cannot be negative")
	}
	if cfg.Sync.MaxErrorMessages <= 0 {
		errs.AddField("sync.max_error_messages", "must be positive")
	}
	if cfg.Sync.DefaultLimit <= 0 {
		errs.AddField("sync.default_limit", "must be positive")
	}
	if cfg.Sync.PageSize <= 0 {
		errs.AddField("sync.page_size", "must be positive")
	}
	for table, limit := range cfg.Sync.IncrementalLimits {
		if _, ok := transform.Lookup(table); !ok {
			errs.AddField("sync.incremental_limits."+table, "unknown table")
		}
		if limit <= 0 {
			errs.AddField("sync.incremental_limits."+table, "must be positive")
		}
	}

	// History
	if cfg.History.Retention < 0 {
		errs.AddField("history.retention", "cannot be negative")
	}
	if cfg.History.ArchiveRetention < 0 {
		errs.AddField("history.archive_retention", "cannot be negative")
	}
	if cfg.History.ArchiveRetention > 0 && cfg.History.ArchiveDir == "" {
		errs.AddField("history.archive_retention", "requires history.archive_dir")
	}
	switch cfg.History.Compression {
	case "", "zstd", "snappy", "gzip", "none":
	default:
		errs.AddField("history.compression", fmt.Sprintf("unknown compression %q", cfg.History.Compression))
	}

	// Log
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs.AddField("log.format", fmt.Sprintf("must be text or json, got %q", cfg.Log.Format))
	}

	// Sources
	if len(cfg.Sources) == 0 {
		errs.AddField("sources", "at least one source is required")
	}
	ids := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch {
		case src.ID == "":
			errs.AddMissing(field + ".id")
		case !identifierRE.MatchString(src.ID):
			errs.AddField(field+".id", fmt.Sprintf("invalid identifier %q", src.ID))
		case ids[src.ID]:
			errs.AddField(field+".id", fmt.Sprintf("duplicate source id %q", src.ID))
		}
		ids[src.ID] = true

		if !source.Driver(src.Driver).Valid() {
			errs.AddField(field+".driver", fmt.Sprintf("unknown driver %q", src.Driver))
		}
		if src.Port < 0 || src.Port > 65535 {
			errs.AddField(field+".port", "out of range")
		}
		if src.MaxConnections < 0 {
			errs.AddField(field+".max_connections", "cannot be negative")
		}

		for table, m := range src.Tables {
			tf := fmt.Sprintf("%s.tables.%s", field, table)
			if _, ok := transform.Lookup(table); !ok {
				errs.AddField(tf, "unknown table")
				continue
			}
			if m.Table != "" && !sqlNameRE.MatchString(m.Table) {
				errs.AddField(tf+".table", fmt.Sprintf("invalid table name %q", m.Table))
			}
			for canonical, actual := range m.Columns {
				if !sqlNameRE.MatchString(actual) {
					errs.AddField(tf+".columns."+canonical, fmt.Sprintf("invalid column name %q", actual))
				}
			}
		}
	}

	// Schedule
	names := make(map[string]bool, len(cfg.Schedule))
	for i, s := range cfg.Schedule {
		field := fmt.Sprintf("schedule[%d]", i)
		switch {
		case s.Name == "":
			errs.AddMissing(field + ".name")
		case !identifierRE.MatchString(s.Name):
			errs.AddField(field+".name", fmt.Sprintf("invalid identifier %q", s.Name))
		case names[s.Name]:
			errs.AddField(field+".name", fmt.Sprintf("duplicate schedule %q", s.Name))
		}
		names[s.Name] = true

		if s.Interval.Duration() < config.MinScheduleInterval {
			errs.AddField(field+".interval", fmt.Sprintf("must be at least %s", config.MinScheduleInterval))
		}
		req := possync.Request{SyncType: possync.SyncType(s.SyncType), Tables: s.Tables}
		if err := req.Normalize(); err != nil {
			errs.AddField(field, err.Error())
		}
		for _, id := range s.Sources {
			if !ids[id] {
				errs.AddField(field+".sources", fmt.Sprintf("unknown source %q", id))
			}
		}
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// ToSourceConfigs converts the configured sources in order.
func (c *Config) ToSourceConfigs() []*source.Config {
	out := make([]*source.Config, 0, len(c.Sources))
	for _, s := range c.Sources {
		sc := &source.Config{
			ID:             s.ID,
			Name:           s.Name,
			Driver:         source.Driver(s.Driver),
			DSN:            s.DSN,
			Host:           s.Host,
			Port:           s.Port,
			User:           s.User,
			Password:       s.Password,
			Database:       s.Database,
			TLS:            s.TLS,
			MaxConnections: s.MaxConnections,
			Locations:      make(map[int64]string, len(s.Locations)),
			Tables:         make(map[string]transform.Mapping, len(s.Tables)),
		}
		for code, name := range s.Locations {
			sc.Locations[code] = name
		}
		for table, m := range s.Tables {
			sc.Tables[table] = transform.Mapping{Table: m.Table, Columns: m.Columns}
		}
		out = append(out, sc)
	}
	return out
}

// LocationTables returns the configured location names per source.
func (c *Config) LocationTables() map[string]map[int64]string {
	out := make(map[string]map[int64]string, len(c.Sources))
	for _, s := range c.Sources {
		if len(s.Locations) > 0 {
			out[s.ID] = s.Locations
		}
	}
	return out
}

// PoolConfig returns the source pool timeouts.
func (c *Config) PoolConfig() source.PoolConfig {
	pc := source.DefaultPoolConfig()
	pc.ConnectTimeout = c.Sync.ConnectTimeout.Duration()
	pc.QueryTimeout = c.Sync.QueryTimeout.Duration()
	return pc
}

// Planner returns the incremental caps.
func (c *Config) Planner() *possync.Planner {
	return possync.NewPlanner(c.Sync.DefaultLimit, c.Sync.IncrementalLimits, c.Sync.PageSize)
}

// StoreConfig returns the destination store configuration.
func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig()
	sc.DSN = c.Destination.Path
	return sc
}

// ArchiveOptions returns the Parquet options of the history archive.
func (c *Config) ArchiveOptions() archive.Options {
	opts := archive.DefaultOptions()
	opts.Compression = archive.ParseCompressionType(c.History.Compression)
	return opts
}

// ScheduleEntries returns the scheduler entries.
func (c *Config) ScheduleEntries() []scheduler.Entry {
	out := make([]scheduler.Entry, 0, len(c.Schedule))
	for _, s := range c.Schedule {
		out = append(out, scheduler.Entry{
			Name: s.Name,
			Request: possync.Request{
				SyncType: possync.SyncType(s.SyncType),
				Tables:   s.Tables,
				Sources:  s.Sources,
			},
			Interval: s.Interval.Duration(),
		})
	}
	return out
}

// Tokens returns the API tokens.
func (c *Config) Tokens() []string {
	out := make([]string, 0, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		out = append(out, t.Token)
	}
	return out
}

// LoggingOptions returns the logging setup.
func (c *Config) LoggingOptions() logging.Options {
	opts := logging.Options{
		Level:  logging.ParseLevel(c.Log.Level),
		Format: c.Log.Format,
	}
	if c.Log.File.Path != "" {
		opts.File = &logging.FileOptions{
			Path:       c.Log.File.Path,
			MaxSizeMB:  c.Log.File.MaxSizeMB,
			MaxBackups: c.Log.File.MaxBackups,
			MaxAgeDays: c.Log.File.MaxAgeDays,
			Compress:   c.Log.File.Compress,
		}
	}
	return opts
}
