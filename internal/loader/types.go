// Package loader - Configuration Types
//
// Defines the YAML configuration structure for possyncd.
//
//	listen, auth:   HTTP API
//	destination:    DuckDB canonical store + sync history
//	sync:           timeouts, locks, incremental caps
//	history:        optional Parquet archive
//	schedule:       periodic runs
//	log:            slog output and rotation
//	sources:        legacy point-of-sale databases
package loader

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/possync/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for possyncd.
type Config struct {
	// Listen is the HTTP listen address.
	// Default: ":8080"
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	Auth AuthConfig `yaml:"auth"`

	Destination DestinationConfig `yaml:"destination"`

	Sync SyncConfig `yaml:"sync"`

	History HistoryConfig `yaml:"history"`

	Schedule []ScheduleConfig `yaml:"schedule"`

	Log LogConfig `yaml:"log"`

	// Sources are processed in the order given.
	Sources []SourceConfig `yaml:"sources"`
}

// =============================================================================
// Auth
// =============================================================================

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Tokens accepted as "Authorization: Bearer <token>".
	// Empty disables authentication.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig defines an authentication token.
//
// A plain string is accepted as shorthand for a token without id.
type TokenConfig struct {
	// ID is a unique identifier for logging/auditing (not secret).
	ID string `yaml:"id"`

	// Token is the secret token value.
	// Use environment variables: "${POSSYNC_API_TOKEN}"
	Token string `yaml:"token"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TokenConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Token = node.Value
		return nil
	}
	type plain TokenConfig
	return node.Decode((*plain)(t))
}

// =============================================================================
// Destination
// =============================================================================

// DestinationConfig configures the canonical DuckDB store.
type DestinationConfig struct {
	// Path of the DuckDB file. Empty means in-memory.
	// Default: "possync.duckdb"
	Path string `yaml:"path"`

	// UpsertTimeout bounds every single upsert.
	// Default: 15s
	UpsertTimeout Duration `yaml:"upsert_timeout"`
}

// =============================================================================
// Sync
// =============================================================================

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// Default: 10s
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Default: 30s
	QueryTimeout Duration `yaml:"query_timeout"`

	// LockWait is how long a run waits for a busy (source, table).
	// Default: 0 (fail fast)
	LockWait Duration `yaml:"lock_wait"`

	// Default: 50
	MaxErrorMessages int `yaml:"max_error_messages"`

	// DefaultLimit is the incremental cap of tables without their own.
	// Default: 100
	DefaultLimit int `yaml:"default_limit"`

	// IncrementalLimits overrides the incremental cap per table.
	IncrementalLimits map[string]int `yaml:"incremental_limits"`

	// PageSize is the page size of full syncs.
	// Default: 5000
	PageSize int `yaml:"page_size"`
}

// =============================================================================
// History
// =============================================================================

// HistoryConfig configures the sync history archive.
type HistoryConfig struct {
	// ArchiveDir, when set, receives runs-<runId>.parquet for every
	// finalized run.
	ArchiveDir string `yaml:"archive_dir"`

	// Compression of archive files: zstd, snappy, gzip, none.
	// Default: zstd
	Compression string `yaml:"compression"`

	// Retention prunes finalized runs older than this from the database.
	// Default: 0 (keep forever)
	Retention Duration `yaml:"retention"`

	// ArchiveRetention deletes archive files older than this.
	// Default: 0 (keep forever)
	ArchiveRetention Duration `yaml:"archive_retention"`
}

// =============================================================================
// Schedule
// =============================================================================

// ScheduleConfig defines one periodic run.
type ScheduleConfig struct {
	Name string `yaml:"name"`

	// SyncType is "full" or "incremental".
	// Default: incremental
	SyncType string `yaml:"sync_type"`

	// Tables to sync. Empty means all.
	Tables []string `yaml:"tables"`

	// Sources to sync. Empty means all.
	Sources []string `yaml:"sources"`

	Interval Duration `yaml:"interval"`
}

// =============================================================================
// Log
// =============================================================================

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format: text, json, or empty for auto-detection.
	Format string `yaml:"format"`

	File LogFileConfig `yaml:"file"`
}

// LogFileConfig configures the rotated log file.
type LogFileConfig struct {
	// Path enables file output when set.
	Path string `yaml:"path"`

	// Default: 100
	MaxSizeMB int `yaml:"max_size_mb"`

	// Default: 5
	MaxBackups int `yaml:"max_backups"`

	// Default: 28
	MaxAgeDays int `yaml:"max_age_days"`

	Compress bool `yaml:"compress"`
}

// =============================================================================
// Sources
// =============================================================================

// SourceConfig describes one legacy database.
type SourceConfig struct {
	// ID is stored as database_source on every record.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Driver: mysql, postgres or sqlite.
	Driver string `yaml:"driver"`

	// DSN is used verbatim when set. Otherwise host/port/user/password/
	// database are combined. For sqlite, database is the file path.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	TLS      bool   `yaml:"tls"`

	// MaxConnections caps open connections to this source.
	// Default: 2
	MaxConnections int `yaml:"max_connections"`

	// Locations maps location codes to display names.
	Locations map[int64]string `yaml:"locations"`

	// Tables holds schema deviations keyed by canonical table.
	Tables map[string]TableMapping `yaml:"tables"`
}

// TableMapping renames a source table and its columns.
type TableMapping struct {
	Table   string            `yaml:"table"`
	Columns map[string]string `yaml:"columns"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		ShutdownTimeout: Duration(config.DefaultShutdownTimeout),
		Destination: DestinationConfig{
			Path:          config.DefaultDestinationPath,
			UpsertTimeout: Duration(config.DefaultUpsertTimeout),
		},
		Sync: SyncConfig{
			ConnectTimeout:   Duration(config.DefaultConnectTimeout),
			QueryTimeout:     Duration(config.DefaultQueryTimeout),
			LockWait:         Duration(config.DefaultLockWait),
			MaxErrorMessages: config.DefaultMaxErrorMessages,
			DefaultLimit:     config.DefaultIncrementalLimit,
			PageSize:         config.DefaultPageSize,
		},
		History: HistoryConfig{
			Compression: "zstd",
		},
		Log: LogConfig{
			Level: "info",
			File: LogFileConfig{
				MaxSizeMB:  config.DefaultLogMaxSizeMB,
				MaxBackups: config.DefaultLogMaxBackups,
				MaxAgeDays: config.DefaultLogMaxAgeDays,
			},
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Accepts "30s"-style strings or integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var i int
	if err := node.Decode(&i); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}
