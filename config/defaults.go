// Package config provides configuration defaults for possync.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or POSSYNC_* environment
// variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: listen
	DefaultListenAddress = ":8080"

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultAuthFailureLimit is the number of failed bearer token
	// attempts per client IP before requests are rejected outright.
	DefaultAuthFailureLimit = 10

	// DefaultAuthFailureWindow is the window failed attempts count in.
	DefaultAuthFailureWindow = time.Minute
)

// =============================================================================
// Destination Defaults
// =============================================================================

const (
	// DefaultDestinationPath is the DuckDB file holding the canonical store
	// and the sync history.
	// Override via config: destination.path
	DefaultDestinationPath = "possync.duckdb"

	// DefaultUpsertTimeout bounds every single destination upsert.
	// Override via config: destination.upsert_timeout
	DefaultUpsertTimeout = 15 * time.Second
)

// =============================================================================
// Sync Defaults
// =============================================================================

const (
	// DefaultConnectTimeout bounds acquiring and pinging a source connection.
	// Override via config: sync.connect_timeout
	DefaultConnectTimeout = 10 * time.Second

	// DefaultQueryTimeout bounds every single source query.
	// Legacy hosts can take a long time for full syncs of large tables;
	// raise this for full backfills.
	// Override via config: sync.query_timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultLockWait is how long a run waits for a (source, table) that
	// another run is syncing. Zero fails fast.
	// Override via config: sync.lock_wait
	DefaultLockWait = 0 * time.Second

	// DefaultMaxErrorMessages caps the stored error messages per table.
	// The error count is never capped.
	// Override via config: sync.max_error_messages
	DefaultMaxErrorMessages = 50

	// DefaultIncrementalLimit is the row cap for tables without an explicit
	// incremental limit.
	// Override via config: sync.default_limit
	DefaultIncrementalLimit = 100

	// DefaultPrimaryLimit is the incremental row cap for customers,
	// products and sales.
	DefaultPrimaryLimit = 1000

	// DefaultAuxiliaryLimit is the incremental row cap for locations and
	// payments.
	DefaultAuxiliaryLimit = 100

	// DefaultPageSize is the page size of unbounded (full) fetches. Every
	// page is its own query, bounded by the query timeout.
	// Override via config: sync.page_size
	DefaultPageSize = 5000
)

// =============================================================================
// Source Defaults
// =============================================================================

const (
	// DefaultMaxConnections caps open connections per source database.
	// Legacy hosts are fragile; keep this small.
	// Override via config: sources[].max_connections
	DefaultMaxConnections = 2

	// DefaultMySQLPort and DefaultPostgresPort apply when a source gives a
	// host without a port.
	DefaultMySQLPort    = 3306
	DefaultPostgresPort = 5432
)

// =============================================================================
// History Defaults
// =============================================================================

const (
	// MaxHistoryLimit caps the number of runs returned by a history query.
	MaxHistoryLimit = 50

	// DefaultParquetRowGroupSize is the row group size of history archives.
	DefaultParquetRowGroupSize = 10000
)

// =============================================================================
// Scheduler Defaults
// =============================================================================

const (
	// DefaultSchedulerWorkers is the number of scheduled runs executed at
	// once. One keeps scheduled runs strictly serialized.
	DefaultSchedulerWorkers = 1

	// DefaultSchedulerTickInterval is how often the scheduler checks for
	// due entries.
	DefaultSchedulerTickInterval = time.Second

	// DefaultDrainTimeout is how long shutdown waits for in-flight runs.
	DefaultDrainTimeout = 30 * time.Second

	// MinScheduleInterval rejects schedule entries that would hammer the
	// legacy hosts.
	MinScheduleInterval = time.Minute
)

// =============================================================================
// Log Defaults
// =============================================================================

const (
	// DefaultLogMaxSizeMB is the size at which the log file rotates.
	// Override via config: log.file.max_size_mb
	DefaultLogMaxSizeMB = 100

	// DefaultLogMaxBackups is the number of rotated files kept.
	// Override via config: log.file.max_backups
	DefaultLogMaxBackups = 5

	// DefaultLogMaxAgeDays is how long rotated files are kept.
	// Override via config: log.file.max_age_days
	DefaultLogMaxAgeDays = 28
)
