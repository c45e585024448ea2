package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/possync/internal/transform"
)

// =============================================================================
// Schema Migration
// =============================================================================

type migration struct {
	name string
	sql  string
}

// Migrate creates missing tables, columns and indices.
//
// This is idempotent - safe to run multiple times. Columns added to an
// entity later are appended with ALTER TABLE ... ADD COLUMN IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := entityMigrations()
	migrations = append(migrations, historyMigrations...)

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}

func entityMigrations() []migration {
	var out []migration
	for _, table := range transform.Tables() {
		e, _ := transform.Lookup(table)

		var cols strings.Builder
		cols.WriteString("database_source VARCHAR NOT NULL,\n")
		cols.WriteString("source_id VARCHAR NOT NULL,\n")
		cols.WriteString("location_code BIGINT,\n")
		cols.WriteString("location_name VARCHAR,\n")
		for _, f := range e.Fields {
			fmt.Fprintf(&cols, "%s %s,\n", f.Name, f.Kind.SQLType())
		}
		cols.WriteString("content_hash BIGINT NOT NULL,\n")
		cols.WriteString("created_at TIMESTAMP NOT NULL,\n")
		cols.WriteString("updated_at TIMESTAMP NOT NULL,\n")
		cols.WriteString("synced_at TIMESTAMP NOT NULL,\n")
		cols.WriteString("PRIMARY KEY (database_source, source_id)")

		out = append(out, migration{
			name: table,
			sql:  fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", table, cols.String()),
		})
		for _, f := range e.Fields {
			out = append(out, migration{
				name: table + "." + f.Name,
				sql:  fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, f.Name, f.Kind.SQLType()),
			})
		}
	}
	return out
}

var historyMigrations = []migration{
	{
		name: "sync_runs",
		sql: `CREATE TABLE IF NOT EXISTS sync_runs (
			id               VARCHAR PRIMARY KEY,
			invocation_id    VARCHAR NOT NULL,
			database_id      VARCHAR NOT NULL,
			sync_type        VARCHAR NOT NULL,
			requested_tables VARCHAR NOT NULL,
			trigger_name     VARCHAR,
			started_at       TIMESTAMP NOT NULL,
			finished_at      TIMESTAMP,
			status           VARCHAR NOT NULL
		)`,
	},
	{
		name: "sync_run_results",
		sql: `CREATE TABLE IF NOT EXISTS sync_run_results (
			run_id            VARCHAR NOT NULL,
			seq               INTEGER NOT NULL,
			database_id       VARCHAR NOT NULL,
			table_name        VARCHAR NOT NULL,
			records_processed INTEGER NOT NULL,
			records_inserted  INTEGER NOT NULL,
			records_updated   INTEGER NOT NULL,
			records_unchanged INTEGER NOT NULL,
			error_count       INTEGER NOT NULL,
			errors            VARCHAR NOT NULL,
			duration_ms       BIGINT NOT NULL,
			latency           VARCHAR,
			PRIMARY KEY (run_id, seq)
		)`,
	},
	{
		name: "idx_sync_runs_database",
		sql:  `CREATE INDEX IF NOT EXISTS idx_sync_runs_database ON sync_runs(database_id, started_at)`,
	},
}
