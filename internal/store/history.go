package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/stats"
	possync "github.com/xtxerr/possync/internal/sync"
)

// =============================================================================
// Sync History
// =============================================================================

// Begin records a running SyncRun.
func (s *Store) Begin(ctx context.Context, run *possync.SyncRun) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tables, err := json.Marshal(run.Tables)
	if err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, invocation_id, database_id, sync_type, requested_tables,
			trigger_name, started_at, finished_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		run.ID, run.InvocationID, run.DatabaseID, string(run.SyncType), string(tables),
		run.Trigger, run.StartedAt.UTC(), string(possync.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// AppendResult stores the table result at index seq of a running SyncRun.
// It fails with ErrRunFinalized once the run is frozen.
func (s *Store) AppendResult(ctx context.Context, runID string, seq int, res *possync.TableSyncResult) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var finished sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT finished_at FROM sync_runs WHERE id = ?`, runID).Scan(&finished)
		if err == sql.ErrNoRows {
			return errors.NewNotFound("sync run", runID)
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if finished.Valid {
			return fmt.Errorf("run %s: %w", runID, errors.ErrRunFinalized)
		}
		if seq < 0 {
			return errors.NewInvalidRequest(fmt.Sprintf("result seq %d", seq))
		}
		return insertResult(ctx, tx, runID, seq, res)
	})
}

// Finalize freezes a SyncRun with its final status and end time.
//
// Results the run holds that are not stored yet are written by index, so a
// failed AppendResult leaves no gap. A run that was never begun is inserted whole, so a run is never left
// unrecorded. Finalizing twice fails with ErrRunFinalized.
func (s *Store) Finalize(ctx context.Context, run *possync.SyncRun) error {
	if run.FinishedAt == nil {
		return errors.NewMissingField("finished_at")
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var finished sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT finished_at FROM sync_runs WHERE id = ?`, run.ID).Scan(&finished)
		switch {
		case err == sql.ErrNoRows:
			tables, err := json.Marshal(run.Tables)
			if err != nil {
				return fmt.Errorf("encode tables: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sync_runs (id, invocation_id, database_id, sync_type, requested_tables,
					trigger_name, started_at, finished_at, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID, run.InvocationID, run.DatabaseID, string(run.SyncType), string(tables),
				run.Trigger, run.StartedAt.UTC(), run.FinishedAt.UTC(), string(run.Status),
			)
			if err != nil {
				return fmt.Errorf("insert run: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load run: %w", err)
		case finished.Valid:
			return fmt.Errorf("run %s: %w", run.ID, errors.ErrRunFinalized)
		default:
			_, err := tx.ExecContext(ctx,
				`UPDATE sync_runs SET finished_at = ?, status = ? WHERE id = ?`,
				run.FinishedAt.UTC(), string(run.Status), run.ID)
			if err != nil {
				return fmt.Errorf("finalize run: %w", err)
			}
		}

		for i, res := range run.Results {
			if err := insertResult(ctx, tx, run.ID, i, res); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertResult(ctx context.Context, tx *sql.Tx, runID string, seq int, res *possync.TableSyncResult) error {
	msgs, err := json.Marshal(res.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	var latency any
	if res.Latency != nil {
		b, err := json.Marshal(res.Latency)
		if err != nil {
			return fmt.Errorf("encode latency: %w", err)
		}
		latency = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_run_results (run_id, seq, database_id, table_name, records_processed,
			records_inserted, records_updated, records_unchanged, error_count, errors, duration_ms, latency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, seq) DO NOTHING`,
		runID, seq, res.DatabaseID, res.Table, res.RecordsProcessed,
		res.RecordsInserted, res.RecordsUpdated, res.RecordsUnchanged, res.ErrorCount,
		string(msgs), res.DurationMs, latency,
	)
	if err != nil {
		return fmt.Errorf("insert result %s/%d: %w", runID, seq, err)
	}
	return nil
}

// =============================================================================
// History Queries
// =============================================================================

const runColumns = `id, invocation_id, database_id, sync_type, requested_tables,
	trigger_name, started_at, finished_at, status`

// List returns the most recent runs first, optionally for one source.
// limit is capped at MaxHistoryLimit; non-positive means the cap.
func (s *Store) List(ctx context.Context, databaseID string, limit int) ([]*possync.SyncRun, error) {
	if limit <= 0 || limit > config.MaxHistoryLimit {
		limit = config.MaxHistoryLimit
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	q := `SELECT ` + runColumns + ` FROM sync_runs`
	var args []any
	if databaseID != "" {
		q += ` WHERE database_id = ?`
		args = append(args, databaseID)
	}
	q += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT %d`, limit)

	return s.queryRuns(ctx, q, args...)
}

// Get returns one run by id.
func (s *Store) Get(ctx context.Context, id string) (*possync.SyncRun, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NewNotFound("sync run", id)
	}
	return runs[0], nil
}

// All returns every run, oldest first.
func (s *Store) All(ctx context.Context) ([]*possync.SyncRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM sync_runs ORDER BY started_at, id`)
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]*possync.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var (
		runs []*possync.SyncRun
		ids  []string
	)
	for rows.Next() {
		var (
			run      possync.SyncRun
			syncType string
			tables   string
			trigger  sql.NullString
			finished sql.NullTime
			status   string
		)
		if err := rows.Scan(&run.ID, &run.InvocationID, &run.DatabaseID, &syncType, &tables,
			&trigger, &run.StartedAt, &finished, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.SyncType = possync.SyncType(syncType)
		run.Status = possync.Status(status)
		run.Trigger = trigger.String
		if finished.Valid {
			t := finished.Time.UTC()
			run.FinishedAt = &t
		}
		run.StartedAt = run.StartedAt.UTC()
		if err := json.Unmarshal([]byte(tables), &run.Tables); err != nil {
			return nil, fmt.Errorf("decode tables of run %s: %w", run.ID, err)
		}
		run.Results = []*possync.TableSyncResult{}
		runs = append(runs, &run)
		ids = append(ids, run.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return runs, nil
	}

	if err := s.attachResults(ctx, runs, ids); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) attachResults(ctx context.Context, runs []*possync.SyncRun, ids []string) error {
	byID := make(map[string]*possync.SyncRun, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, database_id, table_name, records_processed, records_inserted,
			records_updated, records_unchanged, error_count, errors, duration_ms, latency
		FROM sync_run_results WHERE run_id IN (`+placeholders+`)
		ORDER BY run_id, seq`, args...)
	if err != nil {
		return fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID   string
			res     possync.TableSyncResult
			msgs    string
			latency sql.NullString
		)
		if err := rows.Scan(&runID, &res.DatabaseID, &res.Table, &res.RecordsProcessed, &res.RecordsInserted,
			&res.RecordsUpdated, &res.RecordsUnchanged, &res.ErrorCount, &msgs, &res.DurationMs, &latency); err != nil {
			return fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(msgs), &res.Errors); err != nil {
			return fmt.Errorf("decode errors of run %s: %w", runID, err)
		}
		if latency.Valid {
			var l stats.TableLatency
			if err := json.Unmarshal([]byte(latency.String), &l); err == nil {
				res.Latency = &l
			}
		}
		if run, ok := byID[runID]; ok {
			run.Results = append(run.Results, &res)
		}
	}
	return rows.Err()
}

// Prune deletes finalized runs that finished before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var n int64
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_run_results WHERE run_id IN (
				SELECT id FROM sync_runs WHERE finished_at IS NOT NULL AND finished_at < ?)`, cutoff.UTC()); err != nil {
			return fmt.Errorf("prune results: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
