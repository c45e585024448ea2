// Package archive writes finalized SyncRuns to Parquet files.
//
// A file holds one row per table result. The run columns repeat on every
// row so the file can be queried directly, e.g. with DuckDB's
// read_parquet. A run without results is stored as a single row with
// seq -1.
package archive

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/xtxerr/possync/internal/stats"
	possync "github.com/xtxerr/possync/internal/sync"
)

// ResultRow is one table result in Parquet format.
type ResultRow struct {
	RunID           string `parquet:"run_id,zstd"`
	InvocationID    string `parquet:"invocation_id,zstd"`
	DatabaseID      string `parquet:"database_id,zstd"`
	SyncType        string `parquet:"sync_type,zstd"`
	RequestedTables string `parquet:"requested_tables,zstd"`
	Trigger         string `parquet:"trigger,optional,zstd"`
	StartedMs       int64  `parquet:"started_ms"`
	FinishedMs      int64  `parquet:"finished_ms"`
	Status          string `parquet:"status,zstd"`

	Seq              int32    `parquet:"seq"`
	Table            string   `parquet:"table_name,optional,zstd"`
	RecordsProcessed int64    `parquet:"records_processed"`
	RecordsInserted  int64    `parquet:"records_inserted"`
	RecordsUpdated   int64    `parquet:"records_updated"`
	RecordsUnchanged int64    `parquet:"records_unchanged"`
	ErrorCount       int64    `parquet:"error_count"`
	Errors           []string `parquet:"errors"`
	DurationMs       int64    `parquet:"duration_ms"`
	Latency          string   `parquet:"latency,optional,zstd"`
}

// RunToRows flattens a run.
func RunToRows(run *possync.SyncRun) []ResultRow {
	tables, _ := json.Marshal(run.Tables)
	base := ResultRow{
		RunID:           run.ID,
		InvocationID:    run.InvocationID,
		DatabaseID:      run.DatabaseID,
		SyncType:        string(run.SyncType),
		RequestedTables: string(tables),
		Trigger:         run.Trigger,
		StartedMs:       run.StartedAt.UnixMilli(),
		Status:          string(run.Status),
		Seq:             -1,
	}
	if run.FinishedAt != nil {
		base.FinishedMs = run.FinishedAt.UnixMilli()
	}

	if len(run.Results) == 0 {
		return []ResultRow{base}
	}

	rows := make([]ResultRow, 0, len(run.Results))
	for i, res := range run.Results {
		row := base
		row.Seq = int32(i)
		row.Table = res.Table
		row.RecordsProcessed = int64(res.RecordsProcessed)
		row.RecordsInserted = int64(res.RecordsInserted)
		row.RecordsUpdated = int64(res.RecordsUpdated)
		row.RecordsUnchanged = int64(res.RecordsUnchanged)
		row.ErrorCount = int64(res.ErrorCount)
		row.Errors = res.Errors
		row.DurationMs = res.DurationMs
		if res.Latency != nil {
			if b, err := json.Marshal(res.Latency); err == nil {
				row.Latency = string(b)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// RowsToRuns regroups rows into runs, ordered by start time.
func RowsToRuns(rows []ResultRow) []*possync.SyncRun {
	byID := make(map[string]*possync.SyncRun)
	var order []*possync.SyncRun

	for i := range rows {
		r := &rows[i]
		run, ok := byID[r.RunID]
		if !ok {
			run = &possync.SyncRun{
				ID:           r.RunID,
				InvocationID: r.InvocationID,
				DatabaseID:   r.DatabaseID,
				SyncType:     possync.SyncType(r.SyncType),
				Trigger:      r.Trigger,
				StartedAt:    time.UnixMilli(r.StartedMs).UTC(),
				Results:      []*possync.TableSyncResult{},
				Status:       possync.Status(r.Status),
			}
			_ = json.Unmarshal([]byte(r.RequestedTables), &run.Tables)
			if r.FinishedMs != 0 {
				t := time.UnixMilli(r.FinishedMs).UTC()
				run.FinishedAt = &t
			}
			byID[r.RunID] = run
			order = append(order, run)
		}
		if r.Seq < 0 {
			continue
		}

		res := &possync.TableSyncResult{
			DatabaseID:       r.DatabaseID,
			Table:            r.Table,
			RecordsProcessed: int(r.RecordsProcessed),
			RecordsInserted:  int(r.RecordsInserted),
			RecordsUpdated:   int(r.RecordsUpdated),
			RecordsUnchanged: int(r.RecordsUnchanged),
			ErrorCount:       int(r.ErrorCount),
			Errors:           r.Errors,
			DurationMs:       r.DurationMs,
		}
		if res.Errors == nil {
			res.Errors = []string{}
		}
		if r.Latency != "" {
			var l stats.TableLatency
			if err := json.Unmarshal([]byte(r.Latency), &l); err == nil {
				res.Latency = &l
			}
		}
		run.Results = append(run.Results, res)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].StartedAt.Before(order[j].StartedAt)
	})
	return order
}
