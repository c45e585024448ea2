// Package sync reconciles legacy point-of-sale sources into the canonical
// destination store.
//
// One invocation walks the configured sources strictly one at a time and,
// within a source, the requested tables one at a time:
//
//	for each source:
//	    for each table: PLAN → FETCH → TRANSFORM → RECONCILE → ACCUMULATE
//	FINALIZE (history)
//
// Failures are scoped: a bad record never aborts its table, a failing
// table never aborts its source, an unreachable source never aborts the
// run. Only a configuration error is fatal, and it is raised before any
// I/O.
package sync

import (
	"fmt"
	"time"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/stats"
	"github.com/xtxerr/possync/internal/transform"
)

// =============================================================================
// Sync Types
// =============================================================================

// SyncType selects between the authoritative backfill and the bounded sample.
type SyncType string

const (
	// SyncFull fetches every live row of a table.
	SyncFull SyncType = "full"

	// SyncIncremental fetches a small, recency-ordered sample. It is not a
	// delta sync: old rows that never change may never be reached.
	SyncIncremental SyncType = "incremental"
)

// IsValid returns true if the sync type is known.
func (t SyncType) IsValid() bool {
	return t == SyncFull || t == SyncIncremental
}

// =============================================================================
// Status
// =============================================================================

// Status is the overall outcome of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Outcome is the result of reconciling one record.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeUpdated

	// OutcomeUnchanged is an update whose content hash matched; only
	// synced_at moved.
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// =============================================================================
// Table Result
// =============================================================================

// TableSyncResult holds the counts of one (source, table) sync.
type TableSyncResult struct {
	DatabaseID string `json:"databaseId"`
	Table      string `json:"table"`

	RecordsProcessed int `json:"recordsProcessed"`
	RecordsInserted  int `json:"recordsInserted"`
	RecordsUpdated   int `json:"recordsUpdated"`

	// RecordsUnchanged counts updates with identical content. They are
	// included in RecordsUpdated.
	RecordsUnchanged int `json:"recordsUnchanged"`

	// Errors holds at most maxErrors messages; ErrorCount is never capped.
	Errors     []string `json:"errors"`
	ErrorCount int      `json:"errorCount"`

	DurationMs int64               `json:"durationMs"`
	Latency    *stats.TableLatency `json:"latency,omitempty"`

	maxErrors int
}

// NewTableSyncResult creates an empty result. maxErrors <= 0 uses the default.
func NewTableSyncResult(databaseID, table string, maxErrors int) *TableSyncResult {
	if maxErrors <= 0 {
		maxErrors = config.DefaultMaxErrorMessages
	}
	return &TableSyncResult{
		DatabaseID: databaseID,
		Table:      table,
		Errors:     []string{},
		maxErrors:  maxErrors,
	}
}

// AddError records an error. The message list is bounded, the count is not.
func (r *TableSyncResult) AddError(err error) {
	r.ErrorCount++
	if len(r.Errors) < r.maxErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Record accumulates one reconcile outcome.
func (r *TableSyncResult) Record(o Outcome) {
	switch o {
	case OutcomeInserted:
		r.RecordsInserted++
	case OutcomeUpdated:
		r.RecordsUpdated++
	case OutcomeUnchanged:
		r.RecordsUpdated++
		r.RecordsUnchanged++
	}
}

// Written returns inserted plus updated.
func (r *TableSyncResult) Written() int {
	return r.RecordsInserted + r.RecordsUpdated
}

// =============================================================================
// Sync Run
// =============================================================================

// SyncRun is the audit record of one source within one invocation.
// It is appended to while running and frozen once finalized.
type SyncRun struct {
	ID           string             `json:"id"`
	InvocationID string             `json:"invocationId"`
	DatabaseID   string             `json:"databaseId"`
	SyncType     SyncType           `json:"syncType"`
	Tables       []string           `json:"tables"`
	Trigger      string             `json:"trigger,omitempty"`
	StartedAt    time.Time          `json:"startedAt"`
	FinishedAt   *time.Time         `json:"finishedAt"`
	Results      []*TableSyncResult `json:"results"`
	Status       Status             `json:"status"`
}

// Finalized returns true once the run has been frozen.
func (r *SyncRun) Finalized() bool {
	return r.FinishedAt != nil
}

// ComputeStatus derives the overall status from the results: success
// without errors, failed when errors occurred and nothing was written,
// partial otherwise.
func ComputeStatus(results []*TableSyncResult) Status {
	var errs, written int
	for _, r := range results {
		errs += r.ErrorCount
		written += r.Written()
	}
	switch {
	case errs == 0:
		return StatusSuccess
	case written == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// =============================================================================
// Request / Report
// =============================================================================

// Request triggers one invocation.
type Request struct {
	SyncType SyncType `json:"syncType"`

	// Tables to sync. Empty means every canonical table.
	Tables []string `json:"tables"`

	// Sources restricts the run to some source ids. Empty means all.
	Sources []string `json:"sources,omitempty"`

	// Trigger names the caller (api, schedule:<name>, cli).
	Trigger string `json:"-"`
}

// Normalize validates the request and fills in the table list in sync order.
func (r *Request) Normalize() error {
	if r.SyncType == "" {
		r.SyncType = SyncIncremental
	}
	if !r.SyncType.IsValid() {
		return errors.NewInvalidRequest(fmt.Sprintf("syncType must be %q or %q, got %q", SyncFull, SyncIncremental, r.SyncType))
	}

	if len(r.Tables) == 0 {
		r.Tables = transform.Tables()
		return nil
	}

	seen := make(map[string]bool, len(r.Tables))
	tables := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		if _, ok := transform.Lookup(t); !ok {
			return fmt.Errorf("%w: %q", errors.ErrUnknownTable, t)
		}
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	r.Tables = transform.SortTables(tables)
	return nil
}

// Summary aggregates one invocation.
type Summary struct {
	RunID            string   `json:"runId"`
	SyncType         SyncType `json:"syncType"`
	Sources          []string `json:"sources"`
	Tables           []string `json:"tables"`
	RecordsProcessed int      `json:"recordsProcessed"`
	RecordsInserted  int      `json:"recordsInserted"`
	RecordsUpdated   int      `json:"recordsUpdated"`
	RecordsUnchanged int      `json:"recordsUnchanged"`
	ErrorCount       int      `json:"errorCount"`
	Status           Status   `json:"status"`
	DurationMs       int64    `json:"durationMs"`
}

// Report is the response of one invocation.
type Report struct {
	// Success is false only when the run failed outright.
	Success bool               `json:"success"`
	Results []*TableSyncResult `json:"results"`
	Summary Summary            `json:"summary"`
	Runs    []*SyncRun         `json:"-"`
}

// summarize fills the summary from the runs.
func (rep *Report) summarize(invocationID string, req *Request, sources []string, d time.Duration) {
	s := Summary{
		RunID:      invocationID,
		SyncType:   req.SyncType,
		Sources:    sources,
		Tables:     req.Tables,
		DurationMs: d.Milliseconds(),
	}
	for _, r := range rep.Results {
		s.RecordsProcessed += r.RecordsProcessed
		s.RecordsInserted += r.RecordsInserted
		s.RecordsUpdated += r.RecordsUpdated
		s.RecordsUnchanged += r.RecordsUnchanged
		s.ErrorCount += r.ErrorCount
	}
	s.Status = ComputeStatus(rep.Results)
	rep.Summary = s
	rep.Success = s.Status != StatusFailed
}
