package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/location"
	"github.com/xtxerr/possync/internal/logging"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/stats"
	"github.com/xtxerr/possync/internal/transform"
)

// finalizeTimeout bounds history writes made after the run context ended.
const finalizeTimeout = 10 * time.Second

// =============================================================================
// Collaborators
// =============================================================================

// HistoryStore persists SyncRuns. Runs are appended to while running and
// frozen by Finalize; writes to a finalized run fail with ErrRunFinalized.
// seq is the result's index in SyncRun.Results.
type HistoryStore interface {
	Begin(ctx context.Context, run *SyncRun) error
	AppendResult(ctx context.Context, runID string, seq int, res *TableSyncResult) error
	Finalize(ctx context.Context, run *SyncRun) error
}

// Observer is notified about run progress. Calls are made synchronously
// from the orchestrator and must not block.
type Observer interface {
	OnRunStarted(run *SyncRun)
	OnTableSynced(run *SyncRun, res *TableSyncResult)
	OnRunFinished(run *SyncRun)
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config wires an Orchestrator.
type Config struct {
	// Sources in processing order.
	Sources []*source.Config

	Pool     *source.Pool
	Writer   RecordWriter
	History  HistoryStore
	Resolver *location.Resolver

	// Planner defaults to DefaultPlanner.
	Planner *Planner

	// Locks defaults to a private lock table. Share one between
	// orchestrators that write the same destination.
	Locks *TableLocks

	UpsertTimeout    time.Duration
	LockWait         time.Duration
	MaxErrorMessages int

	Observers []Observer
}

// Orchestrator runs sync invocations.
//
// Orchestrator is safe for concurrent use; overlapping invocations are
// serialized per (source, table) by the lock table.
type Orchestrator struct {
	sources    []*source.Config
	byID       map[string]*source.Config
	pool       *source.Pool
	history    HistoryStore
	resolver   *location.Resolver
	planner    *Planner
	locks      *TableLocks
	reconciler *UpsertReconciler

	lockWait  time.Duration
	maxErrors int
	observers []Observer
}

// NewOrchestrator validates cfg and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Pool == nil {
		return nil, errors.NewMissingField("pool")
	}
	if cfg.Writer == nil {
		return nil, errors.NewMissingField("writer")
	}
	if cfg.History == nil {
		return nil, errors.NewMissingField("history")
	}

	o := &Orchestrator{
		sources:    cfg.Sources,
		byID:       make(map[string]*source.Config, len(cfg.Sources)),
		pool:       cfg.Pool,
		history:    cfg.History,
		resolver:   cfg.Resolver,
		planner:    cfg.Planner,
		locks:      cfg.Locks,
		reconciler: NewUpsertReconciler(cfg.Writer, cfg.UpsertTimeout),
		lockWait:   cfg.LockWait,
		maxErrors:  cfg.MaxErrorMessages,
		observers:  cfg.Observers,
	}
	for _, src := range cfg.Sources {
		if _, dup := o.byID[src.ID]; dup {
			return nil, errors.NewValidation("sources", fmt.Sprintf("duplicate source id %q", src.ID))
		}
		o.byID[src.ID] = src
	}
	if o.planner == nil {
		o.planner = DefaultPlanner()
	}
	if o.locks == nil {
		o.locks = NewTableLocks()
	}
	if o.resolver == nil {
		tables := make(map[string]map[int64]string, len(cfg.Sources))
		for _, src := range cfg.Sources {
			tables[src.ID] = src.Locations
		}
		o.resolver = location.NewResolver(tables)
	}
	return o, nil
}

// Sources returns the configured sources in processing order.
func (o *Orchestrator) Sources() []*source.Config {
	return o.sources
}

// Source looks up a source by id.
func (o *Orchestrator) Source(id string) (*source.Config, bool) {
	src, ok := o.byID[id]
	return src, ok
}

// Planner returns the strategy planner.
func (o *Orchestrator) Planner() *Planner {
	return o.planner
}

// =============================================================================
// Run
// =============================================================================

// Run executes one invocation.
//
// The returned error is non-nil only for an invalid request or a
// configuration error; both are raised before any I/O. Every other failure
// is recorded in the report and in the history.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	sources, err := o.selectSources(req.Sources)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, invocationID)
	start := time.Now()

	log.InfoContext(ctx, "sync run started",
		"sync_type", req.SyncType,
		"tables", req.Tables,
		"sources", len(sources),
		"trigger", req.Trigger,
	)

	report := &Report{Results: []*TableSyncResult{}}
	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		ids = append(ids, src.ID)
		run := o.runSource(ctx, invocationID, src, &req)
		report.Runs = append(report.Runs, run)
		report.Results = append(report.Results, run.Results...)
	}

	report.summarize(invocationID, &req, ids, time.Since(start))

	log.InfoContext(ctx, "sync run finished",
		"status", report.Summary.Status,
		"processed", report.Summary.RecordsProcessed,
		"inserted", report.Summary.RecordsInserted,
		"updated", report.Summary.RecordsUpdated,
		"unchanged", report.Summary.RecordsUnchanged,
		"errors", report.Summary.ErrorCount,
		"duration", time.Since(start),
	)
	return report, nil
}

// selectSources resolves the requested source ids and runs the pre-flight
// credentials check.
func (o *Orchestrator) selectSources(ids []string) ([]*source.Config, error) {
	sources := o.sources
	if len(ids) > 0 {
		sources = make([]*source.Config, 0, len(ids))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			src, ok := o.byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: %q", errors.ErrUnknownSource, id)
			}
			if !seen[id] {
				seen[id] = true
				sources = append(sources, src)
			}
		}
	}

	if len(sources) == 0 {
		return nil, errors.NewConfiguration("no source databases configured")
	}
	for _, src := range sources {
		if src.HasCredentials() {
			return sources, nil
		}
	}
	return nil, errors.NewConfiguration("no source database has credentials")
}

// runSource syncs every requested table of one source and always finalizes
// the source's SyncRun.
func (o *Orchestrator) runSource(ctx context.Context, invocationID string, src *source.Config, req *Request) *SyncRun {
	run := &SyncRun{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		DatabaseID:   src.ID,
		SyncType:     req.SyncType,
		Tables:       req.Tables,
		Trigger:      req.Trigger,
		StartedAt:    time.Now().UTC(),
		Results:      []*TableSyncResult{},
		Status:       StatusRunning,
	}

	if err := o.history.Begin(ctx, run); err != nil {
		log.WarnContext(ctx, "record run start", "source", src.ID, "run", run.ID, "error", err)
	}
	for _, obs := range o.observers {
		obs.OnRunStarted(run)
	}

	defer o.finalize(ctx, run)

	if !src.HasCredentials() {
		o.failTables(ctx, run, req.Tables, errors.NewConnection(src.ID, errors.New("missing credentials")))
		return run
	}

	done := 0
	err := o.pool.WithConn(ctx, src, func(conn *source.Conn) error {
		for _, table := range req.Tables {
			o.appendResult(ctx, run, o.syncTable(ctx, conn, table, req.SyncType))
			done++
		}
		return nil
	})
	if err != nil {
		log.WarnContext(ctx, "source unavailable", "source", src.ID, "error", err)
		o.failTables(ctx, run, req.Tables[done:], err)
	}
	return run
}

// failTables records a zero-count result carrying err for every table.
func (o *Orchestrator) failTables(ctx context.Context, run *SyncRun, tables []string, err error) {
	for _, table := range tables {
		res := NewTableSyncResult(run.DatabaseID, table, o.maxErrors)
		res.AddError(err)
		o.appendResult(ctx, run, res)
	}
}

func (o *Orchestrator) appendResult(ctx context.Context, run *SyncRun, res *TableSyncResult) {
	run.Results = append(run.Results, res)
	if err := o.history.AppendResult(ctx, run.ID, len(run.Results)-1, res); err != nil {
		log.WarnContext(ctx, "record table result", "run", run.ID, "table", res.Table, "error", err)
	}
	for _, obs := range o.observers {
		obs.OnTableSynced(run, res)
	}
}

// finalize freezes the run. It runs on a context detached from the run's
// cancellation so an aborted run is still recorded.
func (o *Orchestrator) finalize(ctx context.Context, run *SyncRun) {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = ComputeStatus(run.Results)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := o.history.Finalize(fctx, run); err != nil {
		log.ErrorContext(ctx, "finalize run", "source", run.DatabaseID, "run", run.ID, "error", err)
	}
	for _, obs := range o.observers {
		obs.OnRunFinished(run)
	}
}

// =============================================================================
// Table Sync
// =============================================================================

// syncTable runs PLAN → FETCH → TRANSFORM → RECONCILE for one table.
func (o *Orchestrator) syncTable(ctx context.Context, conn *source.Conn, table string, syncType SyncType) *TableSyncResult {
	src := conn.Source()
	res := NewTableSyncResult(src.ID, table, o.maxErrors)
	rec := stats.NewTableRecorder()
	start := time.Now()

	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		snap := rec.Snapshot()
		res.Latency = &snap

		log.InfoContext(ctx, "table synced",
			"source", src.ID,
			"table", table,
			"processed", res.RecordsProcessed,
			"inserted", res.RecordsInserted,
			"updated", res.RecordsUpdated,
			"errors", res.ErrorCount,
			"duration", time.Since(start),
		)
	}()

	release, err := o.locks.Acquire(ctx, src.ID, table, o.lockWait)
	if err != nil {
		res.AddError(err)
		return res
	}
	defer release()

	entity, ok := transform.Lookup(table)
	if !ok {
		res.AddError(errors.NewQuery(table, errors.ErrUnknownTable))
		return res
	}

	plan := o.planner.planFetch(src, entity, syncType)
	mapping := src.Mapping(table)

	var after any
	for {
		query, args := plan.query(after)
		qstart := time.Now()
		rows, err := conn.Query(ctx, query, args...)
		rec.Query.Observe(time.Since(qstart))
		if err != nil {
			res.AddError(errors.NewQuery(table, err))
			return res
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				res.AddError(errors.NewQuery(table, ctx.Err()))
				return res
			}
			o.syncRecord(ctx, src, entity, mapping, row, res, rec)
		}

		if !plan.unboundedOK || len(rows) < plan.pageSize {
			return res
		}
		after = rows[len(rows)-1].Get(plan.keyColumn)
		if after == nil {
			res.AddError(errors.NewQuery(table, fmt.Errorf("key column %q missing, cannot page", plan.keyColumn)))
			return res
		}
	}
}

// syncRecord transforms and reconciles one row. Errors stay with the record.
func (o *Orchestrator) syncRecord(ctx context.Context, src *source.Config, e *transform.Entity, m transform.Mapping,
	row transform.Row, res *TableSyncResult, rec *stats.TableRecorder) {

	res.RecordsProcessed++

	record, err := transform.Transform(src.ID, row, e, m)
	if err != nil {
		res.AddError(err)
		return
	}
	if len(record.Notes) > 0 {
		log.DebugContext(ctx, "fields nulled", "source", src.ID, "table", e.Table, "key", record.Key, "notes", record.Notes)
	}

	if record.LocationCode != nil {
		code := *record.LocationCode
		if e.LocationNameField != "" && record.LocationName != nil {
			o.resolver.Learn(src.ID, code, *record.LocationName)
		} else {
			record.SetLocationName(o.resolver.Resolve(src.ID, code))
		}
	}

	outcome, err := o.reconciler.Reconcile(ctx, record, rec.Upsert)
	if err != nil {
		res.AddError(err)
		return
	}
	res.Record(outcome)
}
