package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/testutil"
	"github.com/xtxerr/possync/internal/transform"
)

// =============================================================================
// Test Doubles
// =============================================================================

type memRow struct {
	rec     *transform.Record
	created time.Time
	updated time.Time
	synced  time.Time
}

// memWriter mirrors the destination upsert semantics in memory.
type memWriter struct {
	mu   gosync.Mutex
	rows map[string]*memRow
	fail map[string]bool
}

func newMemWriter() *memWriter {
	return &memWriter{rows: make(map[string]*memRow), fail: make(map[string]bool)}
}

func (w *memWriter) Upsert(ctx context.Context, rec *transform.Record, now time.Time) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fail[rec.Key] {
		return 0, fmt.Errorf("constraint violation")
	}
	k := rec.SourceID + "/" + rec.Table + "/" + rec.Key
	row, ok := w.rows[k]
	if !ok {
		w.rows[k] = &memRow{rec: rec, created: now, updated: now, synced: now}
		return OutcomeInserted, nil
	}
	row.synced = now
	if row.rec.Hash == rec.Hash {
		return OutcomeUnchanged, nil
	}
	row.rec = rec
	row.updated = now
	return OutcomeUpdated, nil
}

func (w *memWriter) get(sourceID, table, key string) *memRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows[sourceID+"/"+table+"/"+key]
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

type memHistory struct {
	mu        gosync.Mutex
	runs      map[string]*SyncRun
	begun     int
	appended  int
	seqs      []string
	finalized map[string]Status
}

func newMemHistory() *memHistory {
	return &memHistory{runs: make(map[string]*SyncRun), finalized: make(map[string]Status)}
}

func (h *memHistory) Begin(ctx context.Context, run *SyncRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun++
	h.runs[run.ID] = run
	return nil
}

func (h *memHistory) AppendResult(ctx context.Context, runID string, seq int, res *TableSyncResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, done := h.finalized[runID]; done {
		return errors.ErrRunFinalized
	}
	h.appended++
	h.seqs = append(h.seqs, fmt.Sprintf("%d:%s", seq, res.Table))
	return nil
}

func (h *memHistory) Finalize(ctx context.Context, run *SyncRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, done := h.finalized[run.ID]; done {
		return errors.ErrRunFinalized
	}
	h.finalized[run.ID] = run.Status
	return nil
}

type recordingObserver struct {
	mu     gosync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnRunStarted(run *SyncRun) { o.add("started:" + run.DatabaseID) }
func (o *recordingObserver) OnTableSynced(run *SyncRun, res *TableSyncResult) {
	o.add("table:" + run.DatabaseID + "/" + res.Table)
}
func (o *recordingObserver) OnRunFinished(run *SyncRun) { o.add("finished:" + run.DatabaseID) }

// =============================================================================
// Fixtures
// =============================================================================

const customersDDL = `CREATE TABLE customers (
	id TEXT, location INTEGER, first_name TEXT, email TEXT,
	created_on INTEGER, modified_on INTEGER, deleted INTEGER DEFAULT 0)`

// newSource creates a sqlite source file and runs stmts against it.
func newSource(t *testing.T, id string, stmts ...string) *source.Config {
	t.Helper()

	path := testutil.SQLiteFile(t, id, stmts...)
	return &source.Config{
		ID:        id,
		Driver:    source.DriverSQLite,
		Database:  path,
		Locations: map[int64]string{1: "Main Street"},
	}
}

// customerRows returns inserts for n live customers with ids 1..n.
func customerRows(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf(
			`INSERT INTO customers VALUES ('%d', 1, 'Customer %d', 'c%d@example.com', 1700000000, %d, 0)`,
			i, i, i, 1700000000+i))
	}
	return out
}

func customerSource(t *testing.T, id string, n int, extra ...string) *source.Config {
	stmts := append([]string{customersDDL}, customerRows(n)...)
	return newSource(t, id, append(stmts, extra...)...)
}

type harness struct {
	orch    *Orchestrator
	writer  *memWriter
	history *memHistory
	obs     *recordingObserver
	pool    *source.Pool
}

func newHarness(t *testing.T, sources []*source.Config, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		writer:  newMemWriter(),
		history: newMemHistory(),
		obs:     &recordingObserver{},
		pool:    source.NewPool(source.PoolConfig{ConnectTimeout: 2 * time.Second, QueryTimeout: 5 * time.Second}),
	}
	t.Cleanup(func() { h.pool.Close() })

	cfg := Config{
		Sources:   sources,
		Pool:      h.pool,
		Writer:    h.writer,
		History:   h.history,
		Observers: []Observer{h.obs},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	orch, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func resultFor(t *testing.T, rep *Report, databaseID, table string) *TableSyncResult {
	t.Helper()
	for _, r := range rep.Results {
		if r.DatabaseID == databaseID && r.Table == table {
			return r
		}
	}
	t.Fatalf("no result for %s/%s", databaseID, table)
	return nil
}

// =============================================================================
// Planner Tests
// =============================================================================

func TestPlanLimit(t *testing.T) {
	p := DefaultPlanner()

	tests := []struct {
		syncType SyncType
		table    string
		want     int
	}{
		{SyncFull, "sales", 0},
		{SyncIncremental, "sales", 1000},
		{SyncIncremental, "locations", 100},
		{SyncFull, "locations", 0},
		{SyncIncremental, "customers", 1000},
		{SyncIncremental, "products", 1000},
		{SyncIncremental, "payments", 100},
		{SyncIncremental, "inventory_audit", 100},
		{SyncFull, "inventory_audit", 0},
	}
	for _, tt := range tests {
		if got := p.PlanLimit(tt.syncType, tt.table); got != tt.want {
			t.Errorf("PlanLimit(%s, %s) = %d, want %d", tt.syncType, tt.table, got, tt.want)
		}
	}
}

func TestPlanner_Overrides(t *testing.T) {
	p := NewPlanner(25, map[string]int{"sales": 50, "products": 0}, 10)

	if got := p.PlanLimit(SyncIncremental, "sales"); got != 50 {
		t.Errorf("sales = %d, want 50", got)
	}
	if got := p.PlanLimit(SyncIncremental, "products"); got != 1000 {
		t.Errorf("non-positive override should be ignored, got %d", got)
	}
	if got := p.PlanLimit(SyncIncremental, "unknown"); got != 25 {
		t.Errorf("default = %d, want 25", got)
	}
	if got := p.PlanLimit(SyncFull, "sales"); got != 0 {
		t.Errorf("full = %d, want 0", got)
	}
	if p.PageSize() != 10 {
		t.Errorf("PageSize = %d", p.PageSize())
	}
}

func TestFetchPlan_Query(t *testing.T) {
	e, _ := transform.Lookup("customers")
	p := DefaultPlanner()

	src := &source.Config{ID: "n", Driver: source.DriverMySQL}
	q, args := p.planFetch(src, e, SyncIncremental).query(nil)
	want := "SELECT * FROM customers WHERE deleted = 0 ORDER BY modified_on DESC LIMIT 1000"
	if q != want || len(args) != 0 {
		t.Errorf("incremental query = %q %v, want %q", q, args, want)
	}

	full := p.planFetch(src, e, SyncFull)
	q, _ = full.query(nil)
	if q != "SELECT * FROM customers WHERE deleted = 0 ORDER BY id LIMIT 5000" {
		t.Errorf("first page = %q", q)
	}
	q, args = full.query("42")
	if q != "SELECT * FROM customers WHERE deleted = 0 AND id > ? ORDER BY id LIMIT 5000" || args[0] != "42" {
		t.Errorf("next page = %q %v", q, args)
	}

	pg := &source.Config{
		ID:     "s",
		Driver: source.DriverPostgres,
		Tables: map[string]transform.Mapping{
			"customers": {Table: "clients", Columns: map[string]string{"id": "client_id", "deleted": "is_deleted"}},
		},
	}
	q, _ = p.planFetch(pg, e, SyncFull).query(int64(7))
	if q != "SELECT * FROM clients WHERE is_deleted = 0 AND client_id > $1 ORDER BY client_id LIMIT 5000" {
		t.Errorf("mapped query = %q", q)
	}
}

// =============================================================================
// Result Tests
// =============================================================================

func TestTableSyncResult_BoundedErrors(t *testing.T) {
	r := NewTableSyncResult("n", "customers", 3)
	for i := 0; i < 10; i++ {
		r.AddError(fmt.Errorf("bad %d", i))
	}
	if len(r.Errors) != 3 {
		t.Errorf("stored messages = %d, want 3", len(r.Errors))
	}
	if r.ErrorCount != 10 {
		t.Errorf("ErrorCount = %d, want 10", r.ErrorCount)
	}
}

func TestComputeStatus(t *testing.T) {
	ok := &TableSyncResult{RecordsInserted: 3}
	bad := &TableSyncResult{ErrorCount: 1}
	mixed := &TableSyncResult{RecordsUpdated: 2, ErrorCount: 1}

	tests := []struct {
		name    string
		results []*TableSyncResult
		want    Status
	}{
		{"all ok", []*TableSyncResult{ok}, StatusSuccess},
		{"nothing", nil, StatusSuccess},
		{"all failed", []*TableSyncResult{bad, bad}, StatusFailed},
		{"one table failed", []*TableSyncResult{ok, bad}, StatusPartial},
		{"record errors", []*TableSyncResult{mixed}, StatusPartial},
	}
	for _, tt := range tests {
		if got := ComputeStatus(tt.results); got != tt.want {
			t.Errorf("%s: ComputeStatus = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRequest_Normalize(t *testing.T) {
	r := Request{SyncType: SyncFull, Tables: []string{"sales", "customers", "sales"}}
	if err := r.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if strings.Join(r.Tables, ",") != "customers,sales" {
		t.Errorf("Tables = %v", r.Tables)
	}

	r = Request{}
	if err := r.Normalize(); err != nil {
		t.Fatalf("Normalize empty: %v", err)
	}
	if r.SyncType != SyncIncremental || len(r.Tables) != len(transform.Tables()) {
		t.Errorf("defaults = %s %v", r.SyncType, r.Tables)
	}

	r = Request{SyncType: "delta"}
	if err := r.Normalize(); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("bad sync type err = %v", err)
	}

	r = Request{SyncType: SyncFull, Tables: []string{"employees"}}
	if err := r.Normalize(); !errors.Is(err, errors.ErrUnknownTable) {
		t.Errorf("unknown table err = %v", err)
	}
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestTableLocks_FailFast(t *testing.T) {
	l := NewTableLocks()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "n", "customers", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "n", "customers", 0); !errors.Is(err, errors.ErrTableBusy) {
		t.Fatalf("second Acquire err = %v, want ErrTableBusy", err)
	}

	other, err := l.Acquire(ctx, "n", "products", 0)
	if err != nil {
		t.Fatalf("other table should not be blocked: %v", err)
	}
	other()

	release()
	release()
	if l.Held("n", "customers") {
		t.Error("lock still held after release")
	}
}

func TestTableLocks_Wait(t *testing.T) {
	l := NewTableLocks()
	ctx := context.Background()

	release, _ := l.Acquire(ctx, "n", "sales", 0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	r2, err := l.Acquire(ctx, "n", "sales", 2*time.Second)
	if err != nil {
		t.Fatalf("waiting Acquire: %v", err)
	}
	r2()

	hold, _ := l.Acquire(ctx, "n", "sales", 0)
	defer hold()
	if _, err := l.Acquire(ctx, "n", "sales", 20*time.Millisecond); !errors.Is(err, errors.ErrTableBusy) {
		t.Errorf("timed out Acquire err = %v", err)
	}
}

// =============================================================================
// Reconciler Tests
// =============================================================================

func TestUpsertReconciler_WrapsErrors(t *testing.T) {
	w := newMemWriter()
	w.fail["9"] = true
	r := NewUpsertReconciler(w, time.Second)

	_, err := r.Reconcile(context.Background(), &transform.Record{Table: "customers", SourceID: "n", Key: "9"}, nil)
	if !errors.Is(err, errors.ErrUpsert) || !errors.IsRecordLevel(err) {
		t.Fatalf("err = %v, want record-level ErrUpsert", err)
	}
	if !strings.Contains(err.Error(), `"9"`) {
		t.Errorf("error should name the key: %v", err)
	}
}

func TestUpsertReconciler_TruncatesNow(t *testing.T) {
	var seen time.Time
	w := writerFunc(func(ctx context.Context, rec *transform.Record, now time.Time) (Outcome, error) {
		seen = now
		return OutcomeInserted, nil
	})
	r := NewUpsertReconciler(w, time.Second)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("x", 3600)) }

	if _, err := r.Reconcile(context.Background(), &transform.Record{Key: "1"}, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if seen.Nanosecond() != 123456000 || seen.Location() != time.UTC {
		t.Errorf("now = %v, want UTC microseconds", seen)
	}
}

type writerFunc func(ctx context.Context, rec *transform.Record, now time.Time) (Outcome, error)

func (f writerFunc) Upsert(ctx context.Context, rec *transform.Record, now time.Time) (Outcome, error) {
	return f(ctx, rec, now)
}

// =============================================================================
// Orchestrator Tests
// =============================================================================

func TestRun_PartialFailure(t *testing.T) {
	// ten live rows, one without a natural key
	src := customerSource(t, "north", 9,
		`INSERT INTO customers VALUES (NULL, 1, 'No Key', NULL, NULL, 1700000500, 0)`)
	h := newHarness(t, []*source.Config{src})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncIncremental, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := resultFor(t, rep, "north", "customers")
	if res.RecordsProcessed != 10 {
		t.Errorf("RecordsProcessed = %d, want 10", res.RecordsProcessed)
	}
	if res.RecordsInserted+res.RecordsUpdated != 9 {
		t.Errorf("written = %d, want 9", res.RecordsInserted+res.RecordsUpdated)
	}
	if res.ErrorCount != 1 || len(res.Errors) != 1 {
		t.Errorf("errors = %d %v, want exactly one", res.ErrorCount, res.Errors)
	}
	if rep.Summary.Status != StatusPartial || !rep.Success {
		t.Errorf("summary = %+v", rep.Summary)
	}
}

func TestRun_UpsertFailureIsolated(t *testing.T) {
	src := customerSource(t, "north", 5)
	h := newHarness(t, []*source.Config{src})
	h.writer.fail["3"] = true

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, rep, "north", "customers")
	if res.RecordsProcessed != 5 || res.RecordsInserted != 4 || res.ErrorCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Errors[0], "upsert") {
		t.Errorf("error = %q", res.Errors[0])
	}
}

func TestRun_SourceIsolation(t *testing.T) {
	a := &source.Config{ID: "a", Driver: source.DriverSQLite, Database: "/nonexistent/possync/a.db?mode=ro"}
	b := customerSource(t, "b", 4)
	c := customerSource(t, "c", 6)
	h := newHarness(t, []*source.Config{a, b, c})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ra := resultFor(t, rep, "a", "customers")
	if ra.RecordsProcessed != 0 || ra.ErrorCount != 1 {
		t.Errorf("source a = %+v", ra)
	}
	if !strings.Contains(ra.Errors[0], "connection error") {
		t.Errorf("source a error = %q", ra.Errors[0])
	}
	if rb := resultFor(t, rep, "b", "customers"); rb.RecordsInserted != 4 || rb.ErrorCount != 0 {
		t.Errorf("source b = %+v", rb)
	}
	if rc := resultFor(t, rep, "c", "customers"); rc.RecordsInserted != 6 || rc.ErrorCount != 0 {
		t.Errorf("source c = %+v", rc)
	}
	if rep.Summary.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", rep.Summary.Status)
	}
	if len(h.history.finalized) != 3 {
		t.Errorf("finalized runs = %d, want one per source", len(h.history.finalized))
	}
}

func TestRun_ConnectionErrorCoversEveryTable(t *testing.T) {
	a := &source.Config{ID: "a", Driver: source.DriverSQLite, Database: "/nonexistent/possync/a.db?mode=ro"}
	b := customerSource(t, "b", 1)
	h := newHarness(t, []*source.Config{a, b})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers", "sales"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, table := range []string{"customers", "sales"} {
		r := resultFor(t, rep, "a", table)
		if r.ErrorCount != 1 || r.Written() != 0 || r.RecordsProcessed != 0 {
			t.Errorf("a/%s = %+v", table, r)
		}
	}
}

func TestRun_MissingCredentialsForOneSource(t *testing.T) {
	a := &source.Config{ID: "a", Driver: source.DriverMySQL}
	b := customerSource(t, "b", 2)
	h := newHarness(t, []*source.Config{a, b})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ra := resultFor(t, rep, "a", "customers")
	if ra.ErrorCount != 1 || !strings.Contains(ra.Errors[0], "missing credentials") {
		t.Errorf("source a = %+v", ra)
	}
	if rb := resultFor(t, rep, "b", "customers"); rb.RecordsInserted != 2 {
		t.Errorf("source b = %+v", rb)
	}
}

func TestRun_ConfigurationErrorBeforeIO(t *testing.T) {
	a := &source.Config{ID: "a", Driver: source.DriverMySQL}
	b := &source.Config{ID: "b", Driver: source.DriverPostgres, Host: "db"}
	h := newHarness(t, []*source.Config{a, b})

	_, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull})
	if !errors.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if h.history.begun != 0 || len(h.obs.events) != 0 {
		t.Error("no run should be started on configuration errors")
	}
}

func TestRun_RequestErrors(t *testing.T) {
	h := newHarness(t, []*source.Config{customerSource(t, "n", 1)})
	ctx := context.Background()

	if _, err := h.orch.Run(ctx, Request{SyncType: SyncFull, Sources: []string{"missing"}}); !errors.Is(err, errors.ErrUnknownSource) {
		t.Errorf("unknown source err = %v", err)
	}
	if _, err := h.orch.Run(ctx, Request{SyncType: SyncFull, Tables: []string{"vendors"}}); !errors.Is(err, errors.ErrUnknownTable) {
		t.Errorf("unknown table err = %v", err)
	}
	if h.history.begun != 0 {
		t.Error("invalid requests must not start runs")
	}
}

func TestRun_QueryErrorIsolatesTable(t *testing.T) {
	// the source has no products table
	src := customerSource(t, "north", 3)
	h := newHarness(t, []*source.Config{src})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers", "products"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if r := resultFor(t, rep, "north", "products"); r.ErrorCount != 1 || r.RecordsProcessed != 0 || !strings.Contains(r.Errors[0], "query error") {
		t.Errorf("products = %+v", r)
	}
	if r := resultFor(t, rep, "north", "customers"); r.RecordsInserted != 3 || r.ErrorCount != 0 {
		t.Errorf("customers = %+v", r)
	}
	if h.history.finalized[rep.Runs[0].ID] != StatusPartial {
		t.Errorf("finalized status = %s", h.history.finalized[rep.Runs[0].ID])
	}
}

func TestRun_Idempotent(t *testing.T) {
	src := customerSource(t, "north", 5)
	h := newHarness(t, []*source.Config{src})
	ctx := context.Background()
	req := Request{SyncType: SyncFull, Tables: []string{"customers"}}

	first, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Summary.RecordsInserted != 5 {
		t.Fatalf("first inserted = %d", first.Summary.RecordsInserted)
	}
	before := *h.writer.get("north", "customers", "3")

	second, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if h.writer.count() != 5 {
		t.Errorf("row count = %d after second run, want 5", h.writer.count())
	}
	s := second.Summary
	if s.RecordsInserted != 0 || s.RecordsUpdated != 5 || s.RecordsUnchanged != 5 {
		t.Errorf("second summary = %+v", s)
	}

	after := h.writer.get("north", "customers", "3")
	if !after.created.Equal(before.created) || !after.updated.Equal(before.updated) {
		t.Error("created_at/updated_at drifted on unchanged data")
	}
	if after.rec.Hash != before.rec.Hash {
		t.Error("content drifted on unchanged data")
	}
}

func TestRun_FullSyncPages(t *testing.T) {
	src := customerSource(t, "north", 7,
		`INSERT INTO customers VALUES ('8', 1, 'Gone', NULL, NULL, 1, 1)`)
	h := newHarness(t, []*source.Config{src}, func(c *Config) {
		c.Planner = NewPlanner(0, nil, 3)
	})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, rep, "north", "customers")
	if res.RecordsProcessed != 7 || res.RecordsInserted != 7 {
		t.Errorf("result = %+v, want every live row", res)
	}
	if res.Latency == nil || res.Latency.Query.Count != 3 {
		t.Errorf("expected three page queries, got %+v", res.Latency)
	}
	if h.writer.get("north", "customers", "8") != nil {
		t.Error("soft-deleted row was synced")
	}
}

func TestRun_IncrementalIsCapped(t *testing.T) {
	src := customerSource(t, "north", 12)
	h := newHarness(t, []*source.Config{src}, func(c *Config) {
		c.Planner = NewPlanner(0, map[string]int{"customers": 5}, 0)
	})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncIncremental, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := resultFor(t, rep, "north", "customers"); res.RecordsProcessed != 5 {
		t.Errorf("processed = %d, want 5", res.RecordsProcessed)
	}
	// most recently modified rows come first
	if h.writer.get("north", "customers", "12") == nil || h.writer.get("north", "customers", "1") != nil {
		t.Error("incremental sync should take the most recent rows")
	}
}

func TestRun_LocationNames(t *testing.T) {
	src := customerSource(t, "north", 1,
		`INSERT INTO customers VALUES ('50', 9, 'Far Away', NULL, NULL, 5, 0)`,
		`INSERT INTO customers VALUES ('51', NULL, 'Nowhere', NULL, NULL, 6, 0)`)
	h := newHarness(t, []*source.Config{src})

	if _, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"1", "Main Street"},
		{"50", "Location 9"},
	}
	for _, tt := range tests {
		row := h.writer.get("north", "customers", tt.key)
		if row == nil || row.rec.LocationName == nil || *row.rec.LocationName != tt.want {
			t.Errorf("customer %s location = %v, want %q", tt.key, row, tt.want)
		}
	}
	if row := h.writer.get("north", "customers", "51"); row == nil || row.rec.LocationName != nil {
		t.Error("missing location code should leave location_name NULL")
	}
}

func TestRun_TableBusy(t *testing.T) {
	src := customerSource(t, "north", 2)
	locks := NewTableLocks()
	h := newHarness(t, []*source.Config{src}, func(c *Config) { c.Locks = locks })

	release, err := locks.Acquire(context.Background(), "north", "customers", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := resultFor(t, rep, "north", "customers")
	if res.ErrorCount != 1 || res.RecordsProcessed != 0 {
		t.Errorf("result = %+v", res)
	}
	if rep.Summary.Status != StatusFailed || rep.Success {
		t.Errorf("summary = %+v", rep.Summary)
	}
	if h.history.finalized[rep.Runs[0].ID] != StatusFailed {
		t.Error("failed runs must still be finalized")
	}
}

func TestRun_OverlappingInvocationsSerialize(t *testing.T) {
	src := customerSource(t, "north", 20)
	h := newHarness(t, []*source.Config{src}, func(c *Config) { c.LockWait = 5 * time.Second })

	gt := testutil.NewGoroutineTest(t, 10*time.Second)
	for i := 0; i < 2; i++ {
		gt.Go(func(ctx context.Context) error {
			rep, err := h.orch.Run(ctx, Request{SyncType: SyncFull, Tables: []string{"customers"}})
			if err != nil {
				return err
			}
			if rep.Summary.Status != StatusSuccess {
				return fmt.Errorf("status = %s with %d errors", rep.Summary.Status, rep.Summary.ErrorCount)
			}
			return nil
		})
	}
	gt.Wait()

	if n := h.writer.count(); n != 20 {
		t.Errorf("rows = %d, want 20", n)
	}
	if len(h.history.finalized) != 2 {
		t.Errorf("finalized runs = %d, want 2", len(h.history.finalized))
	}
}

func TestRun_ObserversAndHistory(t *testing.T) {
	src := customerSource(t, "north", 1)
	h := newHarness(t, []*source.Config{src})

	rep, err := h.orch.Run(context.Background(), Request{SyncType: SyncFull, Tables: []string{"customers", "sales"}, Trigger: "test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"started:north", "table:north/customers", "table:north/sales", "finished:north"}
	if strings.Join(h.obs.events, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", h.obs.events, want)
	}
	if h.history.appended != 2 {
		t.Errorf("appended = %d, want 2", h.history.appended)
	}
	if got := strings.Join(h.history.seqs, " "); got != "0:customers 1:sales" {
		t.Errorf("appended seqs = %q, want each result at its index", got)
	}

	run := rep.Runs[0]
	if run.InvocationID != rep.Summary.RunID || run.FinishedAt == nil || run.Trigger != "test" {
		t.Errorf("run = %+v", run)
	}
}

// =============================================================================
// Status Tests
// =============================================================================

func TestStatusProber(t *testing.T) {
	good := customerSource(t, "good", 3, `INSERT INTO customers VALUES ('9', 1, 'Gone', NULL, NULL, 1, 1)`)
	noCreds := &source.Config{ID: "nocreds", Driver: source.DriverMySQL}
	h := newHarness(t, []*source.Config{good, noCreds})

	statuses := NewStatusProber(h.orch).Status(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d", len(statuses))
	}

	g := statuses[0]
	if !g.Connected || g.TableCounts["customers"] != 3 {
		t.Errorf("good = %+v", g)
	}
	// the fixture only has a customers table
	if g.Success || len(g.Errors) != len(transform.Tables())-1 {
		t.Errorf("good errors = %v", g.Errors)
	}

	n := statuses[1]
	if n.Connected || n.Success || len(n.Errors) != 1 {
		t.Errorf("nocreds = %+v", n)
	}
}

func TestStatusProber_CancelledCallerDoesNotFailOthers(t *testing.T) {
	good := customerSource(t, "good", 3)
	h := newHarness(t, []*source.Config{good})
	p := NewStatusProber(h.orch)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	ch := p.shared(cancelled, good)
	other := p.Probe(context.Background(), good)
	if !other.Connected || other.TableCounts["customers"] != 3 {
		t.Errorf("second caller = %+v", other)
	}

	r := <-ch
	if st := r.Val.(*SourceStatus); !st.Connected || st.TableCounts["customers"] != 3 {
		t.Errorf("shared probe of cancelled caller = %+v", st)
	}

	st := p.Probe(cancelled, good)
	if st.Success {
		t.Errorf("cancelled caller got success: %+v", st)
	}
}
