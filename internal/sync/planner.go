package sync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/transform"
)

// =============================================================================
// Strategy Planner
// =============================================================================

// Planner decides how many rows a table sync requests.
//
// Full syncs are always unbounded. Incremental syncs get a fixed cap per
// table, falling back to a conservative default for tables without one:
//
//	full        → 0 (unbounded) for every table
//	incremental → limits[table], else defaultLimit
//
// Planner is safe for concurrent use.
type Planner struct {
	mu           sync.RWMutex
	defaultLimit int
	limits       map[string]int
	pageSize     int
}

// DefaultLimits returns the built-in incremental caps.
func DefaultLimits() map[string]int {
	return map[string]int{
		"customers": config.DefaultPrimaryLimit,
		"products":  config.DefaultPrimaryLimit,
		"sales":     config.DefaultPrimaryLimit,
		"locations": config.DefaultAuxiliaryLimit,
		"payments":  config.DefaultAuxiliaryLimit,
	}
}

// NewPlanner creates a planner. Non-positive values fall back to defaults.
func NewPlanner(defaultLimit int, limits map[string]int, pageSize int) *Planner {
	if defaultLimit <= 0 {
		defaultLimit = config.DefaultIncrementalLimit
	}
	if pageSize <= 0 {
		pageSize = config.DefaultPageSize
	}

	p := &Planner{
		defaultLimit: defaultLimit,
		limits:       DefaultLimits(),
		pageSize:     pageSize,
	}
	for table, limit := range limits {
		p.Set(table, limit)
	}
	return p
}

// DefaultPlanner returns a planner with the built-in caps.
func DefaultPlanner() *Planner {
	return NewPlanner(0, nil, 0)
}

// Set configures the incremental cap of a table. Non-positive limits are
// ignored.
func (p *Planner) Set(table string, limit int) {
	if limit <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[table] = limit
}

// PlanLimit returns the row cap for a table; 0 means unbounded.
func (p *Planner) PlanLimit(syncType SyncType, table string) int {
	if syncType == SyncFull {
		return 0
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit, ok := p.limits[table]; ok {
		return limit
	}
	return p.defaultLimit
}

// PageSize returns the page size of unbounded fetches.
func (p *Planner) PageSize() int {
	return p.pageSize
}

// =============================================================================
// Fetch Plan
// =============================================================================

// fetchPlan is the resolved query shape of one table sync.
type fetchPlan struct {
	dialect     source.Dialect
	table       string
	keyColumn   string
	deleted     string
	modifiedOn  string
	limit       int
	pageSize    int
	unboundedOK bool
}

// planFetch resolves the source table and columns of an entity through the
// source's mapping.
func (p *Planner) planFetch(src *source.Config, e *transform.Entity, syncType SyncType) fetchPlan {
	m := src.Mapping(e.Table)
	limit := p.PlanLimit(syncType, e.Table)
	return fetchPlan{
		dialect:     src.Dialect(),
		table:       m.SourceTable(e),
		keyColumn:   m.Column(e.Key),
		deleted:     m.Column(transform.ColumnDeleted),
		modifiedOn:  m.Column(transform.ColumnModifiedOn),
		limit:       limit,
		pageSize:    p.PageSize(),
		unboundedOK: limit == 0,
	}
}

// query returns the statement of one fetch.
//
// Bounded fetches are a single recency-ordered query. Unbounded fetches
// page through the live rows by natural key; after is the key of the last
// row of the previous page, nil for the first page.
func (f fetchPlan) query(after any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s WHERE %s = 0", f.table, f.deleted)

	if !f.unboundedOK {
		fmt.Fprintf(&b, " ORDER BY %s DESC LIMIT %d", f.modifiedOn, f.limit)
		return b.String(), nil
	}

	var args []any
	if after != nil {
		fmt.Fprintf(&b, " AND %s > %s", f.keyColumn, f.dialect.Placeholder(1))
		args = append(args, after)
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", f.keyColumn, f.pageSize)
	return b.String(), args
}
