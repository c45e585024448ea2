package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/possync/internal/errors"
	possync "github.com/xtxerr/possync/internal/sync"
	"github.com/xtxerr/possync/internal/transform"
)

// =============================================================================
// Canonical Records
// =============================================================================

// buildUpserts renders the upsert statement of every canonical table.
//
// The statement is a single INSERT ... ON CONFLICT, so there is no window
// between the existence check and the write. updated_at only moves when the
// content hash differs; created_at is never touched by the update branch.
func buildUpserts() map[string]string {
	out := make(map[string]string)
	for _, table := range transform.Tables() {
		e, _ := transform.Lookup(table)

		cols := []string{"database_source", "source_id", "location_code", "location_name"}
		for _, f := range e.Fields {
			cols = append(cols, f.Name)
		}
		cols = append(cols, "content_hash", "created_at", "updated_at", "synced_at")

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

		sets := []string{
			"location_code = EXCLUDED.location_code",
			"location_name = EXCLUDED.location_name",
		}
		for _, f := range e.Fields {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", f.Name, f.Name))
		}
		sets = append(sets,
			"updated_at = CASE WHEN content_hash = EXCLUDED.content_hash THEN updated_at ELSE EXCLUDED.updated_at END",
			"content_hash = EXCLUDED.content_hash",
			"synced_at = EXCLUDED.synced_at",
		)

		out[table] = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)\nON CONFLICT (database_source, source_id) DO UPDATE SET %s\nRETURNING created_at, updated_at",
			table, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", "))
	}
	return out
}

// Upsert writes one canonical record atomically and reports whether it was
// inserted, updated or unchanged. now must be UTC with microsecond
// precision; the outcome is derived by comparing it to the returned row.
func (s *Store) Upsert(ctx context.Context, rec *transform.Record, now time.Time) (possync.Outcome, error) {
	stmt, ok := s.upserts[rec.Table]
	if !ok {
		return 0, fmt.Errorf("%w: %q", errors.ErrUnknownTable, rec.Table)
	}
	if rec.SourceID == "" || rec.Key == "" {
		return 0, errors.NewMissingField("database_source/source_id")
	}

	args := make([]any, 0, len(rec.Fields)+8)
	args = append(args, rec.SourceID, rec.Key, nullableInt(rec.LocationCode), nullableString(rec.LocationName))
	for _, f := range rec.Fields {
		args = append(args, f.V)
	}
	args = append(args, int64(rec.Hash), now, now, now)

	var created, updated time.Time
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&created, &updated); err != nil {
		return 0, err
	}

	switch {
	case created.Equal(now):
		return possync.OutcomeInserted, nil
	case updated.Equal(now):
		return possync.OutcomeUpdated, nil
	default:
		return possync.OutcomeUnchanged, nil
	}
}

// StoredRecord is a destination row as read back.
type StoredRecord struct {
	DatabaseSource string
	SourceID       string
	LocationName   *string
	Fields         map[string]any
	ContentHash    uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SyncedAt       time.Time
}

// GetRecord reads one destination row.
func (s *Store) GetRecord(ctx context.Context, table, sourceID, key string) (*StoredRecord, error) {
	e, ok := transform.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownTable, table)
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	q := fmt.Sprintf(`SELECT location_name, content_hash, created_at, updated_at, synced_at, %s
		FROM %s WHERE database_source = ? AND source_id = ?`, strings.Join(names, ", "), table)

	var (
		locName sql.NullString
		hash    int64
	)
	rec := &StoredRecord{DatabaseSource: sourceID, SourceID: key, Fields: make(map[string]any, len(names))}
	values := make([]any, len(names))
	dest := []any{&locName, &hash, &rec.CreatedAt, &rec.UpdatedAt, &rec.SyncedAt}
	for i := range values {
		dest = append(dest, &values[i])
	}

	err := s.db.QueryRowContext(ctx, q, sourceID, key).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(table, sourceID+"/"+key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record: %w", table, err)
	}

	if locName.Valid {
		rec.LocationName = &locName.String
	}
	rec.ContentHash = uint64(hash)
	for i, name := range names {
		rec.Fields[name] = values[i]
	}
	return rec, nil
}

// RecordCounts returns the row count of every canonical table.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	out := make(map[string]int64)
	for _, table := range transform.Tables() {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
