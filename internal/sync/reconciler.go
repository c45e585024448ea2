package sync

import (
	"context"
	"time"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/logging"
	"github.com/xtxerr/possync/internal/stats"
	"github.com/xtxerr/possync/internal/transform"
)

var log = logging.Component("sync")

// =============================================================================
// Upsert Reconciler
// =============================================================================

// RecordWriter applies one canonical record to the destination atomically.
//
// Implementations insert the record when (SourceID, Key) is absent with
// created_at, updated_at and synced_at set to now, and otherwise update the
// business fields and synced_at, preserving created_at and moving
// updated_at only when the content changed.
type RecordWriter interface {
	Upsert(ctx context.Context, rec *transform.Record, now time.Time) (Outcome, error)
}

// UpsertReconciler bounds and times every destination write.
type UpsertReconciler struct {
	writer  RecordWriter
	timeout time.Duration

	// now is replaceable in tests
	now func() time.Time
}

// NewUpsertReconciler creates a reconciler. timeout <= 0 uses the default.
func NewUpsertReconciler(w RecordWriter, timeout time.Duration) *UpsertReconciler {
	if timeout <= 0 {
		timeout = config.DefaultUpsertTimeout
	}
	return &UpsertReconciler{
		writer:  w,
		timeout: timeout,
		now:     time.Now,
	}
}

// Reconcile writes one record. Failures come back as record-scoped
// ErrUpsert errors; lat, when non-nil, receives the call duration.
func (r *UpsertReconciler) Reconcile(ctx context.Context, rec *transform.Record, lat *stats.Latency) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// DuckDB timestamps have microsecond resolution
	now := r.now().UTC().Truncate(time.Microsecond)

	start := time.Now()
	outcome, err := r.writer.Upsert(ctx, rec, now)
	if lat != nil {
		lat.Observe(time.Since(start))
	}
	if err != nil {
		return 0, errors.NewUpsert(rec.Key, err)
	}
	return outcome, nil
}
