package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/possync/internal/errors"
)

// TableLocks serializes writers per (source, table) within the process.
//
// The destination is an embedded database owned by this process, so an
// in-process lock covers every writer.
type TableLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewTableLocks creates an empty lock table.
func NewTableLocks() *TableLocks {
	return &TableLocks{held: make(map[string]chan struct{})}
}

// Acquire takes the lock of (sourceID, table), waiting up to wait for a
// concurrent holder. It returns ErrTableBusy when the lock stays taken.
// The returned release function is idempotent.
func (l *TableLocks) Acquire(ctx context.Context, sourceID, table string, wait time.Duration) (func(), error) {
	key := sourceID + "/" + table

	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return l.releaser(key, ch), nil
		}
		l.mu.Unlock()

		if timer == nil {
			return nil, fmt.Errorf("table %q of source %q: %w", table, sourceID, errors.ErrTableBusy)
		}

		select {
		case <-ch:
			// holder released, try again
		case <-timer:
			return nil, fmt.Errorf("table %q of source %q after %s: %w", table, sourceID, wait, errors.ErrTableBusy)
		case <-ctx.Done():
			return nil, fmt.Errorf("table %q of source %q: %w: %w", table, sourceID, errors.ErrTableBusy, ctx.Err())
		}
	}
}

// Held reports whether (sourceID, table) is currently locked.
func (l *TableLocks) Held(sourceID, table string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[sourceID+"/"+table]
	return ok
}

func (l *TableLocks) releaser(key string, ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(ch)
		})
	}
}
