package testutil

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTest(t *testing.T) {
	var n atomic.Int32
	gt := NewGoroutineTest(t, 2*time.Second)
	for i := 0; i < 5; i++ {
		gt.Go(func(ctx context.Context) error {
			n.Add(1)
			return nil
		})
	}
	gt.Wait()

	if n.Load() != 5 {
		t.Errorf("ran %d goroutines, want 5", n.Load())
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	if err := Eventually(time.Second, 5*time.Millisecond, func() bool {
		return time.Since(start) > 20*time.Millisecond
	}); err != nil {
		t.Errorf("Eventually: %v", err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestSQLiteFile(t *testing.T) {
	path := SQLiteFile(t, "pos",
		`CREATE TABLE customers (id INTEGER, deleted INTEGER)`,
		`INSERT INTO customers VALUES (1, 0), (2, 1)`,
	)

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var live int
	if err := db.QueryRow(`SELECT COUNT(*) FROM customers WHERE deleted = 0`).Scan(&live); err != nil {
		t.Fatalf("count: %v", err)
	}
	if live != 1 {
		t.Errorf("live = %d, want 1", live)
	}
}
