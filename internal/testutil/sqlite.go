package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteFile creates <name>.db in a temporary directory, runs stmts against
// it and returns its path. It stands in for a legacy point-of-sale database.
func SQLiteFile(t *testing.T, name string, stmts ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name+".db")
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("fixture %q: %v", s, err)
		}
	}
	return path
}
