package storage

import (
	"path/filepath"
	"testing"
)

func TestOpenSQLite(t *testing.T) {
	for _, path := range []string{":memory:", filepath.Join(t.TempDir(), "nested", "state.db")} {
		db, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		if _, err := db.Exec(`CREATE TABLE t (x INTEGER)`); err != nil {
			t.Errorf("exec on %s: %v", path, err)
		}
		db.Close()
	}
}
