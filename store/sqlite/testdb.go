package sqlite

import (
	"path/filepath"
	"testing"
)

// OpenTestStore opens a store on a fresh database file in a temporary
// directory. The database is closed when the test finishes.
func OpenTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
