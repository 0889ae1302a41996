// Package db test helpers.
//
// Use NewTestDB in any test that needs database access: in-memory
// databases are far faster than file-based ones, migrations are applied,
// and cleanup is registered automatically.
package db

import (
	"testing"
)

// NewTestDB creates an in-memory project database for testing.
// The database is closed automatically when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    hdb := db.NewTestDB(t)
//	    // use hdb...
//	}
func NewTestDB(t testing.TB) *HiveDB {
	t.Helper()

	hdb, err := OpenHiveInMemory()
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}

	t.Cleanup(func() {
		_ = hdb.Close()
	})

	return hdb
}
