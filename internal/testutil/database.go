package testutil

import (
	"testing"

	"dircopy-go/internal/database"
	"dircopy-go/internal/dc"
)

// NewTestDatabase creates a migrated in-memory SQLite database.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) dc.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(database.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
