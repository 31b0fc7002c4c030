package database

import (
	"path/filepath"

	"dircopy-go/internal/dc"
)

// SnapshotFileName is the database file kept in each snapshot directory.
const SnapshotFileName = "change.db"

// SnapshotPath returns the database path for a snapshot directory.
func SnapshotPath(snapshotDir string) string {
	return filepath.Join(snapshotDir, SnapshotFileName)
}

// OpenSnapshot opens the database of a snapshot directory. An empty
// directory selects an in-memory database.
func OpenSnapshot(snapshotDir string) (dc.Database, error) {
	if snapshotDir == "" {
		return NewSQLiteDatabase(MemoryPath)
	}
	return NewSQLiteDatabase(SnapshotPath(snapshotDir))
}
