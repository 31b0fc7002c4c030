package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dircopy-go/internal/database/migrations"
	"dircopy-go/internal/dc"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteDatabase implements dc.Database using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

var _ dc.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path, creating it and applying
// pending migrations as needed.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the file backing the database, or MemoryPath.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations reports whether the schema is current.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// File states

func (s *SQLiteDatabase) LoadFileStates() (map[string]dc.FileState, error) {
	rows, err := s.db.Query("SELECT path, size, mtime FROM file_states")
	if err != nil {
		return nil, fmt.Errorf("failed to query file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]dc.FileState)
	for rows.Next() {
		var path string
		var size, mtime int64
		if err := rows.Scan(&path, &size, &mtime); err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		states[path] = dc.FileState{Size: uint64(size), Mtime: uint64(mtime)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file states: %w", err)
	}
	return states, nil
}

func (s *SQLiteDatabase) ReplaceFileStates(states map[string]dc.FileState) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM file_states"); err != nil {
		return fmt.Errorf("failed to clear file states: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO file_states (path, size, mtime) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for path, st := range states {
		if _, err = stmt.Exec(path, int64(st.Size), int64(st.Mtime)); err != nil {
			return fmt.Errorf("failed to insert file state %q: %w", path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file states: %w", err)
	}
	return nil
}

// Runs

func (s *SQLiteDatabase) CreateRun(run *dc.Run) error {
	if run.Status == "" {
		run.Status = dc.RunRunning
	}
	_, err := s.db.Exec(`INSERT INTO runs (id, source, snapshot, root, sealer, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Snapshot, run.Root, run.Sealer, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FinishRun(run *dc.Run) error {
	st := run.Stats
	res, err := s.db.Exec(`UPDATE runs SET root = ?, sealer = ?, finished_at = ?, status = ?,
		target = ?, read = ?, written = ?, duplicate = ?, blocks = ?, dblocks = ?, items = ?
		WHERE id = ?`,
		run.Root, run.Sealer, run.FinishedAt.UTC(), run.Status,
		int64(st.Target), int64(st.Read), int64(st.Written), int64(st.Duplicate),
		int64(st.Blocks), int64(st.DBlocks), int64(st.Items),
		run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

const runColumns = `id, source, snapshot, root, sealer, started_at, finished_at, status,
	target, read, written, duplicate, blocks, dblocks, items`

func (s *SQLiteDatabase) FindRun(id string) (*dc.Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	return run, nil
}

func (s *SQLiteDatabase) ListRuns(limit int) ([]*dc.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*dc.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*dc.Run, error) {
	var (
		run      dc.Run
		finished sql.NullTime
		counts   [7]int64
	)
	err := row.Scan(&run.ID, &run.Source, &run.Snapshot, &run.Root, &run.Sealer,
		&run.StartedAt, &finished, &run.Status,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5], &counts[6])
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.Stats = dc.Direct{
		Target:    uint64(counts[0]),
		Read:      uint64(counts[1]),
		Written:   uint64(counts[2]),
		Duplicate: uint64(counts[3]),
		Blocks:    uint64(counts[4]),
		DBlocks:   uint64(counts[5]),
		Items:     uint64(counts[6]),
	}
	return &run, nil
}
