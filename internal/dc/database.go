package dc

import "time"

// FileState is the last committed (size, mtime) of a path.
type FileState struct {
	Size  uint64
	Mtime uint64
}

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// Run is one recorded backup of a snapshot root.
type Run struct {
	ID         string
	Source     string
	Snapshot   string
	Root       []byte // sealed root key, empty until the run succeeds
	Sealer     string // sealer type that produced Root
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Stats      Direct
}

// Database persists the change table and run history of one snapshot root.
type Database interface {
	// LoadFileStates returns the committed change table.
	LoadFileStates() (map[string]FileState, error)

	// ReplaceFileStates atomically replaces the change table.
	ReplaceFileStates(states map[string]FileState) error

	// CreateRun inserts a run in the running state.
	CreateRun(run *Run) error

	// FinishRun records the outcome, root and statistics of a run.
	FinishRun(run *Run) error

	// FindRun returns the run with the given id, or nil if there is none.
	FindRun(id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*Run, error)

	// Close closes the underlying connection.
	Close() error
}
