package dc

import "dircopy-go/internal/bundle"

// Slot is a reservation in the current object log of a Delta database. It is
// owned by exactly one file from Queue through Apply.
type Slot struct {
	Offset int64
	Extent int
}

// Delta tracks per-path change state for one snapshot root so unchanged files
// can be carried forward without being read.
//
// Queue, Changed and Apply for one path must run on a single owner; distinct
// paths may proceed concurrently.
type Delta interface {
	// OpenForWriting creates the lock and a fresh current log.
	OpenForWriting() error

	// Excluded reports whether name is covered by the exclusion rules.
	Excluded(name string) bool

	// Queue reserves a slot sized for the keys name will need, or returns
	// nil when name is excluded.
	Queue(name string, size, mtime uint64, block, largeThreshold int64) (*Slot, error)

	// Changed reports whether name must be re-chunked. With a nil slot it
	// only compares. Otherwise an unchanged entry is copied from the previous
	// log into the slot and false is returned.
	Changed(name string, size, mtime uint64, slot *Slot) (bool, error)

	// Apply writes the final bundle for name into its slot.
	Apply(name string, size, mtime uint64, keys []byte, slot *Slot) error

	// Statistics appends the run's accounting bundle.
	Statistics(stats bundle.Statistics) error

	// Finalize commits the run and returns the path of the committed log.
	Finalize() (string, error)

	// Abort releases resources without committing. The lock stays behind.
	Abort() error
}
