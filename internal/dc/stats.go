package dc

import "sync/atomic"

// Stats are the live counters of a run. All fields are updated atomically and
// may be read while workers are running.
type Stats struct {
	Target    atomic.Uint64 // bytes the run expects to process
	Read      atomic.Uint64 // plaintext bytes read from sources or the store
	Written   atomic.Uint64 // bytes written to the store or to restored files
	Duplicate atomic.Uint64 // plaintext bytes already present in the store
	Blocks    atomic.Uint64 // blocks processed
	DBlocks   atomic.Uint64 // blocks found to be duplicates
	Items     atomic.Uint64 // files processed
	current   atomic.Pointer[string]
}

// SetCurrent records the name of the file most recently started.
func (s *Stats) SetCurrent(name string) {
	s.current.Store(&name)
}

// Current returns the name of the file most recently started.
func (s *Stats) Current() string {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Direct is a plain snapshot of Stats.
type Direct struct {
	Target    uint64
	Read      uint64
	Written   uint64
	Duplicate uint64
	Blocks    uint64
	DBlocks   uint64
	Items     uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Direct {
	return Direct{
		Target:    s.Target.Load(),
		Read:      s.Read.Load(),
		Written:   s.Written.Load(),
		Duplicate: s.Duplicate.Load(),
		Blocks:    s.Blocks.Load(),
		DBlocks:   s.DBlocks.Load(),
		Items:     s.Items.Load(),
	}
}
