package delta

import (
	"fmt"
	"os"
	"sync"
)

// objectLog is the append-only file a run's folder record is built in.
// Space is reserved by Reserve and filled later with WriteAt, so entries
// keep walk order even though files finish out of order.
type objectLog struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

func createLog(path string) (*objectLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating object log: %w", err)
	}
	return &objectLog{f: f}, nil
}

// Reserve appends p and returns its offset.
func (l *objectLog) Reserve(p []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.size
	if _, err := l.f.WriteAt(p, off); err != nil {
		return 0, fmt.Errorf("extending object log: %w", err)
	}
	l.size += int64(len(p))
	return off, nil
}

// WriteAt fills a previously reserved range. Distinct ranges may be written
// concurrently.
func (l *objectLog) WriteAt(p []byte, off int64) error {
	if _, err := l.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("writing object log at %d: %w", off, err)
	}
	return nil
}

// Commit flushes and closes the log.
func (l *objectLog) Commit() error {
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("syncing object log: %w", err)
	}
	return l.f.Close()
}

func (l *objectLog) Close() error {
	return l.f.Close()
}
