// Package delta implements change tracking for one snapshot root: which
// paths changed since the last committed backup, and the folder record
// entries that can be carried forward for those that did not.
//
// A snapshot directory holds:
//
//	change.db   SQLite change state and run history
//	latest.db   folder record of the last committed backup
//	tmp.db      folder record being built by the running backup
//	lock.db     present while a backup runs or after one failed
package delta

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

const (
	LatestFileName = "latest.db"
	TempFileName   = "tmp.db"
	LockFileName   = "lock.db"
)

// Excluder decides which entry names are left out of a backup.
type Excluder interface {
	Excluded(name string) bool
}

// Path is the delta database of one snapshot root. It implements dc.Delta.
type Path struct {
	dir      string
	db       dc.Database
	excluder Excluder
	logger   dc.Logger

	mu       sync.RWMutex
	states   map[string]dc.FileState // committed
	staged   map[string]dc.FileState // written by the running backup
	previous *bundle.Index

	log *objectLog
}

var _ dc.Delta = (*Path)(nil)

// Open loads the committed state of the snapshot in dir. It fails with
// dc.ErrLockedState while a lock file is present. excluder may be nil.
func Open(dir string, db dc.Database, excluder Excluder, logger dc.Logger) (*Path, error) {
	if logger == nil {
		logger = dc.NewNopLogger()
	}
	if locked, err := Locked(dir); err != nil {
		return nil, err
	} else if locked {
		return nil, fmt.Errorf("%w (%s)", dc.ErrLockedState, filepath.Join(dir, LockFileName))
	}

	states, err := db.LoadFileStates()
	if err != nil {
		return nil, fmt.Errorf("loading change state: %w", err)
	}
	previous, err := loadIndex(filepath.Join(dir, LatestFileName))
	if err != nil {
		return nil, err
	}

	return &Path{
		dir:      dir,
		db:       db,
		excluder: excluder,
		logger:   logger,
		states:   states,
		previous: previous,
	}, nil
}

// Locked reports whether the snapshot in dir carries a lock file.
func Locked(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, LockFileName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking lock: %w", err)
	}
}

// Clear removes the lock and any partial object log left by a failed run.
// Committed state is untouched.
func Clear(dir string) error {
	for _, name := range []string{LockFileName, TempFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}
	return nil
}

func loadIndex(path string) (*bundle.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return bundle.Scan(nil)
		}
		return nil, fmt.Errorf("reading previous folder record: %w", err)
	}
	ix, err := bundle.Scan(data)
	if err != nil {
		return nil, fmt.Errorf("reading previous folder record: %w", err)
	}
	return ix, nil
}

// Dir returns the snapshot directory.
func (p *Path) Dir() string {
	return p.dir
}

func (p *Path) OpenForWriting() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.log != nil {
		return errors.New("delta database is already open for writing")
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(p.dir, LockFileName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return dc.ErrLockedState
		}
		return fmt.Errorf("creating lock: %w", err)
	}
	_, werr := fmt.Fprintf(lock, "pid %d\nstarted %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if cerr := lock.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing lock: %w", werr)
	}

	log, err := createLog(filepath.Join(p.dir, TempFileName))
	if err != nil {
		return err
	}
	p.log = log
	p.staged = make(map[string]dc.FileState, len(p.states))
	return nil
}

func (p *Path) Excluded(name string) bool {
	return p.excluder != nil && p.excluder.Excluded(name)
}

func (p *Path) Queue(name string, size, mtime uint64, block, largeThreshold int64) (*dc.Slot, error) {
	if p.Excluded(name) {
		return nil, nil
	}
	log, err := p.writer()
	if err != nil {
		return nil, err
	}
	if len(name) > bundle.MaxNameLen {
		return nil, fmt.Errorf("name of %d bytes exceeds %d", len(name), bundle.MaxNameLen)
	}

	keyLen := dc.EntryKeyCount(int64(size), block, largeThreshold) * digest.Size
	if keyLen > bundle.MaxKeyLen {
		return nil, fmt.Errorf("%q needs %d key bytes, limit is %d", name, keyLen, bundle.MaxKeyLen)
	}

	extent := bundle.Extent(len(name), int(keyLen))
	buf := make([]byte, extent)
	bundle.PutExtent(buf, extent)

	off, err := log.Reserve(buf)
	if err != nil {
		return nil, err
	}
	return &dc.Slot{Offset: off, Extent: extent}, nil
}

func (p *Path) Changed(name string, size, mtime uint64, slot *dc.Slot) (bool, error) {
	current := dc.FileState{Size: size, Mtime: mtime}

	p.mu.RLock()
	st, ok := p.states[name]
	previous := p.previous
	p.mu.RUnlock()

	if !ok || st != current {
		return true, nil
	}
	if slot == nil {
		return false, nil
	}

	prev, ok := previous.Find(name)
	if !ok {
		p.logger.Warn("change state has no previous entry; re-reading file", "name", name)
		return true, nil
	}
	if prev.Size != size || prev.Mtime != mtime || len(prev.Raw) != slot.Extent {
		return true, nil
	}

	log, err := p.writer()
	if err != nil {
		return false, err
	}
	if err := log.WriteAt(prev.Raw, slot.Offset); err != nil {
		return false, err
	}
	p.stage(name, current)
	return false, nil
}

func (p *Path) Apply(name string, size, mtime uint64, keys []byte, slot *dc.Slot) error {
	b := bundle.Bundle{Size: size, Mtime: mtime, Name: name, Keys: keys}
	if b.Extent() != slot.Extent {
		return fmt.Errorf("%w: %q has %d key bytes, slot was reserved for %d",
			dc.ErrMalformedRecord, name, len(keys), slot.Extent-bundle.Extent(len(name), 0))
	}
	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	log, err := p.writer()
	if err != nil {
		return err
	}
	if err := log.WriteAt(raw, slot.Offset); err != nil {
		return err
	}
	p.stage(name, dc.FileState{Size: size, Mtime: mtime})
	return nil
}

var errNotWriting = errors.New("delta database is not open for writing")

func (p *Path) writer() (*objectLog, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.log == nil {
		return nil, errNotWriting
	}
	return p.log, nil
}

func (p *Path) stage(name string, st dc.FileState) {
	p.mu.Lock()
	if p.staged != nil {
		p.staged[name] = st
	}
	p.mu.Unlock()
}

func (p *Path) Statistics(stats bundle.Statistics) error {
	log, err := p.writer()
	if err != nil {
		return err
	}
	b := bundle.StatisticsBundle(stats)
	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = log.Reserve(raw)
	return err
}

func (p *Path) Finalize() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.log == nil {
		return "", errNotWriting
	}
	log := p.log
	p.log = nil
	if err := log.Commit(); err != nil {
		return "", err
	}

	if err := p.db.ReplaceFileStates(p.staged); err != nil {
		return "", fmt.Errorf("committing change state: %w", err)
	}
	latest := filepath.Join(p.dir, LatestFileName)
	if err := os.Rename(filepath.Join(p.dir, TempFileName), latest); err != nil {
		return "", fmt.Errorf("committing folder record: %w", err)
	}
	if err := os.Remove(filepath.Join(p.dir, LockFileName)); err != nil {
		return "", fmt.Errorf("removing lock: %w", err)
	}

	previous, err := loadIndex(latest)
	if err != nil {
		return "", err
	}
	p.states, p.staged, p.previous = p.staged, nil, previous
	p.logger.Debug("delta database committed", "dir", p.dir, "entries", previous.Len())
	return latest, nil
}

func (p *Path) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.staged = nil
	if p.log == nil {
		return nil
	}
	err := p.log.Close()
	p.log = nil
	return err
}
