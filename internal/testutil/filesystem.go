package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"dircopy-go/internal/dc"
)

// MockFile is a file in the mock filesystem.
type MockFile struct {
	Content []byte
	ModTime time.Time
}

// MockFilesystemManager is an in-memory dc.FilesystemManager. Paths are
// slash separated. Paths it does not hold are passed to Fallback, which
// lets engine code read the folder records it commits to real disk.
type MockFilesystemManager struct {
	Fallback dc.FilesystemManager

	mu       sync.Mutex
	files    map[string]*MockFile
	opens    map[string]int
	failOpen map[string]error
	now      time.Time
}

// NewMockFilesystemManager creates an empty mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:    make(map[string]*MockFile),
		opens:    make(map[string]int),
		failOpen: make(map[string]error),
		now:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

// AddFile adds or replaces a file. Each call stamps a later modification
// time, as an edit on a real filesystem would.
func (m *MockFilesystemManager) AddFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(time.Second)
	m.files[path.Clean(p)] = &MockFile{Content: content, ModTime: m.now}
}

// SetFile adds or replaces a file with an explicit modification time.
func (m *MockFilesystemManager) SetFile(p string, content []byte, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(p)] = &MockFile{Content: content, ModTime: mtime}
}

// Remove deletes a file.
func (m *MockFilesystemManager) Remove(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path.Clean(p))
}

// FailOpen makes every Open of p return err. A nil err clears it.
func (m *MockFilesystemManager) FailOpen(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOpen, path.Clean(p))
		return
	}
	m.failOpen[path.Clean(p)] = err
}

// Opens returns how many times p was opened.
func (m *MockFilesystemManager) Opens(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path.Clean(p)]
}

// ResetOpens clears the open counters.
func (m *MockFilesystemManager) ResetOpens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.opens)
}

func (m *MockFilesystemManager) source(p string, f *MockFile) dc.SourceFile {
	return dc.SourceFile{Path: p, Size: uint64(len(f.Content)), Mtime: uint64(f.ModTime.UnixNano())}
}

func (m *MockFilesystemManager) Stat(p string) (dc.SourceFile, error) {
	m.mu.Lock()
	f, ok := m.files[path.Clean(filepath.ToSlash(p))]
	m.mu.Unlock()
	if !ok {
		if m.Fallback != nil {
			return m.Fallback.Stat(p)
		}
		return dc.SourceFile{}, fmt.Errorf("file not found: %s", p)
	}
	return m.source(p, f), nil
}

func (m *MockFilesystemManager) Open(p string) (io.ReadCloser, error) {
	key := path.Clean(filepath.ToSlash(p))

	m.mu.Lock()
	f, ok := m.files[key]
	if ok {
		m.opens[key]++
	}
	failure := m.failOpen[key]
	m.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if !ok {
		if m.Fallback != nil {
			return m.Fallback.Open(p)
		}
		return nil, fmt.Errorf("file not found: %s", p)
	}
	return io.NopCloser(bytes.NewReader(f.Content)), nil
}

// Walk visits the files under root in the order a directory walk would:
// entries of a directory sorted by name, each subdirectory at its place.
func (m *MockFilesystemManager) Walk(ctx context.Context, root string, recursive bool, fn func(dc.SourceFile) error) error {
	root = path.Clean(root)
	prefix := root + "/"

	m.mu.Lock()
	var names []string
	for p := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if !recursive && strings.Contains(p[len(prefix):], "/") {
			continue
		}
		names = append(names, p)
	}
	snapshot := make(map[string]dc.SourceFile, len(names))
	for _, p := range names {
		snapshot[p] = m.source(p, m.files[p])
	}
	m.mu.Unlock()

	slices.SortFunc(names, func(a, b string) int {
		return slices.Compare(strings.Split(a, "/"), strings.Split(b, "/"))
	})

	for _, p := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(snapshot[p]); err != nil {
			return err
		}
	}
	return nil
}

var _ dc.FilesystemManager = (*MockFilesystemManager)(nil)
