package testutil

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TreeTime is the modification time WriteTree gives every file.
var TreeTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// WriteTree creates files under dir. Keys are slash separated names.
func WriteTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("creating directory for %s: %v", name, err)
		}
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
		if err := os.Chtimes(p, TreeTime, TreeTime); err != nil {
			t.Fatalf("setting time of %s: %v", name, err)
		}
	}
}

// ReadTree returns every regular file under dir keyed by slash separated
// name.
func ReadTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatalf("reading tree %s: %v", dir, err)
	}
	return out
}

// AssertTree fails the test unless got holds exactly the files of want.
func AssertTree(t *testing.T, got, want map[string][]byte) {
	t.Helper()
	for name, content := range want {
		g, ok := got[name]
		if !ok {
			t.Errorf("missing file %s", name)
			continue
		}
		if !bytes.Equal(g, content) {
			t.Errorf("file %s differs: got %d bytes, want %d", name, len(g), len(content))
		}
	}
	for name := range got {
		if _, ok := want[name]; !ok {
			t.Errorf("unexpected file %s", name)
		}
	}
}
