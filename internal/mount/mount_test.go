package mount

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/testutil"
)

// testFiles crosses every entry shape: empty, inline, and large enough to
// get its own file record.
func testFiles() map[string][]byte {
	return map[string][]byte{
		"docs/readme.txt":       []byte("read me first"),
		"docs/Compression.md":   bytes.Repeat([]byte("compress "), 400),
		"src/compress/zstd.go":  testutil.RandomBytes(1, 3000),
		"src/main.go":           []byte("package main"),
		"data/large.bin":        testutil.RandomBytes(2, 20*1024),
		"empty":                 {},
		"deep/a/b/c/compressed": testutil.RandomBytes(3, 1024),
	}
}

func openTestPath(t *testing.T, files map[string][]byte) (*Path, *testutil.Env) {
	t.Helper()
	ctx := context.Background()
	env := testutil.NewEnv(t, testutil.SmallParams())
	for name, content := range files {
		env.FS.AddFile("/src/"+name, content)
	}

	d := testutil.OpenDelta(t, t.TempDir(), testutil.NewTestDatabase(t), nil)
	root, err := env.Engine.Folder(ctx, nil, d, "/src", dc.FolderOptions{Recursive: true})
	if err != nil {
		t.Fatalf("Folder() error = %v", err)
	}

	p, err := Open(ctx, env.Engine, root, true)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return p, env
}

func TestPath_Enumerate(t *testing.T) {
	files := testFiles()
	p, _ := openTestPath(t, files)

	seen := map[string]uint64{}
	p.Enumerate(func(size, mtime uint64, name string, keys []byte) bool {
		seen[name] = size
		if mtime == 0 {
			t.Errorf("%s has no mtime", name)
		}
		return true
	})
	if len(seen) != len(files) {
		t.Errorf("Enumerate() visited %d entries, want %d", len(seen), len(files))
	}
	for name, content := range files {
		if seen[name] != uint64(len(content)) {
			t.Errorf("%s size = %d, want %d", name, seen[name], len(content))
		}
	}

	visited := 0
	p.Enumerate(func(uint64, uint64, string, []byte) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Enumerate() kept going after false: %d calls", visited)
	}
}

func TestPath_Search(t *testing.T) {
	p, _ := openTestPath(t, testFiles())

	var names []string
	n := p.Search("COMPRESS", func(_, _ uint64, name string, _ []byte) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	want := []string{"deep/a/b/c/compressed", "docs/Compression.md", "src/compress/zstd.go"}
	if n != len(want) || len(names) != len(want) {
		t.Fatalf("Search() = %d %v, want %v", n, names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("match %d = %q, want %q", i, names[i], want[i])
		}
	}

	if got := p.Search("compress", func(uint64, uint64, string, []byte) bool { return false }); got != 1 {
		t.Errorf("Search() with early stop counted %d, want 1", got)
	}
	if got := p.Search("no such thing", nil); got != 0 {
		t.Errorf("Search() = %d, want 0", got)
	}
	if got := p.Search("|||", nil); got != 0 {
		t.Errorf("Search() matched the accounting entry")
	}
}

func TestPath_Memory(t *testing.T) {
	files := testFiles()
	p, _ := openTestPath(t, files)
	ctx := context.Background()

	for name, content := range files {
		for _, parallel := range []int{1, 4} {
			got, err := p.Memory(ctx, name, parallel)
			if err != nil {
				t.Fatalf("Memory(%s, %d) error = %v", name, parallel, err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("Memory(%s, %d) returned %d bytes, want %d", name, parallel, len(got), len(content))
			}
		}
	}

	if _, err := p.Memory(ctx, "missing", 1); !errors.Is(err, ErrNoEntry) {
		t.Errorf("Memory(missing) error = %v, want ErrNoEntry", err)
	}
}

func TestPath_Fetch(t *testing.T) {
	files := testFiles()
	p, _ := openTestPath(t, files)
	ctx := context.Background()

	var mtime uint64
	p.Enumerate(func(_, m uint64, name string, _ []byte) bool {
		if name == "data/large.bin" {
			mtime = m
			return false
		}
		return true
	})

	dest := filepath.Join(t.TempDir(), "out", "large.bin")
	if err := p.Fetch(ctx, nil, "data/large.bin", dest, 2); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if !bytes.Equal(got, files["data/large.bin"]) {
		t.Error("fetched content differs")
	}
	info, _ := os.Stat(dest)
	if !info.ModTime().Equal(time.Unix(0, int64(mtime))) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), time.Unix(0, int64(mtime)))
	}
}

func TestPath_Usage(t *testing.T) {
	files := testFiles()
	p, _ := openTestPath(t, files)

	var size uint64
	for _, c := range files {
		size += uint64(len(c))
	}
	u := p.Usage()
	if !u.Recorded || u.Files != uint64(len(files)) || u.Size != size {
		t.Errorf("Usage() = %+v, want %d files of %d bytes", u, len(files), size)
	}
}

func TestPath_CorruptBlockFailsRead(t *testing.T) {
	files := map[string][]byte{"one.bin": testutil.RandomBytes(9, 4096)}
	p, env := openTestPath(t, files)

	for _, id := range env.Store.IDs() {
		env.Store.Corrupt(id)
	}
	if _, err := p.Memory(context.Background(), "one.bin", 1); !errors.Is(err, dc.ErrCorruptBlock) {
		t.Errorf("Memory() error = %v, want ErrCorruptBlock", err)
	}
}

func TestBuildTree(t *testing.T) {
	p, _ := openTestPath(t, map[string][]byte{
		"a/b/c.txt": []byte("c"),
		"a/d.txt":   []byte("d"),
		"top":       []byte("t"),
	})

	tree := buildTree(p, dc.NewNopLogger())
	if _, ok := tree.files["top"]; !ok {
		t.Error("top-level file missing")
	}
	a, ok := tree.dirs["a"]
	if !ok {
		t.Fatal("directory a missing")
	}
	if _, ok := a.files["d.txt"]; !ok {
		t.Error("a/d.txt missing")
	}
	if _, ok := a.dirs["b"].files["c.txt"]; !ok {
		t.Error("a/b/c.txt missing")
	}
	for name := range tree.files {
		if name[0] == '|' {
			t.Error("accounting entry was mounted")
		}
	}
}

func TestFileHandle_Read(t *testing.T) {
	h := &fileHandle{data: []byte("0123456789")}
	ctx := context.Background()

	tests := []struct {
		off  int64
		size int
		want string
	}{
		{off: 0, size: 4, want: "0123"},
		{off: 8, size: 4, want: "89"},
		{off: 10, size: 4, want: ""},
		{off: 50, size: 4, want: ""},
	}
	for _, tt := range tests {
		res, errno := h.Read(ctx, make([]byte, tt.size), tt.off)
		if errno != 0 {
			t.Fatalf("Read() errno = %v", errno)
		}
		got, _ := res.Bytes(nil)
		if string(got) != tt.want {
			t.Errorf("Read(off %d, %d) = %q, want %q", tt.off, tt.size, got, tt.want)
		}
	}
}
