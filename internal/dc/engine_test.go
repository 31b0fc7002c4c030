package dc_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/delta"
	"dircopy-go/internal/digest"
	"dircopy-go/internal/fs"
	"dircopy-go/internal/testutil"
)

func TestEngine_FileRoundTrip(t *testing.T) {
	ctx := context.Background()

	sequence := testutil.SmallParams()
	sequence.Sequence = true
	serial := testutil.SmallParams()
	serial.Threads, serial.Files = 1, 1
	bigBlocks := testutil.SmallParams()
	bigBlocks.Block = 4096
	noVerify := testutil.SmallParams()
	noVerify.Validate = false

	params := map[string]dc.Params{
		"small":      testutil.SmallParams(),
		"sequence":   sequence,
		"serial":     serial,
		"big blocks": bigBlocks,
		"no verify":  noVerify,
	}
	sizes := []int{0, 1, 1023, 1024, 1025, 3000, 20000}

	for pname, p := range params {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", pname, size), func(t *testing.T) {
				env := testutil.NewEnv(t, p)
				content := testutil.RandomBytes(uint64(size), size)
				env.FS.AddFile("/src/file.bin", content)

				key, err := env.Engine.File(ctx, nil, "/src/file.bin")
				if err != nil {
					t.Fatalf("File() error = %v", err)
				}

				got, err := env.Engine.ReadFile(ctx, nil, key, p.RestoreOptions())
				if err != nil {
					t.Fatalf("ReadFile() error = %v", err)
				}
				if !bytes.Equal(got, content) {
					t.Errorf("ReadFile() returned %d bytes differing from the %d byte original", len(got), len(content))
				}
			})
		}
	}
}

func TestEngine_FileDeduplicates(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, testutil.SmallParams())
	content := testutil.RandomBytes(7, 5000)
	env.FS.AddFile("/src/a.bin", content)
	env.FS.AddFile("/src/b.bin", content)

	var first dc.Stats
	keyA, err := env.Engine.File(ctx, &first, "/src/a.bin")
	if err != nil {
		t.Fatalf("File(a) error = %v", err)
	}
	blocks := env.Store.Len()

	var second dc.Stats
	keyB, err := env.Engine.File(ctx, &second, "/src/b.bin")
	if err != nil {
		t.Fatalf("File(b) error = %v", err)
	}

	if keyA != keyB {
		t.Error("identical content produced different file keys")
	}
	if env.Store.Len() != blocks {
		t.Errorf("store grew from %d to %d blocks for duplicate content", blocks, env.Store.Len())
	}
	d := second.Snapshot()
	if read := first.Read.Load(); d.Duplicate != read {
		t.Errorf("Duplicate = %d, want %d (bytes read by the first backup)", d.Duplicate, read)
	}
	if d.Written != 0 {
		t.Errorf("Written = %d for duplicate content, want 0", d.Written)
	}
	if d.DBlocks < d.Blocks {
		t.Errorf("DBlocks = %d, Blocks = %d; every block should be a duplicate", d.DBlocks, d.Blocks)
	}
}

func TestEngine_KeyIndependentOfScheduling(t *testing.T) {
	ctx := context.Background()
	content := testutil.RandomBytes(11, 50*1024)

	variants := []func(*dc.Params){
		func(*dc.Params) {},
		func(p *dc.Params) { p.Threads = 1 },
		func(p *dc.Params) { p.Threads = 16; p.Files = 8 },
		func(p *dc.Params) { p.Sequence = true },
		func(p *dc.Params) { p.Group = 1 },
		func(p *dc.Params) { p.MaxMemory = p.Block },
	}

	var want digest.Key
	for i, mut := range variants {
		p := testutil.SmallParams()
		mut(&p)
		env := testutil.NewEnv(t, p)
		env.FS.AddFile("/src/big.bin", content)

		key, err := env.Engine.File(ctx, nil, "/src/big.bin")
		if err != nil {
			t.Fatalf("variant %d: File() error = %v", i, err)
		}
		if i == 0 {
			want = key
			continue
		}
		if key != want {
			t.Errorf("variant %d produced key %s, want %s", i, key, want)
		}
	}
}

// folderEnv is an engine with a snapshot directory and its database.
type folderEnv struct {
	*testutil.Env
	dir string
	db  dc.Database
}

func newFolderEnv(t *testing.T, p dc.Params) *folderEnv {
	t.Helper()
	return &folderEnv{
		Env: testutil.NewEnv(t, p),
		dir: t.TempDir(),
		db:  testutil.NewTestDatabase(t),
	}
}

func (f *folderEnv) backup(t *testing.T, ex delta.Excluder, opts dc.FolderOptions) (digest.Key, dc.Direct) {
	t.Helper()
	d := testutil.OpenDelta(t, f.dir, f.db, ex)
	var stats dc.Stats
	key, err := f.Engine.Folder(context.Background(), &stats, d, "/src", opts)
	if err != nil {
		t.Fatalf("Folder() error = %v", err)
	}
	return key, stats.Snapshot()
}

func (f *folderEnv) restore(t *testing.T, key digest.Key) map[string][]byte {
	t.Helper()
	dest := t.TempDir()
	if err := f.Engine.RestoreFolder(context.Background(), nil, dest, key, f.Engine.Params().RestoreOptions()); err != nil {
		t.Fatalf("RestoreFolder() error = %v", err)
	}
	return testutil.ReadTree(t, dest)
}

func (f *folderEnv) addTree(files map[string][]byte) {
	for name, content := range files {
		f.FS.AddFile("/src/"+name, content)
	}
}

func mixedTree() map[string][]byte {
	return map[string][]byte{
		"empty.txt":           {},
		"small.txt":           []byte("small file"),
		"docs/small-copy.txt": []byte("small file"),
		"docs/notes.md":       bytes.Repeat([]byte("notes "), 400),
		"docs/archive/a.bin":  testutil.RandomBytes(21, 3*1024+17),
		"media/large.raw":     testutil.RandomBytes(22, 20*1024),
		"media/threshold.raw": testutil.RandomBytes(23, 8*1024),
	}
}

func TestEngine_FolderRoundTrip(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	files := mixedTree()
	f.addTree(files)

	key, stats := f.backup(t, nil, dc.FolderOptions{Recursive: true})
	if stats.Items != uint64(len(files)) {
		t.Errorf("Items = %d, want %d", stats.Items, len(files))
	}

	testutil.AssertTree(t, f.restore(t, key), files)
}

func TestEngine_FolderRestoresMtime(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	when := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	f.FS.SetFile("/src/dated.txt", []byte("dated"), when)

	key, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})

	dest := t.TempDir()
	if err := f.Engine.RestoreFolder(context.Background(), nil, dest, key, f.Engine.Params().RestoreOptions()); err != nil {
		t.Fatalf("RestoreFolder() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(dest, "dated.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(when) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), when)
	}
}

func TestEngine_FolderNonRecursiveAndLabel(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	f.addTree(mixedTree())

	key, _ := f.backup(t, nil, dc.FolderOptions{Label: "top"})

	got := f.restore(t, key)
	want := map[string][]byte{
		"top/empty.txt": {},
		"top/small.txt": []byte("small file"),
	}
	testutil.AssertTree(t, got, want)
}

func TestEngine_FolderCarriesUnchangedForward(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	files := mixedTree()
	f.addTree(files)

	first, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})

	f.FS.ResetOpens()
	blocks := f.Store.Len()
	second, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})

	if first != second {
		t.Error("unchanged tree produced a different root key")
	}
	if f.Store.Len() != blocks {
		t.Errorf("store grew from %d to %d blocks on an unchanged tree", blocks, f.Store.Len())
	}
	for name := range files {
		if n := f.FS.Opens("/src/" + name); n != 0 {
			t.Errorf("unchanged %s was opened %d times", name, n)
		}
	}

	// Touch one file; only it is read again.
	files["docs/notes.md"] = []byte("rewritten notes")
	f.FS.AddFile("/src/docs/notes.md", files["docs/notes.md"])
	f.FS.ResetOpens()

	third, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})
	if third == second {
		t.Error("changed tree kept the old root key")
	}
	for name := range files {
		want := 0
		if name == "docs/notes.md" {
			want = 1
		}
		if n := f.FS.Opens("/src/" + name); n != want {
			t.Errorf("%s opened %d times, want %d", name, n, want)
		}
	}
	testutil.AssertTree(t, f.restore(t, third), files)
}

func TestEngine_FolderRemovedFileDropped(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	files := mixedTree()
	f.addTree(files)
	f.backup(t, nil, dc.FolderOptions{Recursive: true})

	f.FS.Remove("/src/small.txt")
	delete(files, "small.txt")
	key, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})

	testutil.AssertTree(t, f.restore(t, key), files)
}

func TestEngine_FolderExclusions(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	f.addTree(map[string][]byte{
		"keep.txt":        []byte("keep"),
		"debug.log":       []byte("drop"),
		"cache/blob":      []byte("drop"),
		"sub/trace.log":   []byte("drop"),
		"sub/secret.key":  []byte("drop"),
		"sub/visible.txt": []byte("keep"),
	})

	ex := fs.NewExclusions([]string{"sub/secret.key"}, []string{"cache/"}, []string{"*.log"})
	key, stats := f.backup(t, ex, dc.FolderOptions{Recursive: true})

	want := map[string][]byte{
		"keep.txt":        []byte("keep"),
		"sub/visible.txt": []byte("keep"),
	}
	testutil.AssertTree(t, f.restore(t, key), want)
	if stats.Items != 2 {
		t.Errorf("Items = %d, want 2", stats.Items)
	}
	if n := f.FS.Opens("/src/debug.log"); n != 0 {
		t.Errorf("excluded file opened %d times", n)
	}
}

func TestEngine_FolderExcludeEverything(t *testing.T) {
	files := map[string][]byte{
		"data/a.txt":     []byte("alpha"),
		"data/b/c.bin":   testutil.RandomBytes(31, 5*1024),
		"data/b/d/e.txt": []byte("echo"),
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	tests := []struct {
		name string
		ex   *fs.Exclusions
	}{
		{"every file named", fs.NewExclusions(names, nil, nil)},
		{"prefix covers tree", fs.NewExclusions(nil, []string{"data/"}, nil)},
		{"glob matches all", fs.NewExclusions(nil, nil, []string{"*"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFolderEnv(t, testutil.SmallParams())
			f.addTree(files)

			_, stats := f.backup(t, tt.ex, dc.FolderOptions{Recursive: true})
			if stats.Items != 0 {
				t.Errorf("Items = %d, want 0", stats.Items)
			}
			if stats.Blocks != 1 {
				t.Errorf("Blocks = %d, want 1 (the folder record only)", stats.Blocks)
			}
			info, err := os.Stat(filepath.Join(f.dir, delta.LatestFileName))
			if err != nil {
				t.Fatalf("stat folder record: %v", err)
			}
			if stats.Read != uint64(info.Size()) {
				t.Errorf("Read = %d, want %d (the folder record only)", stats.Read, info.Size())
			}
			for name := range files {
				if n := f.FS.Opens("/src/" + name); n != 0 {
					t.Errorf("%s opened %d times", name, n)
				}
			}
		})
	}
}

func TestEngine_FolderCrashRecovery(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	files := mixedTree()
	f.addTree(files)
	first, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})

	files["small.txt"] = []byte("edited before the crash")
	f.FS.AddFile("/src/small.txt", files["small.txt"])
	f.FS.FailOpen("/src/small.txt", errors.New("device unplugged"))

	d := testutil.OpenDelta(t, f.dir, f.db, nil)
	if _, err := f.Engine.Folder(context.Background(), nil, d, "/src", dc.FolderOptions{Recursive: true}); err == nil {
		t.Fatal("Folder() succeeded while a source could not be opened")
	}

	if _, err := delta.Open(f.dir, f.db, nil, nil); !errors.Is(err, dc.ErrLockedState) {
		t.Fatalf("delta.Open() error = %v, want ErrLockedState", err)
	}

	// The committed state is untouched: the previous root still restores.
	before := mixedTree()
	testutil.AssertTree(t, f.restore(t, first), before)

	if err := delta.Clear(f.dir); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	f.FS.FailOpen("/src/small.txt", nil)
	key, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})
	testutil.AssertTree(t, f.restore(t, key), files)
}

func TestEngine_ScanChanges(t *testing.T) {
	f := newFolderEnv(t, testutil.SmallParams())
	f.addTree(mixedTree())
	f.backup(t, nil, dc.FolderOptions{Recursive: true})

	f.FS.AddFile("/src/small.txt", []byte("changed"))
	f.FS.AddFile("/src/new.txt", []byte("new"))
	f.FS.ResetOpens()

	d := testutil.OpenDelta(t, f.dir, f.db, nil)
	var changed []string
	err := f.Engine.ScanChanges(context.Background(), d, "/src", dc.FolderOptions{Recursive: true}, func(name string, _, _ uint64) bool {
		changed = append(changed, name)
		return true
	})
	if err != nil {
		t.Fatalf("ScanChanges() error = %v", err)
	}
	if len(changed) != 2 || changed[0] != "new.txt" || changed[1] != "small.txt" {
		t.Errorf("ScanChanges() = %v, want [new.txt small.txt]", changed)
	}
	if n := f.FS.Opens("/src/small.txt"); n != 0 {
		t.Errorf("ScanChanges opened a file %d times", n)
	}

	var stopped int
	f.Engine.ScanChanges(context.Background(), d, "/src", dc.FolderOptions{Recursive: true}, func(string, uint64, uint64) bool {
		stopped++
		return false
	})
	if stopped != 1 {
		t.Errorf("ScanChanges() kept going after false: %d calls", stopped)
	}
}

func TestEngine_ValidateFolder(t *testing.T) {
	ctx := context.Background()
	p := testutil.SmallParams()

	tests := []struct {
		name        string
		damage      func(f *folderEnv)
		wantShallow bool
		wantDeep    bool
	}{
		{name: "intact", damage: func(*folderEnv) {}, wantShallow: true, wantDeep: true},
		{name: "block missing", damage: func(f *folderEnv) {
			for _, id := range f.Store.IDs() {
				f.Store.Delete(id)
				return
			}
		}, wantShallow: false, wantDeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFolderEnv(t, p)
			f.addTree(mixedTree())
			key, _ := f.backup(t, nil, dc.FolderOptions{Recursive: true})
			tt.damage(f)

			opts := dc.ValidateOptions{Parallel: p.Threads, Files: p.Files}
			if ok, _ := f.Engine.ValidateFolder(ctx, nil, key, opts); ok != tt.wantShallow {
				t.Errorf("shallow ValidateFolder() = %v, want %v", ok, tt.wantShallow)
			}
			opts.Deep = true
			ok, d := f.Engine.ValidateFolder(ctx, nil, key, opts)
			if ok != tt.wantDeep {
				t.Errorf("deep ValidateFolder() = %v, want %v", ok, tt.wantDeep)
			}
			if ok && d.Items != uint64(len(mixedTree())) {
				t.Errorf("Items = %d, want %d", d.Items, len(mixedTree()))
			}
		})
	}
}

func TestEngine_ValidateDetectsBitRot(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, testutil.SmallParams())
	env.FS.AddFile("/src/f.bin", testutil.RandomBytes(3, 6000))
	key, err := env.Engine.File(ctx, nil, "/src/f.bin")
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}

	if ok, _ := env.Engine.ValidateFile(ctx, nil, key, dc.ValidateOptions{Deep: true, Parallel: 2}); !ok {
		t.Fatal("ValidateFile() = false before corruption")
	}

	// Every stored block belongs to this one file.
	env.Store.Corrupt(env.Store.IDs()[0])

	if ok, _ := env.Engine.ValidateFile(ctx, nil, key, dc.ValidateOptions{Deep: true, Parallel: 2}); ok {
		t.Error("deep ValidateFile() = true after corruption")
	}
	if _, err := env.Engine.ReadFile(ctx, nil, key, env.Engine.Params().RestoreOptions()); !errors.Is(err, dc.ErrCorruptBlock) {
		t.Errorf("ReadFile() error = %v, want ErrCorruptBlock", err)
	}
}

func TestEngine_RestoreFailureRemovesOutput(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, testutil.SmallParams())
	env.FS.AddFile("/src/f.bin", testutil.RandomBytes(4, 4000))
	key, err := env.Engine.File(ctx, nil, "/src/f.bin")
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}
	for _, id := range env.Store.IDs() {
		env.Store.Corrupt(id)
	}

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := env.Engine.RestoreFile(ctx, nil, dest, key, env.Engine.Params().RestoreOptions()); err == nil {
		t.Fatal("RestoreFile() succeeded from corrupt blocks")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("partial output left behind: %v", err)
	}
}

func TestEntryPath(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    string
		wantErr bool
	}{
		{name: "nested", entry: "a/b/c.txt", want: filepath.Join("/dest", "a", "b", "c.txt")},
		{name: "absolute", entry: "/etc/passwd", wantErr: true},
		{name: "parent", entry: "../escape", wantErr: true},
		{name: "inner parent", entry: "a/../../escape", wantErr: true},
		{name: "empty", entry: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dc.EntryPath("/dest", tt.entry)
			if tt.wantErr {
				if !errors.Is(err, dc.ErrMalformedRecord) {
					t.Errorf("EntryPath(%q) error = %v, want ErrMalformedRecord", tt.entry, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EntryPath() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EntryPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
