package testutil

import (
	"math/rand/v2"
	"testing"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/delta"
	"dircopy-go/internal/digest"
	"dircopy-go/internal/fs"
	"dircopy-go/internal/store"
)

// TestDomain salts every digest computed by test engines.
const TestDomain = "dircopy-test"

// NewHasher returns a blake3 hasher for TestDomain.
func NewHasher(t *testing.T) *digest.Hasher {
	t.Helper()
	h, err := digest.NewHasher("blake3", []byte(TestDomain))
	if err != nil {
		t.Fatalf("NewHasher() error = %v", err)
	}
	return h
}

// SmallParams are engine parameters scaled down so small test files span
// several blocks and cross the large-file threshold.
func SmallParams() dc.Params {
	return dc.Params{
		Block:          1024,
		LargeThreshold: 8 * 1024,
		Threads:        4,
		Files:          3,
		Group:          8,
		MaxMemory:      64 * 1024,
		Validate:       true,
	}
}

// Env is an engine over an in-memory store and a mock filesystem.
type Env struct {
	Engine *dc.Engine
	Store  *store.MemoryStore
	FS     *MockFilesystemManager
	Hasher *digest.Hasher
}

// NewEnv builds an Env. The mock filesystem falls back to the real one for
// paths it does not hold.
func NewEnv(t *testing.T, params dc.Params) *Env {
	t.Helper()
	fsmgr := NewMockFilesystemManager()
	fsmgr.Fallback = fs.NewOSFilesystemManager(dc.NewNopLogger())
	st := store.NewMemoryStore("test")
	return &Env{
		Engine: NewEngine(t, st, fsmgr, params),
		Store:  st,
		FS:     fsmgr,
		Hasher: NewHasher(t),
	}
}

// NewEngine builds an engine with the zstd codec and the test hasher.
func NewEngine(t *testing.T, st dc.Store, fsmgr dc.FilesystemManager, params dc.Params) *dc.Engine {
	t.Helper()
	c, err := codec.New("zstd", 3, 0)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	e, err := dc.NewEngine(st, c, NewHasher(t), fsmgr, dc.NewNopLogger(), params)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// OpenDelta opens the delta database of a snapshot directory.
func OpenDelta(t *testing.T, dir string, db dc.Database, ex delta.Excluder) *delta.Path {
	t.Helper()
	p, err := delta.Open(dir, db, ex, dc.NewNopLogger())
	if err != nil {
		t.Fatalf("delta.Open() error = %v", err)
	}
	return p
}

// RandomBytes returns n pseudo-random bytes determined by seed.
func RandomBytes(seed uint64, n int) []byte {
	var s [32]byte
	for i := range 8 {
		s[i] = byte(seed >> (8 * i))
	}
	r := rand.NewChaCha8(s)
	b := make([]byte, n)
	r.Read(b)
	return b
}
