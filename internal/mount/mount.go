// Package mount gives read access to a committed folder record without
// restoring it: enumeration, search, single-file restore, and a read-only
// FUSE view.
package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// ErrNoEntry is returned for names the folder record does not contain.
var ErrNoEntry = errors.New("no such entry in folder record")

// Path is a folder record loaded into memory. File contents stay in the
// store until requested.
type Path struct {
	engine *dc.Engine
	root   digest.Key
	index  *bundle.Index
	verify bool
}

// Open restores the folder record addressed by root. With verify set, every
// block read through the Path is re-hashed against its key.
func Open(ctx context.Context, engine *dc.Engine, root digest.Key, verify bool) (*Path, error) {
	opts := engine.Params().RestoreOptions()
	opts.VerifyBlocks = verify
	opts.HashFiles = true

	ix, err := engine.LoadIndex(ctx, nil, root, opts)
	if err != nil {
		return nil, err
	}
	return &Path{engine: engine, root: root, index: ix, verify: verify}, nil
}

// Root returns the key the Path was opened from.
func (p *Path) Root() digest.Key {
	return p.root
}

// Enumerate calls fn for every file entry in record order until fn returns
// false. The accounting entry is skipped.
func (p *Path) Enumerate(fn func(size, mtime uint64, name string, keys []byte) bool) {
	p.index.Iterate(func(e bundle.Entry) bool {
		if e.IsStatistics() {
			return true
		}
		return fn(e.Size, e.Mtime, e.Name, e.Keys)
	})
}

// Search calls fn for every entry whose name contains term, ignoring case,
// and returns the number of matches reported. fn returning false ends the
// search.
func (p *Path) Search(term string, fn func(size, mtime uint64, name string, keys []byte) bool) int {
	needle := strings.ToLower(term)
	count := 0
	p.Enumerate(func(size, mtime uint64, name string, keys []byte) bool {
		if !strings.Contains(strings.ToLower(name), needle) {
			return true
		}
		count++
		if fn == nil {
			return true
		}
		return fn(size, mtime, name, keys)
	})
	return count
}

// Find returns the entry named name.
func (p *Path) Find(name string) (bundle.Bundle, error) {
	if bundle.IsStatisticsName(name) {
		return bundle.Bundle{}, fmt.Errorf("%w: %q", ErrNoEntry, name)
	}
	e, ok := p.index.Find(name)
	if !ok {
		return bundle.Bundle{}, fmt.Errorf("%w: %q", ErrNoEntry, name)
	}
	return e.Bundle, nil
}

func (p *Path) options(parallel int) dc.RestoreOptions {
	opts := p.engine.Params().RestoreOptions()
	opts.VerifyBlocks = p.verify
	opts.HashFiles = true
	if parallel > 0 {
		opts.Parallel = parallel
	}
	return opts
}

// Memory restores the entry named name into memory using up to parallel
// concurrent block fetches.
func (p *Path) Memory(ctx context.Context, name string, parallel int) ([]byte, error) {
	b, err := p.Find(name)
	if err != nil {
		return nil, err
	}
	return p.read(ctx, b, parallel)
}

func (p *Path) read(ctx context.Context, b bundle.Bundle, parallel int) ([]byte, error) {
	return p.engine.ReadEntry(ctx, nil, b, p.options(parallel))
}

// Fetch restores the entry named name to the file dest.
func (p *Path) Fetch(ctx context.Context, stats *dc.Stats, name, dest string, parallel int) error {
	b, err := p.Find(name)
	if err != nil {
		return err
	}
	return p.engine.RestoreEntry(ctx, stats, dest, b, p.options(parallel))
}

// Usage is the accounting summary of a folder record.
type Usage struct {
	Files  uint64
	Size   uint64
	Blocks uint64
	// Recorded reports whether the record carried its own accounting
	// entry. Without one the figures are computed from the entries.
	Recorded bool
}

// Usage returns the file count and total size of the record.
func (p *Path) Usage() Usage {
	if s, ok := p.index.Statistics(); ok {
		return Usage{Files: s.Files, Size: s.Size, Blocks: s.Blocks, Recorded: true}
	}
	var u Usage
	block := p.engine.Params().Block
	p.Enumerate(func(size, _ uint64, _ string, _ []byte) bool {
		u.Files++
		u.Size += size
		u.Blocks += uint64(dc.BlockCount(int64(size), block))
		return true
	})
	return u
}
