package dc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/digest"
)

// RestoreOptions control verification and parallelism of a restore.
type RestoreOptions struct {
	// VerifyBlocks re-derives every block's key from its plaintext.
	VerifyBlocks bool
	// HashFiles checks each reassembled file against its trailing hash.
	HashFiles bool
	// Parallel is the number of blocks fetched concurrently per file.
	Parallel int
	// Files is the number of files restored concurrently.
	Files int
}

// RestoreOptions derives restore settings from the engine parameters.
func (p Params) RestoreOptions() RestoreOptions {
	return RestoreOptions{
		VerifyBlocks: p.Validate,
		HashFiles:    p.Validate,
		Parallel:     p.Threads,
		Files:        p.Files,
	}
}

// fetchBlock reads a block under the engine-wide thread ceiling.
func (e *Engine) fetchBlock(ctx context.Context, stats *Stats, key digest.Key, verify bool) ([]byte, error) {
	if err := e.threads.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.threads.Release(1)
	return e.readBlock(ctx, stats, key, verify)
}

// assemble writes the blocks of a file record to w in file order. keys is a
// full record: block keys followed by the file hash.
func (e *Engine) assemble(ctx context.Context, stats *Stats, w io.Writer, keys []digest.Key, opts RestoreOptions) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: file record has no file hash", ErrMalformedRecord)
	}
	blocks, want := keys[:len(keys)-1], keys[len(keys)-1]

	var state *digest.State
	if opts.HashFiles {
		state = e.hasher.NewState()
	}

	var err error
	if opts.Parallel <= 1 || len(blocks) <= 1 {
		err = e.assembleSequential(ctx, stats, w, blocks, state, opts.VerifyBlocks)
	} else {
		err = e.assembleOrdered(ctx, stats, w, blocks, state, opts)
	}
	if err != nil {
		return err
	}

	if state != nil && state.Finish() != want {
		return fmt.Errorf("%w: reassembled content does not match file hash %s", ErrCorruptFile, want)
	}
	return nil
}

func (e *Engine) assembleSequential(ctx context.Context, stats *Stats, w io.Writer, blocks []digest.Key, state *digest.State, verify bool) error {
	for _, key := range blocks {
		data, err := e.fetchBlock(ctx, stats, key, verify)
		if err != nil {
			return err
		}
		if state != nil {
			state.Update(data)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
	return nil
}

// assembleOrdered fetches up to opts.Parallel blocks at once while a single
// writer drains them strictly in file order. Each fetcher owns one slot; the
// window permit it holds is returned only after its block is written, which
// bounds buffered blocks to the window size.
func (e *Engine) assembleOrdered(ctx context.Context, stats *Stats, w io.Writer, blocks []digest.Key, state *digest.State, opts RestoreOptions) error {
	g, gctx := errgroup.WithContext(ctx)
	window := semaphore.NewWeighted(int64(opts.Parallel))

	slots := make([]chan []byte, len(blocks))
	for i := range slots {
		slots[i] = make(chan []byte, 1)
	}

	g.Go(func() error {
		for _, slot := range slots {
			select {
			case data := <-slot:
				if state != nil {
					state.Update(data)
				}
				if _, err := w.Write(data); err != nil {
					return fmt.Errorf("writing output: %w", err)
				}
				window.Release(1)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i, key := range blocks {
		if err := window.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			data, err := e.fetchBlock(gctx, stats, key, opts.VerifyBlocks)
			if err != nil {
				return err
			}
			slots[i] <- data
			return nil
		})
	}

	return g.Wait()
}

// entryRecord resolves the key list of a folder entry. A single key refers
// to a stored file record, two or more are an inline record, and none means
// an empty file.
func (e *Engine) entryRecord(ctx context.Context, stats *Stats, b bundle.Bundle, verify bool) ([]digest.Key, error) {
	keys, err := b.KeyList()
	if err != nil {
		return nil, err
	}
	switch len(keys) {
	case 0:
		if b.Size != 0 {
			return nil, fmt.Errorf("%w: entry %q of %d bytes has no keys", ErrMalformedRecord, b.Name, b.Size)
		}
		return nil, nil
	case 1:
		return e.readRecord(ctx, stats, keys[0], verify)
	default:
		return keys, nil
	}
}

// ReadFile restores the file record addressed by key into memory.
func (e *Engine) ReadFile(ctx context.Context, stats *Stats, key digest.Key, opts RestoreOptions) ([]byte, error) {
	stats = orNewStats(stats)
	keys, err := e.readRecord(ctx, stats, key, opts.VerifyBlocks)
	if err != nil {
		return nil, err
	}
	return e.readKeys(ctx, stats, keys, opts)
}

func (e *Engine) readKeys(ctx context.Context, stats *Stats, keys []digest.Key, opts RestoreOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.assemble(ctx, stats, &buf, keys, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadEntry restores one folder entry into memory.
func (e *Engine) ReadEntry(ctx context.Context, stats *Stats, b bundle.Bundle, opts RestoreOptions) ([]byte, error) {
	stats = orNewStats(stats)
	keys, err := e.entryRecord(ctx, stats, b, opts.VerifyBlocks)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return []byte{}, nil
	}
	return e.readKeys(ctx, stats, keys, opts)
}

// LoadIndex restores the folder record addressed by root and parses it.
func (e *Engine) LoadIndex(ctx context.Context, stats *Stats, root digest.Key, opts RestoreOptions) (*bundle.Index, error) {
	stats = orNewStats(stats)
	log, err := e.ReadFile(ctx, stats, root, opts)
	if err != nil {
		return nil, fmt.Errorf("reading folder record %s: %w", root, err)
	}
	ix, err := bundle.Scan(log)
	if err != nil {
		return nil, fmt.Errorf("parsing folder record %s: %w", root, err)
	}
	return ix, nil
}

// RestoreFile restores the file record addressed by key to dest.
func (e *Engine) RestoreFile(ctx context.Context, stats *Stats, dest string, key digest.Key, opts RestoreOptions) error {
	stats = orNewStats(stats)
	keys, err := e.readRecord(ctx, stats, key, opts.VerifyBlocks)
	if err != nil {
		return err
	}
	return e.writeFile(ctx, stats, dest, keys, opts)
}

// RestoreEntry restores one folder entry to dest and applies its recorded
// modification time.
func (e *Engine) RestoreEntry(ctx context.Context, stats *Stats, dest string, b bundle.Bundle, opts RestoreOptions) error {
	stats = orNewStats(stats)
	stats.SetCurrent(b.Name)

	keys, err := e.entryRecord(ctx, stats, b, opts.VerifyBlocks)
	if err != nil {
		return fmt.Errorf("restoring %s: %w", b.Name, err)
	}
	if err := e.writeFile(ctx, stats, dest, keys, opts); err != nil {
		return fmt.Errorf("restoring %s: %w", b.Name, err)
	}
	if err := os.Chtimes(dest, time.Time{}, time.Unix(0, int64(b.Mtime))); err != nil {
		return fmt.Errorf("setting modification time of %s: %w", dest, err)
	}
	stats.Items.Add(1)
	return nil
}

// writeFile materializes keys at dest. A nil record creates an empty file.
// A failed restore removes the partial output.
func (e *Engine) writeFile(ctx context.Context, stats *Stats, dest string, keys []digest.Key, opts RestoreOptions) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}

	if keys != nil {
		err = e.assemble(ctx, stats, &countingWriter{w: f, stats: stats}, keys, opts)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing output file: %w", cerr)
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

type countingWriter struct {
	w     io.Writer
	stats *Stats
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.stats.Written.Add(uint64(n))
	return n, err
}

// EntryPath returns where an entry is materialized under dest. Names that
// are absolute or climb out of dest are rejected.
func EntryPath(dest, name string) (string, error) {
	local := filepath.FromSlash(name)
	if name == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: entry name %q escapes the destination", ErrMalformedRecord, name)
	}
	return filepath.Join(dest, local), nil
}

// RestoreFolder restores every entry of the folder record addressed by root
// under dest. Up to opts.Files entries are restored at once; the first
// failure stops dispatch and is returned after in-flight files finish.
func (e *Engine) RestoreFolder(ctx context.Context, stats *Stats, dest string, root digest.Key, opts RestoreOptions) error {
	stats = orNewStats(stats)
	e.logger.Info("folder restore started", "root", root.String(), "dest", dest)

	ix, err := e.LoadIndex(ctx, stats, root, opts)
	if err != nil {
		return err
	}
	ix.Iterate(func(en bundle.Entry) bool {
		if !en.IsStatistics() {
			stats.Target.Add(en.Size)
		}
		return true
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Files, 1))

	var walkErr error
	ix.Iterate(func(en bundle.Entry) bool {
		if en.IsStatistics() {
			return true
		}
		if gctx.Err() != nil {
			return false
		}
		target, err := EntryPath(dest, en.Name)
		if err != nil {
			walkErr = err
			return false
		}
		b := en.Bundle
		g.Go(func() error {
			return e.RestoreEntry(gctx, stats, target, b, opts)
		})
		return true
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.logger.Info("folder restore completed", "root", root.String(), "files", stats.Items.Load())
	return nil
}
