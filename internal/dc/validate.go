package dc

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/digest"
)

// ValidateOptions select the validation depth and parallelism.
type ValidateOptions struct {
	// Deep reads every block and re-derives its key. Otherwise each block
	// is checked by the store from its id alone.
	Deep bool
	// Parallel is the number of blocks checked concurrently per file.
	Parallel int
	// Files is the number of folder entries checked concurrently.
	Files int
}

// checkBlock validates one leaf block.
func (e *Engine) checkBlock(ctx context.Context, stats *Stats, key digest.Key, deep bool) error {
	if deep {
		_, err := e.fetchBlock(ctx, stats, key, true)
		return err
	}

	if err := e.threads.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.threads.Release(1)

	id := e.hasher.Next(key)
	stats.Blocks.Add(1)
	ok, err := e.store.Validate(ctx, id)
	if err != nil {
		return fmt.Errorf("validating block %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: store rejected block %s", ErrCorruptBlock, id)
	}
	return nil
}

// checkBlocks validates the block keys of a record, excluding its trailing
// file hash.
func (e *Engine) checkBlocks(ctx context.Context, stats *Stats, keys []digest.Key, opts ValidateOptions) error {
	if len(keys) == 0 {
		return nil
	}
	blocks := keys[:len(keys)-1]

	if opts.Parallel <= 1 {
		for _, key := range blocks {
			if err := e.checkBlock(ctx, stats, key, opts.Deep); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for _, key := range blocks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.checkBlock(gctx, stats, key, opts.Deep)
		})
	}
	return g.Wait()
}

// ValidateFile checks the file record addressed by key and every block it
// lists. The record itself is always read and re-derived, since only the
// client holds its key. Failures are logged and reported as false.
func (e *Engine) ValidateFile(ctx context.Context, stats *Stats, key digest.Key, opts ValidateOptions) (bool, Direct) {
	stats = orNewStats(stats)
	err := func() error {
		keys, err := e.readRecord(ctx, stats, key, true)
		if err != nil {
			return err
		}
		return e.checkBlocks(ctx, stats, keys, opts)
	}()
	if err != nil {
		e.logger.Warn("file validation failed", "key", key.String(), "deep", opts.Deep, "error", err)
		return false, stats.Snapshot()
	}
	return true, stats.Snapshot()
}

// ValidateFolder checks the folder record addressed by root and every file
// it lists without writing any output. Failures are logged and reported as
// false.
func (e *Engine) ValidateFolder(ctx context.Context, stats *Stats, root digest.Key, opts ValidateOptions) (bool, Direct) {
	stats = orNewStats(stats)
	if err := e.validateFolder(ctx, stats, root, opts); err != nil {
		e.logger.Warn("folder validation failed", "root", root.String(), "deep", opts.Deep, "error", err)
		return false, stats.Snapshot()
	}
	return true, stats.Snapshot()
}

func (e *Engine) validateFolder(ctx context.Context, stats *Stats, root digest.Key, opts ValidateOptions) error {
	ix, err := e.LoadIndex(ctx, stats, root, RestoreOptions{
		VerifyBlocks: true,
		HashFiles:    true,
		Parallel:     opts.Parallel,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Files, 1))

	ix.Iterate(func(en bundle.Entry) bool {
		if en.IsStatistics() {
			return true
		}
		if gctx.Err() != nil {
			return false
		}
		b := en.Bundle
		g.Go(func() error {
			stats.SetCurrent(b.Name)
			keys, err := e.entryRecord(gctx, stats, b, true)
			if err != nil {
				return fmt.Errorf("%s: %w", b.Name, err)
			}
			if err := e.checkBlocks(gctx, stats, keys, opts); err != nil {
				return fmt.Errorf("%s: %w", b.Name, err)
			}
			stats.Items.Add(1)
			return nil
		})
		return true
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
