package dc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/digest"
)

// FolderOptions select how a tree is walked and named.
type FolderOptions struct {
	// Recursive descends into subdirectories.
	Recursive bool

	// Strip drops this many leading components from every relative name,
	// for trees reached through a snapshot or mount point.
	Strip int

	// Label is prepended to every name, standing in for the stripped
	// components.
	Label string

	// OnFile is called for every changed file before it is processed.
	// Returning false ends the walk; files already dispatched still finish.
	OnFile func(name string, size, mtime uint64) bool
}

var errStopWalk = errors.New("walk stopped")

// File backs up a single file and returns the key of its file record.
func (e *Engine) File(ctx context.Context, stats *Stats, filePath string) (digest.Key, error) {
	stats = orNewStats(stats)

	src, err := e.fsmgr.Stat(filePath)
	if err != nil {
		return digest.Key{}, fmt.Errorf("stat %s: %w", filePath, err)
	}
	stats.Target.Add(src.Size)
	stats.SetCurrent(filePath)

	key, err := e.submitFile(ctx, stats, src, nil)
	if err != nil {
		return digest.Key{}, err
	}
	stats.Items.Add(1)
	return key, nil
}

// submitFile chunks a file and stores its file record.
func (e *Engine) submitFile(ctx context.Context, stats *Stats, src SourceFile, t *ticket) (digest.Key, error) {
	record, err := e.chunkFile(ctx, stats, src, t)
	if err != nil {
		return digest.Key{}, err
	}
	return e.submitRecord(ctx, stats, record)
}

// chunkFile opens and chunks a file. When t is set, reading starts only once
// the previous ticket is released, and t is released after the last read.
func (e *Engine) chunkFile(ctx context.Context, stats *Stats, src SourceFile, t *ticket) ([]byte, error) {
	defer t.release()
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	f, err := e.fsmgr.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", src.Path, err)
	}
	defer f.Close()

	record, err := e.chunk(ctx, stats, f, int64(src.Size), t.release)
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", src.Path, err)
	}
	return record, nil
}

// folderName turns the OS path of a walked file into its entry name: slash
// separated, relative to root, with Strip components replaced by Label.
func folderName(root, p string, opts FolderOptions) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if opts.Strip > 0 {
		parts := strings.SplitN(rel, "/", opts.Strip+1)
		if len(parts) <= opts.Strip {
			return "", fmt.Errorf("%s has fewer than %d leading components", rel, opts.Strip+1)
		}
		rel = parts[opts.Strip]
	}
	if opts.Label != "" {
		rel = path.Join(opts.Label, rel)
	}
	return rel, nil
}

// walkFolder visits every file under root that is valid, named, and not
// excluded by delta.
func (e *Engine) walkFolder(ctx context.Context, delta Delta, root string, opts FolderOptions, fn func(name string, src SourceFile) error) error {
	return e.fsmgr.Walk(ctx, root, opts.Recursive, func(src SourceFile) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, err := folderName(root, src.Path, opts)
		if err != nil {
			e.logger.Warn("skipping file with unusable path", "path", src.Path, "error", err)
			return nil
		}
		if !utf8.ValidString(name) {
			e.logger.Warn("skipping file with undecodable name", "path", src.Path)
			return nil
		}
		if bundle.IsStatisticsName(name) {
			e.logger.Warn("skipping file with reserved name", "path", src.Path)
			return nil
		}
		if delta.Excluded(name) {
			return nil
		}
		return fn(name, src)
	})
}

// Folder backs up the tree under root into the delta database's snapshot
// and returns the root key of the committed folder record. On failure the
// delta database is aborted and keeps its lock.
func (e *Engine) Folder(ctx context.Context, stats *Stats, delta Delta, root string, opts FolderOptions) (digest.Key, error) {
	stats = orNewStats(stats)
	e.logger.Info("folder backup started", "root", root, "recursive", opts.Recursive)

	if err := delta.OpenForWriting(); err != nil {
		return digest.Key{}, err
	}

	tree, err := e.backupTree(ctx, stats, delta, root, opts)
	if err != nil {
		e.abort(delta)
		return digest.Key{}, err
	}

	if err := delta.Statistics(tree); err != nil {
		e.abort(delta)
		return digest.Key{}, fmt.Errorf("recording statistics: %w", err)
	}
	logPath, err := delta.Finalize()
	if err != nil {
		return digest.Key{}, fmt.Errorf("committing delta database: %w", err)
	}

	src, err := e.fsmgr.Stat(logPath)
	if err != nil {
		return digest.Key{}, fmt.Errorf("stat folder record: %w", err)
	}
	key, err := e.submitFile(ctx, stats, src, nil)
	if err != nil {
		return digest.Key{}, fmt.Errorf("storing folder record: %w", err)
	}

	e.logger.Info("folder backup completed", "root", root, "files", tree.Files, "bytes", tree.Size)
	return key, nil
}

func (e *Engine) abort(delta Delta) {
	if err := delta.Abort(); err != nil {
		e.logger.Error("aborting delta database", "error", err)
	}
}

// backupTree walks root, carrying unchanged entries forward and chunking
// changed files on a bounded group. Every dispatched file is joined before
// it returns.
func (e *Engine) backupTree(ctx context.Context, stats *Stats, delta Delta, root string, opts FolderOptions) (bundle.Statistics, error) {
	var tree bundle.Statistics

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.params.Files)

	var seq *sequencer
	if e.params.Sequence {
		seq = newSequencer()
	}

	werr := e.walkFolder(gctx, delta, root, opts, func(name string, src SourceFile) error {
		tree.Files++
		tree.Size += src.Size
		tree.Blocks += uint64(BlockCount(int64(src.Size), e.params.Block))
		stats.Target.Add(src.Size)

		if opts.OnFile != nil {
			changed, err := delta.Changed(name, src.Size, src.Mtime, nil)
			if err != nil {
				return err
			}
			if changed && !opts.OnFile(name, src.Size, src.Mtime) {
				return errStopWalk
			}
		}

		slot, err := delta.Queue(name, src.Size, src.Mtime, e.params.Block, e.params.LargeThreshold)
		if err != nil {
			return fmt.Errorf("reserving entry for %s: %w", name, err)
		}
		if slot == nil {
			return nil
		}
		changed, err := delta.Changed(name, src.Size, src.Mtime, slot)
		if err != nil {
			return err
		}
		if !changed {
			stats.Items.Add(1)
			return nil
		}

		var t *ticket
		if seq != nil && src.Size > 0 {
			t = seq.next()
		}
		g.Go(func() error {
			stats.SetCurrent(name)
			keys, err := e.fileEntryKeys(gctx, stats, src, t)
			if err != nil {
				return err
			}
			if err := delta.Apply(name, src.Size, src.Mtime, keys, slot); err != nil {
				return fmt.Errorf("recording %s: %w", name, err)
			}
			stats.Items.Add(1)
			return nil
		})
		return nil
	})

	gerr := g.Wait()
	switch {
	case gerr != nil:
		return tree, gerr
	case werr != nil && !errors.Is(werr, errStopWalk):
		return tree, fmt.Errorf("walking %s: %w", root, werr)
	}
	tree.Target = tree.Size
	return tree, nil
}

// fileEntryKeys produces the key payload of a folder entry: a file record
// key for large files, the inline record otherwise, nothing for empty files.
func (e *Engine) fileEntryKeys(ctx context.Context, stats *Stats, src SourceFile, t *ticket) ([]byte, error) {
	if src.Size == 0 {
		return nil, nil
	}
	if int64(src.Size) >= e.params.LargeThreshold {
		key, err := e.submitFile(ctx, stats, src, t)
		if err != nil {
			return nil, err
		}
		return key[:], nil
	}
	return e.chunkFile(ctx, stats, src, t)
}

// ScanChanges walks root and reports every file whose size or modification
// time differs from the committed change state, without reading file
// content or touching the store. fn returning false ends the scan.
func (e *Engine) ScanChanges(ctx context.Context, delta Delta, root string, opts FolderOptions, fn func(name string, size, mtime uint64) bool) error {
	err := e.walkFolder(ctx, delta, root, opts, func(name string, src SourceFile) error {
		changed, err := delta.Changed(name, src.Size, src.Mtime, nil)
		if err != nil {
			return err
		}
		if changed && !fn(name, src.Size, src.Mtime) {
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return fmt.Errorf("scanning %s: %w", root, err)
	}
	return nil
}
