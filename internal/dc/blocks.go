package dc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"dircopy-go/internal/digest"
)

// pendingBlock is a block that has been identified but not yet checked
// against the store. It holds memory budget until it is dropped or written.
type pendingBlock struct {
	key  digest.Key
	id   digest.Key
	data []byte
}

// blockBatch groups ids so existence checks cost one round trip per group.
type blockBatch struct {
	e     *Engine
	stats *Stats
	ctx   context.Context
	g     *errgroup.Group
	items []pendingBlock
}

func (b *blockBatch) add(p pendingBlock) error {
	b.items = append(b.items, p)
	if len(b.items) >= b.e.params.Group {
		return b.flush()
	}
	return nil
}

// flush checks the queued ids and dispatches a writer for every block the
// store does not hold yet. Duplicates release their memory immediately.
func (b *blockBatch) flush() error {
	if len(b.items) == 0 {
		return nil
	}
	items := b.items
	b.items = make([]pendingBlock, 0, b.e.params.Group)

	ids := make([]digest.Key, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	bitmap, err := b.e.exists(b.ctx, ids)
	if err != nil {
		b.drop(items)
		return err
	}

	for i, it := range items {
		if bitmap&(1<<uint(i)) != 0 {
			b.stats.Duplicate.Add(uint64(len(it.data)))
			b.stats.DBlocks.Add(1)
			b.e.releaseMemory(len(it.data))
			continue
		}

		if err := b.e.threads.Acquire(b.ctx, 1); err != nil {
			b.drop(items[i:])
			return err
		}
		b.g.Go(func() error {
			defer b.e.threads.Release(1)
			defer b.e.releaseMemory(len(it.data))
			return b.e.writeBlock(b.ctx, b.stats, it.key, it.id, it.data)
		})
	}
	return nil
}

// drop releases the memory held by items that will never be written.
func (b *blockBatch) drop(items []pendingBlock) {
	for _, it := range items {
		b.e.releaseMemory(len(it.data))
	}
}

// exists answers one existence query for up to MaxBatch ids. A single id
// uses Is so group size 1 never touches Many.
func (e *Engine) exists(ctx context.Context, ids []digest.Key) (uint64, error) {
	if len(ids) == 1 {
		ok, err := e.store.Is(ctx, ids[0])
		if err != nil {
			return 0, fmt.Errorf("checking block %s: %w", ids[0], err)
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	}
	bitmap, err := e.store.Many(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("checking %d blocks: %w", len(ids), err)
	}
	return bitmap, nil
}

func (e *Engine) writeBlock(ctx context.Context, stats *Stats, key, id digest.Key, plain []byte) error {
	stored, err := e.codec.Encode(plain, key)
	if err != nil {
		return fmt.Errorf("encoding block %s: %w", id, err)
	}
	if err := e.store.Write(ctx, id, stored); err != nil {
		return fmt.Errorf("writing block %s: %w", id, err)
	}
	stats.Written.Add(uint64(len(stored)))
	return nil
}

// chunk splits size bytes from r into blocks, stores every block the store
// does not already hold, and returns the file record: the block keys in file
// order followed by the domain-seeded hash of the whole content. read is
// called once the last byte has been consumed from r.
func (e *Engine) chunk(ctx context.Context, stats *Stats, r io.Reader, size int64, read func()) ([]byte, error) {
	count := BlockCount(size, e.params.Block)
	record := make([]byte, 0, (count+1)*digest.Size)
	state := e.hasher.NewState()

	g, gctx := errgroup.WithContext(ctx)
	batch := &blockBatch{e: e, stats: stats, ctx: gctx, g: g, items: make([]pendingBlock, 0, e.params.Group)}

	err := func() error {
		for remaining := size; remaining > 0; {
			if err := gctx.Err(); err != nil {
				return err
			}
			n := int(min(remaining, e.params.Block))
			if !e.tryAcquireMemory(n) {
				// Hand queued blocks to writers before blocking so this file
				// never waits on budget it holds itself.
				if err := batch.flush(); err != nil {
					return err
				}
				if err := e.acquireMemory(gctx, n); err != nil {
					return err
				}
			}

			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				e.releaseMemory(n)
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					return fmt.Errorf("source is shorter than its recorded size of %d bytes (changed during backup?): %w", size, err)
				}
				return fmt.Errorf("reading source: %w", err)
			}
			remaining -= int64(n)

			stats.Read.Add(uint64(n))
			stats.Blocks.Add(1)
			state.Update(buf)

			key, id := e.hasher.Identify(buf)
			record = append(record, key[:]...)
			if err := batch.add(pendingBlock{key: key, id: id, data: buf}); err != nil {
				return err
			}
		}
		if read != nil {
			read()
		}
		return batch.flush()
	}()
	if err != nil {
		batch.drop(batch.items)
		batch.items = nil
	}

	// Writers are always joined, even on failure, so no block write
	// outlives this call.
	if werr := g.Wait(); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}

	sum := state.Finish()
	return append(record, sum[:]...), nil
}

// submitRecord stores record as a single block and returns its content key.
func (e *Engine) submitRecord(ctx context.Context, stats *Stats, record []byte) (digest.Key, error) {
	key, id := e.hasher.Identify(record)
	ok, err := e.store.Is(ctx, id)
	if err != nil {
		return digest.Key{}, fmt.Errorf("checking record %s: %w", id, err)
	}
	if ok {
		return key, nil
	}
	if err := e.writeBlock(ctx, stats, key, id, record); err != nil {
		return digest.Key{}, err
	}
	return key, nil
}

// readBlock fetches and decodes the block addressed by key. When verify is
// set the plaintext must re-derive to key.
func (e *Engine) readBlock(ctx context.Context, stats *Stats, key digest.Key, verify bool) ([]byte, error) {
	id := e.hasher.Next(key)
	stored, err := e.store.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", id, err)
	}
	stats.Blocks.Add(1)
	stats.Read.Add(uint64(len(stored)))

	plain, err := e.codec.Decode(stored, key)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}
	if verify && !e.hasher.Verify(key, plain) {
		return nil, fmt.Errorf("%w: block %s does not re-derive to its key", ErrCorruptBlock, id)
	}
	return plain, nil
}

// readRecord fetches a file record and splits it into keys. At least the
// trailing file hash must be present.
func (e *Engine) readRecord(ctx context.Context, stats *Stats, key digest.Key, verify bool) ([]digest.Key, error) {
	raw, err := e.readBlock(ctx, stats, key, verify)
	if err != nil {
		return nil, err
	}
	keys, err := digest.Keys(raw)
	if err != nil {
		return nil, fmt.Errorf("file record %s: %w", key, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: file record %s is empty", ErrMalformedRecord, key)
	}
	return keys, nil
}
