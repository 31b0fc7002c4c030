package dc

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"dircopy-go/internal/digest"
)

// Engine runs the backup, restore and validate pipelines against one store,
// codec and digest namespace. Concurrency ceilings are shared by every
// operation running on the same Engine.
type Engine struct {
	store  Store
	codec  Codec
	hasher *digest.Hasher
	fsmgr  FilesystemManager
	logger Logger
	params Params

	threads *semaphore.Weighted
	memory  *semaphore.Weighted
}

// NewEngine creates an Engine. params are validated once here.
func NewEngine(store Store, codec Codec, hasher *digest.Hasher, fsmgr FilesystemManager, logger Logger, params Params) (*Engine, error) {
	if err := params.Check(); err != nil {
		return nil, fmt.Errorf("invalid engine parameters: %w", err)
	}
	return &Engine{
		store:   store,
		codec:   codec,
		hasher:  hasher,
		fsmgr:   fsmgr,
		logger:  logger,
		params:  params,
		threads: semaphore.NewWeighted(int64(params.Threads)),
		memory:  semaphore.NewWeighted(params.MaxMemory),
	}, nil
}

// Params returns the engine's parameters.
func (e *Engine) Params() Params { return e.params }

// Hasher returns the digest namespace of the engine.
func (e *Engine) Hasher() *digest.Hasher { return e.hasher }

// Store returns the underlying block store.
func (e *Engine) Store() Store { return e.store }

// memoryWeight clamps n so a single block larger than the budget can still
// be admitted on its own.
func (e *Engine) memoryWeight(n int) int64 {
	return min(int64(n), e.params.MaxMemory)
}

// acquireMemory blocks until n bytes of in-flight budget are available.
func (e *Engine) acquireMemory(ctx context.Context, n int) error {
	return e.memory.Acquire(ctx, e.memoryWeight(n))
}

func (e *Engine) tryAcquireMemory(n int) bool {
	return e.memory.TryAcquire(e.memoryWeight(n))
}

func (e *Engine) releaseMemory(n int) {
	e.memory.Release(e.memoryWeight(n))
}

func orNewStats(stats *Stats) *Stats {
	if stats == nil {
		return &Stats{}
	}
	return stats
}
