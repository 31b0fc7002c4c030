package dc

import (
	"fmt"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/digest"
)

// Params are the tuning knobs of one run. They are resolved once from
// configuration and passed to the Engine; nothing reads them from globals.
type Params struct {
	// Block is the chunk size in bytes.
	Block int64
	// LargeThreshold is the size at which a file's key list is stored as its
	// own file record instead of inline in the folder entry.
	LargeThreshold int64
	// Threads bounds concurrent block encode/write and fetch workers across
	// the whole engine.
	Threads int
	// Files bounds concurrently processed files.
	Files int
	// Group is the number of ids checked per Store.Many call (1..MaxBatch).
	Group int
	// MaxMemory bounds the bytes of block data buffered in flight.
	MaxMemory int64
	// Validate re-derives every block digest and file hash on read.
	Validate bool
	// Sequence forces files to start streaming in enumeration order.
	Sequence bool
}

// DefaultParams returns the defaults used when configuration is silent.
func DefaultParams() Params {
	return Params{
		Block:          1 << 20,
		LargeThreshold: 128 << 20,
		Threads:        8,
		Files:          4,
		Group:          16,
		MaxMemory:      256 << 20,
	}
}

// Check validates p.
func (p Params) Check() error {
	if p.Block <= 0 {
		return fmt.Errorf("block size must be positive, got %d", p.Block)
	}
	if p.LargeThreshold <= 0 {
		return fmt.Errorf("large threshold must be positive, got %d", p.LargeThreshold)
	}
	if p.Threads < 1 || p.Files < 1 {
		return fmt.Errorf("threads and files must be at least 1, got %d and %d", p.Threads, p.Files)
	}
	if p.Group < 1 || p.Group > MaxBatch {
		return fmt.Errorf("group must be in [1, %d], got %d", MaxBatch, p.Group)
	}
	if p.MaxMemory < p.Block {
		return fmt.Errorf("max memory %d is smaller than one block (%d)", p.MaxMemory, p.Block)
	}
	if keys := InlineKeyCount(p.LargeThreshold-1, p.Block); keys*digest.Size > bundle.MaxKeyLen {
		return fmt.Errorf("block size %d and large threshold %d need %d inline keys per entry; reduce the threshold", p.Block, p.LargeThreshold, keys)
	}
	return nil
}

// BlockCount returns the number of blocks a file of size bytes splits into.
func BlockCount(size, block int64) int64 {
	return (size + block - 1) / block
}

// InlineKeyCount is the number of keys an inline entry carries: one per
// block plus the trailing file hash. Empty files carry none.
func InlineKeyCount(size, block int64) int64 {
	if size <= 0 {
		return 0
	}
	return BlockCount(size, block) + 1
}

// EntryKeyCount is the number of keys reserved for a file's folder entry.
func EntryKeyCount(size, block, largeThreshold int64) int64 {
	if size >= largeThreshold {
		return 1
	}
	return InlineKeyCount(size, block)
}
