package dc

import (
	"context"

	"dircopy-go/internal/digest"
)

// MaxBatch is the largest number of ids a single Store.Many call accepts.
const MaxBatch = 64

// Store is the block store every pipeline runs against. It is addressed only
// by storage ids and never sees content keys.
// Implementations must be safe for concurrent use; any method may block on I/O.
type Store interface {
	// Is reports whether a block with the given id exists.
	Is(ctx context.Context, id digest.Key) (bool, error)

	// Read returns the stored bytes of a block. Returns an error wrapping
	// ErrNotFound when the block does not exist.
	Read(ctx context.Context, id digest.Key) ([]byte, error)

	// Write stores a block. Writing an id that already exists is a no-op.
	Write(ctx context.Context, id digest.Key, data []byte) error

	// Many checks up to MaxBatch ids in one call. Bit i of the result is set
	// when ids[i] exists.
	Many(ctx context.Context, ids []digest.Key) (uint64, error)

	// Validate performs a shallow, store-side check that the block exists and
	// is structurally well-formed.
	Validate(ctx context.Context, id digest.Key) (bool, error)
}

// Codec turns plaintext blocks into their stored form and back.
type Codec interface {
	// Encode compresses and encrypts plain with key material derived from key.
	Encode(plain []byte, key digest.Key) ([]byte, error)

	// Decode reverses Encode. Failures wrap ErrCorruptBlock.
	Decode(stored []byte, key digest.Key) ([]byte, error)
}
