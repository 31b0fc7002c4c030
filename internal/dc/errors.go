package dc

import (
	"errors"

	"dircopy-go/internal/digest"
)

var (
	// ErrCorruptBlock means a block failed to decode or its decoded bytes do
	// not re-derive to the key it was fetched by.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrCorruptFile means the reassembled file does not match the trailing
	// file hash of its record.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrMalformedRecord means a file or folder record has an impossible
	// shape: a length that is not a whole number of keys, a bundle that runs
	// past its buffer, or an entry whose key count cannot be interpreted.
	ErrMalformedRecord = digest.ErrMalformedRecord

	// ErrLockedState means a snapshot root still carries the lock of an
	// unfinished backup.
	ErrLockedState = errors.New("change tracking database is locked: a backup is running or did not complete; clear the snapshot to continue")

	// ErrBadInputKey means an externally supplied key is not a valid digest.
	ErrBadInputKey = digest.ErrBadKey

	// ErrNotFound is returned by stores for ids they do not hold.
	ErrNotFound = errors.New("block not found")
)
