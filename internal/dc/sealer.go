package dc

import "dircopy-go/internal/digest"

// Sealer protects root keys recorded in run history. Sealing needs no user
// interaction; opening a sealed key requires unlocking first.
type Sealer interface {
	// Type names the sealing scheme, recorded next to each sealed key.
	Type() string

	// Setup performs one-time key generation protected by passphrase.
	Setup(passphrase string) error

	// Seal encrypts a root key.
	Seal(key digest.Key) ([]byte, error)

	// Unlock returns an Opener for the session.
	Unlock(passphrase string) (Opener, error)

	// IsConfigured reports whether Setup has been run.
	IsConfigured() bool

	// NeedsPassphrase reports whether Unlock uses its passphrase.
	NeedsPassphrase() bool
}

// Opener decrypts sealed root keys. It is held in memory only.
type Opener interface {
	Open(sealed []byte) (digest.Key, error)
}
