package encryption

import (
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// PlainSealer records root keys unprotected.
type PlainSealer struct{}

var _ dc.Sealer = PlainSealer{}

func (PlainSealer) Type() string          { return "none" }
func (PlainSealer) NeedsPassphrase() bool { return false }
func (PlainSealer) Setup(string) error    { return nil }
func (PlainSealer) IsConfigured() bool    { return true }

func (PlainSealer) Seal(key digest.Key) ([]byte, error) {
	return append([]byte{}, key[:]...), nil
}

func (PlainSealer) Unlock(string) (dc.Opener, error) {
	return plainOpener{}, nil
}

type plainOpener struct{}

func (plainOpener) Open(sealed []byte) (digest.Key, error) {
	return keyFromBytes(sealed)
}
