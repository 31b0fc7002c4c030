package encryption

import (
	"bytes"
	"fmt"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// testHeader marks keys sealed by TestSealer.
var testHeader = []byte("DCSEAL\x00\x00")

// TestSealer is a deterministic sealer for tests. It prepends a fixed
// header and inverts the key bytes, so sealed output differs from the key
// while needing no key material.
type TestSealer struct {
	setupCalled bool
}

var _ dc.Sealer = (*TestSealer)(nil)

func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (s *TestSealer) Type() string { return "test" }

func (s *TestSealer) NeedsPassphrase() bool { return false }

func (s *TestSealer) Setup(string) error {
	s.setupCalled = true
	return nil
}

func (s *TestSealer) Seal(key digest.Key) ([]byte, error) {
	out := append([]byte{}, testHeader...)
	for _, b := range key {
		out = append(out, ^b)
	}
	return out, nil
}

func (s *TestSealer) Unlock(string) (dc.Opener, error) {
	return testOpener{}, nil
}

func (s *TestSealer) IsConfigured() bool { return true }

type testOpener struct{}

func (testOpener) Open(sealed []byte) (digest.Key, error) {
	body, ok := bytes.CutPrefix(sealed, testHeader)
	if !ok {
		return digest.Key{}, fmt.Errorf("invalid test seal header")
	}
	raw := make([]byte, len(body))
	for i, b := range body {
		raw[i] = ^b
	}
	return keyFromBytes(raw)
}
