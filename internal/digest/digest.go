package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size is the width in bytes of every Key, regardless of algorithm.
const Size = 32

// Key is a domain-salted content digest. Depending on where it is used it is
// either a content key (needed to decode a block) or a storage id (the address
// of the block in a store, derived from the content key with Hasher.Next).
type Key [Size]byte

var (
	// ErrBadKey is returned when an externally supplied key does not decode
	// to exactly Size bytes.
	ErrBadKey = errors.New("bad input key")

	// ErrMalformedRecord is returned when a key record's length is not a
	// multiple of Size.
	ErrMalformedRecord = errors.New("malformed record")
)

// String returns the lowercase hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether every byte of the key is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParseKey decodes a 64 character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != Size {
		return k, fmt.Errorf("%w: %d bytes, want %d", ErrBadKey, len(raw), Size)
	}
	copy(k[:], raw)
	return k, nil
}

// Keys splits a flat key record into its keys. The returned keys are copies.
func Keys(record []byte) ([]Key, error) {
	if len(record)%Size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedRecord, len(record), Size)
	}
	keys := make([]Key, len(record)/Size)
	for i := range keys {
		copy(keys[i][:], record[i*Size:])
	}
	return keys, nil
}

// Join concatenates keys into a flat key record.
func Join(keys []Key) []byte {
	out := make([]byte, 0, len(keys)*Size)
	for _, k := range keys {
		out = append(out, k[:]...)
	}
	return out
}

// Algorithm produces the hash function behind a Hasher. Every algorithm
// must produce Size byte sums.
type Algorithm struct {
	Name string
	New  func() hash.Hash
}

var algorithms = map[string]Algorithm{
	"blake3":   {Name: "blake3", New: func() hash.Hash { return blake3.New() }},
	"sha256":   {Name: "sha256", New: sha256.New},
	"sha3-256": {Name: "sha3-256", New: sha3.New256},
}

// DefaultAlgorithm is used when configuration does not name one.
const DefaultAlgorithm = "blake3"

// Lookup returns the named algorithm.
func Lookup(name string) (Algorithm, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	alg, ok := algorithms[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("unknown digest algorithm: %q", name)
	}
	return alg, nil
}

// Algorithms returns the names of all registered algorithms, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hasher binds an algorithm to a domain. All identities produced by one
// Hasher live in the same namespace; two Hashers with different domains
// never produce the same ids for the same content.
// A Hasher is safe for concurrent use.
type Hasher struct {
	alg    Algorithm
	domain []byte
}

// NewHasher creates a Hasher for the named algorithm and domain salt.
func NewHasher(algorithm string, domain []byte) (*Hasher, error) {
	alg, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hasher{alg: alg, domain: bytes.Clone(domain)}, nil
}

// Algorithm returns the name of the hash algorithm.
func (h *Hasher) Algorithm() string { return h.alg.Name }

// Domain returns a copy of the domain salt.
func (h *Hasher) Domain() []byte { return bytes.Clone(h.domain) }

// Sum returns the content key of p: H(domain || p).
func (h *Hasher) Sum(p []byte) Key {
	s := h.NewState()
	s.Update(p)
	return s.Finish()
}

// Next derives the storage id from a content key. The transform is one-way,
// so a store that only ever sees ids cannot recover keys.
func (h *Hasher) Next(key Key) Key {
	hh := h.alg.New()
	hh.Write(key[:])
	var id Key
	copy(id[:], hh.Sum(nil))
	return id
}

// Identify returns the content key and storage id of p.
func (h *Hasher) Identify(p []byte) (key, id Key) {
	key = h.Sum(p)
	return key, h.Next(key)
}

// Verify reports whether p re-derives to key.
func (h *Hasher) Verify(key Key, p []byte) bool {
	return h.Sum(p) == key
}

// NewState returns a running hash already seeded with the domain. Feeding it
// every block of a file in order yields the same value as Sum over the whole
// file.
func (h *Hasher) NewState() *State {
	hh := h.alg.New()
	hh.Write(h.domain)
	return &State{h: hh}
}

// State is an incremental domain-seeded hash. It is not safe for concurrent use.
type State struct {
	h hash.Hash
}

// Update appends p to the hashed stream.
func (s *State) Update(p []byte) {
	s.h.Write(p)
}

// Finish returns the digest of everything written so far.
func (s *State) Finish() Key {
	var k Key
	copy(k[:], s.h.Sum(nil))
	return k
}
