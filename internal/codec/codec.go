package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// Stored block layout:
//
//	[Tag: 1 byte] [XChaCha20-Poly1305 sealed payload: N+16 bytes]
//
// The payload is the plaintext itself for TagRaw, otherwise
// [u32 LE plaintext length][compressed bytes]. The cipher key and nonce are
// both derived from the block's content key, so identical plaintext under
// the same domain always yields identical stored bytes.
const (
	headerSize = 1
	// Overhead is the minimum size of a stored block.
	Overhead = headerSize + chacha20poly1305.Overhead
)

// HKDF info strings. Protocol constants.
var (
	infoCipherKey = []byte("dircopy block cipher key v1")
	infoNonce     = []byte("dircopy block nonce v1")
)

// Codec transforms plaintext blocks into their stored representation and back.
// A Codec is safe for concurrent use.
type Codec struct {
	method  Tag
	level   int
	maxSize int
}

var _ dc.Codec = (*Codec)(nil)

// New creates a Codec. method is "zstd", "lz4" or "none"; level is the zstd
// level (ignored for other methods). maxSize bounds the plaintext size that
// Decode accepts from a compressed block's size prefix; zero means unbounded.
func New(method string, level int, maxSize int) (*Codec, error) {
	tag, err := ParseTag(method)
	if err != nil {
		return nil, err
	}
	if tag == TagZstd {
		if _, err := zstdEncoder(level); err != nil {
			return nil, err
		}
	}
	return &Codec{method: tag, level: level, maxSize: maxSize}, nil
}

// Encode compresses plain when that makes it strictly smaller, then seals it
// with key material derived from key.
func (c *Codec) Encode(plain []byte, key digest.Key) ([]byte, error) {
	tag := TagRaw
	payload := plain
	if c.method != TagRaw {
		compressed, err := compress(plain, c.method, c.level)
		switch {
		case err == nil:
			tag, payload = c.method, compressed
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}
	return seal(tag, payload, key)
}

// Decode opens and decompresses a stored block. Any failure is reported as
// dc.ErrCorruptBlock.
func (c *Codec) Decode(stored []byte, key digest.Key) ([]byte, error) {
	if !Wellformed(stored) {
		return nil, fmt.Errorf("%w: %d byte block is not well-formed", dc.ErrCorruptBlock, len(stored))
	}
	tag := Tag(stored[0])

	payload, err := open(stored, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dc.ErrCorruptBlock, err)
	}

	plain, err := decompress(payload, tag, c.maxSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dc.ErrCorruptBlock, err)
	}
	return plain, nil
}

// Wellformed reports whether stored has the structure of an encoded block.
// It needs no key, so a store can run it against ids alone.
func Wellformed(stored []byte) bool {
	return len(stored) >= Overhead && knownTag(Tag(stored[0]))
}

// WellformedHeader is Wellformed for callers that only hold the first byte
// and the total length of a stored block.
func WellformedHeader(tag byte, size int64) bool {
	return size >= Overhead && knownTag(Tag(tag))
}

func seal(tag Tag, payload []byte, key digest.Key) ([]byte, error) {
	cipherKey, nonce, err := deriveCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	aad := []byte{byte(tag)}
	out := make([]byte, headerSize, headerSize+len(payload)+aead.Overhead())
	out[0] = byte(tag)
	return aead.Seal(out, nonce, payload, aad), nil
}

func open(stored []byte, key digest.Key) ([]byte, error) {
	cipherKey, nonce, err := deriveCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	aad := []byte{stored[0]}
	payload, err := aead.Open(nil, nonce, stored[headerSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD open failed (wrong key or tampered block): %w", err)
	}
	return payload, nil
}

// deriveCipher expands a content key into a cipher key and nonce.
func deriveCipher(key digest.Key) (cipherKey, nonce []byte, err error) {
	cipherKey = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], nil, infoCipherKey), cipherKey); err != nil {
		return nil, nil, fmt.Errorf("deriving cipher key: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], nil, infoNonce), nonce); err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}
	return cipherKey, nonce, nil
}
