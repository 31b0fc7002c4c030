package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies how a stored block's payload was compressed. It is written
// in clear as the first byte of every stored block and is also bound into
// the AEAD as additional data. Changing these values breaks every stored block.
type Tag uint8

const (
	TagRaw  Tag = 0
	TagZstd Tag = 1
	TagLZ4  Tag = 2
)

// String returns the configuration name of a tag.
func (t Tag) String() string {
	switch t {
	case TagRaw:
		return "none"
	case TagZstd:
		return "zstd"
	case TagLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTag parses a compression method name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return TagRaw, nil
	case "zstd", "":
		return TagZstd, nil
	case "lz4":
		return TagLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression method: %q", name)
	}
}

func knownTag(t Tag) bool {
	return t == TagRaw || t == TagZstd || t == TagLZ4
}

var errIncompressible = errors.New("data is incompressible")

// sizePrefix is the little-endian u32 plaintext length written ahead of
// compressed payloads so decompression can size its buffer exactly.
const sizePrefix = 4

// zstd encoders are keyed by level; zstd.Encoder is safe for concurrent use
// through EncodeAll, so one per level is shared by every Codec.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[zstd.EncoderLevel]*zstd.Encoder{}
	zstdDecoder  *zstd.Decoder
)

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	l := zstd.EncoderLevelFromZstd(level)

	zstdMu.Lock()
	defer zstdMu.Unlock()

	if enc, ok := zstdEncoders[l]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(l), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zstdEncoders[l] = enc
	return enc, nil
}

// compress returns the compressed payload (with its size prefix), or
// errIncompressible when the result would not be strictly smaller than data.
func compress(data []byte, tag Tag, level int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}

	out := make([]byte, sizePrefix, sizePrefix+len(data))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))

	switch tag {
	case TagZstd:
		enc, err := zstdEncoder(level)
		if err != nil {
			return nil, err
		}
		out = enc.EncodeAll(data, out)

	case TagLZ4:
		bound := lz4.CompressBlockBound(len(data))
		out = append(out, make([]byte, bound)...)
		written, err := lz4.CompressBlock(data, out[sizePrefix:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return nil, errIncompressible
		}
		out = out[:sizePrefix+written]

	default:
		return nil, fmt.Errorf("unsupported compression tag: %s", tag)
	}

	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// decompress reverses compress. maxSize bounds the plaintext length accepted
// from the size prefix.
func decompress(payload []byte, tag Tag, maxSize int) ([]byte, error) {
	if tag == TagRaw {
		return payload, nil
	}
	if len(payload) < sizePrefix {
		return nil, fmt.Errorf("compressed payload is %d bytes, shorter than its size prefix", len(payload))
	}
	size := int(binary.LittleEndian.Uint32(payload))
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("compressed payload claims %d bytes, limit is %d", size, maxSize)
	}
	body := payload[sizePrefix:]

	switch tag {
	case TagZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil

	case TagLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %s", tag)
	}
}
