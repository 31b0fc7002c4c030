// Package bundle implements the folder record wire format: a log of
// length-prefixed little-endian entries, one per backed-up path.
//
//	u32 extent     total bytes of the entry, including this field
//	u64 size       file size in bytes
//	u64 mtime      last write time, nanoseconds since the Unix epoch
//	u16 name_len
//	    name       slash-separated path relative to the backup root
//	u16 key_len
//	    keys       one file record key, or block keys followed by the file hash
package bundle

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"dircopy-go/internal/digest"
)

const (
	extentSize = 4
	// headerSize covers extent, size, mtime and name_len.
	headerSize = extentSize + 8 + 8 + 2
	// fixedSize is the size of an entry with an empty name and no keys.
	fixedSize = headerSize + 2

	// MaxNameLen and MaxKeyLen are the largest name and key payloads an
	// entry can carry.
	MaxNameLen = math.MaxUint16
	MaxKeyLen  = math.MaxUint16
)

// Bundle is one decoded folder entry. Bundles returned by Decode and Index
// alias the buffer they were parsed from.
type Bundle struct {
	Size  uint64
	Mtime uint64
	Name  string
	Keys  []byte
}

// Extent returns the encoded size of an entry with the given name and key
// payload lengths.
func Extent(nameLen, keyLen int) int {
	return fixedSize + nameLen + keyLen
}

// Extent returns the encoded size of b.
func (b *Bundle) Extent() int {
	return Extent(len(b.Name), len(b.Keys))
}

// KeyCount returns the number of keys in the entry.
func (b *Bundle) KeyCount() int {
	return len(b.Keys) / digest.Size
}

// KeyList splits the key payload into keys.
func (b *Bundle) KeyList() ([]digest.Key, error) {
	keys, err := digest.Keys(b.Keys)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", b.Name, err)
	}
	return keys, nil
}

// IsStatistics reports whether b is the internal accounting entry rather than
// a real path.
func (b *Bundle) IsStatistics() bool {
	return IsStatisticsName(b.Name)
}

// MarshalTo encodes b into the front of dst and returns the number of bytes
// written.
func (b *Bundle) MarshalTo(dst []byte) (int, error) {
	if len(b.Name) > MaxNameLen {
		return 0, fmt.Errorf("name is %d bytes, limit is %d", len(b.Name), MaxNameLen)
	}
	if len(b.Keys) > MaxKeyLen {
		return 0, fmt.Errorf("%q: key payload is %d bytes, limit is %d", b.Name, len(b.Keys), MaxKeyLen)
	}
	extent := b.Extent()
	if len(dst) < extent {
		return 0, fmt.Errorf("%q: entry needs %d bytes, buffer has %d", b.Name, extent, len(dst))
	}

	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(extent))
	le.PutUint64(dst[4:], b.Size)
	le.PutUint64(dst[12:], b.Mtime)
	le.PutUint16(dst[20:], uint16(len(b.Name)))
	off := headerSize
	off += copy(dst[off:], b.Name)
	le.PutUint16(dst[off:], uint16(len(b.Keys)))
	off += 2
	off += copy(dst[off:], b.Keys)
	return off, nil
}

// MarshalBinary encodes b into a new buffer.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	buf := make([]byte, b.Extent())
	if _, err := b.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses the entry at the front of p and returns it with its extent.
func Decode(p []byte) (Bundle, int, error) {
	le := binary.LittleEndian
	if len(p) < fixedSize {
		return Bundle{}, 0, fmt.Errorf("%w: %d bytes left, entry needs at least %d", digest.ErrMalformedRecord, len(p), fixedSize)
	}
	extent := int(le.Uint32(p))
	if extent < fixedSize || extent > len(p) {
		return Bundle{}, 0, fmt.Errorf("%w: entry extent %d outside [%d, %d]", digest.ErrMalformedRecord, extent, fixedSize, len(p))
	}
	entry := p[:extent]

	nameLen := int(le.Uint16(entry[20:]))
	if headerSize+nameLen+2 > extent {
		return Bundle{}, 0, fmt.Errorf("%w: name length %d overruns entry of %d bytes", digest.ErrMalformedRecord, nameLen, extent)
	}
	name := entry[headerSize : headerSize+nameLen]
	keyOff := headerSize + nameLen + 2
	keyLen := int(le.Uint16(entry[headerSize+nameLen:]))
	if keyOff+keyLen != extent {
		return Bundle{}, 0, fmt.Errorf("%w: key length %d does not fill entry %q of %d bytes", digest.ErrMalformedRecord, keyLen, name, extent)
	}

	return Bundle{
		Size:  le.Uint64(entry[4:]),
		Mtime: le.Uint64(entry[12:]),
		Name:  string(name),
		Keys:  entry[keyOff:extent:extent],
	}, extent, nil
}

// PutExtent writes only the extent field, marking a reserved but unfilled
// slot so the log stays walkable.
func PutExtent(dst []byte, extent int) {
	binary.LittleEndian.PutUint32(dst, uint32(extent))
}

// StatisticsMarker prefixes the name of the accounting entry. No real path
// starts with it.
const StatisticsMarker = "|||"

// StatisticsName is the full name of the accounting entry.
const StatisticsName = StatisticsMarker + "Backup Statistics" + StatisticsMarker

// IsStatisticsName reports whether name is reserved for accounting.
func IsStatisticsName(name string) bool {
	return strings.HasPrefix(name, StatisticsMarker)
}

// Statistics is the fixed little-endian payload of the accounting entry.
// It carries no timestamps so identical trees yield identical entries.
type Statistics struct {
	Target uint64
	Size   uint64
	Blocks uint64
	Files  uint64
}

// StatisticsSize is the encoded size of Statistics.
const StatisticsSize = 32

// MarshalBinary encodes s.
func (s Statistics) MarshalBinary() ([]byte, error) {
	out := make([]byte, StatisticsSize)
	le := binary.LittleEndian
	le.PutUint64(out[0:], s.Target)
	le.PutUint64(out[8:], s.Size)
	le.PutUint64(out[16:], s.Blocks)
	le.PutUint64(out[24:], s.Files)
	return out, nil
}

// ParseStatistics decodes the payload of an accounting entry.
func ParseStatistics(p []byte) (Statistics, error) {
	if len(p) != StatisticsSize {
		return Statistics{}, fmt.Errorf("%w: statistics payload is %d bytes, want %d", digest.ErrMalformedRecord, len(p), StatisticsSize)
	}
	le := binary.LittleEndian
	return Statistics{
		Target: le.Uint64(p[0:]),
		Size:   le.Uint64(p[8:]),
		Blocks: le.Uint64(p[16:]),
		Files:  le.Uint64(p[24:]),
	}, nil
}

// StatisticsBundle wraps s in an accounting entry.
func StatisticsBundle(s Statistics) Bundle {
	payload, _ := s.MarshalBinary()
	return Bundle{Name: StatisticsName, Keys: payload}
}
