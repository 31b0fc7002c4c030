package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"dircopy-go/internal/digest"
)

func TestBundle_Layout(t *testing.T) {
	b := Bundle{
		Size:  0x0102030405060708,
		Mtime: 0x1112131415161718,
		Name:  "dir/file.txt",
		Keys:  bytes.Repeat([]byte{0xAB}, 2*digest.Size),
	}

	raw, err := b.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	want := 4 + 8 + 8 + 2 + len(b.Name) + 2 + len(b.Keys)
	if len(raw) != want || b.Extent() != want {
		t.Fatalf("encoded %d bytes, Extent() = %d, want %d", len(raw), b.Extent(), want)
	}

	le := binary.LittleEndian
	if got := le.Uint32(raw[0:]); int(got) != want {
		t.Errorf("extent field = %d, want %d", got, want)
	}
	if got := le.Uint64(raw[4:]); got != b.Size {
		t.Errorf("size field = %#x, want %#x", got, b.Size)
	}
	if got := le.Uint64(raw[12:]); got != b.Mtime {
		t.Errorf("mtime field = %#x, want %#x", got, b.Mtime)
	}
	if got := le.Uint16(raw[20:]); int(got) != len(b.Name) {
		t.Errorf("name_len field = %d, want %d", got, len(b.Name))
	}
	if got := string(raw[22 : 22+len(b.Name)]); got != b.Name {
		t.Errorf("name = %q, want %q", got, b.Name)
	}
	if got := le.Uint16(raw[22+len(b.Name):]); int(got) != len(b.Keys) {
		t.Errorf("key_len field = %d, want %d", got, len(b.Keys))
	}

	decoded, extent, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if extent != want {
		t.Errorf("Decode() extent = %d, want %d", extent, want)
	}
	if decoded.Name != b.Name || decoded.Size != b.Size || decoded.Mtime != b.Mtime || !bytes.Equal(decoded.Keys, b.Keys) {
		t.Errorf("Decode() = %+v, want %+v", decoded, b)
	}
	if decoded.KeyCount() != 2 {
		t.Errorf("KeyCount() = %d, want 2", decoded.KeyCount())
	}
}

func TestDecode_Malformed(t *testing.T) {
	good, _ := (&Bundle{Name: "a", Keys: make([]byte, digest.Size)}).MarshalBinary()

	tests := []struct {
		name string
		mut  func([]byte) []byte
	}{
		{name: "too short", mut: func(p []byte) []byte { return p[:10] }},
		{name: "extent past buffer", mut: func(p []byte) []byte {
			binary.LittleEndian.PutUint32(p, uint32(len(p)+1))
			return p
		}},
		{name: "extent below minimum", mut: func(p []byte) []byte {
			binary.LittleEndian.PutUint32(p, 3)
			return p
		}},
		{name: "name overruns", mut: func(p []byte) []byte {
			binary.LittleEndian.PutUint16(p[20:], 500)
			return p
		}},
		{name: "keys do not fill extent", mut: func(p []byte) []byte {
			binary.LittleEndian.PutUint16(p[23:], 3)
			return p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.mut(bytes.Clone(good))
			if _, _, err := Decode(p); !errors.Is(err, digest.ErrMalformedRecord) {
				t.Errorf("Decode() error = %v, want ErrMalformedRecord", err)
			}
		})
	}
}

func TestBundle_Limits(t *testing.T) {
	long := Bundle{Name: strings.Repeat("n", MaxNameLen+1)}
	if _, err := long.MarshalBinary(); err == nil {
		t.Error("MarshalBinary() accepted an oversized name")
	}

	small := Bundle{Name: "x", Keys: make([]byte, digest.Size)}
	if _, err := small.MarshalTo(make([]byte, small.Extent()-1)); err == nil {
		t.Error("MarshalTo() accepted a short buffer")
	}
}

func TestStatistics(t *testing.T) {
	s := Statistics{Target: 1, Size: 2, Blocks: 3, Files: 4}
	b := StatisticsBundle(s)
	if !b.IsStatistics() {
		t.Fatal("StatisticsBundle() is not recognized as statistics")
	}
	if b.Size != 0 || b.Mtime != 0 {
		t.Error("statistics entry must carry no size or time")
	}

	got, err := ParseStatistics(b.Keys)
	if err != nil {
		t.Fatalf("ParseStatistics() error = %v", err)
	}
	if got != s {
		t.Errorf("ParseStatistics() = %+v, want %+v", got, s)
	}

	if IsStatisticsName("photos/|||x") {
		t.Error("marker must only match as a prefix")
	}
}

func TestScan(t *testing.T) {
	entries := []Bundle{
		{Size: 5, Mtime: 10, Name: "a.txt", Keys: make([]byte, 2*digest.Size)},
		{Size: 0, Mtime: 11, Name: "empty"},
		{Size: 1 << 30, Mtime: 12, Name: "sub/large.bin", Keys: make([]byte, digest.Size)},
		StatisticsBundle(Statistics{Files: 3}),
	}

	var log []byte
	for _, e := range entries {
		raw, err := e.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() error = %v", err)
		}
		log = append(log, raw...)
	}

	ix, err := Scan(log)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if ix.Len() != len(entries) {
		t.Fatalf("Len() = %d, want %d", ix.Len(), len(entries))
	}

	var names []string
	ix.Iterate(func(e Entry) bool {
		names = append(names, e.Name)
		return true
	})
	for i, e := range entries {
		if names[i] != e.Name {
			t.Errorf("entry %d = %q, want %q", i, names[i], e.Name)
		}
	}

	found, ok := ix.Find("sub/large.bin")
	if !ok {
		t.Fatal("Find() did not find sub/large.bin")
	}
	if found.Size != 1<<30 || found.KeyCount() != 1 {
		t.Errorf("Find() = %+v", found.Bundle)
	}
	if !bytes.Equal(found.Raw, log[found.Offset:found.Offset+int64(found.Extent())]) {
		t.Error("Raw does not match the log bytes at Offset")
	}

	stats, ok := ix.Statistics()
	if !ok || stats.Files != 3 {
		t.Errorf("Statistics() = %+v, %v", stats, ok)
	}

	count := 0
	ix.Iterate(func(Entry) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Iterate() did not stop early: visited %d", count)
	}
}

func TestScan_Truncated(t *testing.T) {
	raw, _ := (&Bundle{Name: "a", Keys: make([]byte, digest.Size)}).MarshalBinary()
	if _, err := Scan(raw[:len(raw)-1]); !errors.Is(err, digest.ErrMalformedRecord) {
		t.Errorf("Scan() error = %v, want ErrMalformedRecord", err)
	}
}
