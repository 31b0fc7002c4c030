package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

func testKey(t *testing.T, data []byte) digest.Key {
	t.Helper()
	h, err := digest.NewHasher("blake3", []byte("codec-test"))
	if err != nil {
		t.Fatalf("NewHasher() error = %v", err)
	}
	return h.Sum(data)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return b
}

func TestCodec_RoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":          {},
		"short text":     []byte("hello world"),
		"compressible":   bytes.Repeat([]byte("abcdefgh"), 10000),
		"incompressible": randomBytes(t, 64*1024),
	}

	for _, method := range []string{"zstd", "lz4", "none"} {
		c, err := New(method, 5, 0)
		if err != nil {
			t.Fatalf("New(%s) error = %v", method, err)
		}
		for name, plain := range inputs {
			t.Run(method+"/"+name, func(t *testing.T) {
				key := testKey(t, plain)

				stored, err := c.Encode(plain, key)
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				if !Wellformed(stored) {
					t.Fatal("Encode() produced a block that is not well-formed")
				}

				got, err := c.Decode(stored, key)
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if !bytes.Equal(got, plain) {
					t.Error("Decode() did not return the original plaintext")
				}
			})
		}
	}
}

func TestCodec_CompressOnlyWhenSmaller(t *testing.T) {
	c, _ := New("zstd", 3, 0)

	compressible := bytes.Repeat([]byte("z"), 4096)
	stored, err := c.Encode(compressible, testKey(t, compressible))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if Tag(stored[0]) != TagZstd {
		t.Errorf("compressible block tag = %s, want zstd", Tag(stored[0]))
	}
	if len(stored) >= len(compressible) {
		t.Errorf("compressed block is %d bytes, input was %d", len(stored), len(compressible))
	}

	random := randomBytes(t, 4096)
	stored, err = c.Encode(random, testKey(t, random))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if Tag(stored[0]) != TagRaw {
		t.Errorf("incompressible block tag = %s, want none", Tag(stored[0]))
	}
	if len(stored) != len(random)+Overhead {
		t.Errorf("raw block is %d bytes, want %d", len(stored), len(random)+Overhead)
	}
}

func TestCodec_Convergent(t *testing.T) {
	c, _ := New("lz4", 0, 0)
	plain := bytes.Repeat([]byte("convergent "), 500)
	key := testKey(t, plain)

	a, _ := c.Encode(plain, key)
	b, _ := c.Encode(plain, key)
	if !bytes.Equal(a, b) {
		t.Error("encoding the same plaintext twice produced different blocks")
	}
}

func TestCodec_DecodeFailures(t *testing.T) {
	c, _ := New("zstd", 5, 0)
	plain := []byte("some block content that matters")
	key := testKey(t, plain)
	stored, _ := c.Encode(plain, key)

	flipped := bytes.Clone(stored)
	flipped[len(flipped)-1] ^= 0x01

	retagged := bytes.Clone(stored)
	retagged[0] = byte(TagLZ4)

	tests := []struct {
		name   string
		stored []byte
		key    digest.Key
	}{
		{name: "wrong key", stored: stored, key: testKey(t, []byte("other"))},
		{name: "flipped ciphertext bit", stored: flipped, key: key},
		{name: "tag changed", stored: retagged, key: key},
		{name: "truncated", stored: stored[:Overhead-1], key: key},
		{name: "unknown tag", stored: append([]byte{9}, stored[1:]...), key: key},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.stored, tt.key)
			if !errors.Is(err, dc.ErrCorruptBlock) {
				t.Errorf("Decode() error = %v, want ErrCorruptBlock", err)
			}
		})
	}
}

func TestCodec_DecodeAcceptsAnyMethod(t *testing.T) {
	plain := bytes.Repeat([]byte("mixed methods "), 300)
	key := testKey(t, plain)

	lz, _ := New("lz4", 0, 0)
	zs, _ := New("zstd", 9, 0)

	stored, _ := lz.Encode(plain, key)
	got, err := zs.Decode(stored, key)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("zstd codec failed to decode an lz4 block")
	}
}

func TestCodec_MaxSize(t *testing.T) {
	plain := bytes.Repeat([]byte("x"), 10000)
	key := testKey(t, plain)

	writer, _ := New("zstd", 1, 0)
	stored, _ := writer.Encode(plain, key)

	reader, _ := New("zstd", 1, 1000)
	if _, err := reader.Decode(stored, key); !errors.Is(err, dc.ErrCorruptBlock) {
		t.Errorf("Decode() error = %v, want ErrCorruptBlock for oversized block", err)
	}
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		input   string
		want    Tag
		wantErr bool
	}{
		{input: "zstd", want: TagZstd},
		{input: "", want: TagZstd},
		{input: "lz4", want: TagLZ4},
		{input: "none", want: TagRaw},
		{input: "gzip", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTag(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseTag() = %s, want %s", got, tt.want)
			}
		})
	}
}
