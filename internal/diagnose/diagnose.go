// Package diagnose measures the throughput of the hashing, compression and
// encryption primitives on this machine.
package diagnose

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/digest"
)

// Options size a diagnose run.
type Options struct {
	// Size is the benchmark buffer length in bytes.
	Size int
	// Repeat is how many times each primitive runs over the buffer.
	Repeat int
}

// DefaultOptions runs each primitive 100 times over 1 MiB.
func DefaultOptions() Options {
	return Options{Size: 1 << 20, Repeat: 100}
}

// Result is the measured throughput of one primitive.
type Result struct {
	Group string
	Name  string
	// BytesPerSecond is the mean throughput over all repetitions.
	BytesPerSecond float64
}

type bench struct {
	group, name string
	run         func() error
}

// Run executes every benchmark. It stops early when ctx is cancelled.
func Run(ctx context.Context, opts Options) ([]Result, error) {
	if opts.Size <= 0 || opts.Repeat <= 0 {
		return nil, fmt.Errorf("size and repeat must be positive, got %d and %d", opts.Size, opts.Repeat)
	}

	// Half random, half repetitive, so compressors have something to find.
	buf := make([]byte, opts.Size)
	rand.NewChaCha8([32]byte{'d', 'c'}).Read(buf[:opts.Size/2])
	copy(buf[opts.Size/2:], bytes.Repeat([]byte("dircopy "), opts.Size/16+1))

	benches, err := benchmarks(buf)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(benches))
	for _, b := range benches {
		start := time.Now()
		for range opts.Repeat {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			if err := b.run(); err != nil {
				return results, fmt.Errorf("%s %s: %w", b.group, b.name, err)
			}
		}
		elapsed := time.Since(start).Seconds()
		if elapsed <= 0 {
			elapsed = 1e-9
		}
		results = append(results, Result{
			Group:          b.group,
			Name:           b.name,
			BytesPerSecond: float64(opts.Size) * float64(opts.Repeat) / elapsed,
		})
	}
	return results, nil
}

func benchmarks(buf []byte) ([]bench, error) {
	var out []bench

	for _, alg := range digest.Algorithms() {
		h, err := digest.NewHasher(alg, []byte("diagnose"))
		if err != nil {
			return nil, err
		}
		out = append(out, bench{group: "hash", name: alg, run: func() error {
			h.Identify(buf)
			return nil
		}})
	}

	key := digest.Key{}
	methods := []struct {
		name, method string
		level        int
	}{
		{"none", "none", 0},
		{"zstd level 1", "zstd", 1},
		{"zstd level 5", "zstd", 5},
		{"zstd level 9", "zstd", 9},
		{"lz4", "lz4", 0},
	}
	for _, m := range methods {
		c, err := codec.New(m.method, m.level, 0)
		if err != nil {
			return nil, err
		}
		stored, err := c.Encode(buf, key)
		if err != nil {
			return nil, err
		}
		out = append(out,
			bench{group: "encode", name: m.name, run: func() error {
				_, err := c.Encode(buf, key)
				return err
			}},
			bench{group: "decode", name: m.name, run: func() error {
				_, err := c.Decode(stored, key)
				return err
			}},
		)
	}
	return out, nil
}

// Print writes results as an aligned table.
func Print(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	group := ""
	for _, r := range results {
		if r.Group != group {
			if group != "" {
				fmt.Fprintln(tw)
			}
			group = r.Group
			fmt.Fprintf(tw, "%s:\n", group)
		}
		fmt.Fprintf(tw, "  %s\t%s/s\n", r.Name, units.HumanSize(r.BytesPerSecond))
	}
	return tw.Flush()
}
