package diagnose

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	results, err := Run(context.Background(), Options{Size: 64 * 1024, Repeat: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	groups := map[string]int{}
	for _, r := range results {
		groups[r.Group]++
		if r.BytesPerSecond <= 0 {
			t.Errorf("%s %s throughput = %f", r.Group, r.Name, r.BytesPerSecond)
		}
	}
	if groups["hash"] < 2 || groups["encode"] != 5 || groups["decode"] != 5 {
		t.Errorf("result groups = %v", groups)
	}

	var out bytes.Buffer
	if err := Print(&out, results); err != nil {
		t.Fatalf("Print() error = %v", err)
	}
	for _, want := range []string{"hash:", "encode:", "zstd level 9", "/s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_Invalid(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil {
		t.Error("Run() accepted zero options")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, Options{Size: 1024, Repeat: 1}); err == nil {
		t.Error("Run() ignored cancelled context")
	}
}
