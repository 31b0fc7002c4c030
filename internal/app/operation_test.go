package app

import (
	"testing"
	"time"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/encryption"
	"dircopy-go/internal/testutil"
)

func TestOperation_Lifecycle(t *testing.T) {
	tests := []struct {
		name       string
		succeed    bool
		wantStatus string
		wantRoot   bool
	}{
		{name: "success", succeed: true, wantStatus: dc.RunSuccess, wantRoot: true},
		{name: "failure", succeed: false, wantStatus: dc.RunError, wantRoot: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDatabase(t)
			clock := testutil.FixedClock()
			sealer := encryption.NewTestSealer()

			op, err := StartOperation(db, sealer, clock, testutil.NewSequentialIDs(), "/home/user/docs", "docs")
			if err != nil {
				t.Fatalf("StartOperation() error = %v", err)
			}
			if op.Run.ID != "run-1" || op.Finished() {
				t.Fatalf("new operation = %+v, finished = %v", op.Run, op.Finished())
			}

			stored, err := db.FindRun("run-1")
			if err != nil || stored == nil {
				t.Fatalf("FindRun() = %v, %v", stored, err)
			}
			if stored.Status != dc.RunRunning {
				t.Errorf("stored status = %q, want running", stored.Status)
			}

			clock.Advance(5 * time.Second)
			stats := dc.Direct{Items: 3, Read: 100}
			if tt.succeed {
				err = op.Succeed(testutil.NewHasher(t).Sum([]byte("root")), stats)
			} else {
				err = op.Fail(stats)
			}
			if err != nil {
				t.Fatalf("finish error = %v", err)
			}

			stored, _ = db.FindRun("run-1")
			if stored.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", stored.Status, tt.wantStatus)
			}
			if (len(stored.Root) > 0) != tt.wantRoot {
				t.Errorf("root recorded = %v, want %v", len(stored.Root) > 0, tt.wantRoot)
			}
			if stored.Sealer != "test" {
				t.Errorf("sealer = %q, want test", stored.Sealer)
			}
			if got := stored.FinishedAt.Sub(stored.StartedAt); got != 5*time.Second {
				t.Errorf("duration = %v, want 5s", got)
			}
			if stored.Stats != stats {
				t.Errorf("stats = %+v, want %+v", stored.Stats, stats)
			}

			if err := op.Fail(stats); err == nil {
				t.Error("finishing twice succeeded")
			}
		})
	}
}

func TestOperation_SealedRootOpens(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	sealer := encryption.NewTestSealer()
	op, err := StartOperation(db, sealer, testutil.FixedClock(), testutil.NewSequentialIDs(), "/src", "src")
	if err != nil {
		t.Fatalf("StartOperation() error = %v", err)
	}

	root := testutil.NewHasher(t).Sum([]byte("folder record"))
	if err := op.Succeed(root, dc.Direct{}); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}

	opener, err := sealer.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, err := opener.Open(op.Run.Root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != root {
		t.Errorf("opened root = %s, want %s", got, root)
	}
}
