package app

import (
	"errors"
	"fmt"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// Operation tracks one folder backup in the run history of its snapshot.
// It is persisted in the running state when started and finished exactly
// once, so a crash leaves a visible running record behind.
type Operation struct {
	Run *dc.Run

	db     dc.Database
	sealer dc.Sealer
	clock  dc.Clock
}

// StartOperation records a new running backup of source into snapshot.
func StartOperation(db dc.Database, sealer dc.Sealer, clock dc.Clock, ids dc.IDGenerator, source, snapshot string) (*Operation, error) {
	run := &dc.Run{
		ID:        ids.New(),
		Source:    source,
		Snapshot:  snapshot,
		Sealer:    sealer.Type(),
		StartedAt: clock.Now().UTC(),
		Status:    dc.RunRunning,
	}
	if err := db.CreateRun(run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	return &Operation{Run: run, db: db, sealer: sealer, clock: clock}, nil
}

// Finished reports whether Succeed or Fail has been called.
func (op *Operation) Finished() bool {
	return op.Run.Status != dc.RunRunning
}

// Succeed seals root and records the run as successful. If root cannot be
// sealed the run is recorded as failed instead.
func (op *Operation) Succeed(root digest.Key, stats dc.Direct) error {
	sealed, err := op.sealer.Seal(root)
	if err != nil {
		return errors.Join(fmt.Errorf("sealing root key: %w", err), op.Fail(stats))
	}
	op.Run.Root = sealed
	return op.finish(dc.RunSuccess, stats)
}

// Fail records the run as failed.
func (op *Operation) Fail(stats dc.Direct) error {
	op.Run.Root = nil
	return op.finish(dc.RunError, stats)
}

func (op *Operation) finish(status string, stats dc.Direct) error {
	if op.Finished() {
		return fmt.Errorf("run %s already finished with status %s", op.Run.ID, op.Run.Status)
	}
	op.Run.Status = status
	op.Run.FinishedAt = op.clock.Now().UTC()
	op.Run.Stats = stats
	if err := op.db.FinishRun(op.Run); err != nil {
		return fmt.Errorf("finishing run %s: %w", op.Run.ID, err)
	}
	return nil
}
