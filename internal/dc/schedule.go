package dc

import (
	"context"
	"sync"
)

// sequencer hands out tickets in enumeration order. A ticket's holder may
// start reading its source only after the previous ticket is done, so files
// are streamed strictly one after another while their block work overlaps.
type sequencer struct {
	last chan struct{}
}

func newSequencer() *sequencer {
	first := make(chan struct{})
	close(first)
	return &sequencer{last: first}
}

// next issues the ticket that follows every ticket issued so far. It must be
// called from a single goroutine.
func (s *sequencer) next() *ticket {
	t := &ticket{prev: s.last, done: make(chan struct{})}
	s.last = t.done
	return t
}

type ticket struct {
	prev chan struct{}
	done chan struct{}
	once sync.Once
}

// wait blocks until the previous ticket is released. A nil ticket never waits.
func (t *ticket) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release lets the next ticket proceed. It is safe to call more than once.
func (t *ticket) release() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}
