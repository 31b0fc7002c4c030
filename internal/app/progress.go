package app

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"dircopy-go/internal/dc"
)

// ProgressInterval is how often a running operation reports.
const ProgressInterval = time.Second

// Progress prints a line of live counters at a fixed interval until stopped.
type Progress struct {
	w     io.Writer
	stats *dc.Stats

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartProgress begins reporting stats to w. A nil w reports nothing.
func StartProgress(w io.Writer, stats *dc.Stats, interval time.Duration) *Progress {
	p := &Progress{
		w:     w,
		stats: stats,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if w == nil {
		close(p.done)
		return p
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				fmt.Fprintln(p.w, FormatProgress(p.stats.Snapshot(), p.stats.Current()))
			}
		}
	}()
	return p
}

// Stop ends reporting and waits for the reporter to exit. It is safe to
// call more than once.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// FormatProgress renders one progress line.
func FormatProgress(d dc.Direct, current string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "read %s", units.BytesSize(float64(d.Read)))
	if d.Target > 0 {
		fmt.Fprintf(&b, " of %s", units.BytesSize(float64(d.Target)))
	}
	fmt.Fprintf(&b, ", written %s, duplicate %s, %d files",
		units.BytesSize(float64(d.Written)),
		units.BytesSize(float64(d.Duplicate)),
		d.Items)
	if current != "" {
		fmt.Fprintf(&b, ": %s", current)
	}
	return b.String()
}

// FormatSummary renders the totals of a finished operation.
func FormatSummary(d dc.Direct) string {
	return fmt.Sprintf("%d files, %d blocks (%d duplicate), read %s, written %s, duplicate %s",
		d.Items, d.Blocks, d.DBlocks,
		units.BytesSize(float64(d.Read)),
		units.BytesSize(float64(d.Written)),
		units.BytesSize(float64(d.Duplicate)))
}
