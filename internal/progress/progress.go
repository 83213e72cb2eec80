// Package progress records how far each scan job has advanced through
// the pipeline. Snapshots for a job never regress: publishes with a lower
// stage ordinal than the stored snapshot are dropped, and nothing
// overwrites a terminal snapshot.
package progress

import (
	"context"
	"time"

	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// supersedes reports whether next may replace current.
func supersedes(current, next types.ProgressSnapshot) bool {
	if current.State.Terminal() {
		return false
	}
	if next.StageOrdinal < current.StageOrdinal {
		return false
	}
	if next.StageOrdinal == current.StageOrdinal && next.Percentage < current.Percentage {
		return false
	}
	return true
}

// subscribe implements the poll loop both stores share. It emits a
// snapshot whenever the stored one changes and closes the channel after a
// terminal snapshot or context cancellation.
func subscribe(ctx context.Context, store core.ProgressStore, jobID string, interval time.Duration) <-chan types.ProgressSnapshot {
	if interval <= 0 {
		interval = time.Second
	}

	ch := make(chan types.ProgressSnapshot, 1)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last types.ProgressSnapshot
		emit := func() bool {
			snapshot, err := store.Get(ctx, jobID)
			if err != nil {
				return false
			}
			if snapshot == last {
				return snapshot.State.Terminal()
			}
			last = snapshot
			select {
			case ch <- snapshot:
			case <-ctx.Done():
				return true
			}
			return snapshot.State.Terminal()
		}

		if emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if emit() {
					return
				}
			}
		}
	}()
	return ch
}
