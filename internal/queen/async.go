package queen

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// tickAsync is the cooperative variant of tick: the monitor step fans
// out across a bounded goroutine group so many exited children are
// reaped concurrently. Admission stays sequential because per-role cap
// accounting is easiest to reason about with a single writer; all shared
// state is still guarded by the queen's mutex.
func (q *Queen) tickAsync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.admit()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, aw := range q.snapshotActive() {
		g.Go(func() error {
			q.reap(aw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	q.recoverZombies()
	if err := q.store.UpdateWorkerHeartbeat(q.workerID(), "active", ""); err != nil {
		q.log.Warn("heartbeat update failed", "error", err.Error())
	}
	return nil
}
