// ============================================================================
// tickcast Persist Worker - Storage Operation Executor
// ============================================================================
//
// Package: internal/persist
// File: worker.go
// Function: One worker per shard, applies put/delete ops to the DurationStore
//
// How it works:
//   Each worker is an independent goroutine looping over its shard channel:
//   1. Receive op from opCh (blocking wait)
//   2. Execute it against the store under context.WithTimeout
//   3. Log and count failures, never retry
//   4. Repeat until opCh is closed
//
// Ordering:
//   Ops for one timer always hash to the same shard, so a timer's puts and its
//   final delete reach the store in the order the registry produced them.
//
// ============================================================================

package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/tickcast/internal/store"
)

// worker drains one shard.
type worker struct {
	id      int
	opCh    <-chan Op
	store   store.DurationStore
	timeout time.Duration
	log     *slog.Logger
	metrics Metrics
}

func newWorker(id int, opCh <-chan Op, st store.DurationStore, timeout time.Duration, log *slog.Logger, metrics Metrics) *worker {
	return &worker{
		id:      id,
		opCh:    opCh,
		store:   st,
		timeout: timeout,
		log:     log,
		metrics: metrics,
	}
}

// run is the main loop; it returns once opCh is closed and drained.
func (w *worker) run() {
	for op := range w.opCh {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.execute(op)
	}
}

func (w *worker) execute(op Op) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	switch op.Kind {
	case OpPut:
		err = w.store.Put(ctx, op.Record)
	case OpDelete:
		err = w.store.Delete(ctx, op.Record.ID)
	default:
		return
	}

	if err != nil {
		w.log.Warn("Persistence operation failed, continuing in memory",
			"op", op.Kind,
			"timerID", op.Record.ID,
			"shard", w.id,
			"error", err)
		if w.metrics != nil {
			w.metrics.RecordPersistFailure(string(op.Kind))
		}
	}
}
