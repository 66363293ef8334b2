// ============================================================================
// tickcast Persist Writer - Sharded Async Worker Pool
// ============================================================================
//
// Package: internal/persist
// File: writer_pool.go
// Function: Takes storage writes off the tick path
//
// Design:
//   ┌──────────┐  Submit(op)   ┌─────────┐
//   │ Registry │ ─────────────→│ shard 0 │──→ worker 0 ──┐
//   └──────────┘  id % N       │ shard 1 │──→ worker 1 ──┼──→ DurationStore
//                              │   ...   │               │
//                              └─────────┘──→ worker N ──┘
//
//   - Submit never blocks: a full shard drops the op (best-effort persistence)
//   - Every op runs under its own timeout so a hung store cannot pile up work
//   - Close stops intake, drains every shard, then returns
//
// Submit, Flush and Close share an RWMutex: senders hold the read lock only
// across non-blocking sends, Close takes the write lock before closing
// channels, so a send can never hit a closed channel.
//
// ============================================================================

package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/tickcast/internal/store"
)

var (
	// ErrWriterClosed indicates the writer no longer accepts ops.
	ErrWriterClosed = errors.New("persist writer is closed")
	// ErrQueueFull indicates the op was dropped because its shard was full.
	ErrQueueFull = errors.New("persist queue full")
)

// Config tunes the writer.
type Config struct {
	Workers   int           // shard count, default 4
	QueueSize int           // per-shard buffer, default 256
	OpTimeout time.Duration // per-op timeout, default 3s
	Logger    *slog.Logger
	Metrics   Metrics
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Writer applies ops to a DurationStore asynchronously.
type Writer struct {
	cfg    Config
	shards []chan Op
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWriter starts cfg.Workers shard workers against st.
func NewWriter(st store.DurationStore, cfg Config) *Writer {
	cfg.applyDefaults()

	w := &Writer{
		cfg:    cfg,
		shards: make([]chan Op, cfg.Workers),
	}

	for i := range w.shards {
		ch := make(chan Op, cfg.QueueSize)
		w.shards[i] = ch

		wk := newWorker(i, ch, st, cfg.OpTimeout, cfg.Logger, cfg.Metrics)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			wk.run()
		}()
	}
	return w
}

// Submit queues op on its timer's shard without blocking.
func (w *Writer) Submit(op Op) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrWriterClosed
	}

	select {
	case w.shards[w.shardFor(op)] <- op:
		return nil
	default:
		w.cfg.Logger.Warn("Persistence queue full, dropping op",
			"op", op.Kind,
			"timerID", op.Record.ID)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordPersistDropped(string(op.Kind))
		}
		return ErrQueueFull
	}
}

// flushRetryInterval is how long Flush waits before retrying a full shard.
const flushRetryInterval = time.Millisecond

// Flush blocks until every op submitted before the call has been applied,
// or ctx ends. The read lock is only held for non-blocking sends, so a
// concurrent Close never queues Submit callers behind a full shard.
func (w *Writer) Flush(ctx context.Context) error {
	barriers := make([]chan struct{}, 0, len(w.shards))
	for i := range w.shards {
		b := make(chan struct{})
		for {
			sent, err := w.trySend(i, Op{barrier: b})
			if err != nil {
				return err
			}
			if sent {
				break
			}

			timer := time.NewTimer(flushRetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		barriers = append(barriers, b)
	}

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// trySend offers op to shard i without blocking.
func (w *Writer) trySend(i int, op Op) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return false, ErrWriterClosed
	}
	select {
	case w.shards[i] <- op:
		return true, nil
	default:
		return false, nil
	}
}

// Close stops intake and waits for every queued op to run. Idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// Shards returns the shard count.
func (w *Writer) Shards() int {
	return len(w.shards)
}

func (w *Writer) shardFor(op Op) int {
	return int(uint64(op.Record.ID) % uint64(len(w.shards)))
}
