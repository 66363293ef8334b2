package store

import (
	"context"

	"github.com/ChuLiYu/tickcast/pkg/types"
)

// DurationStore is a best-effort key-value mirror of live timers, keyed by
// timer ID. It holds no business logic. Implementations must be safe for
// concurrent use.
type DurationStore interface {
	// Put upserts the remaining duration of a timer.
	Put(ctx context.Context, rec types.Record) error

	// Delete removes a timer's record. Deleting a missing key is not an error.
	Delete(ctx context.Context, id types.TimerID) error

	// ListAll returns every recorded timer. Only used during restoration.
	ListAll(ctx context.Context) ([]types.Record, error)

	// Close releases the underlying connection or file handle.
	Close() error
}
