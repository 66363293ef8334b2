package wal

import (
	"log/slog"

	"github.com/ChuLiYu/tickcast/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the duration log
// ============================================================================

// OpType defines WAL entry types
type OpType string

const (
	OpPut    OpType = "PUT"    // Remaining duration written
	OpDelete OpType = "DELETE" // Timer removed (done or stopped)
)

// Entry represents one WAL record, encoded as a single JSON line
type Entry struct {
	Seq             uint64        `json:"seq"`                        // Entry sequence number (monotonically increasing)
	Op              OpType        `json:"op"`                         // Entry type
	ID              types.TimerID `json:"id"`                         // Timer ID
	SecondsLeft     int64         `json:"seconds_left,omitempty"`     // PUT only
	OriginalSeconds int64         `json:"original_seconds,omitempty"` // PUT only
	Timestamp       int64         `json:"timestamp"`                  // Unix millisecond timestamp
	Checksum        uint32        `json:"checksum"`                   // CRC32 checksum
}

// Options tunes durability and compaction
type Options struct {
	// SyncOnAppend forces an fsync after every entry.
	SyncOnAppend bool

	// CompactThreshold is the entry count above which the log is rewritten
	// to one PUT per live timer. Zero uses DefaultCompactThreshold.
	CompactThreshold int

	// Logger receives warnings about skipped entries. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultCompactThreshold keeps a one-second ticker with a few hundred
// timers from growing the log past a few megabytes.
const DefaultCompactThreshold = 4096
