package persist

import (
	"github.com/ChuLiYu/tickcast/pkg/types"
)

// OpKind identifies a storage operation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// Op is one persistence operation queued for a shard worker.
type Op struct {
	Kind   OpKind
	Record types.Record // Delete only reads Record.ID

	barrier chan struct{} // set by Flush; closed once every earlier op on the shard ran
}

// Put builds an upsert op.
func Put(rec types.Record) Op {
	return Op{Kind: OpPut, Record: rec}
}

// Delete builds a delete op.
func Delete(id types.TimerID) Op {
	return Op{Kind: OpDelete, Record: types.Record{ID: id}}
}

// Metrics receives persistence outcomes. A nil Metrics is allowed.
type Metrics interface {
	RecordPersistFailure(op string)
	RecordPersistDropped(op string)
}
