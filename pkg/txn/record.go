package txn

import (
	"github.com/google/uuid"

	"strata/pkg/store"
	"strata/pkg/storekey"
)

// Record is the durability-layer's view of one committed transaction:
// everything the WAL needs to frame and,
// later, replay a commit. The transaction manager builds one of these
// per non-read-only commit; pkg/wal owns its binary encoding.
type Record struct {
	TxnID           uint64
	BranchID        uuid.UUID
	TimestampMicros int64
	Writes          []store.WriteEntry
	Deletes         []storekey.Key
}

// Appender is the durability layer's contract from the transaction
// manager's point of view. Append must not return until the
// record is durable according to the configured mode: Always blocks on
// fsync; Standard returns once the record is buffered, leaving fsync to
// the background flusher.
type Appender interface {
	Append(rec Record) error
}
