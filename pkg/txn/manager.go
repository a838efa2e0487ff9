package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/version"
)

// BeginOptions customizes a new transaction context.
type BeginOptions struct {
	// Timeout, if set, bounds how long the transaction may live before
	// Commit refuses it. It is checked only at commit time, never
	// polled mid-transaction.
	Timeout *time.Duration
}

// Counter counts occurrences of an event. prometheus counters satisfy
// it; a nil Counter is a no-op.
type Counter interface {
	Inc()
}

// Manager is the transaction manager. One Manager owns the
// single commit mutex for a database; construct it with New and share
// it across every caller that begins transactions against that
// database.
type Manager struct {
	store    *store.Store
	wal      Appender
	branches BranchStatus

	// Conflicts, when non-nil, counts commits aborted by OCC
	// validation. Set it before the Manager is shared across
	// goroutines.
	Conflicts Counter

	commitMu sync.Mutex
	nextTxn  atomic.Uint64
}

// New builds a Manager over store, appending committed transactions
// through wal and consulting branches for closed-branch rejection.
func New(st *store.Store, wal Appender, branches BranchStatus) *Manager {
	return &Manager{store: st, wal: wal, branches: branches}
}

// Store exposes the underlying sharded store for operations that need
// to bypass transaction isolation deliberately: getv's full version
// chain, and the engine's checkpoint/GC machinery.
func (m *Manager) Store() *store.Store { return m.store }

// Begin opens a transaction context scoped to branchID, snapshotting
// the store at the current clock.
func (m *Manager) Begin(branchID uuid.UUID, opts *BeginOptions) (*Context, error) {
	active, ok := m.branches.Active(branchID.String())
	if !ok {
		return nil, errs.New(errs.KeyNotFound, "branch does not exist")
	}
	if !active {
		return nil, errs.New(errs.ConstraintViolation, "branch is closed")
	}

	ctx := &Context{
		TxnID:     m.nextTxn.Add(1),
		BranchID:  branchID,
		Snapshot:  m.store.Snapshot(),
		Status:    StatusOpen,
		namespace: storekey.Namespace{BranchID: branchID.String()},
		readSet:   make(map[string]readObservation),
		writeSet:  make(map[string]store.WriteEntry),
		deleteSet: make(map[string]storekey.Key),
		startedAt: time.Now(),
	}
	if opts != nil {
		ctx.timeout = opts.Timeout
	}
	return ctx, nil
}

// Commit runs the commit protocol. On success it
// returns the version the transaction was committed at; on failure the
// store is left unchanged and ctx is marked rolled back.
func (m *Manager) Commit(ctx *Context) (version.Version, error) {
	if err := ctx.requireOpen(); err != nil {
		return 0, err
	}

	// Step 1: read-only transactions never touch the commit mutex or
	// the WAL.
	if ctx.ReadOnly() {
		ctx.Status = StatusCommitted
		ctx.Snapshot.Close()
		return m.store.CurrentVersion(), nil
	}

	if ctx.timeout != nil && time.Since(ctx.startedAt) > *ctx.timeout {
		ctx.Status = StatusRolledBack
		ctx.Snapshot.Close()
		return 0, errs.New(errs.ConstraintViolation, "transaction exceeded its commit timeout")
	}

	// Step 2: acquire the single commit mutex.
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if active, ok := m.branches.Active(ctx.BranchID.String()); !ok || !active {
		ctx.Status = StatusRolledBack
		ctx.Snapshot.Close()
		return 0, errs.New(errs.ConstraintViolation, "branch is closed")
	}

	// Step 3: read-set validation.
	for _, obs := range ctx.readSet {
		current, ok := m.store.Get(obs.Key)
		switch {
		case ok && current.Version != obs.Version:
			return m.abort(ctx, errs.New(errs.Conflict, "read-set version mismatch"))
		case !ok && obs.Version != 0:
			return m.abort(ctx, errs.New(errs.Conflict, "read-set key was deleted concurrently"))
		case ok && obs.Version == 0:
			return m.abort(ctx, errs.New(errs.Conflict, "read-set key was created concurrently"))
		}
	}

	// Step 4: cas-set validation.
	for _, cas := range ctx.casSet {
		current, ok := m.store.Get(cas.Key)
		if cas.ExpectedVersion == nil {
			if ok {
				return m.abort(ctx, errs.New(errs.Conflict, "cas expected key to be absent"))
			}
			continue
		}
		if !ok || current.Version != *cas.ExpectedVersion {
			return m.abort(ctx, errs.New(errs.Conflict, "cas expected-counter mismatch"))
		}
	}

	// Step 5: allocate the commit version.
	commitVersion := m.store.NextVersion()

	// Step 6: serialize and durably record the transaction. The WAL
	// record's txn_id field carries the commit version itself (rather
	// than ctx.TxnID, which only identifies the context within this
	// process): recovery has nothing else to key apply_batch on, since
	// the wire format has no separate version field.
	rec := Record{
		TxnID:           uint64(commitVersion),
		BranchID:        ctx.BranchID,
		TimestampMicros: time.Now().UnixMicro(),
		Writes:          m.collectWrites(ctx),
		Deletes:         m.collectDeletes(ctx),
	}
	if err := m.wal.Append(rec); err != nil {
		return m.abort(ctx, err)
	}

	// Step 7: publish the batch.
	m.store.ApplyBatch(rec.Writes, rec.Deletes, commitVersion)

	// Step 8 (mutex release) happens via the deferred Unlock above.
	ctx.Status = StatusCommitted
	ctx.Snapshot.Close()
	return commitVersion, nil
}

// Rollback discards ctx without touching the store or the WAL. It is
// always cheap: no lock is taken.
func (m *Manager) Rollback(ctx *Context) {
	if ctx.Status != StatusOpen {
		return
	}
	ctx.Status = StatusRolledBack
	ctx.Snapshot.Close()
}

func (m *Manager) abort(ctx *Context, err error) (version.Version, error) {
	ctx.Status = StatusRolledBack
	ctx.Snapshot.Close()
	if m.Conflicts != nil && errs.KindOf(err) == errs.Conflict {
		m.Conflicts.Inc()
	}
	return 0, err
}

func (m *Manager) collectWrites(ctx *Context) []store.WriteEntry {
	writes := make([]store.WriteEntry, 0, len(ctx.writeSet)+len(ctx.casSet))
	for _, w := range ctx.writeSet {
		writes = append(writes, w)
	}
	for _, cas := range ctx.casSet {
		writes = append(writes, store.WriteEntry{Key: cas.Key, Value: cas.NewValue, TTL: cas.TTL})
	}
	return writes
}

func (m *Manager) collectDeletes(ctx *Context) []storekey.Key {
	deletes := make([]storekey.Key, 0, len(ctx.deleteSet))
	for _, k := range ctx.deleteSet {
		deletes = append(deletes, k)
	}
	return deletes
}
