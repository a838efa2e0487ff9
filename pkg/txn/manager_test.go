package txn

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/version"
)

// fakeAppender records every committed record instead of writing to
// disk, so the transaction manager can be exercised without pkg/wal.
type fakeAppender struct {
	mu      sync.Mutex
	records []Record
	failing bool
}

func (f *fakeAppender) Append(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errs.New(errs.Io, "simulated wal failure")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeAppender, uuid.UUID) {
	t.Helper()
	st := store.New(version.New(), 8)
	wal := &fakeAppender{}
	branchID := uuid.New()
	mgr := New(st, wal, AllowAllBranches{})
	return mgr, st, wal, branchID
}

func TestManager_ReadOnlyCommitEmitsNoWALBytes(t *testing.T) {
	mgr, _, wal, branch := newTestManager(t)
	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)

	_, _, err = ctx.Get([]byte("missing"))
	require.NoError(t, err)

	_, err = mgr.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, wal.count(), "a read-only commit must not append to the WAL")
	assert.Equal(t, StatusCommitted, ctx.Status)
}

func TestManager_PutThenCommitIsVisible(t *testing.T) {
	mgr, st, wal, branch := newTestManager(t)
	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("a"), []byte("hello"), nil))

	v, err := mgr.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, wal.count())

	k, err := storekey.New(storekey.Namespace{BranchID: branch.String()}, storekey.KV, []byte("a"))
	require.NoError(t, err)
	sv, ok := st.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), sv.Value)
	assert.Equal(t, v, sv.Version)
}

func TestManager_OCCConflictOnConcurrentWrite(t *testing.T) {
	// Scenario S1: T1 reads "k", T2 writes "k" and commits, T1 writes
	// "k" and commits. T1 must fail with Conflict; the stored value must
	// be T2's.
	mgr, st, _, branch := newTestManager(t)

	t1, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	_, _, err = t1.Get([]byte("k"))
	require.NoError(t, err)

	t2, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, t2.Put([]byte("k"), []byte("2"), nil))
	_, err = mgr.Commit(t2)
	require.NoError(t, err)

	require.NoError(t, t1.Put([]byte("k"), []byte("3"), nil))
	_, err = mgr.Commit(t1)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	k, err := storekey.New(storekey.Namespace{BranchID: branch.String()}, storekey.KV, []byte("k"))
	require.NoError(t, err)
	sv, ok := st.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), sv.Value)
}

func TestManager_ReadSetConflictWhenKeyAppearsConcurrently(t *testing.T) {
	mgr, _, _, branch := newTestManager(t)

	t1, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	_, found, err := t1.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	t2, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, t2.Put([]byte("k"), []byte("x"), nil))
	_, err = mgr.Commit(t2)
	require.NoError(t, err)

	// t1 now writes something unrelated but still touches its stale
	// read-set at commit.
	require.NoError(t, t1.Put([]byte("other"), []byte("y"), nil))
	_, err = mgr.Commit(t1)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestManager_CASSucceedsOnMatchingVersionAndFailsOnMismatch(t *testing.T) {
	mgr, st, _, branch := newTestManager(t)
	ns := storekey.Namespace{BranchID: branch.String()}
	k, err := storekey.New(ns, storekey.State, []byte("cell"))
	require.NoError(t, err)

	// init: cas with expected=nil asserts absence.
	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.CAS(k, nil, []byte("v1"), nil))
	v1, err := mgr.Commit(ctx)
	require.NoError(t, err)

	sv, ok := st.Get(k)
	require.True(t, ok)
	assert.Equal(t, v1, sv.Version)

	// cas with a stale expected version must conflict.
	stale := version.Version(0)
	ctx2, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx2.CAS(k, &stale, []byte("v2"), nil))
	_, err = mgr.Commit(ctx2)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	// cas with the correct expected version succeeds.
	ctx3, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx3.CAS(k, &v1, []byte("v2"), nil))
	v2, err := mgr.Commit(ctx3)
	require.NoError(t, err)

	sv, ok = st.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), sv.Value)
	assert.Equal(t, v2, sv.Version)
}

func TestManager_CommitOnClosedBranchFails(t *testing.T) {
	st := store.New(version.New(), 8)
	wal := &fakeAppender{}
	branch := uuid.New()
	closedBranches := closedAfterBegin{branchID: branch.String()}
	mgr := New(st, wal, &closedBranches)

	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("a"), []byte("x"), nil))

	closedBranches.closed = true
	_, err = mgr.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.ConstraintViolation, errs.KindOf(err))
}

func TestManager_WALFailureSurfacesIoNotConflict(t *testing.T) {
	mgr, _, wal, branch := newTestManager(t)
	wal.failing = true

	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("a"), []byte("x"), nil))

	_, err = mgr.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.Io, errs.KindOf(err), "a WAL failure must never be reported as Conflict")
}

func TestManager_RollbackIsCheapAndLeavesStoreUntouched(t *testing.T) {
	mgr, st, wal, branch := newTestManager(t)
	ctx, err := mgr.Begin(branch, nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Put([]byte("a"), []byte("x"), nil))

	mgr.Rollback(ctx)
	assert.Equal(t, StatusRolledBack, ctx.Status)
	assert.Equal(t, 0, wal.count())

	k, err := storekey.New(storekey.Namespace{BranchID: branch.String()}, storekey.KV, []byte("a"))
	require.NoError(t, err)
	_, ok := st.Get(k)
	assert.False(t, ok)
}

// closedAfterBegin lets a branch be active at Begin time but report
// closed by the time Commit re-checks it under the commit mutex.
type closedAfterBegin struct {
	branchID string
	closed   bool
}

func (c *closedAfterBegin) Active(branchID string) (bool, bool) {
	if branchID != c.branchID {
		return true, true
	}
	return !c.closed, true
}
