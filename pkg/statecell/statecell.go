// Package statecell implements the StateCell primitive: a single
// named value per branch guarded by compare-and-swap. Each cell
// carries its own counter, starting at 1 when the cell is created and
// advancing by one on every successful write, conditional or not; CAS
// compares against that per-cell write count, not the global store
// clock.
package statecell

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/txn"
)

// cell is the stored shape of a state cell: the user's value plus the
// per-cell write counter CAS compares against.
type cell struct {
	Counter uint64 `json:"counter"`
	Value   []byte `json:"value"`
}

// StateCell is the compare-and-swap primitive facade.
type StateCell struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *StateCell {
	return &StateCell{mgr: mgr}
}

// Init creates name with value and a counter of 1, failing with
// Conflict if the cell already exists.
func (s *StateCell) Init(branchID uuid.UUID, name string, value []byte) (uint64, error) {
	return s.writeCAS(branchID, name, nil, value)
}

// Set unconditionally overwrites name's value, creating the cell if it
// does not exist. The counter still advances: every successful write,
// conditional or not, increments it by one.
func (s *StateCell) Set(branchID uuid.UUID, name string, value []byte) (uint64, error) {
	k, err := cellKey(branchID, name)
	if err != nil {
		return 0, err
	}
	ctx, err := s.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}

	next := uint64(1)
	raw, ok, err := ctx.GetKeyed(k)
	if err != nil {
		s.mgr.Rollback(ctx)
		return 0, err
	}
	if ok {
		var cur cell
		if err := json.Unmarshal(raw, &cur); err != nil {
			s.mgr.Rollback(ctx)
			return 0, errs.Wrap(errs.Serialization, "decode state cell", err)
		}
		next = cur.Counter + 1
	}

	encoded, err := json.Marshal(cell{Counter: next, Value: value})
	if err != nil {
		s.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode state cell", err)
	}
	if err := ctx.PutKeyed(k, encoded, nil); err != nil {
		s.mgr.Rollback(ctx)
		return 0, err
	}
	if _, err := s.mgr.Commit(ctx); err != nil {
		return 0, err
	}
	return next, nil
}

// CAS writes newValue only if name's current counter equals
// expectedCounter (or if expectedCounter is nil and name does not yet
// exist). On success the counter advances by one and the new counter
// is returned.
func (s *StateCell) CAS(branchID uuid.UUID, name string, expectedCounter *uint64, newValue []byte) (uint64, error) {
	return s.writeCAS(branchID, name, expectedCounter, newValue)
}

// CASIn stages the same compare-and-swap on an open transaction
// context instead of committing one of its own, for callers combining
// a state-cell write with other primitives in one atomic commit.
func (s *StateCell) CASIn(ctx *txn.Context, name string, expectedCounter *uint64, newValue []byte) (uint64, error) {
	k, err := cellKey(ctx.BranchID, name)
	if err != nil {
		return 0, err
	}
	return stageCAS(ctx, k, expectedCounter, newValue)
}

func (s *StateCell) writeCAS(branchID uuid.UUID, name string, expected *uint64, value []byte) (uint64, error) {
	k, err := cellKey(branchID, name)
	if err != nil {
		return 0, err
	}
	ctx, err := s.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}
	next, err := stageCAS(ctx, k, expected, value)
	if err != nil {
		s.mgr.Rollback(ctx)
		return 0, err
	}
	if _, err := s.mgr.Commit(ctx); err != nil {
		return 0, err
	}
	return next, nil
}

// stageCAS validates expected against the cell's stored counter, then
// stages the new record in ctx's cas_set pinned to the store version
// the counter was read at, so commit-time validation still catches a
// concurrent writer that slipped in after the read.
func stageCAS(ctx *txn.Context, k storekey.Key, expected *uint64, value []byte) (uint64, error) {
	raw, ok, err := ctx.GetKeyed(k)
	if err != nil {
		return 0, err
	}

	if expected == nil {
		if ok {
			return 0, errs.New(errs.Conflict, "state cell already exists")
		}
		encoded, err := json.Marshal(cell{Counter: 1, Value: value})
		if err != nil {
			return 0, errs.Wrap(errs.Serialization, "encode state cell", err)
		}
		return 1, ctx.CAS(k, nil, encoded, nil)
	}

	if !ok {
		return 0, errs.New(errs.Conflict, "state cell does not exist")
	}
	var cur cell
	if err := json.Unmarshal(raw, &cur); err != nil {
		return 0, errs.Wrap(errs.Serialization, "decode state cell", err)
	}
	if cur.Counter != *expected {
		return 0, errs.New(errs.Conflict, "state cell counter mismatch")
	}

	sv, found := ctx.Snapshot.Get(k)
	if !found {
		return 0, errs.New(errs.Internal, "state cell disappeared between read and stage")
	}
	encoded, err := json.Marshal(cell{Counter: cur.Counter + 1, Value: value})
	if err != nil {
		return 0, errs.Wrap(errs.Serialization, "encode state cell", err)
	}
	expectedVersion := sv.Version
	if err := ctx.CAS(k, &expectedVersion, encoded, nil); err != nil {
		return 0, err
	}
	return cur.Counter + 1, nil
}

// Get returns name's current value and counter.
func (s *StateCell) Get(branchID uuid.UUID, name string) ([]byte, uint64, bool, error) {
	k, err := cellKey(branchID, name)
	if err != nil {
		return nil, 0, false, err
	}
	ctx, err := s.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, 0, false, err
	}
	defer s.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	var c cell
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, 0, false, errs.Wrap(errs.Serialization, "decode state cell", err)
	}
	return c.Value, c.Counter, true, nil
}

func cellKey(branchID uuid.UUID, name string) (storekey.Key, error) {
	return storekey.New(storekey.Namespace{BranchID: branchID.String()}, storekey.State, []byte(name))
}
