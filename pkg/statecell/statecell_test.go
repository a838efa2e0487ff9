package statecell

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/txn"
	"strata/pkg/version"
)

type noopAppender struct{}

func (noopAppender) Append(txn.Record) error { return nil }

func newTestStateCell() (*StateCell, uuid.UUID) {
	alloc := version.New()
	st := store.New(alloc, 4)
	mgr := txn.New(st, noopAppender{}, txn.AllowAllBranches{})
	return New(mgr), uuid.New()
}

func TestStateCell_InitCreatesCellWithCounterOne(t *testing.T) {
	s, branch := newTestStateCell()
	c, err := s.Init(branch, "counter", []byte("0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c)

	val, counter, ok, err := s.Get(branch, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("0"), val)
	assert.Equal(t, uint64(1), counter)
}

func TestStateCell_InitTwiceConflicts(t *testing.T) {
	s, branch := newTestStateCell()
	_, err := s.Init(branch, "counter", []byte("0"))
	require.NoError(t, err)

	_, err = s.Init(branch, "counter", []byte("0"))
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestStateCell_CASAdvancesCounterByOne(t *testing.T) {
	s, branch := newTestStateCell()
	c1, err := s.Init(branch, "counter", []byte("0"))
	require.NoError(t, err)

	c2, err := s.CAS(branch, "counter", &c1, []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, c1+1, c2)

	val, counter, ok, err := s.Get(branch, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
	assert.Equal(t, c2, counter)
}

func TestStateCell_CASFailsOnStaleCounter(t *testing.T) {
	s, branch := newTestStateCell()
	c1, err := s.Init(branch, "counter", []byte("0"))
	require.NoError(t, err)
	_, err = s.CAS(branch, "counter", &c1, []byte("1"))
	require.NoError(t, err)

	_, err = s.CAS(branch, "counter", &c1, []byte("2"))
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestStateCell_CASOnMissingCellConflicts(t *testing.T) {
	s, branch := newTestStateCell()
	one := uint64(1)
	_, err := s.CAS(branch, "missing", &one, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestStateCell_SetIncrementsCounterEveryWrite(t *testing.T) {
	s, branch := newTestStateCell()
	c1, err := s.Set(branch, "flag", []byte("a"))
	require.NoError(t, err)
	c2, err := s.Set(branch, "flag", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c1)
	assert.Equal(t, uint64(2), c2)
}

func TestStateCell_GetOnMissingCellReturnsFalse(t *testing.T) {
	s, branch := newTestStateCell()
	_, _, ok, err := s.Get(branch, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
