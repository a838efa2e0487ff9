package trace

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/store"
	"strata/pkg/txn"
	"strata/pkg/version"
)

type noopAppender struct{}

func (noopAppender) Append(txn.Record) error { return nil }

func newTestTrace() (*Trace, uuid.UUID) {
	alloc := version.New()
	st := store.New(alloc, 4)
	mgr := txn.New(st, noopAppender{}, txn.AllowAllBranches{})
	return New(mgr), uuid.New()
}

func TestTrace_RecordAssignsIncreasingSequences(t *testing.T) {
	tr, branch := newTestTrace()
	seq1, err := tr.Record(branch, "agent-1", "plan", map[string]any{"step": 1.0})
	require.NoError(t, err)
	seq2, err := tr.Record(branch, "agent-1", "act", map[string]any{"step": 2.0})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestTrace_ListReturnsEntriesInOrder(t *testing.T) {
	tr, branch := newTestTrace()
	for i := 0; i < 3; i++ {
		_, err := tr.Record(branch, "agent-1", "act", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	entries, err := tr.List(branch, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, float64(i), e.Payload["i"])
	}
}

func TestTrace_ListSinceFiltersOlderEntries(t *testing.T) {
	tr, branch := newTestTrace()
	for i := 0; i < 5; i++ {
		_, err := tr.Record(branch, "agent-1", "act", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	entries, err := tr.List(branch, "agent-1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)
}

func TestTrace_ActorsAreIndependent(t *testing.T) {
	tr, branch := newTestTrace()
	_, err := tr.Record(branch, "agent-1", "act", map[string]any{})
	require.NoError(t, err)
	seqB, err := tr.Record(branch, "agent-2", "act", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seqB)

	entriesA, err := tr.List(branch, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, entriesA, 1)
}

func TestTrace_ListAllActorsWhenActorEmpty(t *testing.T) {
	tr, branch := newTestTrace()
	_, err := tr.Record(branch, "agent-1", "act", map[string]any{})
	require.NoError(t, err)
	_, err = tr.Record(branch, "agent-2", "act", map[string]any{})
	require.NoError(t, err)

	entries, err := tr.List(branch, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
