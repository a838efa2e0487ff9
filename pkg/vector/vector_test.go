package vector

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

func newTestVector() (*Vector, uuid.UUID) {
	alloc := version.New()
	st := store.New(alloc, 4)
	mgr := txn.New(st, noopAppender{}, txn.AllowAllBranches{})
	return New(mgr), uuid.New()
}

func TestVector_CreateCollectionThenUpsertAndGet(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 3, Cosine))

	_, err := v.Upsert(branch, "docs", "v1", []float32{1, 0, 0}, map[string]any{"kind": "a"})
	require.NoError(t, err)

	emb, meta, ok, err := v.Get(branch, "docs", "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0}, emb)
	assert.Equal(t, "a", meta["kind"])
}

func TestVector_UpsertIntoMissingCollectionFails(t *testing.T) {
	v, branch := newTestVector()
	_, err := v.Upsert(branch, "ghost", "v1", []float32{1, 0}, nil)
	assert.Error(t, err)
}

func TestVector_CreateCollectionTwiceConflicts(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Cosine))
	err := v.CreateCollection(branch, "docs", 2, Cosine)
	assert.Error(t, err)
}

func TestVector_UpsertRejectsDimensionMismatch(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 3, Cosine))
	_, err := v.Upsert(branch, "docs", "v1", []float32{1, 0}, nil)
	assert.Error(t, err)
}

func TestVector_DeleteRemovesVector(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Cosine))
	_, err := v.Upsert(branch, "docs", "v1", []float32{1, 0}, nil)
	require.NoError(t, err)

	require.NoError(t, v.Delete(branch, "docs", "v1"))
	_, _, ok, err := v.Get(branch, "docs", "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVector_SearchOrdersByScoreDescThenIDAsc(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Cosine))

	_, err := v.Upsert(branch, "docs", "b", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, err = v.Upsert(branch, "docs", "a", []float32{1, 0}, nil)
	require.NoError(t, err)
	_, err = v.Upsert(branch, "docs", "c", []float32{0, 1}, nil)
	require.NoError(t, err)

	results, err := v.Search(branch, "docs", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].VectorID)
	assert.Equal(t, "b", results[1].VectorID)
	assert.Equal(t, "c", results[2].VectorID)
}

func TestVector_SearchRespectsK(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Cosine))
	for _, id := range []string{"a", "b", "c"} {
		_, err := v.Upsert(branch, "docs", id, []float32{1, 0}, nil)
		require.NoError(t, err)
	}

	results, err := v.Search(branch, "docs", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestVector_SearchAppliesMetadataFilter(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Cosine))
	_, err := v.Upsert(branch, "docs", "a", []float32{1, 0}, map[string]any{"kind": "x"})
	require.NoError(t, err)
	_, err = v.Upsert(branch, "docs", "b", []float32{1, 0}, map[string]any{"kind": "y"})
	require.NoError(t, err)

	results, err := v.Search(branch, "docs", []float32{1, 0}, 10, map[string]any{"kind": "y"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].VectorID)
}

func TestVector_DotMetricScoresByRawDotProduct(t *testing.T) {
	v, branch := newTestVector()
	require.NoError(t, v.CreateCollection(branch, "docs", 2, Dot))
	_, err := v.Upsert(branch, "docs", "a", []float32{2, 0}, nil)
	require.NoError(t, err)

	results, err := v.Search(branch, "docs", []float32{3, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 6.0, results[0].Score, 1e-6)
}

func TestVector_CreateCollectionRejectsInvalidName(t *testing.T) {
	v, branch := newTestVector()
	assert.Error(t, v.CreateCollection(branch, "", 2, Cosine))
	assert.Error(t, v.CreateCollection(branch, "_reserved", 2, Cosine))
	assert.Error(t, v.CreateCollection(branch, "has/slash", 2, Cosine))
}
