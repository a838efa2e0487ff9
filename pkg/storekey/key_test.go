package storekey

import (
	"testing"

	"strata/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ns(branch string) Namespace {
	return Namespace{BranchID: branch, Tenant: "t", App: "a", Agent: "g"}
}

func TestValidate_RejectsInvalidKeys(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"empty", []byte{}},
		{"nul byte", []byte("foo\x00bar")},
		{"reserved prefix", []byte("_strata/internal")},
		{"too long", make([]byte, MaxKeyLen+1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(ns("default"), KV, c.key)
			require.Error(t, err)
			assert.Equal(t, errs.InvalidKey, errs.KindOf(err))
		})
	}
}

func TestValidate_UniformAcrossTypeTags(t *testing.T) {
	bad := []byte("_strata/x")
	for _, typ := range []TypeTag{KV, Event, State, Json, Trace, Vector} {
		_, err := New(ns("default"), typ, bad)
		require.Errorf(t, err, "type tag %s should reject reserved prefix", typ)
	}
}

func TestKey_OrderingIsLexicographic(t *testing.T) {
	k1, err := New(ns("default"), KV, []byte("a"))
	require.NoError(t, err)
	k2, err := New(ns("default"), KV, []byte("b"))
	require.NoError(t, err)

	assert.True(t, k1.Less(k2))
	assert.False(t, k2.Less(k1))
	assert.Equal(t, -1, Compare(k1, k2))
}

func TestKey_NamespaceIsolatesBranches(t *testing.T) {
	k1, err := New(ns("branch-a"), KV, []byte("same"))
	require.NoError(t, err)
	k2, err := New(ns("branch-b"), KV, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, k1.Bytes(), k2.Bytes())
}

func TestPrefix_DiscriminatesByTypeTag(t *testing.T) {
	kvPrefix := Prefix(ns("default"), KV)
	eventPrefix := Prefix(ns("default"), Event)
	assert.NotEqual(t, kvPrefix, eventPrefix)
}
