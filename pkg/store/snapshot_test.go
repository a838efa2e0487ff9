package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/storekey"
	"strata/pkg/version"
)

func TestSnapshot_VersionIsCapturedAtCreation(t *testing.T) {
	s := New(version.New(), 8)
	k := testKey(t, "default", "a", storekey.KV)
	s.PutWithVersion(k, []byte("v1"), s.NextVersion(), nil)

	snap := s.Snapshot()
	defer snap.Close()
	assert.Equal(t, s.CurrentVersion(), snap.Version())

	s.PutWithVersion(k, []byte("v2"), s.NextVersion(), nil)
	assert.NotEqual(t, s.CurrentVersion(), snap.Version(), "a later write must not move an already-captured snapshot")
}

func TestSnapshot_GetIgnoresWritesAfterCapture(t *testing.T) {
	s := New(version.New(), 8)
	k := testKey(t, "default", "a", storekey.KV)
	s.PutWithVersion(k, []byte("v1"), s.NextVersion(), nil)

	snap := s.Snapshot()
	defer snap.Close()

	s.PutWithVersion(k, []byte("v2"), s.NextVersion(), nil)

	sv, ok := snap.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), sv.Value)

	live, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), live.Value)
}

func TestSnapshot_GetMissesKeyCreatedAfterCapture(t *testing.T) {
	s := New(version.New(), 8)
	snap := s.Snapshot()
	defer snap.Close()

	k := testKey(t, "default", "new", storekey.KV)
	s.PutWithVersion(k, []byte("v1"), s.NextVersion(), nil)

	_, ok := snap.Get(k)
	assert.False(t, ok, "a key created after the snapshot must not be visible to it")
}

func TestSnapshot_CloseIsIdempotent(t *testing.T) {
	s := New(version.New(), 8)
	snap := s.Snapshot()
	snap.Close()
	assert.NotPanics(t, func() { snap.Close() })
}

func TestSnapshot_ListByTypeScopesToNamespaceAndType(t *testing.T) {
	s := New(version.New(), 8)
	nsDefault := storekey.Namespace{BranchID: "default"}
	kKV := testKey(t, "default", "a", storekey.KV)
	kEvent, err := storekey.New(nsDefault, storekey.Event, []byte("a"))
	require.NoError(t, err)

	s.PutWithVersion(kKV, []byte("kv-value"), s.NextVersion(), nil)
	s.PutWithVersion(kEvent, []byte("event-value"), s.NextVersion(), nil)

	snap := s.Snapshot()
	defer snap.Close()

	entries := snap.ListByType(nsDefault, storekey.KV)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("kv-value"), entries[0].Value.Value)
}
