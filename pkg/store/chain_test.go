package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"strata/pkg/storekey"
)

func TestVersionChain_AppendNewestFirst(t *testing.T) {
	var c VersionChain
	c.Append(StoredValue{Value: []byte("a"), Version: 1})
	c.Append(StoredValue{Value: []byte("b"), Version: 2})
	c.Append(StoredValue{Value: []byte("c"), Version: 3})

	head, ok := c.Head()
	assert.True(t, ok)
	assert.Equal(t, []byte("c"), head.Value)
	assert.Equal(t, []byte("a"), c.Entries[2].Value)
}

func TestVersionChain_AppendAbsorbsDuplicateVersion(t *testing.T) {
	var c VersionChain
	c.Append(StoredValue{Value: []byte("first"), Version: 5})
	c.Append(StoredValue{Value: []byte("replayed"), Version: 5})

	assert.Len(t, c.Entries, 1)
	head, _ := c.Head()
	assert.Equal(t, []byte("first"), head.Value)
}

func TestVersionChain_AppendAbsorbsVersionBelowHead(t *testing.T) {
	var c VersionChain
	c.Append(StoredValue{Value: []byte("a"), Version: 1})
	c.Append(StoredValue{Value: []byte("b"), Version: 2})

	// A second replay pass re-appends an older version; the chain must
	// not grow or reorder.
	c.Append(StoredValue{Value: []byte("a"), Version: 1})

	assert.Len(t, c.Entries, 2)
	assert.EqualValues(t, 2, c.Entries[0].Version)
	assert.EqualValues(t, 1, c.Entries[1].Version)
}

func TestVersionChain_At(t *testing.T) {
	var c VersionChain
	c.Append(StoredValue{Value: []byte("v5"), Version: 5})
	c.Append(StoredValue{Value: []byte("v8"), Version: 8})
	c.Append(StoredValue{Value: []byte("v12"), Version: 12})

	sv, ok := c.At(10)
	assert.True(t, ok)
	assert.Equal(t, []byte("v8"), sv.Value)

	sv, ok = c.At(12)
	assert.True(t, ok)
	assert.Equal(t, []byte("v12"), sv.Value)

	_, ok = c.At(4)
	assert.False(t, ok)
}

func TestVersionChain_OldestVersion(t *testing.T) {
	var c VersionChain
	_, ok := c.OldestVersion()
	assert.False(t, ok)

	c.Append(StoredValue{Version: 5})
	c.Append(StoredValue{Version: 9})
	v, ok := c.OldestVersion()
	assert.True(t, ok)
	assert.EqualValues(t, 5, v)
}

func TestVersionChain_PruneKeepsNewestBelowCutoff(t *testing.T) {
	c := VersionChain{Key: storekey.Key{}}
	c.Append(StoredValue{Version: 5})
	c.Append(StoredValue{Version: 8})
	c.Append(StoredValue{Version: 12})
	// newest-first order after three appends: 12, 8, 5

	pruned := c.Prune(10)
	assert.Equal(t, 1, pruned)
	// 12 kept (>= 10), 8 kept as the single entry below cutoff, 5 dropped
	assert.Len(t, c.Entries, 2)
	assert.EqualValues(t, 12, c.Entries[0].Version)
	assert.EqualValues(t, 8, c.Entries[1].Version)
}

func TestVersionChain_PruneNeverEmptiesChain(t *testing.T) {
	c := VersionChain{}
	c.Append(StoredValue{Version: 1})
	c.Append(StoredValue{Version: 2})

	c.Prune(1000)
	assert.Len(t, c.Entries, 1, "chain must retain its newest entry even when everything is below the cutoff")
}
