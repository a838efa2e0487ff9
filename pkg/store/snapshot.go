package store

import (
	"sort"
	"sync"

	"strata/pkg/storekey"
	"strata/pkg/version"
)

// snapshotRegistry is the counted set of live snapshot clocks consulted
// by GC. Multiple snapshots may
// share the same captured version; the registry tracks a refcount per
// version so GC only sees the minimum across everything still live.
type snapshotRegistry struct {
	mu     sync.Mutex
	counts map[version.Version]int
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{counts: make(map[version.Version]int)}
}

func (r *snapshotRegistry) pin(v version.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[v]++
}

func (r *snapshotRegistry) unpin(v version.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[v] <= 1 {
		delete(r.counts, v)
		return
	}
	r.counts[v]--
}

// min returns the smallest pinned version, or false if no snapshot is
// outstanding.
func (r *snapshotRegistry) min() (version.Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := true
	var m version.Version
	for v := range r.counts {
		if first || v < m {
			m = v
			first = false
		}
	}
	return m, !first
}

// Snapshot is a point-in-time immutable read handle over the store.
// It shares the underlying chains by reference; every accessor
// is scoped to entries at version ≤ the captured version.
type Snapshot struct {
	store   *Store
	version version.Version
	mu      sync.Mutex
	closed  bool
}

// Version returns the store clock value captured when the snapshot was
// created.
func (sn *Snapshot) Version() version.Version { return sn.version }

// Close releases the snapshot's pin on the store clock, permitting GC to
// advance past it. Closing a snapshot more than once is a no-op.
func (sn *Snapshot) Close() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.closed {
		return
	}
	sn.closed = true
	sn.store.releaseSnapshot(sn.version)
}

// Get returns the newest non-tombstone, non-expired entry visible at
// this snapshot's version, or false if none exists. TTL expiry is
// evaluated at read time, the same rule Store.Get applies, so direct
// and snapshot reads agree on which entries are live.
func (sn *Snapshot) Get(k storekey.Key) (StoredValue, bool) {
	sv, ok := sn.store.GetAtVersion(k, sn.version)
	if !ok || !sv.live(sn.store.now()) {
		return StoredValue{}, false
	}
	return sv, true
}

// ScanPrefix returns every entry visible at this snapshot's version
// whose key starts with prefix, in ascending key order, tombstones
// filtered. It resolves visibility per-chain rather than trusting the
// store's current head, so a key deleted after the snapshot was taken
// still surfaces its pre-delete value: visibility is resolved against
// the snapshot's version, not the present.
func (sn *Snapshot) ScanPrefix(prefix []byte) []Entry {
	now := sn.store.now()
	var out []Entry
	for _, chain := range sn.store.chainsWithPrefix(prefix) {
		sv, ok := chain.At(sn.version)
		if !ok || !sv.live(now) {
			continue
		}
		out = append(out, Entry{Key: chain.Key, Value: sv})
	}
	sort.Slice(out, func(i, j int) bool { return storekey.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// ListByType is ScanPrefix scoped to (branchID, typeTag).
func (sn *Snapshot) ListByType(ns storekey.Namespace, typ storekey.TypeTag) []Entry {
	return sn.ScanPrefix(storekey.Prefix(ns, typ))
}
