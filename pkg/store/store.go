// Package store implements the sharded versioned store: a set of
// fixed shards keyed by hash of (namespace, type_tag), each an ordered
// map from Key to VersionChain guarded by its own reader/writer lock.
// It is the single shared mutable state every primitive ultimately
// reads and writes through.
package store

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/version"
)

// DefaultShardCount is the default number of shards (a power of two).
const DefaultShardCount = 64

// WriteEntry is one (key, value, ttl) write inside a commit batch.
type WriteEntry struct {
	Key   storekey.Key
	Value []byte
	TTL   *time.Duration
}

// Entry pairs a Key with its StoredValue, returned from scans.
type Entry struct {
	Key   storekey.Key
	Value StoredValue
}

// Gauge tracks a count that moves in both directions. prometheus
// gauges satisfy it; a nil Gauge is a no-op.
type Gauge interface {
	Inc()
	Dec()
}

// Store is the sharded versioned store. Construct it with New; it is
// safe for concurrent use from many goroutines.
type Store struct {
	shards     []*shard
	shardCount uint64
	alloc      *version.Allocator
	storeClock atomic.Uint64 // latest fully-applied commit version
	snapReg    *snapshotRegistry
	snapGauge  Gauge
	now        func() time.Time
}

// New creates a Store with shardCount shards (rounded up to the next
// power of two) backed by alloc.
func New(alloc *version.Allocator, shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOfTwo(shardCount)

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Store{
		shards:     shards,
		shardCount: uint64(shardCount),
		alloc:      alloc,
		snapReg:    newSnapshotRegistry(),
		now:        time.Now,
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(k storekey.Key) *shard {
	h := fnv.New64a()
	_, _ = h.Write(storekey.Prefix(k.Namespace, k.Type))
	idx := h.Sum64() & (s.shardCount - 1)
	return s.shards[idx]
}

// NextVersion proxies to the version allocator.
func (s *Store) NextVersion() version.Version { return s.alloc.Next() }

// CurrentVersion proxies to the version allocator.
func (s *Store) CurrentVersion() version.Version { return s.alloc.Current() }

// Get returns the newest non-tombstone, non-expired entry for key, or
// false if none exists.
func (s *Store) Get(k storekey.Key) (StoredValue, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain, ok := sh.chains[string(k.Bytes())]
	if !ok {
		return StoredValue{}, false
	}
	head, ok := chain.Head()
	if !ok || !head.live(s.now()) {
		return StoredValue{}, false
	}
	return head, true
}

// GetAtVersion implements get_at_version(key, v): a snapshot read
// against v, ignoring tombstone/TTL filtering (callers that need
// "visible value" semantics filter tombstones themselves; snapshots see
// tombstones so they can distinguish "never existed" from "deleted").
func (s *Store) GetAtVersion(k storekey.Key, v version.Version) (StoredValue, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain, ok := sh.chains[string(k.Bytes())]
	if !ok {
		return StoredValue{}, false
	}
	return chain.At(v)
}

// GetChain returns a copy of the full version chain for key, newest
// first (used by getv at the primitive boundary).
func (s *Store) GetChain(k storekey.Key) []StoredValue {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain, ok := sh.chains[string(k.Bytes())]
	if !ok {
		return nil
	}
	out := make([]StoredValue, len(chain.Entries))
	copy(out, chain.Entries)
	return out
}

// PutWithVersion appends a new entry to key's chain at version v,
// creating the chain if absent. It is exported mainly for components
// that do not need full batch atomicity (recovery, the branch
// registry, tests); production commits go through ApplyBatch. Like
// ApplyBatch, it publishes v as the store clock so the write is
// visible to snapshots taken afterwards.
func (s *Store) PutWithVersion(k storekey.Key, value []byte, v version.Version, ttl *time.Duration) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.appendLocked(sh, k, StoredValue{Value: value, Version: v, TimestampMicros: s.now().UnixMicro(), TTL: ttl})
	s.publishClock(v)
}

// Delete appends a tombstone entry at version v.
func (s *Store) Delete(k storekey.Key, v version.Version) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.appendLocked(sh, k, StoredValue{Version: v, TimestampMicros: s.now().UnixMicro(), Tombstone: true})
	s.publishClock(v)
}

// Restore appends sv to k's chain exactly as stored, preserving its
// version and timestamp. Recovery uses it when loading a checkpoint:
// re-stamping restored entries with the current wall clock would push
// every TTL deadline forward on each restart.
func (s *Store) Restore(k storekey.Key, sv StoredValue) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.appendLocked(sh, k, sv)
	s.publishClock(sv.Version)
}

// publishClock advances the store clock to v if it is behind it.
func (s *Store) publishClock(v version.Version) {
	for {
		cur := s.storeClock.Load()
		if uint64(v) <= cur {
			return
		}
		if s.storeClock.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

func (s *Store) appendLocked(sh *shard, k storekey.Key, sv StoredValue) {
	keyStr := string(k.Bytes())
	chain, ok := sh.chains[keyStr]
	if !ok {
		chain = &VersionChain{Key: k}
		sh.chains[keyStr] = chain
	}
	chain.Append(sv)
}

// ApplyBatch is the commit primitive: it acquires, in deterministic
// shard order, every shard touched by the batch, appends each
// write/delete at version v stamped with the current wall clock, and
// publishes v as the store clock before releasing any lock. The whole
// batch becomes visible to new snapshots atomically; no observer sees
// a partial batch.
func (s *Store) ApplyBatch(writes []WriteEntry, deletes []storekey.Key, v version.Version) {
	s.ApplyBatchAt(writes, deletes, v, s.now().UnixMicro())
}

// ApplyBatchAt is ApplyBatch with an explicit write timestamp. WAL
// replay uses it to re-apply each record at its original commit time,
// so TTL deadlines are not pushed forward by recovery.
func (s *Store) ApplyBatchAt(writes []WriteEntry, deletes []storekey.Key, v version.Version, tsMicros int64) {
	touched := s.touchedShards(writes, deletes)
	for _, sh := range touched {
		sh.mu.Lock()
	}
	defer func() {
		for _, sh := range touched {
			sh.mu.Unlock()
		}
	}()

	for _, w := range writes {
		sh := s.shardFor(w.Key)
		s.appendLocked(sh, w.Key, StoredValue{Value: w.Value, Version: v, TimestampMicros: tsMicros, TTL: w.TTL})
	}
	for _, k := range deletes {
		sh := s.shardFor(k)
		s.appendLocked(sh, k, StoredValue{Version: v, TimestampMicros: tsMicros, Tombstone: true})
	}

	// Publish the store clock last, still holding every touched shard's
	// lock, so a concurrent Snapshot() never observes a clock value
	// whose batch isn't fully written yet.
	s.publishClock(v)
}

// touchedShards returns the distinct shards referenced by the batch, in
// a deterministic (ascending pointer-independent) order to avoid lock
// ordering deadlocks between concurrent batches.
func (s *Store) touchedShards(writes []WriteEntry, deletes []storekey.Key) []*shard {
	idx := make(map[uint64]*shard)
	add := func(k storekey.Key) {
		h := fnv.New64a()
		_, _ = h.Write(storekey.Prefix(k.Namespace, k.Type))
		i := h.Sum64() & (s.shardCount - 1)
		idx[i] = s.shards[i]
	}
	for _, w := range writes {
		add(w.Key)
	}
	for _, k := range deletes {
		add(k)
	}
	keys := make([]uint64, 0, len(idx))
	for i := range idx {
		keys = append(keys, i)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*shard, 0, len(keys))
	for _, i := range keys {
		out = append(out, idx[i])
	}
	return out
}

// ScanPrefix returns every live (non-tombstone, non-expired) entry whose
// key starts with prefix, in ascending key order.
func (s *Store) ScanPrefix(prefix []byte) []Entry {
	now := s.now()
	var out []Entry
	// A prefix may span only one shard (namespace+type-scoped prefixes
	// hash to exactly one shard) or, for a bare namespace prefix, many
	// shards; scan all shards defensively.
	for _, sh := range s.shards {
		sh.mu.RLock()
		for keyStr, chain := range sh.chains {
			if len(keyStr) < len(prefix) || keyStr[:len(prefix)] != string(prefix) {
				continue
			}
			head, ok := chain.Head()
			if !ok || !head.live(now) {
				continue
			}
			out = append(out, Entry{Key: chain.Key, Value: head})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return storekey.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// chainsWithPrefix returns a defensive copy of every chain (live or not)
// whose key starts with prefix. Used by Snapshot, which must resolve its
// own visibility at an older version rather than trust the current head.
func (s *Store) chainsWithPrefix(prefix []byte) []VersionChain {
	var out []VersionChain
	for _, sh := range s.shards {
		sh.mu.RLock()
		for keyStr, chain := range sh.chains {
			if len(keyStr) < len(prefix) || keyStr[:len(prefix)] != string(prefix) {
				continue
			}
			entries := make([]StoredValue, len(chain.Entries))
			copy(entries, chain.Entries)
			out = append(out, VersionChain{Key: chain.Key, Entries: entries})
		}
		sh.mu.RUnlock()
	}
	return out
}

// ListByType returns every live entry for (branchID, typeTag), ordered
// by key.
func (s *Store) ListByType(ns storekey.Namespace, typ storekey.TypeTag) []Entry {
	return s.ScanPrefix(storekey.Prefix(ns, typ))
}

// CountByType returns the count of live entries for (branchID, typeTag);
// it must always agree with len(ListByType(...)).
func (s *Store) CountByType(ns storekey.Namespace, typ storekey.TypeTag) uint64 {
	prefix := storekey.Prefix(ns, typ)
	sh := s.shardForPrefix(ns, typ)
	now := s.now()

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var count uint64
	for keyStr, chain := range sh.chains {
		if len(keyStr) < len(prefix) || keyStr[:len(prefix)] != string(prefix) {
			continue
		}
		head, ok := chain.Head()
		if ok && head.live(now) {
			count++
		}
	}
	return count
}

func (s *Store) shardForPrefix(ns storekey.Namespace, typ storekey.TypeTag) *shard {
	h := fnv.New64a()
	_, _ = h.Write(storekey.Prefix(ns, typ))
	idx := h.Sum64() & (s.shardCount - 1)
	return s.shards[idx]
}

// SetSnapshotGauge installs a gauge tracking the number of outstanding
// snapshots. Call it before the store is shared across goroutines.
func (s *Store) SetSnapshotGauge(g Gauge) { s.snapGauge = g }

// Snapshot captures the store clock at the moment of the call and pins
// it against GC. Callers must call Close when done with it.
func (s *Store) Snapshot() *Snapshot {
	v := version.Version(s.storeClock.Load())
	s.snapReg.pin(v)
	if s.snapGauge != nil {
		s.snapGauge.Inc()
	}
	return &Snapshot{store: s, version: v}
}

// GC prunes, across every shard, chain entries strictly older than
// minVersion, refusing to do so if any outstanding snapshot's captured
// version is older than minVersion: a prune that discards data an open
// snapshot claims to see would be a correctness bug, so GC reports the
// back-pressure instead.
func (s *Store) GC(minVersion version.Version) (int, error) {
	if minPinned, ok := s.snapReg.min(); ok && minVersion > minPinned {
		return 0, errs.New(errs.ConstraintViolation, "gc refused: an outstanding snapshot still needs versions below the requested minimum")
	}

	var pruned int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sh := range s.shards {
		wg.Add(1)
		go func(sh *shard) {
			defer wg.Done()
			sh.mu.Lock()
			defer sh.mu.Unlock()
			n := 0
			for key, chain := range sh.chains {
				n += chain.Prune(minVersion)
				if len(chain.Entries) == 0 {
					delete(sh.chains, key)
				}
			}
			mu.Lock()
			pruned += n
			mu.Unlock()
		}(sh)
	}
	wg.Wait()
	return pruned, nil
}

// releaseSnapshot is called by Snapshot.Close.
func (s *Store) releaseSnapshot(v version.Version) {
	s.snapReg.unpin(v)
	if s.snapGauge != nil {
		s.snapGauge.Dec()
	}
}
