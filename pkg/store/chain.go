package store

import (
	"strata/pkg/storekey"
	"strata/pkg/version"
)

// VersionChain holds the newest-first sequence of StoredValues for a
// single live key. It is never empty while its key is live; it is
// always accessed under the owning shard's lock, so it carries no lock
// of its own.
type VersionChain struct {
	Key     storekey.Key
	Entries []StoredValue // newest-first
}

// Append adds a new entry to the head of the chain. Versions are
// strictly increasing, so an append at a version at or below the
// current head is absorbed as a no-op: the chain already holds that
// version (or a newer one), anywhere in the chain, not just at its
// head. That absorption is what makes WAL replay idempotent, since a
// second pass over the same records re-appends versions the chain
// already carries.
func (c *VersionChain) Append(sv StoredValue) {
	if len(c.Entries) > 0 && sv.Version <= c.Entries[0].Version {
		return
	}
	entries := make([]StoredValue, len(c.Entries)+1)
	entries[0] = sv
	copy(entries[1:], c.Entries)
	c.Entries = entries
}

// Head returns the newest entry in the chain, or false if the chain is
// empty (fully pruned).
func (c *VersionChain) Head() (StoredValue, bool) {
	if len(c.Entries) == 0 {
		return StoredValue{}, false
	}
	return c.Entries[0], true
}

// At implements get_at_version(v): the newest entry whose version ≤ v,
// or false if the oldest surviving entry is newer than v.
func (c *VersionChain) At(v version.Version) (StoredValue, bool) {
	for _, e := range c.Entries {
		if e.Version <= v {
			return e, true
		}
	}
	return StoredValue{}, false
}

// OldestVersion returns the version of the oldest surviving entry, used
// to distinguish "not found" from "HistoryTrimmed" at the primitive
// boundary.
func (c *VersionChain) OldestVersion() (version.Version, bool) {
	if len(c.Entries) == 0 {
		return 0, false
	}
	return c.Entries[len(c.Entries)-1].Version, true
}

// Prune implements GC for one chain: entries at or above minVersion are
// always kept; among entries below minVersion, only the single newest
// ("closest to the cutoff") survives, since it is the entry that serves
// get_at_version for any version between it and minVersion. The rest are
// discarded. Returns the number of entries removed.
//
// This chain is never left empty by Prune: if every entry is below
// minVersion, the newest one is kept regardless, since a live key's
// chain must never be empty.
func (c *VersionChain) Prune(minVersion version.Version) int {
	if len(c.Entries) == 0 {
		return 0
	}
	kept := make([]StoredValue, 0, len(c.Entries))
	keptOneBelow := false
	for _, e := range c.Entries {
		if e.Version >= minVersion {
			kept = append(kept, e)
			continue
		}
		if !keptOneBelow {
			kept = append(kept, e)
			keptOneBelow = true
		}
	}
	pruned := len(c.Entries) - len(kept)
	c.Entries = kept
	return pruned
}
