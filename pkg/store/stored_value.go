package store

import (
	"time"

	"strata/pkg/version"
)

// StoredValue is the unit stored in a version chain. A tombstone is
// a StoredValue carrying Tombstone=true in place of a payload; it
// participates in version chains and is visible to snapshots created
// before GC, then filtered out by Get and prefix/type/branch iteration.
type StoredValue struct {
	Value           []byte
	Version         version.Version
	TimestampMicros int64
	TTL             *time.Duration
	Tombstone       bool
}

// Expired reports whether the value's TTL has elapsed as of now, given
// the wall-clock instant it was written (derived from TimestampMicros).
func (sv StoredValue) Expired(now time.Time) bool {
	if sv.TTL == nil {
		return false
	}
	writtenAt := time.UnixMicro(sv.TimestampMicros)
	return now.After(writtenAt.Add(*sv.TTL))
}

// live reports whether sv should be visible to a plain Get/iteration:
// not a tombstone and not TTL-expired.
func (sv StoredValue) live(now time.Time) bool {
	return !sv.Tombstone && !sv.Expired(now)
}
