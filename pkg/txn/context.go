// Package txn implements the transaction manager: it collects
// per-transaction read/write/delete/CAS sets locally, then validates
// and publishes them as a single atomic batch under the commit mutex.
package txn

import (
	"time"

	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/version"
)

// Status tracks a transaction context's lifecycle.
type Status int

const (
	StatusOpen Status = iota
	StatusCommitted
	StatusRolledBack
)

// casEntry is one compare-and-swap request accumulated in a context's
// cas_set. ExpectedVersion is nil when the caller asserts the key is
// absent (the state-cell "init" case); otherwise the stored entry's
// Version must equal *ExpectedVersion for the CAS to succeed.
//
// The commit path compares store-assigned versions, not payload
// contents: a primitive with its own counter semantics (the state
// cell) validates the counter when staging and pins the store version
// it read the counter at here, so a concurrent writer is still
// detected under the commit mutex without the manager having to
// understand payload encodings.
type casEntry struct {
	Key             storekey.Key
	ExpectedVersion *version.Version
	NewValue        []byte
	TTL             *time.Duration
}

// Context is the plain record created by Begin, mutated only by the
// goroutine that owns it, and consumed by Commit or Rollback. It is
// never shared across goroutines.
type Context struct {
	TxnID    uint64
	BranchID uuid.UUID
	Snapshot *store.Snapshot
	Status   Status

	namespace storekey.Namespace

	readSet   map[string]readObservation
	writeSet  map[string]store.WriteEntry
	deleteSet map[string]storekey.Key
	casSet    []casEntry

	startedAt time.Time
	timeout   *time.Duration
}

// readObservation is what the read-set remembers about a key touched by
// Get: the key itself (so commit can re-read it) and the version
// observed at read time (0 meaning "was absent").
type readObservation struct {
	Key     storekey.Key
	Version version.Version
}

// ReadOnly reports whether the context has accumulated no mutations:
// no staged writes, deletes, or CAS requests.
func (c *Context) ReadOnly() bool {
	return len(c.writeSet) == 0 && len(c.deleteSet) == 0 && len(c.casSet) == 0
}

// Get reads key through the context's snapshot, preferring any value
// already staged locally (read-your-writes) over the snapshot. Reads
// that fall through to the snapshot are recorded in the read_set for
// OCC validation at commit.
func (c *Context) Get(userKey []byte) ([]byte, bool, error) {
	if err := c.requireOpen(); err != nil {
		return nil, false, err
	}
	k, err := c.key(userKey, storekey.KV)
	if err != nil {
		return nil, false, err
	}
	return c.getKey(k)
}

// GetKeyed is Get for a caller that already built a full Key (used by
// primitives other than KV, which share this transaction machinery but
// address a different TypeTag).
func (c *Context) GetKeyed(k storekey.Key) ([]byte, bool, error) {
	if err := c.requireOpen(); err != nil {
		return nil, false, err
	}
	return c.getKey(k)
}

func (c *Context) getKey(k storekey.Key) ([]byte, bool, error) {
	keyStr := string(k.Bytes())
	if w, ok := c.writeSet[keyStr]; ok {
		return w.Value, true, nil
	}
	if _, ok := c.deleteSet[keyStr]; ok {
		return nil, false, nil
	}

	sv, ok := c.Snapshot.Get(k)
	if !ok {
		c.readSet[keyStr] = readObservation{Key: k}
		return nil, false, nil
	}
	c.readSet[keyStr] = readObservation{Key: k, Version: sv.Version}
	return sv.Value, true, nil
}

// Put stages a write in the context's write_set.
func (c *Context) Put(userKey []byte, value []byte, ttl *time.Duration) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	k, err := c.key(userKey, storekey.KV)
	return c.putKeyed(k, value, ttl, err)
}

// PutKeyed is Put for a caller-supplied full Key.
func (c *Context) PutKeyed(k storekey.Key, value []byte, ttl *time.Duration) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	return c.putKeyed(k, value, ttl, nil)
}

func (c *Context) putKeyed(k storekey.Key, value []byte, ttl *time.Duration, err error) error {
	if err != nil {
		return err
	}
	keyStr := string(k.Bytes())
	delete(c.deleteSet, keyStr)
	c.writeSet[keyStr] = store.WriteEntry{Key: k, Value: value, TTL: ttl}
	return nil
}

// Delete stages a tombstone in the context's delete_set.
func (c *Context) Delete(userKey []byte) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	k, err := c.key(userKey, storekey.KV)
	if err != nil {
		return err
	}
	return c.DeleteKeyed(k)
}

// DeleteKeyed is Delete for a caller-supplied full Key.
func (c *Context) DeleteKeyed(k storekey.Key) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	keyStr := string(k.Bytes())
	delete(c.writeSet, keyStr)
	c.deleteSet[keyStr] = k
	return nil
}

// CAS stages a compare-and-swap request in the context's cas_set.
// expected == nil asserts the key is currently absent.
func (c *Context) CAS(k storekey.Key, expected *version.Version, newValue []byte, ttl *time.Duration) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	c.casSet = append(c.casSet, casEntry{Key: k, ExpectedVersion: expected, NewValue: newValue, TTL: ttl})
	return nil
}

func (c *Context) key(userKey []byte, typ storekey.TypeTag) (storekey.Key, error) {
	return storekey.New(c.namespace, typ, userKey)
}

func (c *Context) requireOpen() error {
	if c.Status != StatusOpen {
		return errs.New(errs.Internal, "transaction context reused after commit or rollback")
	}
	return nil
}
