// Package storekey defines Strata's universal key shape: every stored
// value, regardless of which of the six primitives wrote it, is
// addressed by a (Namespace, TypeTag, UserKey) triple so the six
// primitives can share one sharded store without colliding.
package storekey

import (
	"bytes"
	"fmt"

	"strata/pkg/errs"
)

// TypeTag partitions the keyspace so primitives cannot collide even
// when they pick the same UserKey inside the same branch.
type TypeTag byte

const (
	KV TypeTag = iota + 1
	Event
	State
	Json
	Trace
	Vector
	// Branch is used internally for branch identity records; it is not
	// one of the six user-facing primitives but shares the same key
	// space and validation rules.
	Branch
)

func (t TypeTag) String() string {
	switch t {
	case KV:
		return "kv"
	case Event:
		return "event"
	case State:
		return "state"
	case Json:
		return "json"
	case Trace:
		return "trace"
	case Vector:
		return "vector"
	case Branch:
		return "branch"
	default:
		return "unknown"
	}
}

// Namespace identifies the owning branch, plus optional tenant/app/agent
// labels, so every key is unambiguously branch-scoped.
type Namespace struct {
	BranchID string
	Tenant   string
	App      string
	Agent    string
}

// Bytes returns a canonical, order-preserving encoding of the namespace
// used as the discriminating prefix for prefix scans.
func (n Namespace) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(n.BranchID)
	buf.WriteByte(0)
	buf.WriteString(n.Tenant)
	buf.WriteByte(0)
	buf.WriteString(n.App)
	buf.WriteByte(0)
	buf.WriteString(n.Agent)
	buf.WriteByte(0)
	return buf.Bytes()
}

// MaxKeyLen is the maximum length, in bytes, of a UserKey.
const MaxKeyLen = 1024

// ReservedPrefix is forbidden as a UserKey prefix; it is reserved for
// internal bookkeeping keys.
const ReservedPrefix = "_strata/"

// Key is the triple (Namespace, TypeTag, UserKey). Keys are totally
// ordered lexicographically by their Bytes() encoding; prefix scans use
// Namespace+TypeTag as the discriminating prefix.
type Key struct {
	Namespace Namespace
	Type      TypeTag
	UserKey   []byte
}

// New builds a Key after validating UserKey; every primitive rejects
// the same invalid keys.
func New(ns Namespace, typ TypeTag, userKey []byte) (Key, error) {
	if err := Validate(userKey); err != nil {
		return Key{}, err
	}
	k := make([]byte, len(userKey))
	copy(k, userKey)
	return Key{Namespace: ns, Type: typ, UserKey: k}, nil
}

// Validate applies the uniform key-validation rule used by every
// primitive, including Vector.
func Validate(userKey []byte) error {
	if len(userKey) == 0 {
		return errs.New(errs.InvalidKey, "key must not be empty")
	}
	if len(userKey) > MaxKeyLen {
		return errs.New(errs.InvalidKey, fmt.Sprintf("key exceeds %d bytes", MaxKeyLen))
	}
	if bytes.IndexByte(userKey, 0) >= 0 {
		return errs.New(errs.InvalidKey, "key must not contain NUL bytes")
	}
	if bytes.HasPrefix(userKey, []byte(ReservedPrefix)) {
		return errs.New(errs.InvalidKey, "key must not use the reserved \"_strata/\" prefix")
	}
	return nil
}

// Prefix returns the namespace+type discriminating prefix used for
// scan_prefix and list_by_type.
func Prefix(ns Namespace, typ TypeTag) []byte {
	var buf bytes.Buffer
	buf.Write(ns.Bytes())
	buf.WriteByte(byte(typ))
	return buf.Bytes()
}

// Bytes returns the full, totally-ordered encoding of the key: the
// namespace+type prefix followed by the raw UserKey.
func (k Key) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(Prefix(k.Namespace, k.Type))
	buf.Write(k.UserKey)
	return buf.Bytes()
}

// String returns a debug-friendly representation; never used for
// ordering or storage.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s:%s:%q", k.Namespace.Tenant, k.Namespace.App, k.Namespace.Agent, k.Namespace.BranchID, k.Type, k.UserKey)
}

// Less reports whether k sorts before other in the store's total
// lexicographic order.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k.Bytes(), other.Bytes()) < 0
}

// Compare returns -1, 0 or 1 comparing k to other lexicographically.
func Compare(a, b Key) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}
