// Package branch implements branch identity and lifecycle:
// every key in the store is scoped to a branch, and a branch is itself
// an identity record that lives in the same sharded store as everyone
// else's data, under a reserved type tag.
package branch

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/txn"
	"strata/pkg/version"
)

// State is a branch's lifecycle state.
type State int

const (
	Active State = iota
	Closed
)

func (s State) String() string {
	if s == Closed {
		return "closed"
	}
	return "active"
}

// Record is a branch identity record.
type Record struct {
	BranchID  uuid.UUID         `json:"branch_id"`
	Name      string            `json:"name"`
	State     State             `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultBranchName is the designated branch that always exists and
// cannot be deleted.
const DefaultBranchName = "default"

// registryNamespace holds branch identity records, scoped outside every
// tenant/app/agent/branch namespace since a branch record logically
// precedes the branch it describes.
var registryNamespace = storekey.Namespace{}

// Registry manages branch identity records atop the shared store. It
// implements the txn.BranchStatus interface consumed by the
// transaction manager.
type Registry struct {
	store *store.Store
	alloc *version.Allocator
	wal   txn.Appender
}

// NewRegistry wraps st, allocating registry-record versions from alloc,
// the same allocator the engine uses for the store clock: branch
// records are ordinary store entries. Every registry write is appended
// to wal before it is applied, so branch identity survives a crash the
// same way committed data does; a nil wal skips durability (tests).
func NewRegistry(st *store.Store, alloc *version.Allocator, wal txn.Appender) *Registry {
	return &Registry{store: st, alloc: alloc, wal: wal}
}

// EnsureDefault creates the `default` branch if it does not already
// exist. Idempotent; safe to call on every open.
func (r *Registry) EnsureDefault() (Record, error) {
	if rec, ok := r.GetByName(DefaultBranchName); ok {
		return rec, nil
	}
	return r.Create(DefaultBranchName, nil)
}

// Create validates name and registers a new branch with a fresh UUID.
func (r *Registry) Create(name string, metadata map[string]string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}
	if _, ok := r.GetByName(name); ok {
		return Record{}, errs.New(errs.ConstraintViolation, "branch name already exists")
	}

	rec := Record{
		BranchID:  uuid.New(),
		Name:      name,
		State:     Active,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	if err := r.put(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the branch record for branchID.
func (r *Registry) Get(branchID uuid.UUID) (Record, bool) {
	k, err := storekey.New(registryNamespace, storekey.Branch, []byte(branchID.String()))
	if err != nil {
		return Record{}, false
	}
	sv, ok := r.store.Get(k)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(sv.Value, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// GetByName scans the registry for a branch with the given name. The
// registry is expected to stay small (one record per branch), so a
// linear scan over list_by_type is acceptable.
func (r *Registry) GetByName(name string) (Record, bool) {
	for _, rec := range r.List() {
		if rec.Name == name {
			return rec, true
		}
	}
	return Record{}, false
}

// List returns every branch record, in no particular order.
func (r *Registry) List() []Record {
	entries := r.store.ListByType(registryNamespace, storekey.Branch)
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Close marks a branch Closed. The default branch cannot be deleted
// and, by extension here, cannot be closed either: a closed
// default branch would leave the database with no writable scope.
func (r *Registry) Close(branchID uuid.UUID) error {
	rec, ok := r.Get(branchID)
	if !ok {
		return errs.New(errs.KeyNotFound, "branch does not exist")
	}
	if rec.Name == DefaultBranchName {
		return errs.New(errs.ConstraintViolation, "the default branch cannot be closed or deleted")
	}
	rec.State = Closed
	return r.put(rec)
}

// Active implements txn.BranchStatus: it reports whether branchID names
// a known, Active branch.
func (r *Registry) Active(branchIDStr string) (active bool, ok bool) {
	id, err := uuid.Parse(branchIDStr)
	if err != nil {
		return false, false
	}
	rec, found := r.Get(id)
	if !found {
		return false, false
	}
	return rec.State == Active, true
}

func (r *Registry) put(rec Record) error {
	k, err := storekey.New(registryNamespace, storekey.Branch, []byte(rec.BranchID.String()))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Serialization, "encode branch record", err)
	}

	v := r.alloc.Next()
	if r.wal != nil {
		walRec := txn.Record{
			TxnID:           uint64(v),
			BranchID:        rec.BranchID,
			TimestampMicros: time.Now().UnixMicro(),
			Writes:          []store.WriteEntry{{Key: k, Value: data}},
		}
		if err := r.wal.Append(walRec); err != nil {
			return err
		}
	}
	r.store.PutWithVersion(k, data, v, nil)
	return nil
}
