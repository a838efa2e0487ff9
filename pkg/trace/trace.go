// Package trace implements the audit Trace primitive:
// an append-only, immutable record of actor actions, shaped like the
// event log (a per-stream sequence) with the stream keyed by
// actor rather than an arbitrary user-chosen name. There is no CAS and
// no delete: trace entries are a write-once audit trail.
package trace

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/txn"
)

// entryKeyMarker/metaKeyMarker mirror eventlog's scheme: neither may be
// the NUL byte, since storekey.Validate rejects NUL anywhere in a
// UserKey.
const (
	entryKeyMarker byte = 0x01
	metaKeyMarker  byte = 0x02
)

const seqDigits = 20

// Entry is one recorded action.
type Entry struct {
	Seq     uint64         `json:"seq"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

type meta struct {
	LastSeq uint64 `json:"last_seq"`
}

// Trace is the audit-trace primitive facade.
type Trace struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *Trace {
	return &Trace{mgr: mgr}
}

// Record appends an immutable entry for actor, assigning it the next
// sequence number in actor's trail.
func (t *Trace) Record(branchID uuid.UUID, actor, action string, payload map[string]any) (uint64, error) {
	if err := validateActor(actor); err != nil {
		return 0, err
	}

	ns := storekey.Namespace{BranchID: branchID.String()}
	metaKey, err := storekey.New(ns, storekey.Trace, metaUserKey(actor))
	if err != nil {
		return 0, err
	}

	ctx, err := t.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}

	var m meta
	raw, ok, err := ctx.GetKeyed(metaKey)
	if err != nil {
		t.mgr.Rollback(ctx)
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(raw, &m); err != nil {
			t.mgr.Rollback(ctx)
			return 0, errs.Wrap(errs.Serialization, "decode trace actor metadata", err)
		}
	}

	seq := m.LastSeq + 1
	entryKey, err := storekey.New(ns, storekey.Trace, entryUserKey(actor, seq))
	if err != nil {
		t.mgr.Rollback(ctx)
		return 0, err
	}

	entry := Entry{Seq: seq, Actor: actor, Action: action, Payload: payload}
	encoded, err := json.Marshal(entry)
	if err != nil {
		t.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode trace entry", err)
	}
	if err := ctx.PutKeyed(entryKey, encoded, nil); err != nil {
		t.mgr.Rollback(ctx)
		return 0, err
	}

	m.LastSeq = seq
	metaEncoded, err := json.Marshal(m)
	if err != nil {
		t.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode trace actor metadata", err)
	}
	if err := ctx.PutKeyed(metaKey, metaEncoded, nil); err != nil {
		t.mgr.Rollback(ctx)
		return 0, err
	}

	if _, err := t.mgr.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns actor's recorded entries with seq > since, in
// ascending sequence order. actor == "" scans every actor's trail in
// the branch. since == 0 returns the full trail.
func (t *Trace) List(branchID uuid.UUID, actor string, since uint64) ([]Entry, error) {
	ctx, err := t.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, err
	}
	defer t.mgr.Rollback(ctx)

	ns := storekey.Namespace{BranchID: branchID.String()}
	prefix := storekey.Prefix(ns, storekey.Trace)
	if actor != "" {
		prefix = append(append([]byte{}, prefix...), entryStreamPrefix(actor)...)
	}

	entries := ctx.Snapshot.ScanPrefix(prefix)
	out := make([]Entry, 0, len(entries))
	for _, sv := range entries {
		if actor == "" && isMetaKey(sv.Key.UserKey) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sv.Value.Value, &e); err != nil {
			// Metadata records for other actors share the Trace tag
			// when actor == "" is scanned; skip anything that does
			// not decode as an Entry rather than aborting the scan.
			continue
		}
		if e.Seq <= since {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func isMetaKey(userKey []byte) bool {
	return len(userKey) > 0 && userKey[0] == metaKeyMarker
}

func validateActor(actor string) error {
	if len(actor) == 0 {
		return errs.New(errs.InvalidKey, "trace actor must not be empty")
	}
	return storekey.Validate([]byte(actor))
}

func entryStreamPrefix(actor string) []byte {
	return append(append([]byte{}, []byte(actor)...), entryKeyMarker)
}

func entryUserKey(actor string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%c%0*d", actor, entryKeyMarker, seqDigits, seq))
}

func metaUserKey(actor string) []byte {
	return append([]byte{metaKeyMarker}, []byte(actor)...)
}
