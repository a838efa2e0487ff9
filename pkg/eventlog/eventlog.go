// Package eventlog implements the EventLog primitive: an append-only
// event stream per (branch, stream) pair, with sequence numbers
// assigned per stream and an O(1) {last_seq, count} metadata record
// rather than a full sequence index, so append cost does not grow with
// stream length.
package eventlog

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/txn"
)

// eventKeyMarker/metaKeyMarker disambiguate a stream's event keys from
// its metadata key within the same TypeTag. Neither may be the NUL
// byte: storekey.Validate rejects NUL anywhere in a UserKey, so plain
// length-prefixing is not available here.
const (
	eventKeyMarker byte = 0x01
	metaKeyMarker  byte = 0x02
)

// seqDigits is wide enough to zero-pad any uint64 so lexicographic key
// order matches numeric sequence order.
const seqDigits = 20

// Payload is an event's body: a JSON-object-shaped value. Values must
// not contain NaN floats; Append rejects such payloads before any
// storage record is produced.
type Payload map[string]any

// Meta is the O(1) per-stream bookkeeping record.
type Meta struct {
	LastSeq uint64 `json:"last_seq"`
	Count   uint64 `json:"count"`
}

// EventLog is the event-log primitive facade.
type EventLog struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *EventLog {
	return &EventLog{mgr: mgr}
}

// Append allocates the next sequence number for stream and stores
// payload, updating the stream's metadata record in the same
// transaction.
func (e *EventLog) Append(branchID uuid.UUID, stream string, payload Payload) (uint64, error) {
	if err := validateStream(stream); err != nil {
		return 0, err
	}
	if err := validatePayload(payload); err != nil {
		return 0, err
	}

	ns := storekey.Namespace{BranchID: branchID.String()}
	metaKey, err := storekey.New(ns, storekey.Event, metaUserKey(stream))
	if err != nil {
		return 0, err
	}

	ctx, err := e.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}

	var meta Meta
	raw, ok, err := ctx.GetKeyed(metaKey)
	if err != nil {
		e.mgr.Rollback(ctx)
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			e.mgr.Rollback(ctx)
			return 0, errs.Wrap(errs.Serialization, "decode event stream metadata", err)
		}
	}

	seq := meta.LastSeq + 1
	eventKey, err := storekey.New(ns, storekey.Event, eventUserKey(stream, seq))
	if err != nil {
		e.mgr.Rollback(ctx)
		return 0, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		e.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode event payload", err)
	}

	if err := ctx.PutKeyed(eventKey, encoded, nil); err != nil {
		e.mgr.Rollback(ctx)
		return 0, err
	}

	meta.LastSeq = seq
	meta.Count++
	metaEncoded, err := json.Marshal(meta)
	if err != nil {
		e.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode event stream metadata", err)
	}
	if err := ctx.PutKeyed(metaKey, metaEncoded, nil); err != nil {
		e.mgr.Rollback(ctx)
		return 0, err
	}

	if _, err := e.mgr.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// Get reads the event at a specific sequence number.
func (e *EventLog) Get(branchID uuid.UUID, stream string, seq uint64) (Payload, bool, error) {
	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Event, eventUserKey(stream, seq))
	if err != nil {
		return nil, false, err
	}

	ctx, err := e.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, false, err
	}
	defer e.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil || !ok {
		return nil, ok, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, errs.Wrap(errs.Serialization, "decode event payload", err)
	}
	return p, true, nil
}

// Range returns every event in stream, in ascending sequence order.
func (e *EventLog) Range(branchID uuid.UUID, stream string) ([]Payload, error) {
	ctx, err := e.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, err
	}
	defer e.mgr.Rollback(ctx)

	ns := storekey.Namespace{BranchID: branchID.String()}
	prefix := storekey.Prefix(ns, storekey.Event)
	streamPrefix := append(append([]byte{}, prefix...), streamEventPrefix(stream)...)

	entries := ctx.Snapshot.ScanPrefix(streamPrefix)
	out := make([]Payload, 0, len(entries))
	for _, entry := range entries {
		var p Payload
		if err := json.Unmarshal(entry.Value.Value, &p); err != nil {
			return nil, errs.Wrap(errs.Serialization, "decode event payload", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Meta returns stream's current {last_seq, count} record, or the zero
// Meta if the stream has never been appended to.
func (e *EventLog) Meta(branchID uuid.UUID, stream string) (Meta, error) {
	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Event, metaUserKey(stream))
	if err != nil {
		return Meta{}, err
	}

	ctx, err := e.mgr.Begin(branchID, nil)
	if err != nil {
		return Meta{}, err
	}
	defer e.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, nil
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, errs.Wrap(errs.Serialization, "decode event stream metadata", err)
	}
	return meta, nil
}

func validateStream(stream string) error {
	if len(stream) == 0 {
		return errs.New(errs.InvalidKey, "stream name must not be empty")
	}
	return storekey.Validate([]byte(stream))
}

func validatePayload(p Payload) error {
	for _, v := range p {
		if containsNaN(v) {
			return errs.New(errs.InvalidInput, "event payload must not contain NaN")
		}
	}
	return nil
}

func containsNaN(v any) bool {
	switch val := v.(type) {
	case float64:
		return math.IsNaN(val)
	case float32:
		return math.IsNaN(float64(val))
	case map[string]any:
		for _, nested := range val {
			if containsNaN(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range val {
			if containsNaN(nested) {
				return true
			}
		}
	}
	return false
}

func streamEventPrefix(stream string) []byte {
	return append(append([]byte{}, []byte(stream)...), eventKeyMarker)
}

func eventUserKey(stream string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%c%0*d", stream, eventKeyMarker, seqDigits, seq))
}

func metaUserKey(stream string) []byte {
	return append([]byte{metaKeyMarker}, []byte(stream)...)
}
