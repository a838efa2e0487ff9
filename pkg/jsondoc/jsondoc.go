// Package jsondoc implements the JSON document primitive: a
// single document per (branch, key), addressed by a dotted-field path.
// Full JSONPath parsing ($.a.b[0]) is deliberately not supported,
// so paths here are a much simpler language: a dot-separated
// sequence of object field names, with the empty path meaning "the
// whole document." Array indexing is not supported.
package jsondoc

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/txn"
	"strata/pkg/version"
)

// Doc is the decoded shape of a document: always a JSON object.
type Doc = map[string]any

// JSON is the JSON-document primitive facade.
type JSON struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *JSON {
	return &JSON{mgr: mgr}
}

// Set writes value at path inside key's document. The empty path
// replaces the entire document, which must be a JSON object. A
// non-root path creates the document (and any missing intermediate
// objects) if it does not already exist. Both the read of the prior
// document and the write of the new one happen inside a single
// transaction, so this is one WAL record per call.
func (j *JSON) Set(branchID uuid.UUID, key string, path string, value any) (version.Version, error) {
	segs, err := splitPath(path)
	if err != nil {
		return 0, err
	}

	if len(segs) == 0 {
		obj, ok := value.(map[string]any)
		if !ok {
			return 0, errs.New(errs.ConstraintViolation, "json: root value must be an object")
		}
		return j.write(branchID, key, obj)
	}

	return j.readModifyWrite(branchID, key, func(doc Doc) (Doc, error) {
		if err := setAt(doc, segs, value); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// Get reads the value at path inside key's document. ok is false if
// the document, or the path within it, does not exist. The returned
// version is the document's version, since Strata does not track
// per-path history.
func (j *JSON) Get(branchID uuid.UUID, key string, path string) (any, version.Version, bool, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, 0, false, err
	}

	k, err := docKey(branchID, key)
	if err != nil {
		return nil, 0, false, err
	}

	ctx, err := j.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, 0, false, err
	}
	defer j.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	sv, ok := ctx.Snapshot.Get(k)
	if !ok {
		return nil, 0, false, errs.New(errs.Internal, "json document read-your-writes inconsistency")
	}

	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, false, errs.Wrap(errs.Serialization, "decode json document", err)
	}

	value, ok := getAt(doc, segs)
	if !ok {
		return nil, 0, false, nil
	}
	return value, sv.Version, true, nil
}

// Delete removes the value at path, returning the number of elements
// actually removed (0 or 1). Deleting the root is forbidden; use
// a key-level delete from the owning primitive's facade instead.
func (j *JSON) Delete(branchID uuid.UUID, key string, path string) (uint64, error) {
	segs, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, errs.New(errs.InvalidPath, "json: cannot delete the document root")
	}

	var removed uint64
	_, err = j.readModifyWrite(branchID, key, func(doc Doc) (Doc, error) {
		removed = deleteAt(doc, segs)
		return doc, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Merge applies a shallow, RFC-7396-lite merge patch at path:
// when the current value at path is an object and patch is an object,
// patch's top-level keys overwrite the current object's keys, and a
// null patch value deletes the corresponding key. At the root (empty
// path) patch must be an object; any other patch is rejected with a
// ConstraintViolation. Below the root, any other combination
// (non-object target, non-object patch) is a plain replacement,
// matching RFC 7396's scalar/array behavior.
func (j *JSON) Merge(branchID uuid.UUID, key string, path string, patch any) (version.Version, error) {
	segs, err := splitPath(path)
	if err != nil {
		return 0, err
	}

	patchObj, patchIsObj := patch.(map[string]any)

	if len(segs) == 0 {
		if !patchIsObj {
			return 0, errs.New(errs.ConstraintViolation, "json: root merge patch must be an object")
		}
		return j.readModifyWrite(branchID, key, func(doc Doc) (Doc, error) {
			return mergeObjects(doc, patchObj), nil
		})
	}

	return j.readModifyWrite(branchID, key, func(doc Doc) (Doc, error) {
		current, _ := getAt(doc, segs)
		currentObj, currentIsObj := current.(map[string]any)

		var merged any
		if currentIsObj && patchIsObj {
			merged = mergeObjects(currentObj, patchObj)
		} else {
			merged = patch
		}
		if err := setAt(doc, segs, merged); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// readModifyWrite loads key's document (an empty object if it does
// not yet exist), applies fn, and writes the result back, all inside
// one transaction.
func (j *JSON) readModifyWrite(branchID uuid.UUID, key string, fn func(Doc) (Doc, error)) (version.Version, error) {
	k, err := docKey(branchID, key)
	if err != nil {
		return 0, err
	}

	ctx, err := j.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}

	doc := Doc{}
	raw, ok, err := ctx.GetKeyed(k)
	if err != nil {
		j.mgr.Rollback(ctx)
		return 0, err
	}
	if ok {
		if err := json.Unmarshal(raw, &doc); err != nil {
			j.mgr.Rollback(ctx)
			return 0, errs.Wrap(errs.Serialization, "decode json document", err)
		}
	}

	doc, err = fn(doc)
	if err != nil {
		j.mgr.Rollback(ctx)
		return 0, err
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		j.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode json document", err)
	}
	if err := ctx.PutKeyed(k, encoded, nil); err != nil {
		j.mgr.Rollback(ctx)
		return 0, err
	}
	return j.mgr.Commit(ctx)
}

func (j *JSON) write(branchID uuid.UUID, key string, doc Doc) (version.Version, error) {
	k, err := docKey(branchID, key)
	if err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return 0, errs.Wrap(errs.Serialization, "encode json document", err)
	}

	ctx, err := j.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}
	if err := ctx.PutKeyed(k, encoded, nil); err != nil {
		j.mgr.Rollback(ctx)
		return 0, err
	}
	return j.mgr.Commit(ctx)
}

func docKey(branchID uuid.UUID, key string) (storekey.Key, error) {
	return storekey.New(storekey.Namespace{BranchID: branchID.String()}, storekey.Json, []byte(key))
}

// splitPath parses a dotted-field path. The empty string means root.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, errs.New(errs.InvalidPath, "json: empty path segment")
		}
	}
	return segs, nil
}

// getAt walks doc along segs, returning the leaf value.
func getAt(doc Doc, segs []string) (any, bool) {
	var cur any = doc
	for _, s := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setAt walks doc along segs[:len-1], creating missing intermediate
// objects, then sets the final segment to value.
func setAt(doc Doc, segs []string, value any) error {
	cur := doc
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s]
		if !ok {
			nextObj := Doc{}
			cur[s] = nextObj
			cur = nextObj
			continue
		}
		nextObj, ok := next.(map[string]any)
		if !ok {
			return errs.New(errs.InvalidPath, "json: path traverses a non-object value")
		}
		cur = nextObj
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// deleteAt removes segs' leaf field from its parent object, returning
// the number of elements actually removed.
func deleteAt(doc Doc, segs []string) uint64 {
	cur := Doc(doc)
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s]
		if !ok {
			return 0
		}
		nextObj, ok := next.(map[string]any)
		if !ok {
			return 0
		}
		cur = nextObj
	}
	leaf := segs[len(segs)-1]
	if _, ok := cur[leaf]; !ok {
		return 0
	}
	delete(cur, leaf)
	return 1
}

// mergeObjects applies RFC 7396 merge-patch semantics one level deep:
// patch keys overwrite target keys, and a null patch value deletes the
// corresponding target key. Nested objects are replaced wholesale,
// keeping the merge shallow and top-level-only.
func mergeObjects(target, patch map[string]any) Doc {
	out := Doc{}
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
