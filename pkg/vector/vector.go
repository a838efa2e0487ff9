// Package vector implements the Vector primitive:
// named collections of fixed dimension and metric, with brute-force
// deterministic similarity search. HNSW/IVF indexing and any search
// algorithm beyond brute force are deliberately out of scope; this
// package only ever does the O(n) scan.
package vector

import (
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/storekey"
	"strata/pkg/txn"
	"strata/pkg/version"
)

// Metric selects the similarity function used by a collection. All
// three are normalized to "higher score = more similar" rather than
// mixing distance and similarity framings.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	Dot
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	default:
		return "unknown"
	}
}

// ParseMetric parses a collection's configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	case "dot", "dotproduct", "dot_product":
		return Dot, nil
	default:
		return 0, errs.New(errs.InvalidInput, "unknown vector metric: "+s)
	}
}

const (
	vectorKeyMarker     byte = 0x01
	collectionKeyMarker byte = 0x02
)

const maxCollectionNameLen = 256

// Collection is a vector collection's fixed configuration, set once at
// creation.
type Collection struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Metric    Metric    `json:"metric"`
	CreatedAt time.Time `json:"created_at"`
}

// record is the on-disk shape of one stored vector.
type record struct {
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is one ranked search hit.
type Result struct {
	VectorID string
	Score    float32
}

// Vector is the vector-collection primitive facade.
type Vector struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *Vector {
	return &Vector{mgr: mgr}
}

// CreateCollection defines a new collection with a fixed dimension and
// metric. Creating a collection that already exists is a
// ConstraintViolation.
func (v *Vector) CreateCollection(branchID uuid.UUID, name string, dimension int, metric Metric) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return errs.New(errs.InvalidInput, "vector collection dimension must be positive")
	}

	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Vector, collectionUserKey(name))
	if err != nil {
		return err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return err
	}

	if _, ok, err := ctx.GetKeyed(k); err != nil {
		v.mgr.Rollback(ctx)
		return err
	} else if ok {
		v.mgr.Rollback(ctx)
		return errs.New(errs.ConstraintViolation, "vector collection already exists: "+name)
	}

	coll := Collection{Name: name, Dimension: dimension, Metric: metric, CreatedAt: time.Now().UTC()}
	encoded, err := json.Marshal(coll)
	if err != nil {
		v.mgr.Rollback(ctx)
		return errs.Wrap(errs.Serialization, "encode vector collection", err)
	}
	if err := ctx.PutKeyed(k, encoded, nil); err != nil {
		v.mgr.Rollback(ctx)
		return err
	}
	_, err = v.mgr.Commit(ctx)
	return err
}

// GetCollection returns a collection's configuration.
func (v *Vector) GetCollection(branchID uuid.UUID, name string) (Collection, bool, error) {
	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Vector, collectionUserKey(name))
	if err != nil {
		return Collection{}, false, err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return Collection{}, false, err
	}
	defer v.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil || !ok {
		return Collection{}, ok, err
	}
	var coll Collection
	if err := json.Unmarshal(raw, &coll); err != nil {
		return Collection{}, false, errs.Wrap(errs.Serialization, "decode vector collection", err)
	}
	return coll, true, nil
}

// Upsert writes embedding and metadata for vectorID in collection.
// Upserting into a non-existent collection fails rather than
// auto-creating it.
func (v *Vector) Upsert(branchID uuid.UUID, collection, vectorID string, embedding []float32, metadata map[string]any) (version.Version, error) {
	ns := storekey.Namespace{BranchID: branchID.String()}
	collKey, err := storekey.New(ns, storekey.Vector, collectionUserKey(collection))
	if err != nil {
		return 0, err
	}
	vecKey, err := storekey.New(ns, storekey.Vector, vectorUserKey(collection, vectorID))
	if err != nil {
		return 0, err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return 0, err
	}

	collRaw, ok, err := ctx.GetKeyed(collKey)
	if err != nil {
		v.mgr.Rollback(ctx)
		return 0, err
	}
	if !ok {
		v.mgr.Rollback(ctx)
		return 0, errs.New(errs.ConstraintViolation, "vector collection does not exist: "+collection)
	}
	var coll Collection
	if err := json.Unmarshal(collRaw, &coll); err != nil {
		v.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "decode vector collection", err)
	}
	if len(embedding) != coll.Dimension {
		v.mgr.Rollback(ctx)
		return 0, errs.New(errs.InvalidInput, "vector dimension mismatch")
	}

	rec := record{Embedding: embedding, Metadata: metadata}
	encoded, err := json.Marshal(rec)
	if err != nil {
		v.mgr.Rollback(ctx)
		return 0, errs.Wrap(errs.Serialization, "encode vector record", err)
	}
	if err := ctx.PutKeyed(vecKey, encoded, nil); err != nil {
		v.mgr.Rollback(ctx)
		return 0, err
	}
	return v.mgr.Commit(ctx)
}

// Get returns the embedding and metadata stored for vectorID.
func (v *Vector) Get(branchID uuid.UUID, collection, vectorID string) ([]float32, map[string]any, bool, error) {
	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Vector, vectorUserKey(collection, vectorID))
	if err != nil {
		return nil, nil, false, err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, nil, false, err
	}
	defer v.mgr.Rollback(ctx)

	raw, ok, err := ctx.GetKeyed(k)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, false, errs.Wrap(errs.Serialization, "decode vector record", err)
	}
	return rec.Embedding, rec.Metadata, true, nil
}

// Delete removes vectorID from collection.
func (v *Vector) Delete(branchID uuid.UUID, collection, vectorID string) error {
	ns := storekey.Namespace{BranchID: branchID.String()}
	k, err := storekey.New(ns, storekey.Vector, vectorUserKey(collection, vectorID))
	if err != nil {
		return err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return err
	}
	if err := ctx.DeleteKeyed(k); err != nil {
		v.mgr.Rollback(ctx)
		return err
	}
	_, err = v.mgr.Commit(ctx)
	return err
}

// Search runs a brute-force scan over collection, scoring every vector
// against query and returning the top k. Ordering is deterministic:
// score descending, then VectorID ascending on ties. An optional
// filter narrows the candidate set first by exact top-level metadata
// equality before ranking.
func (v *Vector) Search(branchID uuid.UUID, collection string, query []float32, k int, filter map[string]any) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	ns := storekey.Namespace{BranchID: branchID.String()}
	collKey, err := storekey.New(ns, storekey.Vector, collectionUserKey(collection))
	if err != nil {
		return nil, err
	}

	ctx, err := v.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, err
	}
	defer v.mgr.Rollback(ctx)

	collRaw, ok, err := ctx.GetKeyed(collKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.ConstraintViolation, "vector collection does not exist: "+collection)
	}
	var coll Collection
	if err := json.Unmarshal(collRaw, &coll); err != nil {
		return nil, errs.Wrap(errs.Serialization, "decode vector collection", err)
	}
	if len(query) != coll.Dimension {
		return nil, errs.New(errs.InvalidInput, "vector dimension mismatch")
	}

	prefix := storekey.Prefix(ns, storekey.Vector)
	prefix = append(append([]byte{}, prefix...), vectorStreamPrefix(collection)...)
	entries := ctx.Snapshot.ScanPrefix(prefix)

	type scored struct {
		id    string
		score float32
	}
	candidates := make([]scored, 0, len(entries))
	for _, e := range entries {
		var rec record
		if err := json.Unmarshal(e.Value.Value, &rec); err != nil {
			return nil, errs.Wrap(errs.Serialization, "decode vector record", err)
		}
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		id := vectorIDFromUserKey(collection, e.Key.UserKey)
		candidates = append(candidates, scored{id: id, score: score(query, rec.Embedding, coll.Metric)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{VectorID: c.id, Score: c.score}
	}
	return out, nil
}

// score computes a "higher is better" similarity score under metric.
// Cosine divides by both operands' norms rather than assuming
// pre-normalized inputs; Euclidean distance is folded into a bounded
// (0,1] similarity so it sorts on the same scale as the other metrics.
func score(a, b []float32, metric Metric) float32 {
	switch metric {
	case Cosine:
		return cosineSimilarity(a, b)
	case Euclidean:
		return 1.0 / (1.0 + euclideanDistance(a, b))
	case Dot:
		return dotProduct(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func l2Norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}

func cosineSimilarity(a, b []float32) float32 {
	normA, normB := l2Norm(a), l2Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct(a, b) / (normA * normB)
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

// matchesFilter reports whether meta satisfies every equality
// constraint in filter. An empty or nil filter matches everything.
func matchesFilter(meta map[string]any, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func validateCollectionName(name string) error {
	if len(name) == 0 {
		return errs.New(errs.InvalidInput, "vector collection name must not be empty")
	}
	if len(name) > maxCollectionNameLen {
		return errs.New(errs.InvalidInput, "vector collection name exceeds 256 characters")
	}
	if strings.Contains(name, "/") {
		return errs.New(errs.InvalidInput, "vector collection name must not contain '/'")
	}
	if strings.ContainsRune(name, 0) {
		return errs.New(errs.InvalidInput, "vector collection name must not contain NUL bytes")
	}
	if strings.HasPrefix(name, "_") {
		return errs.New(errs.InvalidInput, "vector collection names starting with '_' are reserved")
	}
	return nil
}

func collectionUserKey(name string) []byte {
	return append([]byte{collectionKeyMarker}, []byte(name)...)
}

func vectorStreamPrefix(collection string) []byte {
	return append(append([]byte{}, []byte(collection)...), vectorKeyMarker)
}

func vectorUserKey(collection, vectorID string) []byte {
	return append(vectorStreamPrefix(collection), []byte(vectorID)...)
}

func vectorIDFromUserKey(collection string, userKey []byte) string {
	return string(userKey[len(collection)+1:])
}
