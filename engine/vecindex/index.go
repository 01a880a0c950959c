// Package vecindex implements the persisted nearest-neighbor index over
// unit-norm vectors, positionally paired with a metadata record per
// vector.
//
// The index is append-mostly: vectors are only ever added at the end, and
// deletion is a soft tombstone on the metadata record so that position i
// in the vector block always corresponds to position i in the metadata
// sequence. This alignment is the central invariant; it is what makes the
// two companion artifacts (vector blob + metadata blob) repairable when
// one of them is truncated by a partial write.
package vecindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
)

// Errors surfaced by the index.
var (
	// ErrDimension indicates a vector of the wrong length, which means a
	// provider/version mismatch. Callers must treat it as fatal, never
	// coerce.
	ErrDimension = errors.New("vecindex: dimension mismatch")

	// ErrNoArtifacts is returned by Load when neither companion file
	// exists. First run: callers start with an empty index.
	ErrNoArtifacts = errors.New("vecindex: no persisted artifacts")

	// ErrPartialArtifacts is returned when exactly one of the pair
	// exists. That is corruption, not a first run.
	ErrPartialArtifacts = errors.New("vecindex: one of the companion artifacts is missing")
)

// Hit is a raw inner-product search result. Sim is cosine-like in
// [-1, 1] because all indexed vectors are unit-norm. Tombstoned rows are
// reported too; filtering is the caller's concern.
type Hit struct {
	Pos int
	Sim float32
}

// Index is a flat inner-product index. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // row-major, len == dim * len(meta)
	meta []domain.VectorMeta
	dead int // count of tombstoned rows
}

// New creates an empty index of the given dimension.
func New(dim int) *Index {
	return &Index{dim: dim}
}

// Dim returns the vector dimension.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the total number of rows, tombstoned included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.meta)
}

// Tombstones returns the number of soft-deleted rows.
func (ix *Index) Tombstones() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dead
}

// Meta returns a copy of the metadata record at position i.
func (ix *Index) Meta(i int) domain.VectorMeta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta[i]
}

// Add normalizes vec to unit length and appends it with its metadata at
// the next free position, which is returned. The only failure mode is a
// dimension mismatch.
func (ix *Index) Add(vec []float32, m domain.VectorMeta) (int, error) {
	if len(vec) != ix.dim {
		return 0, fmt.Errorf("%w: want %d, got %d", ErrDimension, ix.dim, len(vec))
	}
	row := normalize(vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos := len(ix.meta)
	ix.data = append(ix.data, row...)
	ix.meta = append(ix.meta, m)
	if m.Deleted {
		ix.dead++
	}
	return pos, nil
}

// Search returns the k rows with the highest inner product against
// query, in descending order. k is clamped to the row count; an empty
// index yields no hits. The scan covers tombstoned rows as well; the
// structure has no notion of deletion, only the metadata does.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimension, ix.dim, len(query))
	}
	q := normalize(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.meta)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		hits[i] = Hit{Pos: i, Sim: dot(q, ix.data[i*ix.dim:(i+1)*ix.dim])}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].Sim > hits[b].Sim })
	return hits[:k], nil
}

// SoftDelete tombstones every row whose job id matches. It reports
// whether any row changed. Positions are untouched and a tombstone never
// reverts.
func (ix *Index) SoftDelete(jobID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	changed := false
	for i := range ix.meta {
		if ix.meta[i].JobID == jobID && !ix.meta[i].Deleted {
			ix.meta[i].Deleted = true
			ix.dead++
			changed = true
		}
	}
	return changed
}

// snapshot returns copies of the vector block and metadata under the read
// lock, for persistence.
func (ix *Index) snapshot() ([]float32, []domain.VectorMeta) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	data := make([]float32, len(ix.data))
	copy(data, ix.data)
	meta := make([]domain.VectorMeta, len(ix.meta))
	copy(meta, ix.meta)
	return data, meta
}

// normalize returns a unit-length copy of vec. A zero vector is returned
// as-is rather than divided.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
