package vecindex

import (
	"errors"
	"sync"
)

// Handle owns a memory-resident copy of the persisted index pair. The
// same pair may be overwritten on disk by another process (deletion runs
// in the request layer, not the worker), so a long-lived holder polls a
// reload token kept in the job store: when the token moves, it calls
// Reload to discard the cached copy. The two copies are eventually
// consistent, not linearizable: a query racing a deletion may briefly
// observe a not-yet-reloaded tombstone. That gap is accepted.
type Handle struct {
	indexPath string
	metaPath  string
	dim       int

	mu    sync.RWMutex
	ix    *Index
	token uint64
}

// Open loads the persisted pair, or starts empty when no artifacts exist
// yet. A half-present pair is an error.
func Open(indexPath, metaPath string, dim int) (*Handle, error) {
	ix, err := Load(indexPath, metaPath, dim)
	if errors.Is(err, ErrNoArtifacts) {
		ix = New(dim)
	} else if err != nil {
		return nil, err
	}
	return &Handle{indexPath: indexPath, metaPath: metaPath, dim: dim, ix: ix}, nil
}

// Index returns the current in-memory index.
func (h *Handle) Index() *Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ix
}

// Reload discards the cached index and re-reads the pair from disk.
// Artifacts vanishing entirely reads as an empty index, mirroring Open.
func (h *Handle) Reload() error {
	ix, err := Load(h.indexPath, h.metaPath, h.dim)
	if errors.Is(err, ErrNoArtifacts) {
		ix = New(h.dim)
	} else if err != nil {
		return err
	}
	h.mu.Lock()
	h.ix = ix
	h.mu.Unlock()
	return nil
}

// Save persists the current in-memory index to the pair.
func (h *Handle) Save() error {
	return h.Index().Save(h.indexPath, h.metaPath)
}

// Token returns the last reload token this handle has applied.
func (h *Handle) Token() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// SetToken records the reload token the cached copy corresponds to.
func (h *Handle) SetToken(v uint64) {
	h.mu.Lock()
	h.token = v
	h.mu.Unlock()
}
