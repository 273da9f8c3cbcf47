package chunkstore

import (
	"sync"
	"sync/atomic"

	"github.com/cartridge/reverb/internal/xerrors"
)

// purgeInterval is the number of inserts between lazy sweeps of expired
// entries.
const purgeInterval = 1024

// Store is a process-wide map from chunk key to a weakly held chunk. A chunk
// stays retrievable while at least one Ref to it is alive; expired entries
// are purged lazily during Insert.
type Store struct {
	mu           sync.Mutex
	entries      map[uint64]*entry
	insertsSince int
}

type entry struct {
	chunk *Chunk
	refs  int
}

// Ref is a strong reference to a chunk. Holders must call Release exactly
// once when done; releasing twice is a no-op.
type Ref struct {
	store    *Store
	chunk    *Chunk
	released atomic.Bool
}

// NewStore creates an empty chunk store.
func NewStore() *Store {
	return &Store{entries: make(map[uint64]*entry)}
}

// Insert interns the chunk and returns a strong reference. If a live chunk
// with the same key already exists, a reference to the existing chunk is
// returned instead; inserting different data under an existing key is a
// programming error the store cannot detect.
func (s *Store) Insert(c *Chunk) *Ref {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertsSince++
	if s.insertsSince >= purgeInterval {
		s.purgeLocked()
		s.insertsSince = 0
	}

	if e, ok := s.entries[c.key]; ok && e.refs > 0 {
		e.refs++
		return &Ref{store: s, chunk: e.chunk}
	}
	s.entries[c.key] = &entry{chunk: c, refs: 1}
	return &Ref{store: s, chunk: c}
}

// Get upgrades the weak entry for key into a strong reference. It fails
// NotFound when the chunk was never inserted or all references have been
// dropped.
func (s *Store) Get(key uint64) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.refs == 0 {
		return nil, xerrors.NotFoundf("chunk %d not found", key)
	}
	e.refs++
	return &Ref{store: s, chunk: e.chunk}, nil
}

// Len returns the number of live chunks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.refs > 0 {
			n++
		}
	}
	return n
}

func (s *Store) purgeLocked() {
	for key, e := range s.entries {
		if e.refs == 0 {
			delete(s.entries, key)
		}
	}
}

// Chunk returns the referenced chunk.
func (r *Ref) Chunk() *Chunk { return r.chunk }

// Key returns the referenced chunk's key.
func (r *Ref) Key() uint64 { return r.chunk.key }

// Clone returns an additional strong reference to the same chunk.
func (r *Ref) Clone() *Ref {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.entries[r.chunk.key].refs++
	return &Ref{store: r.store, chunk: r.chunk}
}

// Release drops the reference. The chunk expires when its last reference is
// released.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.entries[r.chunk.key]; ok && e.refs > 0 {
		e.refs--
	}
}
