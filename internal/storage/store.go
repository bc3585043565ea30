package storage

import (
	"errors"
	"fmt"
	"iter"
	"log"
	"os"
	"sync"

	"github.com/futlize/vectordb/internal/dberr"
)

// Entry is one stored embedding and its caller-assigned id.
type Entry struct {
	ID        uint64
	Embedding []float32
}

// VectorStore owns one index's entries in memory and on disk.
//
// Inserts are serialized by mu and become visible only after the entry log
// append has been fsynced. Readers iterate immutable snapshots, so they see
// either the state before an insert or after it.
type VectorStore struct {
	mu      sync.RWMutex
	dir     string
	meta    Meta
	entries []Entry
	byID    map[uint64]int
	log     *entryLog
	closed  bool
}

// Create initializes dir for a new index: metadata first, then an empty log.
func Create(dir string, meta Meta) (*VectorStore, error) {
	meta.Count = 0
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", dberr.ErrInvalidArgument, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create index dir: %v", dberr.ErrStorageFailure, err)
	}
	if err := WriteMetadata(dir, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", dberr.ErrStorageFailure, err)
	}
	l, err := createEntryLog(dir, meta.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberr.ErrStorageFailure, err)
	}
	return &VectorStore{
		dir:  dir,
		meta: meta,
		byID: make(map[uint64]int),
		log:  l,
	}, nil
}

// Open recovers an index from dir: the metadata record, then the entry log.
func Open(dir string) (*VectorStore, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}

	vs := &VectorStore{
		dir:  dir,
		meta: meta,
		byID: make(map[uint64]int),
	}
	l, err := openEntryLog(dir, meta.Dimensions, func(e Entry) error {
		if _, dup := vs.byID[e.ID]; dup {
			return fmt.Errorf("duplicate entry id %d in log", e.ID)
		}
		vs.byID[e.ID] = len(vs.entries)
		vs.entries = append(vs.entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	vs.log = l
	return vs, nil
}

// Meta returns the index metadata with the live entry count.
func (vs *VectorStore) Meta() Meta {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	m := vs.meta
	m.Count = uint64(len(vs.entries))
	return m
}

// PersistedCount is the entry count recorded in meta.bin when the store was opened.
func (vs *VectorStore) PersistedCount() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.meta.Count
}

// Dir is the directory holding this index's files.
func (vs *VectorStore) Dir() string { return vs.dir }

// Dimensions is the fixed embedding length of the index.
func (vs *VectorStore) Dimensions() int { return int(vs.meta.Dimensions) }

// Insert validates e, durably appends it, then publishes it to readers.
// Checks run in order: dimensions, capacity, id uniqueness.
func (vs *VectorStore) Insert(e Entry) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.closed {
		return dberr.ErrClosed
	}
	if len(e.Embedding) != int(vs.meta.Dimensions) {
		return fmt.Errorf("%w: got %d, want %d", dberr.ErrDimensionMismatch, len(e.Embedding), vs.meta.Dimensions)
	}
	if uint64(len(vs.entries)) >= vs.meta.Capacity {
		return fmt.Errorf("%w: index holds %d of %d entries", dberr.ErrCapacityExceeded, len(vs.entries), vs.meta.Capacity)
	}
	if _, dup := vs.byID[e.ID]; dup {
		return fmt.Errorf("%w: entry %d already exists", dberr.ErrDuplicateEntry, e.ID)
	}

	stored := Entry{ID: e.ID, Embedding: cloneEmbedding(e.Embedding)}
	if err := vs.log.append(stored); err != nil {
		return fmt.Errorf("%w: %v", dberr.ErrStorageFailure, err)
	}

	vs.byID[stored.ID] = len(vs.entries)
	vs.entries = append(vs.entries, stored)
	return nil
}

// All yields every stored entry in insertion order. Each range over the
// returned sequence takes a fresh snapshot, so it can be restarted and
// never observes a half-applied insert. Yielded embeddings must not be modified.
func (vs *VectorStore) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		vs.mu.RLock()
		snapshot := vs.entries[:len(vs.entries):len(vs.entries)]
		vs.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Lookup returns the embedding stored under id. It must not be modified.
func (vs *VectorStore) Lookup(id uint64) ([]float32, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	i, ok := vs.byID[id]
	if !ok {
		return nil, false
	}
	return vs.entries[i].Embedding, true
}

// Count returns the current entry count.
func (vs *VectorStore) Count() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.entries)
}

// DeleteAll removes the index directory and drops the in-memory entries.
// The directory is first renamed to a tombstone, so a failure before that
// point leaves the store fully intact.
func (vs *VectorStore) DeleteAll() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return dberr.ErrClosed
	}

	tomb := vs.dir + tombstoneSuffix
	if err := os.Rename(vs.dir, tomb); err != nil {
		return fmt.Errorf("%w: retire index dir: %v", dberr.ErrStorageFailure, err)
	}
	vs.closed = true
	_ = vs.log.close()
	vs.entries = nil
	vs.byID = make(map[uint64]int)

	if err := os.RemoveAll(tomb); err != nil {
		log.Printf("WARN storage: leftover index files will be removed on next start path=%s err=%v", tomb, err)
	}
	return nil
}

// Close records the final entry count in the metadata and closes the log.
func (vs *VectorStore) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return nil
	}
	vs.closed = true

	var errs []error
	vs.meta.Count = uint64(len(vs.entries))
	if err := WriteMetadata(vs.dir, vs.meta); err != nil {
		errs = append(errs, err)
	}
	if err := vs.log.close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", dberr.ErrStorageFailure, err)
	}
	return nil
}

func cloneEmbedding(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float32, len(in))
	copy(out, in)
	return out
}
