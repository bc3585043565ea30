package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/futlize/vectordb/internal/dberr"
	"github.com/futlize/vectordb/internal/distance"
)

func testMeta(id uint64, dims uint32, capacity uint64) Meta {
	return Meta{
		ID:         id,
		Name:       "docs",
		Dimensions: dims,
		Similarity: distance.Cosine,
		Capacity:   capacity,
	}
}

func collect(vs *VectorStore) []Entry {
	var out []Entry
	for e := range vs.All() {
		out = append(out, e)
	}
	return out
}

func TestVectorStorePersistAndAppendAfterReopen(t *testing.T) {
	root := t.TempDir()
	dir := IndexDir(root, 1)

	store, err := Create(dir, testMeta(1, 3, 16))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := store.Insert(Entry{ID: 10, Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("insert 10: %v", err)
	}
	if err := store.Insert(Entry{ID: 4, Embedding: []float32{4, 5, 6}}); err != nil {
		t.Fatalf("insert 4: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if got := store.PersistedCount(); got != 2 {
		t.Fatalf("persisted count: got=%d want=2", got)
	}
	if err := store.Insert(Entry{ID: 7, Embedding: []float32{7, 8, 9}}); err != nil {
		t.Fatalf("insert after reopen: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer store.Close()

	want := []Entry{
		{ID: 10, Embedding: []float32{1, 2, 3}},
		{ID: 4, Embedding: []float32{4, 5, 6}},
		{ID: 7, Embedding: []float32{7, 8, 9}},
	}
	if got := collect(store); !reflect.DeepEqual(got, want) {
		t.Fatalf("entries after reopen: got=%v want=%v", got, want)
	}
	meta := store.Meta()
	if meta.Count != 3 || meta.Name != "docs" || meta.Dimensions != 3 || meta.Similarity != distance.Cosine {
		t.Fatalf("unexpected meta after reopen: %+v", meta)
	}
}

func TestVectorStoreValidatesInsert(t *testing.T) {
	store, err := Create(IndexDir(t.TempDir(), 1), testMeta(1, 3, 2))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	if err := store.Insert(Entry{ID: 1, Embedding: []float32{1, 0}}); !errors.Is(err, dberr.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("count changed after rejected insert: %d", store.Count())
	}

	if err := store.Insert(Entry{ID: 1, Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := store.Insert(Entry{ID: 1, Embedding: []float32{0, 1, 0}}); !errors.Is(err, dberr.ErrDuplicateEntry) {
		t.Fatalf("expected duplicate entry, got %v", err)
	}
	if err := store.Insert(Entry{ID: 2, Embedding: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := store.Insert(Entry{ID: 3, Embedding: []float32{0, 0, 1}}); !errors.Is(err, dberr.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if store.Count() != 2 {
		t.Fatalf("count: got=%d want=2", store.Count())
	}

	got, ok := store.Lookup(1)
	if !ok || !reflect.DeepEqual(got, []float32{1, 0, 0}) {
		t.Fatalf("lookup 1: got=%v ok=%t", got, ok)
	}
}

func TestVectorStoreInsertCopiesEmbedding(t *testing.T) {
	store, err := Create(IndexDir(t.TempDir(), 1), testMeta(1, 2, 4))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	vec := []float32{1, 2}
	if err := store.Insert(Entry{ID: 1, Embedding: vec}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	vec[0] = 99
	got, _ := store.Lookup(1)
	if got[0] != 1 {
		t.Fatalf("stored embedding aliases caller slice: %v", got)
	}
}

func TestVectorStoreStorageFailureLeavesStateUnchanged(t *testing.T) {
	dir := IndexDir(t.TempDir(), 1)
	store, err := Create(dir, testMeta(1, 2, 4))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := store.Insert(Entry{ID: 1, Embedding: []float32{1, 1}}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	// Pull the file out from under the log so the next append fails.
	if err := store.log.f.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	err = store.Insert(Entry{ID: 2, Embedding: []float32{2, 2}})
	if !errors.Is(err, dberr.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("count after failed insert: got=%d want=1", store.Count())
	}
	if _, ok := store.Lookup(2); ok {
		t.Fatalf("failed entry is visible")
	}
	store.log.f = nil
	_ = store.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Count() != 1 {
		t.Fatalf("count after reopen: got=%d want=1", reopened.Count())
	}
}

func TestOpenTruncatesTornRecord(t *testing.T) {
	dir := IndexDir(t.TempDir(), 3)
	store, err := Create(dir, testMeta(3, 2, 8))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	for id := uint64(1); id <= 2; id++ {
		if err := store.Insert(Entry{ID: id, Embedding: []float32{float32(id), 1}}); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logPath := filepath.Join(dir, entryLogFileName)
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte{9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("count: got=%d want=2", reopened.Count())
	}
	if err := reopened.Insert(Entry{ID: 3, Embedding: []float32{3, 1}}); err != nil {
		t.Fatalf("insert after truncation: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if want := int64(entryLogHeaderSz + 3*(8+2*4)); info.Size() != want {
		t.Fatalf("log size: got=%d want=%d", info.Size(), want)
	}
}

func TestAllIsRestartableSnapshot(t *testing.T) {
	store, err := Create(IndexDir(t.TempDir(), 1), testMeta(1, 1, 8))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	_ = store.Insert(Entry{ID: 1, Embedding: []float32{1}})
	seq := store.All()

	seen := 0
	for range seq {
		seen++
		// Inserts during iteration are not observed by this pass.
		_ = store.Insert(Entry{ID: uint64(100 + seen), Embedding: []float32{2}})
	}
	if seen != 1 {
		t.Fatalf("first pass saw %d entries, want 1", seen)
	}

	seen = 0
	for range seq {
		seen++
	}
	if seen != 2 {
		t.Fatalf("second pass saw %d entries, want 2", seen)
	}
}

func TestReadAllRecoversIndexesInIDOrder(t *testing.T) {
	root := t.TempDir()
	for _, id := range []uint64{12, 3} {
		store, err := Create(IndexDir(root, id), testMeta(id, 2, 8))
		if err != nil {
			t.Fatalf("create %d: %v", id, err)
		}
		if err := store.Insert(Entry{ID: id, Embedding: []float32{1, 2}}); err != nil {
			t.Fatalf("insert into %d: %v", id, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close %d: %v", id, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "lost+found"), 0o755); err != nil {
		t.Fatalf("mkdir foreign: %v", err)
	}
	if err := os.MkdirAll(IndexDir(root, 40), 0o755); err != nil {
		t.Fatalf("mkdir empty index dir: %v", err)
	}

	stores, err := ReadAll(root)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("recovered %d indexes, want 2", len(stores))
	}
	if stores[0].Meta().ID != 3 || stores[1].Meta().ID != 12 {
		t.Fatalf("unexpected order: %d, %d", stores[0].Meta().ID, stores[1].Meta().ID)
	}
	for _, vs := range stores {
		if vs.Count() != 1 {
			t.Fatalf("index %d count: got=%d want=1", vs.Meta().ID, vs.Count())
		}
		_ = vs.Close()
	}
}

func TestReadAllFailsOnCorruptMetadata(t *testing.T) {
	root := t.TempDir()
	dir := IndexDir(root, 1)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), []byte("garbage!garbage!"), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if _, err := ReadAll(root); err == nil {
		t.Fatalf("expected corrupt metadata to fail recovery")
	}
}

func TestDeleteAllRemovesFiles(t *testing.T) {
	root := t.TempDir()
	dir := IndexDir(root, 5)
	store, err := Create(dir, testMeta(5, 2, 8))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Insert(Entry{ID: 1, Embedding: []float32{1, 2}})

	if err := store.DeleteAll(); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("index dir still present: %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("entries still in memory: %d", store.Count())
	}
	if err := store.Insert(Entry{ID: 2, Embedding: []float32{1, 2}}); !errors.Is(err, dberr.ErrClosed) {
		t.Fatalf("expected closed after delete, got %v", err)
	}
}

func TestMetadataPreservesFields(t *testing.T) {
	dir := t.TempDir()
	want := Meta{
		ID:               77,
		Name:             "embeddings-ü",
		Dimensions:       384,
		Similarity:       distance.DotProduct,
		OptimizationCode: 1,
		Capacity:         65536,
		Count:            12,
	}
	if err := WriteMetadata(dir, want); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	got, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if got != want {
		t.Fatalf("meta mismatch: got=%+v want=%+v", got, want)
	}

	if err := WriteMetadata(dir, Meta{ID: 1, Dimensions: 0, Similarity: distance.Cosine, Capacity: 1}); err == nil {
		t.Fatalf("expected zero dimensions to be rejected")
	}
}

func TestReadAllRemovesDeleteTombstones(t *testing.T) {
	root := t.TempDir()
	tomb := IndexDir(root, 9) + tombstoneSuffix
	if err := os.MkdirAll(tomb, 0o755); err != nil {
		t.Fatalf("mkdir tombstone: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tomb, entryLogFileName), []byte("x"), 0o644); err != nil {
		t.Fatalf("write tombstone file: %v", err)
	}

	stores, err := ReadAll(root)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(stores) != 0 {
		t.Fatalf("recovered %d indexes from a tombstone", len(stores))
	}
	if _, err := os.Stat(tomb); !os.IsNotExist(err) {
		t.Fatalf("tombstone still present: %v", err)
	}
}
