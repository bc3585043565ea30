// Package registry owns the set of open indexes: their lifecycle, recovery
// from the data directory, and routing of entry inserts and searches.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/futlize/vectordb/internal/dberr"
	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/hnsw"
	"github.com/futlize/vectordb/internal/metrics"
	"github.com/futlize/vectordb/internal/resources"
	"github.com/futlize/vectordb/internal/search"
	"github.com/futlize/vectordb/internal/storage"
)

const (
	DefaultDataDir            = "data"
	DefaultMaxVectorsPerIndex = 65536
)

type Config struct {
	DataDir            string
	MaxVectorsPerIndex uint64
	HNSW               hnsw.Config
	// Resources and Metrics are optional.
	Resources *resources.Manager
	Metrics   *metrics.Metrics
}

func (c Config) normalize() Config {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MaxVectorsPerIndex == 0 {
		c.MaxVectorsPerIndex = DefaultMaxVectorsPerIndex
	}
	return c
}

// IndexSpec describes an index to create. Capacity 0 uses the configured
// per-index maximum.
type IndexSpec struct {
	Name         string
	Dimensions   int
	Similarity   distance.Similarity
	Optimization search.Optimization
	Capacity     uint64
}

// Index is a metadata snapshot.
type Index struct {
	ID           uint64
	Name         string
	Dimensions   int
	Similarity   distance.Similarity
	Optimization search.Optimization
	Capacity     uint64
	Count        int
}

type openIndex struct {
	store        *storage.VectorStore
	strategy     search.Strategy
	optimization search.Optimization

	// writeMu orders insert+index pairs so count only advances once the
	// strategy can rank every counted entry.
	writeMu sync.Mutex
	count   atomic.Int64
}

func (oi *openIndex) snapshot() Index {
	meta := oi.store.Meta()
	return Index{
		ID:           meta.ID,
		Name:         meta.Name,
		Dimensions:   int(meta.Dimensions),
		Similarity:   meta.Similarity,
		Optimization: oi.optimization,
		Capacity:     meta.Capacity,
		Count:        int(oi.count.Load()),
	}
}

// Registry is safe for concurrent use. Creating and deleting indexes is
// exclusive; lookups, inserts and searches share the registry and rely on
// each store's own locking.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	indexes map[uint64]*openIndex
	closed  bool

	nextID atomic.Uint64
}

// Open recovers every index under cfg.DataDir and returns a registry serving them.
func Open(cfg Config) (*Registry, error) {
	cfg = cfg.normalize()
	started := time.Now()

	stores, err := storage.ReadAll(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: recover indexes: %v", dberr.ErrStorageFailure, err)
	}

	r := &Registry{
		cfg:     cfg,
		indexes: make(map[uint64]*openIndex, len(stores)),
	}
	var maxID uint64
	for i, vs := range stores {
		meta := vs.Meta()
		oi, err := r.attach(vs, meta)
		if err != nil {
			for _, rest := range stores[i:] {
				_ = rest.Close()
			}
			_ = r.Close()
			return nil, fmt.Errorf("recover index %d: %w", meta.ID, err)
		}
		r.indexes[meta.ID] = oi
		maxID = max(maxID, meta.ID)
		r.cfg.Metrics.SetIndexEntries(indexLabel(meta.ID), int(meta.Count))
	}
	r.nextID.Store(maxID + 1)
	r.cfg.Metrics.SetIndexCount(len(r.indexes))

	log.Printf("INFO registry: opened data_dir=%s indexes=%d next_id=%d elapsed=%s",
		cfg.DataDir, len(r.indexes), maxID+1, time.Since(started).Round(time.Millisecond))
	return r, nil
}

func (r *Registry) attach(vs *storage.VectorStore, meta storage.Meta) (*openIndex, error) {
	opt, ok := search.OptimizationFromCode(meta.OptimizationCode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown optimization code %d", dberr.ErrInvalidArgument, meta.OptimizationCode)
	}
	strategy, err := search.New(opt, vs, meta.Similarity, search.Options{HNSW: r.cfg.HNSW})
	if err != nil {
		return nil, err
	}
	oi := &openIndex{store: vs, strategy: strategy, optimization: opt}
	oi.count.Store(int64(vs.Count()))
	return oi, nil
}

// DataDir is the directory the registry persists to.
func (r *Registry) DataDir() string { return r.cfg.DataDir }

func (r *Registry) CreateIndex(ctx context.Context, spec IndexSpec) (idx Index, err error) {
	defer r.observe("create_index", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return Index{}, err
	}
	if spec.Dimensions <= 0 {
		return Index{}, fmt.Errorf("%w: dimensions must be > 0, got %d", dberr.ErrInvalidArgument, spec.Dimensions)
	}
	if uint64(spec.Dimensions) > uint64(^uint32(0)) {
		return Index{}, fmt.Errorf("%w: dimensions too large: %d", dberr.ErrInvalidArgument, spec.Dimensions)
	}
	if !spec.Similarity.Valid() {
		return Index{}, fmt.Errorf("%w: unknown similarity code %d", dberr.ErrInvalidArgument, spec.Similarity.Code())
	}
	if !spec.Optimization.Valid() {
		return Index{}, fmt.Errorf("%w: unknown optimization code %d", dberr.ErrInvalidArgument, spec.Optimization.Code())
	}
	capacity := spec.Capacity
	if capacity == 0 {
		capacity = r.cfg.MaxVectorsPerIndex
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Index{}, dberr.ErrClosed
	}

	id := r.nextID.Add(1) - 1
	meta := storage.Meta{
		ID:               id,
		Name:             spec.Name,
		Dimensions:       uint32(spec.Dimensions),
		Similarity:       spec.Similarity,
		OptimizationCode: spec.Optimization.Code(),
		Capacity:         capacity,
	}
	vs, err := storage.Create(storage.IndexDir(r.cfg.DataDir, id), meta)
	if err != nil {
		_ = storage.RemoveIndexFiles(r.cfg.DataDir, id)
		return Index{}, fmt.Errorf("create index %d: %w", id, err)
	}
	oi, err := r.attach(vs, meta)
	if err != nil {
		_ = vs.DeleteAll()
		return Index{}, fmt.Errorf("create index %d: %w", id, err)
	}
	r.indexes[id] = oi

	r.cfg.Metrics.SetIndexCount(len(r.indexes))
	r.cfg.Metrics.SetIndexEntries(indexLabel(id), 0)
	log.Printf("INFO registry: created index id=%d name=%q dims=%d similarity=%s optimization=%s capacity=%d",
		id, spec.Name, spec.Dimensions, spec.Similarity, spec.Optimization, capacity)
	return oi.snapshot(), nil
}

func (r *Registry) GetIndex(ctx context.Context, id uint64) (idx Index, err error) {
	defer r.observe("get_index", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return Index{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	oi, err := r.lookupLocked(id)
	if err != nil {
		return Index{}, err
	}
	return oi.snapshot(), nil
}

// ListIndexes returns every open index in ascending id order.
func (r *Registry) ListIndexes(ctx context.Context) (out []Index, err error) {
	defer r.observe("list_indexes", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, dberr.ErrClosed
	}
	out = make([]Index, 0, len(r.indexes))
	for _, oi := range r.indexes {
		out = append(out, oi.snapshot())
	}
	slices.SortFunc(out, func(a, b Index) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeleteIndex removes the index and its files. Deleting an unknown or
// already deleted id fails with dberr.ErrNotFound.
func (r *Registry) DeleteIndex(ctx context.Context, id uint64) (err error) {
	defer r.observe("delete_index", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oi, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := oi.store.DeleteAll(); err != nil {
		return fmt.Errorf("delete index %d: %w", id, err)
	}
	delete(r.indexes, id)

	r.cfg.Metrics.SetIndexCount(len(r.indexes))
	r.cfg.Metrics.ForgetIndex(indexLabel(id))
	log.Printf("INFO registry: deleted index id=%d", id)
	return nil
}

// CreateEntry durably stores e in index indexID and makes it searchable.
func (r *Registry) CreateEntry(ctx context.Context, indexID uint64, e storage.Entry) (stored storage.Entry, err error) {
	defer r.observe("create_entry", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	oi, err := r.lookup(indexID)
	if err != nil {
		return storage.Entry{}, err
	}
	if dims := oi.store.Dimensions(); len(e.Embedding) != dims {
		return storage.Entry{}, fmt.Errorf("%w: entry has %d dimensions, index has %d", dberr.ErrDimensionMismatch, len(e.Embedding), dims)
	}
	if err := distance.CheckFinite(e.Embedding); err != nil {
		return storage.Entry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}

	if err := r.cfg.Resources.WaitWriteAllowance(ctx, uint64(len(e.Embedding))*4+8); err != nil {
		return storage.Entry{}, err
	}
	if err := r.cfg.Resources.AcquireWorker(ctx, "create_entry"); err != nil {
		return storage.Entry{}, err
	}
	defer r.cfg.Resources.ReleaseWorker()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if oi, err = r.lookupLocked(indexID); err != nil {
		return storage.Entry{}, err
	}
	oi.writeMu.Lock()
	defer oi.writeMu.Unlock()
	if err := oi.store.Insert(e); err != nil {
		return storage.Entry{}, fmt.Errorf("index %d: %w", indexID, err)
	}
	// The store owns its copy; hand the strategy that one.
	embedding, _ := oi.store.Lookup(e.ID)
	stored = storage.Entry{ID: e.ID, Embedding: embedding}
	if err := oi.strategy.Add(stored); err != nil {
		log.Printf("ERROR registry: entry stored but not indexed index=%d entry=%d err=%v", indexID, e.ID, err)
	}
	count := oi.store.Count()
	oi.count.Store(int64(count))

	r.cfg.Metrics.SetIndexEntries(indexLabel(indexID), count)
	return storage.Entry{ID: e.ID, Embedding: slices.Clone(embedding)}, nil
}

// SearchEntries ranks the entries of index indexID against q.
func (r *Registry) SearchEntries(ctx context.Context, indexID uint64, q search.Query) (res search.Result, err error) {
	defer r.observe("search_entries", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return search.Result{}, err
	}
	oi, err := r.lookup(indexID)
	if err != nil {
		return search.Result{}, err
	}
	if err := q.Validate(oi.store.Dimensions()); err != nil {
		return search.Result{}, err
	}

	if err := r.cfg.Resources.AcquireWorker(ctx, "search_entries"); err != nil {
		return search.Result{}, err
	}
	defer r.cfg.Resources.ReleaseWorker()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if oi, err = r.lookupLocked(indexID); err != nil {
		return search.Result{}, err
	}

	res, err = oi.strategy.Search(ctx, q)
	if err != nil {
		return search.Result{}, fmt.Errorf("search index %d: %w", indexID, err)
	}
	r.cfg.Metrics.AddSkipped(len(res.Skipped))
	return res, nil
}

// Close persists and releases every index. Later calls on r fail with
// dberr.ErrClosed; closing twice is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, oi := range r.indexes {
		if err := oi.strategy.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", id, err))
		}
		if err := oi.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", id, err))
		}
	}
	r.indexes = nil
	if err := errors.Join(errs...); err != nil {
		log.Printf("ERROR registry: close failed err=%v", err)
		return fmt.Errorf("%w: %v", dberr.ErrStorageFailure, err)
	}
	log.Printf("INFO registry: closed data_dir=%s", r.cfg.DataDir)
	return nil
}

// lookup resolves id without holding the registry lock afterwards, for
// callers that must wait on admission before touching the index.
func (r *Registry) lookup(id uint64) (*openIndex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id uint64) (*openIndex, error) {
	if r.closed {
		return nil, dberr.ErrClosed
	}
	oi, ok := r.indexes[id]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", dberr.ErrNotFound, id)
	}
	return oi, nil
}

func (r *Registry) observe(op string, started time.Time, errp *error) {
	r.cfg.Metrics.ObserveOp(op, dberr.Label(*errp), started)
}

func indexLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
