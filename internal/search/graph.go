package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"

	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/hnsw"
	"github.com/futlize/vectordb/internal/storage"
)

// Graph answers queries from an HNSW graph over the store's entries.
// When the graph yields fewer than min(K, graph size) matches it falls back
// to a full scan so the result shape never depends on graph recall.
type Graph struct {
	store      Store
	similarity distance.Similarity
	index      *hnsw.Index
	exact      *BruteForce

	mu       sync.Mutex
	skipped  []uint64
	efSearch int
}

// NewGraph loads the graph snapshot in the store directory when it covers
// exactly the stored entries, and rebuilds it from the store otherwise.
// A loaded graph keeps its persisted M but takes the beam widths from cfg.
func NewGraph(store Store, sim distance.Similarity, cfg hnsw.Config) (*Graph, error) {
	g := &Graph{
		store:      store,
		similarity: sim,
		exact:      NewBruteForce(store, sim),
	}

	var rankable []uint64
	for e := range store.All() {
		if sim.Degenerate(e.Embedding) {
			g.skipped = append(g.skipped, e.ID)
			continue
		}
		rankable = append(rankable, e.ID)
	}

	if idx, ok := g.loadSnapshot(rankable); ok {
		idx.Tune(cfg.EfConstruction, cfg.EfSearch)
		g.index = idx
		g.efSearch = idx.Config().EfSearch
		return g, nil
	}

	g.index = hnsw.New(cfg, sim, store.Lookup)
	g.efSearch = g.index.Config().EfSearch
	for _, id := range rankable {
		if err := g.index.Insert(id); err != nil {
			return nil, fmt.Errorf("rebuild hnsw graph: %w", err)
		}
	}
	if len(rankable) > 0 {
		log.Printf("INFO search: rebuilt hnsw graph dir=%s nodes=%d", store.Dir(), len(rankable))
	}
	return g, nil
}

func (g *Graph) loadSnapshot(rankable []uint64) (*hnsw.Index, bool) {
	idx, err := hnsw.Load(g.store.Dir(), g.similarity, g.store.Lookup)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("WARN search: discarding unreadable hnsw graph dir=%s err=%v", g.store.Dir(), err)
		}
		return nil, false
	}
	if idx.Len() != len(rankable) {
		log.Printf("WARN search: hnsw graph is stale dir=%s graph_nodes=%d entries=%d", g.store.Dir(), idx.Len(), len(rankable))
		return nil, false
	}
	for _, id := range rankable {
		if !idx.Contains(id) {
			log.Printf("WARN search: hnsw graph is missing entry dir=%s id=%d", g.store.Dir(), id)
			return nil, false
		}
	}
	return idx, true
}

func (g *Graph) Search(ctx context.Context, q Query) (Result, error) {
	queryDist, err := g.similarity.Prepare(q.Embedding)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	hits := g.index.Search(queryDist, q.K, g.efSearch)
	if want := min(q.K, g.index.Len()); len(hits) < want {
		log.Printf("WARN search: hnsw returned %d of %d matches, falling back to scan dir=%s", len(hits), want, g.store.Dir())
		return g.exact.Search(ctx, q)
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{ID: h.ID, Distance: h.Distance}
	}

	g.mu.Lock()
	skipped := slices.Clone(g.skipped)
	g.mu.Unlock()
	return Result{Matches: matches, Skipped: skipped}, nil
}

// Add links e into the graph. Entries with no defined distance under the
// index metric are remembered as skipped instead.
func (g *Graph) Add(e storage.Entry) error {
	if g.similarity.Degenerate(e.Embedding) {
		g.mu.Lock()
		g.skipped = append(g.skipped, e.ID)
		g.mu.Unlock()
		return nil
	}
	return g.index.Insert(e.ID)
}

// Close writes the graph snapshot next to the store files.
func (g *Graph) Close() error {
	if err := g.index.Save(g.store.Dir()); err != nil {
		return fmt.Errorf("save hnsw graph: %w", err)
	}
	return nil
}
