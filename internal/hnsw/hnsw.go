package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/futlize/vectordb/internal/distance"
)

// Config holds HNSW hyperparameters.
type Config struct {
	M              int // Max connections per node per layer
	MMax0          int // Max connections at layer 0 (usually 2*M)
	EfConstruction int // Beam width during construction
	EfSearch       int // Default beam width during search
}

// DefaultConfig returns sensible defaults for HNSW.
func DefaultConfig() Config {
	return Config{
		M:              16,
		MMax0:          32,
		EfConstruction: 200,
		EfSearch:       64,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.M < 2 {
		c.M = def.M
	}
	if c.MMax0 <= 0 {
		c.MMax0 = c.M * 2
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = def.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = def.EfSearch
	}
	return c
}

// VectorGetter resolves an entry id to its stored embedding.
type VectorGetter func(id uint64) ([]float32, bool)

type node struct {
	id         uint64
	layer      int
	neighbours [][]uint64 // neighbours[layer] = list of neighbour IDs
}

// Index is a Hierarchical Navigable Small World graph over entry ids.
// Vectors live in the caller's store and are fetched through getVector.
type Index struct {
	mu           sync.RWMutex
	config       Config
	similarity   distance.Similarity
	pairwise     distance.Func
	getVector    VectorGetter
	nodes        map[uint64]*node
	entryPointID uint64
	maxLayer     int
	rng          *rand.Rand
}

// Result holds one result from a nearest neighbour search.
type Result struct {
	ID       uint64
	Distance float32
}

// New creates an empty graph ranking by sim.
func New(cfg Config, sim distance.Similarity, getVector VectorGetter) *Index {
	return &Index{
		config:     cfg.normalize(),
		similarity: sim,
		pairwise:   sim.Func(),
		getVector:  getVector,
		nodes:      make(map[uint64]*node),
		maxLayer:   -1,
		rng:        rand.New(rand.NewSource(42)),
	}
}

// Config returns a copy of the current HNSW settings.
func (idx *Index) Config() Config {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.config
}

// Tune replaces the beam widths; values <= 0 keep the current setting.
// M is part of the graph shape and cannot change after construction.
func (idx *Index) Tune(efConstruction, efSearch int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if efConstruction > 0 {
		idx.config.EfConstruction = efConstruction
	}
	if efSearch > 0 {
		idx.config.EfSearch = efSearch
	}
}

// Len returns the number of nodes in the graph.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Contains reports whether id is a node of the graph.
func (idx *Index) Contains(id uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.nodes[id]
	return ok
}

// ─── Insert ──────────────────────────────────────────────

// Insert links an already-stored vector into the graph. Vectors with no
// defined distance under the graph's metric are rejected.
func (idx *Index) Insert(id uint64) error {
	vec, ok := idx.getVector(id)
	if !ok {
		return fmt.Errorf("get vector for insert: id %d not found", id)
	}
	queryDist, err := idx.similarity.Prepare(vec)
	if err != nil {
		return fmt.Errorf("prepare vector %d: %w", id, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return nil
	}

	level := idx.randomLevel()
	n := &node{
		id:         id,
		layer:      level,
		neighbours: make([][]uint64, level+1),
	}
	idx.nodes[id] = n

	// First node becomes the entry point
	if idx.maxLayer == -1 {
		idx.entryPointID = id
		idx.maxLayer = level
		return nil
	}

	ep := idx.entryPointID
	for lc := idx.maxLayer; lc > level; lc-- {
		ep = idx.greedyClosest(queryDist, ep, lc)
	}

	for lc := min(level, idx.maxLayer); lc >= 0; lc-- {
		candidates := idx.searchLayer(queryDist, ep, idx.config.EfConstruction, lc)
		maxConn := idx.maxConnections(lc)

		n.neighbours[lc] = closestIDs(candidates, maxConn)
		for _, nbrID := range n.neighbours[lc] {
			nbr := idx.nodes[nbrID]
			if nbr == nil || lc >= len(nbr.neighbours) {
				continue
			}
			nbr.neighbours[lc] = append(nbr.neighbours[lc], id)
			if len(nbr.neighbours[lc]) > maxConn {
				nbr.neighbours[lc] = idx.pruneConnections(nbrID, nbr.neighbours[lc], maxConn)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > idx.maxLayer {
		idx.entryPointID = id
		idx.maxLayer = level
	}
	return nil
}

// ─── Search ──────────────────────────────────────────────

// Search returns up to k nearest nodes to the query, ascending by distance with
// ties broken by ascending id. efSearch <= 0 uses the configured default.
func (idx *Index) Search(queryDist distance.QueryFunc, k int, efSearch int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 || k <= 0 {
		return nil
	}
	if efSearch <= 0 {
		efSearch = idx.config.EfSearch
	}
	if efSearch < k {
		efSearch = k
	}

	ep := idx.entryPointID
	for lc := idx.maxLayer; lc > 0; lc-- {
		ep = idx.greedyClosest(queryDist, ep, lc)
	}

	candidates := idx.searchLayer(queryDist, ep, efSearch, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if math.IsInf(float64(c.dist), 1) {
			continue
		}
		results = append(results, Result{ID: c.id, Distance: c.dist})
	}
	return results
}

// ─── Internal algorithms ─────────────────────────────────

func (idx *Index) maxConnections(layer int) int {
	if layer == 0 {
		return idx.config.MMax0
	}
	return idx.config.M
}

// randomLevel draws a layer with P(layer=l) = (1/M)^l.
func (idx *Index) randomLevel() int {
	ml := 1.0 / math.Log(float64(idx.config.M))
	r := idx.rng.Float64()
	if r == 0 {
		r = 1e-10
	}
	return int(math.Floor(-math.Log(r) * ml))
}

// distanceTo evaluates the query against a node; undefined or missing vectors rank last.
func (idx *Index) distanceTo(queryDist distance.QueryFunc, id uint64) float32 {
	vec, ok := idx.getVector(id)
	if !ok {
		return float32(math.Inf(1))
	}
	d, ok := queryDist(vec)
	if !ok {
		return float32(math.Inf(1))
	}
	return d
}

func (idx *Index) greedyClosest(queryDist distance.QueryFunc, entryID uint64, layer int) uint64 {
	current := candidate{id: entryID, dist: idx.distanceTo(queryDist, entryID)}
	for {
		changed := false
		n := idx.nodes[current.id]
		if n == nil || layer >= len(n.neighbours) {
			break
		}
		for _, nbrID := range n.neighbours[layer] {
			if idx.nodes[nbrID] == nil {
				continue
			}
			next := candidate{id: nbrID, dist: idx.distanceTo(queryDist, nbrID)}
			if next.closerThan(current) {
				current = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current.id
}

type candidate struct {
	id   uint64
	dist float32
}

// closerThan orders candidates by distance, then by id.
func (c candidate) closerThan(o candidate) bool {
	if c.dist != o.dist {
		return c.dist < o.dist
	}
	return c.id < o.id
}

// searchLayer performs beam search at one layer and returns up to ef
// candidates, closest first.
func (idx *Index) searchLayer(queryDist distance.QueryFunc, entryID uint64, ef int, layer int) []candidate {
	entry := candidate{id: entryID, dist: idx.distanceTo(queryDist, entryID)}
	visited := map[uint64]struct{}{entryID: {}}

	cands := &minHeap{entry}
	results := &maxHeap{entry}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && (*results)[0].closerThan(c) {
			break
		}

		n := idx.nodes[c.id]
		if n == nil || layer >= len(n.neighbours) {
			continue
		}
		for _, nbrID := range n.neighbours[layer] {
			if _, seen := visited[nbrID]; seen || idx.nodes[nbrID] == nil {
				continue
			}
			visited[nbrID] = struct{}{}

			next := candidate{id: nbrID, dist: idx.distanceTo(queryDist, nbrID)}
			if results.Len() < ef || next.closerThan((*results)[0]) {
				heap.Push(cands, next)
				heap.Push(results, next)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	sorted := make([]candidate, results.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i] = heap.Pop(results).(candidate)
	}
	return sorted
}

func closestIDs(candidates []candidate, maxConn int) []uint64 {
	n := min(len(candidates), maxConn)
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = candidates[i].id
	}
	return ids
}

// pruneConnections keeps the maxConn neighbours closest to nodeID.
func (idx *Index) pruneConnections(nodeID uint64, neighbours []uint64, maxConn int) []uint64 {
	nodeVec, ok := idx.getVector(nodeID)
	if !ok {
		return neighbours[:maxConn]
	}

	h := make(minHeap, 0, len(neighbours))
	for _, nbrID := range neighbours {
		nbrVec, ok := idx.getVector(nbrID)
		if !ok {
			continue
		}
		d, ok := idx.pairwise(nodeVec, nbrVec)
		if !ok {
			continue
		}
		h = append(h, candidate{id: nbrID, dist: d})
	}
	heap.Init(&h)

	result := make([]uint64, 0, maxConn)
	for h.Len() > 0 && len(result) < maxConn {
		result = append(result, heap.Pop(&h).(candidate).id)
	}
	return result
}

// ─── Heap implementations ────────────────────────────────

// minHeap pops the closest candidate first.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].closerThan(h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap pops the farthest candidate first.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[j].closerThan(h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
