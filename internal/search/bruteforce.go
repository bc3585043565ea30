package search

import (
	"context"

	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/storage"
)

// cancelCheckEvery is how many entries a scan evaluates between context checks.
const cancelCheckEvery = 1024

// BruteForce scans every stored entry for each query.
type BruteForce struct {
	store      Store
	similarity distance.Similarity
}

func NewBruteForce(store Store, sim distance.Similarity) *BruteForce {
	return &BruteForce{store: store, similarity: sim}
}

func (b *BruteForce) Search(ctx context.Context, q Query) (Result, error) {
	queryDist, err := b.similarity.Prepare(q.Embedding)
	if err != nil {
		return Result{}, err
	}

	top := &matchMaxHeap{}
	var skipped []uint64
	n := 0
	for e := range b.store.All() {
		if n%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		n++

		d, ok := queryDist(e.Embedding)
		if !ok {
			skipped = append(skipped, e.ID)
			continue
		}
		pushTopK(top, Match{ID: e.ID, Distance: d}, q.K)
	}
	return Result{Matches: heapToAscending(top), Skipped: skipped}, nil
}

// Add is a no-op: the scan reads the store directly.
func (b *BruteForce) Add(storage.Entry) error { return nil }

func (b *BruteForce) Close() error { return nil }
