// Package search ranks the entries of a vector store against a query.
//
// Every optimization mode is a Strategy bound to one store at construction.
// Strategies share one result shape: matches ascending by distance, ties
// broken by ascending entry id, length min(K, rankable entries).
package search

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/futlize/vectordb/internal/dberr"
	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/hnsw"
	"github.com/futlize/vectordb/internal/storage"
)

// Optimization selects the Strategy an index searches with.
type Optimization uint8

const (
	None Optimization = 0
	HNSW Optimization = 1
)

// ParseOptimization accepts the text forms used by the CLI and RPC payloads.
func ParseOptimization(raw string) (Optimization, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "brute_force", "bruteforce", "flat":
		return None, nil
	case "hnsw":
		return HNSW, nil
	default:
		return 0, fmt.Errorf("%w: unknown optimization %q", dberr.ErrInvalidArgument, raw)
	}
}

// OptimizationFromCode decodes the persisted one-byte form.
func OptimizationFromCode(code uint8) (Optimization, bool) {
	o := Optimization(code)
	return o, o.Valid()
}

func (o Optimization) Valid() bool {
	_, ok := factories[o]
	return ok
}

// Code is the persisted one-byte form.
func (o Optimization) Code() uint8 { return uint8(o) }

func (o Optimization) String() string {
	switch o {
	case None:
		return "none"
	case HNSW:
		return "hnsw"
	default:
		return fmt.Sprintf("optimization(%d)", uint8(o))
	}
}

// Query asks for the K entries closest to Embedding.
type Query struct {
	K         int
	Embedding []float32
}

// Validate checks q against an index of the given dimensionality.
func (q Query) Validate(dims int) error {
	if q.K <= 0 {
		return fmt.Errorf("%w: k must be > 0, got %d", dberr.ErrInvalidArgument, q.K)
	}
	if len(q.Embedding) != dims {
		return fmt.Errorf("%w: query has %d dimensions, index has %d", dberr.ErrDimensionMismatch, len(q.Embedding), dims)
	}
	if err := distance.CheckFinite(q.Embedding); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return nil
}

// Match is one ranked entry.
type Match struct {
	ID       uint64
	Distance float32
}

// Result is a ranked answer. Skipped lists entries excluded from ranking
// because their distance to the query is undefined.
type Result struct {
	Matches []Match
	Skipped []uint64
}

// Store is the read side of a vector store that strategies rank over.
type Store interface {
	All() iter.Seq[storage.Entry]
	Lookup(id uint64) ([]float32, bool)
	Count() int
	Dir() string
}

// Strategy answers top-K queries for one store.
type Strategy interface {
	// Search ranks the store against q. q must already be validated.
	Search(ctx context.Context, q Query) (Result, error)
	// Add makes an entry that was durably inserted into the store searchable.
	Add(e storage.Entry) error
	// Close persists any derived state next to the store's files.
	Close() error
}

// Options carries per-strategy tuning.
type Options struct {
	HNSW hnsw.Config
}

// Factory builds the strategy for one optimization mode.
type Factory func(store Store, sim distance.Similarity, opts Options) (Strategy, error)

var factories = map[Optimization]Factory{
	None: func(store Store, sim distance.Similarity, _ Options) (Strategy, error) {
		return NewBruteForce(store, sim), nil
	},
	HNSW: func(store Store, sim distance.Similarity, opts Options) (Strategy, error) {
		return NewGraph(store, sim, opts.HNSW)
	},
}

// New builds the strategy selected by opt over store.
func New(opt Optimization, store Store, sim distance.Similarity, opts Options) (Strategy, error) {
	factory, ok := factories[opt]
	if !ok {
		return nil, fmt.Errorf("%w: unknown optimization code %d", dberr.ErrInvalidArgument, uint8(opt))
	}
	if !sim.Valid() {
		return nil, fmt.Errorf("%w: unknown similarity code %d", dberr.ErrInvalidArgument, sim.Code())
	}
	return factory(store, sim, opts)
}
