// Package server exposes the index registry as the vectordb.v1.VectorDB
// gRPC service. Payloads are structpb values described in package vectorapi.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/futlize/vectordb/internal/config"
	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/metrics"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/search"
	"github.com/futlize/vectordb/internal/storage"
	"github.com/futlize/vectordb/internal/vectorapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultMaxTopK             = 1024
	defaultMaxDimensions       = 8192
	defaultMaxConcurrentSearch = 64
	defaultMaxConcurrentWrite  = 128
)

// Guardrails bound what a single request may ask for. Zero fields take the defaults.
type Guardrails struct {
	MaxTopK             int
	MaxDimensions       int
	MaxConcurrentSearch int
	MaxConcurrentWrite  int
	RequireRPCDeadline  bool
}

func (g Guardrails) normalize() Guardrails {
	if g.MaxTopK <= 0 {
		g.MaxTopK = defaultMaxTopK
	}
	if g.MaxDimensions <= 0 {
		g.MaxDimensions = defaultMaxDimensions
	}
	if g.MaxConcurrentSearch <= 0 {
		g.MaxConcurrentSearch = defaultMaxConcurrentSearch
	}
	if g.MaxConcurrentWrite <= 0 {
		g.MaxConcurrentWrite = defaultMaxConcurrentWrite
	}
	return g
}

type Options struct {
	Guardrails Guardrails
	// CacheTTL of zero disables the search result cache.
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
}

// OptionsFromConfig picks the settings the service can apply at runtime.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		Guardrails: Guardrails{
			MaxTopK:             cfg.Guardrails.MaxTopK,
			MaxDimensions:       cfg.Guardrails.MaxDimensions,
			MaxConcurrentSearch: cfg.Guardrails.MaxConcurrentSearch,
			MaxConcurrentWrite:  cfg.Guardrails.MaxConcurrentWrite,
			RequireRPCDeadline:  cfg.Guardrails.RequireRPCDeadline,
		},
	}
	if cfg.Cache.Enabled {
		opts.CacheTTL = time.Duration(cfg.Cache.TTLSeconds) * time.Second
	}
	return opts
}

// Service implements the VectorDB RPCs on top of a registry it does not own.
type Service struct {
	registry *registry.Registry
	metrics  *metrics.Metrics

	mu            sync.RWMutex
	guard         Guardrails
	searchLimiter chan struct{}
	writeLimiter  chan struct{}
	cache         *searchCache
}

func New(reg *registry.Registry, opts Options) *Service {
	s := &Service{registry: reg, metrics: opts.Metrics}
	s.apply(opts)
	return s
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&serviceDesc, s)
}

// ApplyConfig swaps in reloaded guardrail and cache settings. Requests
// already holding a limiter slot release it to the limiter they took it from.
func (s *Service) ApplyConfig(cfg config.Config) {
	opts := OptionsFromConfig(cfg)
	s.apply(opts)
	g := opts.Guardrails.normalize()
	log.Printf("INFO server: applied config max_top_k=%d max_dimensions=%d max_concurrent_search=%d max_concurrent_write=%d require_rpc_deadline=%t cache_ttl=%s",
		g.MaxTopK, g.MaxDimensions, g.MaxConcurrentSearch, g.MaxConcurrentWrite, g.RequireRPCDeadline, opts.CacheTTL)
}

func (s *Service) apply(opts Options) {
	g := opts.Guardrails.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = g
	if cap(s.searchLimiter) != g.MaxConcurrentSearch {
		s.searchLimiter = make(chan struct{}, g.MaxConcurrentSearch)
	}
	if cap(s.writeLimiter) != g.MaxConcurrentWrite {
		s.writeLimiter = make(chan struct{}, g.MaxConcurrentWrite)
	}
	switch {
	case opts.CacheTTL <= 0:
		s.cache = nil
	case s.cache == nil || s.cache.ttl != opts.CacheTTL:
		s.cache = newSearchCache(opts.CacheTTL)
	}
}

func (s *Service) settings() (Guardrails, *searchCache) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guard, s.cache
}

func validateContext(ctx context.Context, g Guardrails) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	if g.RequireRPCDeadline {
		if _, ok := ctx.Deadline(); !ok {
			return status.Error(codes.InvalidArgument, "rpc deadline is required")
		}
	}
	return nil
}

func (s *Service) tryAcquireSearchSlot() (func(), error) {
	s.mu.RLock()
	limiter := s.searchLimiter
	s.mu.RUnlock()
	select {
	case limiter <- struct{}{}:
		return func() { <-limiter }, nil
	default:
		s.metrics.GuardrailRejected("max_concurrent_search")
		return nil, status.Error(codes.ResourceExhausted, "too many concurrent search requests")
	}
}

func (s *Service) tryAcquireWriteSlot() (func(), error) {
	s.mu.RLock()
	limiter := s.writeLimiter
	s.mu.RUnlock()
	select {
	case limiter <- struct{}{}:
		return func() { <-limiter }, nil
	default:
		s.metrics.GuardrailRejected("max_concurrent_write")
		return nil, status.Error(codes.ResourceExhausted, "too many concurrent write requests")
	}
}

func (s *Service) CreateIndex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g, _ := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	release, err := s.tryAcquireWriteSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := vectorapi.ParseCreateIndexRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if in.Dimensions > g.MaxDimensions {
		s.metrics.GuardrailRejected("max_dimensions")
		return nil, status.Errorf(codes.InvalidArgument, "dimensions must be <= %d", g.MaxDimensions)
	}
	sim, err := distance.ParseSimilarity(in.Similarity)
	if err != nil {
		return nil, toStatus(err)
	}
	opt, err := search.ParseOptimization(in.Optimization)
	if err != nil {
		return nil, toStatus(err)
	}

	idx, err := s.registry.CreateIndex(ctx, registry.IndexSpec{
		Name:         in.Name,
		Dimensions:   in.Dimensions,
		Similarity:   sim,
		Optimization: opt,
		Capacity:     in.Capacity,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return indexPayload(idx).Struct(), nil
}

func (s *Service) GetIndex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g, _ := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	ref, err := vectorapi.ParseIndexRef(req)
	if err != nil {
		return nil, toStatus(err)
	}
	idx, err := s.registry.GetIndex(ctx, ref.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return indexPayload(idx).Struct(), nil
}

func (s *Service) ListIndexes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	g, _ := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	indexes, err := s.registry.ListIndexes(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := vectorapi.IndexList{Indexes: make([]vectorapi.Index, 0, len(indexes))}
	for _, idx := range indexes {
		list.Indexes = append(list.Indexes, indexPayload(idx))
	}
	return list.Struct(), nil
}

func (s *Service) DeleteIndex(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	g, _ := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	release, err := s.tryAcquireWriteSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	ref, err := vectorapi.ParseIndexRef(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.registry.DeleteIndex(ctx, ref.ID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) CreateEntry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g, _ := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	release, err := s.tryAcquireWriteSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := vectorapi.ParseCreateEntryRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	stored, err := s.registry.CreateEntry(ctx, in.IndexID, storage.Entry{ID: in.ID, Embedding: in.Embedding})
	if err != nil {
		return nil, toStatus(err)
	}
	return vectorapi.Entry{IndexID: in.IndexID, ID: stored.ID}.Struct(), nil
}

func (s *Service) SearchEntries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	g, cache := s.settings()
	if err := validateContext(ctx, g); err != nil {
		return nil, err
	}
	release, err := s.tryAcquireSearchSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := vectorapi.ParseSearchRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if in.K > g.MaxTopK {
		s.metrics.GuardrailRejected("max_top_k")
		return nil, status.Errorf(codes.InvalidArgument, "k must be <= %d", g.MaxTopK)
	}

	res, err := s.search(ctx, in.IndexID, search.Query{K: in.K, Embedding: in.Embedding}, cache)
	if err != nil {
		return nil, toStatus(err)
	}

	out := vectorapi.SearchResponse{
		Matches: make([]vectorapi.Match, len(res.Matches)),
		Skipped: res.Skipped,
	}
	for i, m := range res.Matches {
		out.Matches[i] = vectorapi.Match{ID: m.ID, Distance: m.Distance}
	}
	return out.Struct(), nil
}

// search consults the cache under the entry count observed before the scan,
// so a result can never be filed under a count newer than what it saw.
func (s *Service) search(ctx context.Context, indexID uint64, q search.Query, cache *searchCache) (search.Result, error) {
	if cache == nil {
		return s.registry.SearchEntries(ctx, indexID, q)
	}
	idx, err := s.registry.GetIndex(ctx, indexID)
	if err != nil {
		return search.Result{}, err
	}
	key := searchCacheKey(indexID, idx.Count, q)
	if res, ok := cache.get(key); ok {
		s.metrics.CacheLookup(true)
		return res, nil
	}
	s.metrics.CacheLookup(false)

	res, err := s.registry.SearchEntries(ctx, indexID, q)
	if err != nil {
		return search.Result{}, err
	}
	cache.put(key, res)
	return res, nil
}

func indexPayload(idx registry.Index) vectorapi.Index {
	return vectorapi.Index{
		ID:           idx.ID,
		Name:         idx.Name,
		Dimensions:   idx.Dimensions,
		Similarity:   idx.Similarity.String(),
		Optimization: idx.Optimization.String(),
		Capacity:     idx.Capacity,
		Count:        idx.Count,
	}
}
