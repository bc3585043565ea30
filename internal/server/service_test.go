package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/futlize/vectordb/internal/config"
	"github.com/futlize/vectordb/internal/dberr"
	"github.com/futlize/vectordb/internal/metrics"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/vectorapi"
)

type harness struct {
	client   *vectorapi.Client
	service  *Service
	registry *registry.Registry
}

func startService(t *testing.T, opts Options) harness {
	t.Helper()
	reg, err := registry.Open(registry.Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	svc := New(reg, opts)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor()))
	svc.Register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = reg.Close()
	})
	return harness{client: vectorapi.NewClient(conn), service: svc, registry: reg}
}

func (h harness) createIndex(t *testing.T, req vectorapi.CreateIndexRequest) vectorapi.Index {
	t.Helper()
	idx, err := h.client.CreateIndex(context.Background(), req)
	require.NoError(t, err)
	return idx
}

func (h harness) insert(t *testing.T, indexID, id uint64, embedding ...float32) {
	t.Helper()
	_, err := h.client.CreateEntry(context.Background(), vectorapi.CreateEntryRequest{
		IndexID: indexID, ID: id, Embedding: embedding,
	})
	require.NoError(t, err)
}

func TestServiceIndexLifecycleAndSearch(t *testing.T) {
	h := startService(t, Options{})
	ctx := context.Background()

	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "docs", Dimensions: 3, Similarity: "cosine"})
	assert.Equal(t, uint64(1), idx.ID)
	assert.Equal(t, "cosine", idx.Similarity)
	assert.Equal(t, "none", idx.Optimization)
	assert.Equal(t, uint64(65536), idx.Capacity)

	h.insert(t, idx.ID, 1, 1, 0, 0)
	h.insert(t, idx.ID, 2, 0, 1, 0)

	res, err := h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 1, Embedding: []float32{0.9, 0.1, 0}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, uint64(1), res.Matches[0].ID)
	assert.InDelta(t, 0.0061, res.Matches[0].Distance, 1e-3)

	got, err := h.client.GetIndex(ctx, idx.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	list, err := h.client.ListIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "docs", list[0].Name)

	require.NoError(t, h.client.DeleteIndex(ctx, idx.ID))
	_, err = h.client.GetIndex(ctx, idx.ID)
	assert.Equal(t, codes.NotFound, status.Code(err))
	err = h.client.DeleteIndex(ctx, idx.ID)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServiceHNSWIndexReturnsFullResult(t *testing.T) {
	h := startService(t, Options{})
	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "g", Dimensions: 2, Similarity: "euclidean", Optimization: "hnsw"})
	assert.Equal(t, "hnsw", idx.Optimization)
	for i := uint64(1); i <= 20; i++ {
		h.insert(t, idx.ID, i, float32(i), 0)
	}

	res, err := h.client.SearchEntries(context.Background(), vectorapi.SearchRequest{IndexID: idx.ID, K: 3, Embedding: []float32{0, 0}})
	require.NoError(t, err)
	ids := make([]uint64, 0, len(res.Matches))
	for _, m := range res.Matches {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestServiceErrorCodes(t *testing.T) {
	h := startService(t, Options{})
	ctx := context.Background()
	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "small", Dimensions: 2, Similarity: "cosine", Capacity: 2})
	h.insert(t, idx.ID, 1, 1, 0)

	_, err := h.client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: idx.ID, ID: 1, Embedding: []float32{0, 1}})
	assert.Equal(t, codes.AlreadyExists, status.Code(err), "duplicate id")

	_, err = h.client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: idx.ID, ID: 2, Embedding: []float32{0, 1, 2}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "dimension mismatch")

	_, err = h.client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: 99, ID: 2, Embedding: []float32{0, 1}})
	assert.Equal(t, codes.NotFound, status.Code(err), "unknown index")

	h.insert(t, idx.ID, 2, 0, 1)
	_, err = h.client.CreateEntry(ctx, vectorapi.CreateEntryRequest{IndexID: idx.ID, ID: 3, Embedding: []float32{1, 1}})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "capacity")

	_, err = h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 1, Embedding: []float32{0, 0}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "zero query under cosine")

	_, err = h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 0, Embedding: []float32{1, 0}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "k = 0")

	_, err = h.client.CreateIndex(ctx, vectorapi.CreateIndexRequest{Name: "x", Dimensions: 2, Similarity: "hamming"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "unknown similarity")

	_, err = h.client.CreateIndex(ctx, vectorapi.CreateIndexRequest{Name: "x", Dimensions: 2, Similarity: "cosine", Optimization: "ivf"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "unknown optimization")

	_, err = h.client.CreateIndex(ctx, vectorapi.CreateIndexRequest{Name: "x", Dimensions: 0, Similarity: "cosine"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "zero dimensions")
}

func TestServiceReportsSkippedEntries(t *testing.T) {
	h := startService(t, Options{})
	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "z", Dimensions: 2, Similarity: "cosine"})
	h.insert(t, idx.ID, 1, 0, 0)
	h.insert(t, idx.ID, 2, 1, 1)

	res, err := h.client.SearchEntries(context.Background(), vectorapi.SearchRequest{IndexID: idx.ID, K: 5, Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, uint64(2), res.Matches[0].ID)
	assert.Equal(t, []uint64{1}, res.Skipped)
}

func TestServiceGuardrails(t *testing.T) {
	h := startService(t, Options{Guardrails: Guardrails{MaxTopK: 2, MaxDimensions: 4, RequireRPCDeadline: true}})

	_, err := h.client.CreateIndex(context.Background(), vectorapi.CreateIndexRequest{Name: "a", Dimensions: 2, Similarity: "l2"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "deadline")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = h.client.CreateIndex(ctx, vectorapi.CreateIndexRequest{Name: "a", Dimensions: 5, Similarity: "l2"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	idx, err := h.client.CreateIndex(ctx, vectorapi.CreateIndexRequest{Name: "a", Dimensions: 2, Similarity: "l2"})
	require.NoError(t, err)
	_, err = h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 3, Embedding: []float32{1, 0}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 2, Embedding: []float32{1, 0}})
	assert.NoError(t, err)
}

func TestServiceLimiterFailsFast(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := startService(t, Options{Guardrails: Guardrails{MaxConcurrentWrite: 1, MaxConcurrentSearch: 1}, Metrics: m})

	release, err := h.service.tryAcquireWriteSlot()
	require.NoError(t, err)
	_, err = h.client.CreateIndex(context.Background(), vectorapi.CreateIndexRequest{Name: "a", Dimensions: 2, Similarity: "l2"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	release()

	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "a", Dimensions: 2, Similarity: "l2"})

	release, err = h.service.tryAcquireSearchSlot()
	require.NoError(t, err)
	_, err = h.client.SearchEntries(context.Background(), vectorapi.SearchRequest{IndexID: idx.ID, K: 1, Embedding: []float32{1, 0}})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	release()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardrailDenied.WithLabelValues("max_concurrent_write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardrailDenied.WithLabelValues("max_concurrent_search")))
}

func TestServiceSearchCacheInvalidatedByInsert(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := startService(t, Options{CacheTTL: time.Minute, Metrics: m})
	ctx := context.Background()
	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "c", Dimensions: 2, Similarity: "l2"})
	h.insert(t, idx.ID, 1, 5, 5)

	query := vectorapi.SearchRequest{IndexID: idx.ID, K: 1, Embedding: []float32{0, 0}}
	first, err := h.client.SearchEntries(ctx, query)
	require.NoError(t, err)
	second, err := h.client.SearchEntries(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))

	h.insert(t, idx.ID, 2, 1, 1)
	third, err := h.client.SearchEntries(ctx, query)
	require.NoError(t, err)
	require.Len(t, third.Matches, 1)
	assert.Equal(t, uint64(2), third.Matches[0].ID)
	assert.Equal(t, 2, h.service.cache.len())
}

func TestApplyConfigSwapsGuardrailsAndCache(t *testing.T) {
	h := startService(t, Options{CacheTTL: time.Minute})
	ctx := context.Background()
	idx := h.createIndex(t, vectorapi.CreateIndexRequest{Name: "c", Dimensions: 2, Similarity: "l2"})
	h.insert(t, idx.ID, 1, 1, 1)

	cfg := config.Default()
	cfg.Guardrails.MaxTopK = 1
	cfg.Guardrails.MaxConcurrentSearch = 3
	cfg.Cache.Enabled = false
	h.service.ApplyConfig(cfg)

	_, err := h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 2, Embedding: []float32{1, 0}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = h.client.SearchEntries(ctx, vectorapi.SearchRequest{IndexID: idx.ID, K: 1, Embedding: []float32{1, 0}})
	assert.NoError(t, err)

	g, cache := h.service.settings()
	assert.Nil(t, cache)
	assert.Equal(t, 1, g.MaxTopK)
	assert.Equal(t, 3, cap(h.service.searchLimiter))
}

func TestLoggingInterceptorSetsRequestID(t *testing.T) {
	h := startService(t, Options{})

	var header metadata.MD
	_, err := h.client.ListIndexes(context.Background(), grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RequestIDHeader), 1)
	assert.NotEmpty(t, header.Get(RequestIDHeader)[0])

	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-42")
	header = nil
	_, err = h.client.ListIndexes(ctx, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDHeader))
}

func TestServiceUnavailableAfterRegistryClose(t *testing.T) {
	h := startService(t, Options{})
	require.NoError(t, h.registry.Close())

	_, err := h.client.ListIndexes(context.Background())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: bad", dberr.ErrInvalidArgument), codes.InvalidArgument},
		{fmt.Errorf("%w: 2 vs 3", dberr.ErrDimensionMismatch), codes.InvalidArgument},
		{dberr.ErrDegenerateVector, codes.InvalidArgument},
		{fmt.Errorf("index 4: %w", dberr.ErrNotFound), codes.NotFound},
		{dberr.ErrDuplicateEntry, codes.AlreadyExists},
		{dberr.ErrCapacityExceeded, codes.ResourceExhausted},
		{fmt.Errorf("%w: disk full", dberr.ErrStorageFailure), codes.Internal},
		{dberr.ErrClosed, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("search: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, status.Code(toStatus(tc.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}
