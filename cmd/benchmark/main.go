package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/hnsw"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/search"
	"github.com/futlize/vectordb/internal/server"
	"github.com/futlize/vectordb/internal/vectorapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type config struct {
	addr                string
	indexName           string
	similarity          string
	optimization        string
	indexM              int
	indexEfConstruction int
	vectors             int
	dimension           int
	workers             int
	searches            int
	k                   int
	rpcTimeout          time.Duration
	progressEvery       time.Duration

	embedded             bool
	embeddedListen       string
	embeddedDataDir      string
	embeddedKeepDataPath bool
}

const (
	maxInsertRetries   = 8
	defaultInsertCount = 20000
)

func main() {
	cfg := parseFlags()
	if err := cfg.validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
}

func parseFlags() config {
	cfg := config{}
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:50051", "vectordb gRPC address (used when -embedded=false)")
	flag.StringVar(&cfg.indexName, "index", "benchmark", "name of the index created for the run")
	flag.StringVar(&cfg.similarity, "similarity", "cosine", "index similarity: cosine|euclidean|dot_product")
	flag.StringVar(&cfg.optimization, "optimization", "hnsw", "search optimization: none|hnsw")
	flag.IntVar(&cfg.indexM, "index-m", 16, "HNSW M for the embedded server")
	flag.IntVar(&cfg.indexEfConstruction, "index-ef-construction", 200, "HNSW efConstruction for the embedded server")
	flag.IntVar(&cfg.vectors, "vectors", defaultInsertCount, "number of entries to insert")
	flag.IntVar(&cfg.dimension, "dimension", 128, "embedding dimension")
	flag.IntVar(&cfg.workers, "workers", 4, "number of concurrent workers")
	flag.IntVar(&cfg.searches, "searches", 1000, "number of searches after the insert phase (0 skips it)")
	flag.IntVar(&cfg.k, "k", 10, "results per search")
	flag.DurationVar(&cfg.rpcTimeout, "rpc-timeout", 30*time.Second, "timeout for each gRPC request")
	flag.DurationVar(&cfg.progressEvery, "progress-every", 5*time.Second, "progress report interval (0 disables)")

	flag.BoolVar(&cfg.embedded, "embedded", false, "run benchmark against an embedded in-process server")
	flag.StringVar(&cfg.embeddedListen, "embedded-listen", "127.0.0.1:0", "listen address for embedded server")
	flag.StringVar(&cfg.embeddedDataDir, "embedded-data-dir", "", "data directory for embedded server (default: temporary under ./data)")
	flag.BoolVar(&cfg.embeddedKeepDataPath, "keep-data", false, "keep embedded data directory after benchmark")

	flag.Parse()
	return cfg
}

func (c config) validate() error {
	if c.vectors <= 0 {
		return errors.New("vectors must be > 0")
	}
	if c.dimension <= 0 {
		return errors.New("dimension must be > 0")
	}
	if c.workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.workers > c.vectors {
		return errors.New("workers must be <= vectors")
	}
	if c.searches < 0 {
		return errors.New("searches must be >= 0")
	}
	if c.k <= 0 {
		return errors.New("k must be > 0")
	}
	if c.progressEvery < 0 {
		return errors.New("progress-every must be >= 0")
	}
	if c.indexM <= 0 {
		return errors.New("index-m must be > 0")
	}
	if c.indexEfConstruction <= 0 {
		return errors.New("index-ef-construction must be > 0")
	}
	if !c.embedded && c.addr == "" {
		return errors.New("addr is required when embedded=false")
	}
	if _, err := distance.ParseSimilarity(c.similarity); err != nil {
		return err
	}
	if _, err := search.ParseOptimization(c.optimization); err != nil {
		return err
	}
	return nil
}

func run(cfg config) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	targetAddr := cfg.addr
	if cfg.embedded {
		embeddedAddr, stop, dataDir, err := startEmbeddedServer(cfg)
		if err != nil {
			return err
		}
		defer stop()
		targetAddr = embeddedAddr
		log.Printf("embedded server: addr=%s data_dir=%s m=%d ef_construction=%d", targetAddr, dataDir, cfg.indexM, cfg.indexEfConstruction)
	} else {
		log.Printf("external server: addr=%s", targetAddr)
	}

	conn, err := grpc.NewClient(targetAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer conn.Close()
	client := vectorapi.NewClient(conn)

	ctx, cancel := rpcContext(context.Background(), cfg.rpcTimeout)
	idx, err := client.CreateIndex(ctx, vectorapi.CreateIndexRequest{
		Name:         cfg.indexName,
		Dimensions:   cfg.dimension,
		Similarity:   cfg.similarity,
		Optimization: cfg.optimization,
		Capacity:     uint64(cfg.vectors),
	})
	cancel()
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer func() {
		ctx, cancel := rpcContext(context.Background(), cfg.rpcTimeout)
		defer cancel()
		if err := client.DeleteIndex(ctx, idx.ID); err != nil {
			log.Printf("delete index %d: %v", idx.ID, err)
		}
	}()

	log.Printf(
		"starting benchmark: index_id=%d vectors=%d dimension=%d workers=%d similarity=%s optimization=%s",
		idx.ID,
		cfg.vectors,
		cfg.dimension,
		cfg.workers,
		idx.Similarity,
		idx.Optimization,
	)

	start := time.Now()
	inserted, err := runInsertBenchmark(client, idx.ID, cfg)
	elapsed := time.Since(start)
	if err != nil {
		return err
	}
	if inserted == 0 {
		return errors.New("no entries inserted")
	}
	log.Printf(
		"insert complete: inserted=%d elapsed=%s throughput=%.2f entries/s",
		inserted,
		elapsed.Round(time.Millisecond),
		float64(inserted)/elapsed.Seconds(),
	)

	if cfg.searches == 0 {
		return nil
	}
	start = time.Now()
	latencies, err := runSearchBenchmark(client, idx.ID, cfg)
	elapsed = time.Since(start)
	if err != nil {
		return err
	}
	summary := summarizeLatencies(latencies)
	log.Printf(
		"search complete: searches=%d k=%d elapsed=%s qps=%.2f p50=%s p95=%s p99=%s max=%s",
		len(latencies),
		cfg.k,
		elapsed.Round(time.Millisecond),
		float64(len(latencies))/elapsed.Seconds(),
		summary.p50,
		summary.p95,
		summary.p99,
		summary.max,
	)
	return nil
}

func startEmbeddedServer(cfg config) (addr string, stop func(), dataDir string, err error) {
	dataDir = cfg.embeddedDataDir
	if dataDir == "" {
		if mkErr := os.MkdirAll("data", 0o755); mkErr != nil {
			return "", nil, "", fmt.Errorf("create data dir: %w", mkErr)
		}
		tempDir, mkErr := os.MkdirTemp("data", "benchmark-")
		if mkErr != nil {
			return "", nil, "", fmt.Errorf("create temp data dir: %w", mkErr)
		}
		dataDir = tempDir
	}

	reg, err := registry.Open(registry.Config{
		DataDir:            dataDir,
		MaxVectorsPerIndex: uint64(cfg.vectors),
		HNSW: hnsw.Config{
			M:              cfg.indexM,
			MMax0:          2 * cfg.indexM,
			EfConstruction: cfg.indexEfConstruction,
			EfSearch:       max(cfg.k, 64),
		},
	})
	if err != nil {
		return "", nil, "", fmt.Errorf("open embedded registry: %w", err)
	}

	grpcServer := grpc.NewServer()
	server.New(reg, server.Options{
		Guardrails: server.Guardrails{
			MaxTopK:             max(cfg.k, 1024),
			MaxDimensions:       max(cfg.dimension, 8192),
			MaxConcurrentSearch: cfg.workers * 2,
			MaxConcurrentWrite:  cfg.workers * 2,
		},
	}).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.embeddedListen)
	if err != nil {
		_ = reg.Close()
		return "", nil, "", fmt.Errorf("listen on %s: %w", cfg.embeddedListen, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()

	stop = func() {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			grpcServer.Stop()
		}

		if closeErr := reg.Close(); closeErr != nil {
			log.Printf("embedded registry close error: %v", closeErr)
		}
		if !cfg.embeddedKeepDataPath {
			_ = os.RemoveAll(dataDir)
		}

		select {
		case serveErrVal := <-serveErr:
			if serveErrVal != nil && !errors.Is(serveErrVal, grpc.ErrServerStopped) {
				log.Printf("embedded server stop error: %v", serveErrVal)
			}
		default:
		}
	}

	return lis.Addr().String(), stop, dataDir, nil
}

func runInsertBenchmark(client *vectorapi.Client, indexID uint64, cfg config) (uint64, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := make(chan int, cfg.workers*2)
	errCh := make(chan error, 1)
	var inserted atomic.Uint64

	var wg sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for vecID := range jobs {
				req := vectorapi.CreateEntryRequest{
					IndexID:   indexID,
					ID:        uint64(vecID) + 1,
					Embedding: buildEmbedding(vecID, cfg.dimension),
				}

				var lastErr error
				for attempt := 1; attempt <= maxInsertRetries; attempt++ {
					callCtx, callCancel := rpcContext(ctx, cfg.rpcTimeout)
					_, err := client.CreateEntry(callCtx, req)
					callCancel()
					if err == nil {
						inserted.Add(1)
						lastErr = nil
						break
					}

					lastErr = err
					if !isRetryableError(err) || attempt == maxInsertRetries {
						break
					}
					time.Sleep(time.Duration(attempt*50) * time.Millisecond)
				}

				if lastErr != nil {
					select {
					case errCh <- fmt.Errorf("insert id=%d: %w", req.ID, lastErr):
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	progressDone := make(chan struct{})
	if cfg.progressEvery > 0 {
		go progressReporter(ctx, progressDone, cfg.progressEvery, cfg.vectors, &inserted)
	} else {
		close(progressDone)
	}

sendLoop:
	for vecID := 0; vecID < cfg.vectors; vecID++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case jobs <- vecID:
		}
	}

	close(jobs)
	wg.Wait()
	cancel()
	<-progressDone

	select {
	case err := <-errCh:
		return inserted.Load(), err
	default:
	}
	return inserted.Load(), nil
}

// runSearchBenchmark queries with embeddings outside the inserted id range so
// results are never served from an exact match.
func runSearchBenchmark(client *vectorapi.Client, indexID uint64, cfg config) ([]time.Duration, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := make(chan int, cfg.workers*2)
	errCh := make(chan error, 1)
	latencies := make([]time.Duration, cfg.searches)

	var wg sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				req := vectorapi.SearchRequest{
					IndexID:   indexID,
					K:         cfg.k,
					Embedding: buildEmbedding(cfg.vectors+n, cfg.dimension),
				}
				callCtx, callCancel := rpcContext(ctx, cfg.rpcTimeout)
				began := time.Now()
				_, err := client.SearchEntries(callCtx, req)
				latencies[n] = time.Since(began)
				callCancel()
				if err != nil {
					select {
					case errCh <- fmt.Errorf("search %d: %w", n, err):
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

sendLoop:
	for n := 0; n < cfg.searches; n++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case jobs <- n:
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return latencies, nil
}

type latencySummary struct {
	p50, p95, p99, max time.Duration
}

func summarizeLatencies(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	at := func(p float64) time.Duration {
		i := int(p * float64(len(sorted)-1))
		return sorted[i].Round(time.Microsecond)
	}
	return latencySummary{
		p50: at(0.50),
		p95: at(0.95),
		p99: at(0.99),
		max: sorted[len(sorted)-1].Round(time.Microsecond),
	}
}

func progressReporter(ctx context.Context, done chan<- struct{}, every time.Duration, total int, inserted *atomic.Uint64) {
	defer close(done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	lastCount := uint64(0)
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			current := inserted.Load()
			delta := current - lastCount
			seconds := now.Sub(lastAt).Seconds()
			speed := 0.0
			if seconds > 0 {
				speed = float64(delta) / seconds
			}

			percent := (float64(current) / float64(total)) * 100
			log.Printf("progress: %d/%d (%.2f%%) window_throughput=%.2f entries/s", current, total, percent, speed)

			lastCount = current
			lastAt = now
		}
	}
}

func rpcContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// buildEmbedding is deterministic per id and never returns the zero vector.
func buildEmbedding(vectorID, dim int) []float32 {
	out := make([]float32, dim)
	state := uint32(vectorID*747796405 + 2891336453)
	for i := 0; i < dim; i++ {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		out[i] = float32(state%10000)/10000 + 1e-4
	}
	return out
}

func isRetryableError(err error) bool {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted:
		return !strings.Contains(strings.ToLower(status.Convert(err).Message()), "capacity")
	default:
		return false
	}
}
