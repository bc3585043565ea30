package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/futlize/vectordb/internal/config"
	"github.com/futlize/vectordb/internal/hnsw"
	"github.com/futlize/vectordb/internal/metrics"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/resources"
	"github.com/futlize/vectordb/internal/server"
)

func main() {
	configFlag := flag.String("config", "", "path to the vectordb config file (.properties, .yaml). Env override: "+config.PathEnv)
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	configPath := config.ResolvePath(*configFlag)
	cfg, created := config.LoadOrDefault(configPath)
	if created {
		log.Printf("INFO created default config at %s", configPath)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	mgr := resources.NewManager(resources.Config{
		MaxWorkers:          cfg.Resources.MaxWorkers,
		MemoryBudgetPercent: cfg.Resources.MemoryBudgetPercent,
		SetRuntimeLimit:     true,
	})
	defer mgr.Stop()
	m.RegisterResources(mgr)

	hnswCfg := hnsw.Config{
		M:              cfg.HNSW.M,
		MMax0:          cfg.HNSW.M * 2,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
	}
	recoveryStarted := time.Now()
	reg, err := registry.Open(registry.Config{
		DataDir:            cfg.Data.Directory,
		MaxVectorsPerIndex: uint64(cfg.Data.MaxVectorsPerIndex),
		HNSW:               hnswCfg,
		Resources:          mgr,
		Metrics:            m,
	})
	if err != nil {
		fatalStartup("recover indexes", err)
	}
	recoveryElapsed := time.Since(recoveryStarted)
	defer func() {
		if err := reg.Close(); err != nil {
			log.Printf("ERROR close registry: %v", err)
		}
	}()

	opts := server.OptionsFromConfig(cfg)
	opts.Metrics = m
	svc := server.New(reg, opts)

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.GRPCMaxRecvMB*1024*1024),
		grpc.MaxSendMsgSize(cfg.Server.GRPCMaxSendMB*1024*1024),
		grpc.ChainUnaryInterceptor(server.LoggingInterceptor()),
	)
	svc.Register(grpcServer)
	if cfg.Server.EnableReflection {
		reflection.Register(grpcServer)
	}

	watcher, err := config.Watch(configPath, cfg)
	if err != nil {
		log.Printf("WARN config hot reload disabled: %v", err)
	} else {
		defer watcher.Close()
		watcher.OnChange(func(_, updated config.Config) {
			svc.ApplyConfig(updated)
		})
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		fatalStartup(fmt.Sprintf("bind listener on %s", addr), err)
	}

	metricsServer := startMetricsServer(cfg.Server.MetricsPort, promReg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("INFO shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	logStartupInitializationReport(startupInfo{
		cfg:             cfg,
		configPath:      configPath,
		listenAddr:      addr,
		resources:       mgr.Stats(),
		registry:        reg,
		recoveryElapsed: recoveryElapsed,
	})
	fmt.Println("vectordb ready: accepting requests")

	if err := grpcServer.Serve(lis); err != nil {
		log.Printf("ERROR server: %v", err)
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}
}

// startMetricsServer serves /metrics on port; 0 disables it.
func startMetricsServer(port int, gatherer prometheus.Gatherer) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR metrics server: %v", err)
		}
	}()
	return srv
}
