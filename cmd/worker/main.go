package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vyvo/imagebuild/pkg/artifacts"
	"github.com/vyvo/imagebuild/pkg/builder"
	"github.com/vyvo/imagebuild/pkg/config"
	"github.com/vyvo/imagebuild/pkg/container"
	"github.com/vyvo/imagebuild/pkg/errlog"
	"github.com/vyvo/imagebuild/pkg/history"
	"github.com/vyvo/imagebuild/pkg/imagebuilder"
	"github.com/vyvo/imagebuild/pkg/janitor"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/mirror"
	"github.com/vyvo/imagebuild/pkg/packages"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/telemetry"
	"github.com/vyvo/imagebuild/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "imagebuild-worker", cfg.Tracing, nil)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	jobs, err := queue.Open(cfg.RedisURL)
	if err != nil {
		log.Fatalf("job store init failed: %v", err)
	}
	defer jobs.Close()

	branches, err := registry.Open(cfg.BranchesFile)
	if err != nil {
		log.Fatalf("branches init failed: %v", err)
	}
	resolver, err := packages.Open(cfg.PackageRulesFile, logger)
	if err != nil {
		log.Fatalf("package rules init failed: %v", err)
	}

	publicPath, err := filepath.Abs(cfg.PublicPath)
	if err != nil {
		log.Fatalf("public path: %v", err)
	}
	cachePath, err := filepath.Abs(cfg.CachePath)
	if err != nil {
		log.Fatalf("cache path: %v", err)
	}
	store := artifacts.NewStore(publicPath)
	m := metrics.New()

	exec := &builder.Executor{
		Cache: &imagebuilder.Cache{
			Root:        cachePath,
			UpstreamURL: cfg.UpstreamURL,
			Client:      &http.Client{Timeout: 30 * time.Minute},
			Logger:      logger,
		},
		Branches: branches,
		Resolver: resolver,
		Store:    store,
		Progress: jobs,
		Logger:   logger,
	}
	collector := &janitor.Janitor{Jobs: jobs, Store: store, Metrics: m, Logger: logger}

	if cfg.UseContainer {
		rt, err := container.New(cfg.ContainerHost, cfg.ContainerImage, []string{cachePath, publicPath}, logger)
		if err != nil {
			log.Fatalf("container runtime init failed: %v", err)
		}
		exec.Sandbox = rt
		collector.Runtime = rt
	}

	pool := &worker.Pool{
		Jobs:       jobs,
		Builder:    exec,
		Size:       cfg.Workers,
		JobTimeout: cfg.JobTimeout,
		TTL: worker.TTLs{
			Success:  cfg.BuildTTL,
			Defaults: cfg.BuildDefaultsTTL,
			Failure:  cfg.BuildFailureTTL,
		},
		MaintenanceInterval: cfg.MaintenanceInterval,
		Janitor:             collector,
		Store:               store,
		Metrics:             m,
		Logger:              logger,
	}

	if cfg.ErrorLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ErrorLogPath), 0o755); err != nil {
			log.Fatalf("error log dir: %v", err)
		}
		sink := errlog.Open(cfg.ErrorLogPath, errlog.Options{})
		defer sink.Close()
		exec.Errors = sink
		pool.Errors = sink
	}

	if cfg.HistoryDatabaseURL != "" {
		hist, err := history.NewPostgresStore(cfg.HistoryDatabaseURL)
		if err != nil {
			log.Fatalf("history postgres init failed: %v", err)
		}
		defer func() {
			if err := hist.Close(); err != nil {
				log.Printf("history postgres close error: %v", err)
			}
		}()
		pool.History = hist
	}

	if cfg.Mirror.Enabled() {
		pool.Mirror = mirror.New(cfg.Mirror, logger)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics listener failed: %v", err)
		}
	}()

	log.Printf("imagebuild worker started: %d workers, metrics on %s", cfg.Workers, cfg.MetricsAddr)
	if err := pool.Run(ctx); err != nil {
		log.Printf("worker pool stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Println("imagebuild worker stopped")
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}
