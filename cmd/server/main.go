package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyvo/imagebuild/pkg/config"
	"github.com/vyvo/imagebuild/pkg/dispatch"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "imagebuild-server", cfg.Tracing, nil)
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

	m := metrics.New()
	srv := &server{
		dispatch: &dispatch.Dispatcher{
			Jobs:       jobs,
			Branches:   branches,
			Limits:     cfg.Limits(),
			MaxPending: cfg.MaxPendingJobs,
			Metrics:    m,
			Logger:     logger,
		},
		jobs:        jobs,
		metrics:     m,
		publicPath:  cfg.PublicPath,
		updateToken: cfg.UpdateToken,
		logger:      logger,
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("imagebuild server listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server listen failed: %v", err)
	}

	<-ctx.Done()
	log.Println("imagebuild server stopped")
}
