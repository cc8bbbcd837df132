// Kestrel - Property data scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	csvPath := flag.String("csv", "", "score a CSV feed once and exit")
	tenantID := flag.String("tenant", "local", "tenant ID for one-shot runs")
	flag.Parse()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if dir := os.Getenv("KESTREL_OUTPUT_DIR"); dir != "" {
		cfg.Pipeline.OutputDir = dir
	}

	if *csvPath != "" {
		os.Exit(runOnce(cfg, *tenantID, *csvPath))
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"output_dir", cfg.Pipeline.OutputDir,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Segment Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize segment engine", "error", err)
		os.Exit(1)
	}

	// Load segments from database (no hardcoded defaults - configure via API)
	if err := loadSegmentsFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load segments", "error", err)
		os.Exit(1)
	}
	slog.Info("segment engine initialized", "segments_count", engine.SegmentsCount())

	// Initialize pipeline Runner
	runner := pipeline.NewRunner(repo, cacheImpl, busImpl, engine, cfg.Pipeline.OutputDir)
	slog.Info("pipeline initialized", "output_dir", cfg.Pipeline.OutputDir)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, runner)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			// Could parse comma-separated list here
			tenantIDs = []string{envTenants}
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, runner, engine, cfg.Pipeline.OutputDir, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// runOnce scores a single CSV feed, prints the data quality report, and
// writes the scored artifact. Used for local batch runs without a server.
func runOnce(cfg *domain.Config, tenantID, csvPath string) int {
	ctx := context.Background()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		return 1
	}
	defer repo.Close()

	runner := pipeline.NewRunner(repo, nil, nil, nil, cfg.Pipeline.OutputDir)

	job, report, err := runner.ProcessFile(ctx, tenantID, csvPath)
	if err != nil {
		slog.Error("feed processing failed", "path", csvPath, "error", err)
		return 1
	}

	printReport(job, report)
	return 0
}

// printReport renders the 18-point health check and tier distribution.
func printReport(job *domain.Job, report *domain.Report) {
	fmt.Println()
	fmt.Printf("  Feed:    %s\n", job.SourceName)
	fmt.Printf("  Job:     %s\n", job.ID)
	fmt.Printf("  Records: %d\n", job.RecordCount)
	if job.ScoredCSV != "" {
		fmt.Printf("  Scored:  %s\n", job.ScoredCSV)
	}
	fmt.Println()
	fmt.Println("  Data Quality Checks")
	fmt.Println("  -------------------")
	for _, c := range report.Health.Checks {
		fmt.Printf("  [%-4s] %-28s %-18s %s\n", c.Status, c.Name, c.Value, c.Message)
	}
	fmt.Println()
	fmt.Printf("  Quality: %.1f%% (%s)\n", report.Health.QualityScore, report.Health.OverallStatus)
	fmt.Println()
	fmt.Println("  Tier Distribution")
	fmt.Println("  -----------------")
	for _, tier := range domain.ValidTiers {
		fmt.Printf("  %-10s %d\n", tier, report.TierCounts[tier])
	}
	fmt.Println()
}

// GlobalTenantID is used for segments that apply to all tenants.
const GlobalTenantID = "*"

// loadSegmentsFromDatabase loads segment rules from the database into the
// engine. All segments must be configured via POST /segments API - no
// hardcoded defaults.
func loadSegmentsFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbSegments, err := repo.ListSegmentConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list segments from database", "error", err)
		return nil // Start with empty segments - they can be added via API
	}

	if len(dbSegments) > 0 {
		slog.Info("loading segments from database", "count", len(dbSegments))
		return engine.LoadSegments(dbSegments)
	}

	slog.Info("no segments in database - configure via POST /segments API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║      Property Feed Scoring Engine         ║")
	fmt.Println("  ║       Every record, graded.               ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /process             - Upload and score a CSV feed")
	fmt.Println("    POST /process-path        - Score a server-local CSV feed")
	fmt.Println("    GET  /jobs                - List recent jobs")
	fmt.Println("    GET  /jobs/{id}           - Get job by ID")
	fmt.Println("    GET  /reports/{job_id}    - Get 18-point quality report")
	fmt.Println("    GET  /downloads/csv/{name} - Download scored CSV")
	fmt.Println("    GET  /segments            - List segment rules")
	fmt.Println("    POST /segments            - Create a segment rule")
	fmt.Println("    POST /segments/reload     - Hot-reload segments from database")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println()
}
