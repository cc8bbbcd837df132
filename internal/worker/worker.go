// Package worker provides async feed processing for the Pro tier.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker processes CSV feeds asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	runner *pipeline.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner *pipeline.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing feeds for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicFeedReceived, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicFeedReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processFeed(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicFeedReceived,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processFeed(ctx, msg.TenantID, msg)
}

// processFeed runs a submitted CSV feed through the scoring pipeline.
func (w *Worker) processFeed(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	req, err := bus.DecodeFeedRequest(msg)
	if err != nil {
		slog.Error("failed to parse feed request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Job notifications published by the pipeline share this topic;
	// only a real request names a file to score.
	if req.FilePath == "" {
		return nil
	}

	// Use request tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	slog.Debug("processing feed",
		"file_path", req.FilePath,
		"tenant_id", tenantID,
	)

	job, report, err := w.runner.ProcessFile(ctx, tenantID, req.FilePath)
	if err != nil {
		slog.Error("feed processing failed",
			"file_path", req.FilePath,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("feed processed async",
		"job_id", job.ID,
		"tenant_id", tenantID,
		"records", job.RecordCount,
		"quality", report.Health.OverallStatus,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
