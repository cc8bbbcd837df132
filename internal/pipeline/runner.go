package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feed"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Runner orchestrates a full feed run: decode, score, audit, segment,
// artifact, persist, publish. Repository failures abort the run; cache
// and bus failures are logged and tolerated.
type Runner struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	segments *rules.Engine

	outputDir string

	// Clock is the evaluation-time source; overridable in tests.
	Clock func() time.Time
}

// NewRunner creates a pipeline runner. cache, bus and segments may be
// nil; the corresponding steps are skipped.
func NewRunner(repo domain.Repository, cache domain.Cache, bus domain.EventBus, segments *rules.Engine, outputDir string) *Runner {
	return &Runner{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		segments:  segments,
		outputDir: outputDir,
		Clock:     time.Now,
	}
}

// ProcessReader decodes a CSV feed from r and runs the full pipeline.
func (p *Runner) ProcessReader(ctx context.Context, tenantID, sourceName string, r io.Reader) (*domain.Job, *domain.Report, error) {
	ds, err := feed.Decode(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode feed %s: %w", sourceName, err)
	}
	return p.ProcessDataset(ctx, tenantID, sourceName, ds)
}

// ProcessFile runs the full pipeline over a CSV feed on disk.
func (p *Runner) ProcessFile(ctx context.Context, tenantID, path string) (*domain.Job, *domain.Report, error) {
	ds, err := feed.DecodeFile(path)
	if err != nil {
		return nil, nil, err
	}
	return p.ProcessDataset(ctx, tenantID, path, ds)
}

// ProcessDataset runs the scoring pipeline and health checks over an
// already-decoded dataset.
func (p *Runner) ProcessDataset(ctx context.Context, tenantID, sourceName string, ds *domain.Dataset) (*domain.Job, *domain.Report, error) {
	start := p.Clock()

	job := &domain.Job{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		SourceName:  sourceName,
		Status:      domain.JobStatusReceived,
		RecordCount: len(ds.Records),
		CreatedAt:   start,
	}
	if err := p.repo.SaveJob(ctx, tenantID, job); err != nil {
		return nil, nil, fmt.Errorf("failed to save job: %w", err)
	}
	p.publishJob(ctx, domain.TopicFeedReceived, job)

	report, err := p.score(ctx, tenantID, job, ds)
	if err != nil {
		job.Status = domain.JobStatusFailed
		job.Error = err.Error()
		completed := p.Clock()
		job.CompletedAt = &completed
		if saveErr := p.repo.SaveJob(ctx, tenantID, job); saveErr != nil {
			slog.Error("failed to mark job failed",
				"job_id", job.ID,
				"error", saveErr,
			)
		}
		p.publishJob(ctx, domain.TopicReportFailed, job)
		return job, nil, err
	}

	slog.Info("feed processed",
		"job_id", job.ID,
		"tenant_id", tenantID,
		"source", sourceName,
		"records", job.RecordCount,
		"quality", report.Health.OverallStatus,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return job, report, nil
}

func (p *Runner) score(ctx context.Context, tenantID string, job *domain.Job, ds *domain.Dataset) (*domain.Report, error) {
	now := p.Clock()

	NormalizeAndScore(ds, now)
	health := HealthCheck(ds)

	report := &domain.Report{
		JobID:      job.ID,
		TenantID:   tenantID,
		Health:     *health,
		TierCounts: TierCounts(ds),
		CreatedAt:  now,
	}

	if p.segments != nil && p.segments.SegmentsCount() > 0 {
		results, err := p.segments.EvaluateDataset(ctx, tenantID, job.ID, ds)
		if err != nil {
			return nil, fmt.Errorf("segment evaluation failed: %w", err)
		}
		report.SegmentResults = results
	}

	if p.outputDir != "" {
		path, err := feed.WriteScored(p.outputDir, job.SourceName, ds)
		if err != nil {
			return nil, err
		}
		// Artifact name only; clients resolve it via the download route.
		job.ScoredCSV = filepath.Base(path)
	}

	job.Status = domain.JobStatusScored
	completed := p.Clock()
	job.CompletedAt = &completed
	if err := p.repo.SaveJob(ctx, tenantID, job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	p.publishJob(ctx, domain.TopicFeedScored, job)

	if err := p.repo.SaveReport(ctx, tenantID, report); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.SetReport(ctx, tenantID, job.ID, report, 30*time.Minute); err != nil {
			slog.Warn("failed to cache report",
				"job_id", job.ID,
				"error", err,
			)
		}
		if _, err := p.cache.IncrementCounter(ctx, tenantID, "feeds_processed", 24*time.Hour); err != nil {
			slog.Warn("failed to increment feed counter",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	p.publishReport(ctx, report)

	return report, nil
}

func (p *Runner) publishJob(ctx context.Context, topic string, job *domain.Job) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJob(ctx, p.bus, topic, job); err != nil {
		slog.Warn("failed to publish job event",
			"topic", topic,
			"job_id", job.ID,
			"error", err,
		)
	}
}

func (p *Runner) publishReport(ctx context.Context, report *domain.Report) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishReport(ctx, p.bus, report); err != nil {
		slog.Warn("failed to publish report event",
			"job_id", report.JobID,
			"error", err,
		)
	}
}
