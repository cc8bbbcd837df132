package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "runner_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRunnerProcessReader(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	reportCache := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	outputDir := t.TempDir()

	var scoredSeen, readySeen atomic.Bool
	var scoredMsg, readyMsg *domain.Message
	eventBus.Subscribe(ctx, "tenant-001", domain.TopicFeedScored, func(ctx context.Context, msg *domain.Message) error {
		scoredMsg = msg
		scoredSeen.Store(true)
		return nil
	})
	eventBus.Subscribe(ctx, "tenant-001", domain.TopicReportReady, func(ctx context.Context, msg *domain.Message) error {
		readyMsg = msg
		readySeen.Store(true)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	runner := NewRunner(repo, reportCache, eventBus, nil, outputDir)
	runner.Clock = func() time.Time { return evalTime }

	job, report, err := runner.ProcessReader(ctx, "tenant-001", "june_feed.csv", strings.NewReader(sampleFeed))
	if err != nil {
		t.Fatalf("ProcessReader failed: %v", err)
	}

	if job.Status != domain.JobStatusScored {
		t.Errorf("job status = %s, want scored", job.Status)
	}
	if job.RecordCount != 1 {
		t.Errorf("record count = %d, want 1", job.RecordCount)
	}
	if job.ScoredCSV != "june_feed_scored.csv" {
		t.Errorf("scored csv = %q", job.ScoredCSV)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(evalTime) {
		t.Errorf("completed at = %v, want clock time", job.CompletedAt)
	}

	if report.JobID != job.ID {
		t.Errorf("report job id = %s, want %s", report.JobID, job.ID)
	}
	if report.TierCounts[domain.TierNurture] != 1 {
		t.Errorf("tier counts = %v", report.TierCounts)
	}
	if len(report.Health.Checks) != 18 {
		t.Errorf("check count = %d, want 18", len(report.Health.Checks))
	}

	// Job and report are persisted
	saved, err := repo.GetJob(ctx, "tenant-001", job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if saved.Status != domain.JobStatusScored {
		t.Errorf("persisted status = %s", saved.Status)
	}

	savedReport, err := repo.GetReport(ctx, "tenant-001", job.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if savedReport.Health.QualityScore != report.Health.QualityScore {
		t.Errorf("persisted quality = %v, want %v", savedReport.Health.QualityScore, report.Health.QualityScore)
	}

	// Report is cached
	cached, err := reportCache.GetReport(ctx, "tenant-001", job.ID)
	if err != nil {
		t.Fatalf("cache GetReport failed: %v", err)
	}
	if cached == nil {
		t.Error("expected report in cache")
	}

	// Artifact written with derived columns
	data, err := os.ReadFile(filepath.Join(outputDir, job.ScoredCSV))
	if err != nil {
		t.Fatalf("scored csv missing: %v", err)
	}
	if !strings.Contains(string(data), domain.ColAPSTier) {
		t.Error("scored csv missing derived header")
	}

	// Completion events were published with typed payloads
	time.Sleep(50 * time.Millisecond)
	if !scoredSeen.Load() {
		t.Fatal("feed.scored not published")
	}
	if !readySeen.Load() {
		t.Fatal("report.ready not published")
	}

	jobEvent, err := bus.DecodeJobEvent(scoredMsg)
	if err != nil {
		t.Fatalf("DecodeJobEvent failed: %v", err)
	}
	if jobEvent.JobID != job.ID || jobEvent.Status != domain.JobStatusScored {
		t.Errorf("job event = %+v", jobEvent)
	}
	if jobEvent.ScoredCSV != "june_feed_scored.csv" {
		t.Errorf("job event artifact = %q", jobEvent.ScoredCSV)
	}

	reportEvent, err := bus.DecodeReportEvent(readyMsg)
	if err != nil {
		t.Fatalf("DecodeReportEvent failed: %v", err)
	}
	if reportEvent.JobID != job.ID {
		t.Errorf("report event job id = %s, want %s", reportEvent.JobID, job.ID)
	}
	if reportEvent.QualityScore != report.Health.QualityScore {
		t.Errorf("report event quality = %v, want %v", reportEvent.QualityScore, report.Health.QualityScore)
	}
}

func TestRunnerDecodeFailure(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	runner := NewRunner(repo, nil, nil, nil, "")

	job, _, err := runner.ProcessReader(ctx, "tenant-001", "empty.csv", strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty feed")
	}
	if job != nil {
		t.Error("no job should be created for unparseable feed")
	}

	jobs, err := repo.ListJobs(ctx, "tenant-001", 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no persisted jobs, got %d", len(jobs))
	}
}

func TestRunnerArtifactFailure(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	var failedSeen atomic.Bool
	eventBus.Subscribe(ctx, "tenant-001", domain.TopicReportFailed, func(ctx context.Context, msg *domain.Message) error {
		failedSeen.Store(true)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	// Output dir path collides with an existing file, so the artifact
	// write must fail and the job must be marked failed.
	blocker := filepath.Join(t.TempDir(), "not_a_dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	runner := NewRunner(repo, nil, eventBus, nil, blocker)

	job, _, err := runner.ProcessReader(ctx, "tenant-001", "june_feed.csv", strings.NewReader(sampleFeed))
	if err == nil {
		t.Fatal("expected artifact write failure")
	}
	if job == nil {
		t.Fatal("job should exist for post-decode failures")
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("expected error recorded on job")
	}

	saved, getErr := repo.GetJob(ctx, "tenant-001", job.ID)
	if getErr != nil {
		t.Fatalf("GetJob failed: %v", getErr)
	}
	if saved.Status != domain.JobStatusFailed {
		t.Errorf("persisted status = %s, want failed", saved.Status)
	}

	time.Sleep(50 * time.Millisecond)
	if !failedSeen.Load() {
		t.Error("report.failed not published")
	}
}

func TestRunnerProcessFile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	path := filepath.Join(t.TempDir(), "feed.csv")
	if err := os.WriteFile(path, []byte(sampleFeed), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	runner := NewRunner(repo, nil, nil, nil, "")
	job, report, err := runner.ProcessFile(ctx, "tenant-001", path)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if job.SourceName != path {
		t.Errorf("source name = %q, want %q", job.SourceName, path)
	}
	if report.Health.OverallStatus == "" {
		t.Error("expected overall status")
	}
	// No output dir configured, no artifact recorded
	if job.ScoredCSV != "" {
		t.Errorf("scored csv = %q, want empty", job.ScoredCSV)
	}
}
