package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Typed payloads for the pipeline topics. The tenant rides on the
// Message envelope rather than in the payload, so subscribers trust
// the bus routing for isolation instead of the body.

// JobEvent is the job snapshot published on feed.received,
// feed.scored and report.failed.
type JobEvent struct {
	JobID       string `json:"jobId"`
	SourceName  string `json:"sourceName"`
	Status      string `json:"status"`
	RecordCount int    `json:"recordCount"`
	ScoredCSV   string `json:"scoredCsv,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReportEvent is the run summary published on report.ready. Consumers
// that need the full 18-check breakdown fetch the report by job ID.
type ReportEvent struct {
	JobID         string              `json:"jobId"`
	QualityScore  float64             `json:"qualityScore"`
	OverallStatus string              `json:"overallStatus"`
	TierCounts    map[domain.Tier]int `json:"tierCounts"`
}

// FeedRequest asks the async worker to score a CSV already on disk.
// It shares feed.received with JobEvent notifications; the file path
// is what tells a request apart from a notification.
type FeedRequest struct {
	TenantID string `json:"tenantId"`
	FilePath string `json:"file_path"`
}

// NewJobEvent snapshots a job for publication.
func NewJobEvent(job *domain.Job) *JobEvent {
	return &JobEvent{
		JobID:       job.ID,
		SourceName:  job.SourceName,
		Status:      job.Status,
		RecordCount: job.RecordCount,
		ScoredCSV:   job.ScoredCSV,
		Error:       job.Error,
	}
}

// NewReportEvent summarizes a finished report for publication.
func NewReportEvent(r *domain.Report) *ReportEvent {
	return &ReportEvent{
		JobID:         r.JobID,
		QualityScore:  r.Health.QualityScore,
		OverallStatus: r.Health.OverallStatus,
		TierCounts:    r.TierCounts,
	}
}

// PublishJob publishes a job snapshot on the given topic under the
// job's own tenant.
func PublishJob(ctx context.Context, b domain.EventBus, topic string, job *domain.Job) error {
	payload, err := json.Marshal(NewJobEvent(job))
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	return b.Publish(ctx, job.TenantID, topic, payload)
}

// PublishReport publishes a report summary on report.ready.
func PublishReport(ctx context.Context, b domain.EventBus, r *domain.Report) error {
	payload, err := json.Marshal(NewReportEvent(r))
	if err != nil {
		return fmt.Errorf("failed to marshal report event: %w", err)
	}
	return b.Publish(ctx, r.TenantID, domain.TopicReportReady, payload)
}

// PublishFeedRequest submits a feed file for asynchronous scoring.
func PublishFeedRequest(ctx context.Context, b domain.EventBus, tenantID, path string) error {
	payload, err := json.Marshal(&FeedRequest{TenantID: tenantID, FilePath: path})
	if err != nil {
		return fmt.Errorf("failed to marshal feed request: %w", err)
	}
	return b.Publish(ctx, tenantID, domain.TopicFeedReceived, payload)
}

// DecodeJobEvent parses a job snapshot from a bus message.
func DecodeJobEvent(msg *domain.Message) (*JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse job event: %w", err)
	}
	return &ev, nil
}

// DecodeReportEvent parses a report summary from a bus message.
func DecodeReportEvent(msg *domain.Message) (*ReportEvent, error) {
	var ev ReportEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse report event: %w", err)
	}
	return &ev, nil
}

// DecodeFeedRequest parses a feed request from a bus message. A job
// notification decodes cleanly too; it just has no file path.
func DecodeFeedRequest(msg *domain.Message) (*FeedRequest, error) {
	var req FeedRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("failed to parse feed request: %w", err)
	}
	return &req, nil
}

// newEnvelope wraps a payload in the Message envelope both bus
// implementations deliver.
func newEnvelope(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
