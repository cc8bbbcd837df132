package domain

import (
	"time"
)

// Check statuses. INFO appears only on the refi-eligibility and
// data-freshness checks; the overall check uses the quality bands.
const (
	CheckPass = "PASS"
	CheckWarn = "WARN"
	CheckFail = "FAIL"
	CheckInfo = "INFO"
)

// Overall quality bands for the roll-up check.
const (
	QualityExcellent = "EXCELLENT"
	QualityGood      = "GOOD"
	QualityFair      = "FAIR"
	QualityPoor      = "POOR"
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// HealthReport is the ordered 18-point data-quality report for one
// dataset. Checks preserves execution order; the last entry is the
// overall roll-up.
type HealthReport struct {
	Checks []CheckResult `json:"checks"`

	// Counts over checks 1-17
	PassCount int `json:"passCount"`
	WarnCount int `json:"warnCount"`
	FailCount int `json:"failCount"`

	// Roll-up
	QualityScore  float64 `json:"qualityScore"` // passCount/17*100
	OverallStatus string  `json:"overallStatus"`
}

// Check returns a result by name, or nil if the report has no such check.
func (r *HealthReport) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// Job statuses for a processed feed.
const (
	JobStatusReceived = "received"
	JobStatusScored   = "scored"
	JobStatusFailed   = "failed"
)

// Job tracks one feed run through the pipeline.
type Job struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	SourceName  string     `json:"sourceName"`
	Status      string     `json:"status"`
	RecordCount int        `json:"recordCount"`
	ScoredCSV   string     `json:"scoredCsv,omitempty"` // artifact path
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Report is the persisted result of a pipeline run: the health report
// plus the tier distribution and any segment rule results.
type Report struct {
	JobID          string          `json:"jobId"`
	TenantID       string          `json:"tenantId"`
	Health         HealthReport    `json:"health"`
	TierCounts     map[Tier]int    `json:"tierCounts"`
	SegmentResults []SegmentResult `json:"segmentResults,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
