package domain

import (
	"time"
)

// SegmentConfig defines a custom audience segment as a CEL expression
// evaluated against each scored record.
type SegmentConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over scored record fields; must return bool
	Expression string `json:"expression"`

	// Bands map the match percentage to an outcome
	Bands []SegmentBand `json:"bands"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SegmentBand maps a match-percentage range to an outcome.
// Lower bound inclusive, upper bound exclusive; nil upper means open.
type SegmentBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Outcome    string   `json:"outcome"`
	Reason     string   `json:"reason"`
}

// SegmentResult is the output of evaluating one segment over a dataset.
type SegmentResult struct {
	SegmentID string  `json:"segmentId"`
	TenantID  string  `json:"tenantId"`
	JobID     string  `json:"jobId"`
	Matched   int     `json:"matched"`
	Total     int     `json:"total"`
	MatchPct  float64 `json:"matchPct"`
	Outcome   string  `json:"outcome"`
	Reason    string  `json:"reason"`
	ProcessMs int64   `json:"processMs"`
}

// Predefined segment outcomes
const (
	SegmentOutcomePass  = ".pass"
	SegmentOutcomeWarn  = ".warn"
	SegmentOutcomeFail  = ".fail"
	SegmentOutcomeError = ".err"
)
