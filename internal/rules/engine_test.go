package rules

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func scoredDataset() *domain.Dataset {
	return &domain.Dataset{
		Columns: domain.RequiredHeaders,
		Records: []domain.Record{
			{
				Fields:   map[string]string{domain.ColState: "NC", domain.ColZIP: "27601"},
				APSScore: 85, LTVPct: 25, EquityPct: 75, EquityDollars: 600000,
				LoanAgeMonths: 24, Tier: domain.TierPlatinum, CCI: 88,
			},
			{
				Fields:   map[string]string{domain.ColState: "SC", domain.ColZIP: "29401"},
				APSScore: 55, LTVPct: 60, EquityPct: 40, EquityDollars: 220000,
				LoanAgeMonths: 48, Tier: domain.TierSilver, CCI: 52,
			},
			{
				Fields:   map[string]string{domain.ColState: "NC", domain.ColZIP: "27605"},
				APSScore: 30, LTVPct: 90, EquityPct: 10, EquityDollars: 40000,
				LoanAgeMonths: 6, Tier: domain.TierNurture, CCI: 18,
			},
		},
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.SegmentsCount() != 0 {
		t.Errorf("expected 0 segments, got %d", engine.SegmentsCount())
	}
}

func TestLoadSegment(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{
		ID:         "seg-high-equity",
		Name:       "High Equity",
		Expression: "equity_dollars >= 500000.0",
		Enabled:    true,
	}

	if err := engine.LoadSegment(seg); err != nil {
		t.Fatalf("failed to load segment: %v", err)
	}

	if engine.SegmentsCount() != 1 {
		t.Errorf("expected 1 segment, got %d", engine.SegmentsCount())
	}
}

func TestLoadInvalidSegment(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{
		ID:         "invalid-seg",
		Expression: "this is not valid CEL !!!",
		Enabled:    true,
	}

	if err := engine.LoadSegment(seg); err == nil {
		t.Error("expected error for invalid CEL expression")
	}
}

func TestRejectNonScalarExpression(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{
		ID:         "string-seg",
		Expression: `"not a predicate"`,
		Enabled:    true,
	}

	if err := engine.ValidateSegment(seg); err == nil {
		t.Error("expected error for string-typed expression")
	}
}

func TestEvaluateDataset(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	zero := 0.0
	fifty := 50.0

	seg := &domain.SegmentConfig{
		ID:         "seg-refi-ready",
		Name:       "Refi Ready",
		Expression: "ltv_pct <= 65.0 && loan_age_months >= 18",
		Bands: []domain.SegmentBand{
			{LowerLimit: &zero, UpperLimit: &fifty, Outcome: domain.SegmentOutcomeWarn, Reason: "Thin segment"},
			{LowerLimit: &fifty, UpperLimit: nil, Outcome: domain.SegmentOutcomePass, Reason: "Healthy segment"},
		},
		Enabled: true,
	}
	if err := engine.LoadSegment(seg); err != nil {
		t.Fatalf("load: %v", err)
	}

	results, err := engine.EvaluateDataset(context.Background(), "tenant-001", "job-001", scoredDataset())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	res := results[0]
	if res.Matched != 2 || res.Total != 3 {
		t.Errorf("matched %d/%d, want 2/3", res.Matched, res.Total)
	}
	if res.Outcome != domain.SegmentOutcomePass {
		t.Errorf("outcome = %s, want %s (pct %.1f)", res.Outcome, domain.SegmentOutcomePass, res.MatchPct)
	}
	if res.TenantID != "tenant-001" || res.JobID != "job-001" {
		t.Errorf("identity not carried: %s/%s", res.TenantID, res.JobID)
	}
}

func TestEvaluateTierAndStateVariables(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{
		ID:         "seg-nc-platinum",
		Expression: `tier == "Platinum" && state == "NC"`,
		Enabled:    true,
	}
	if err := engine.LoadSegment(seg); err != nil {
		t.Fatalf("load: %v", err)
	}

	results, err := engine.EvaluateDataset(context.Background(), "t", "j", scoredDataset())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].Matched != 1 {
		t.Errorf("matched = %d, want 1", results[0].Matched)
	}
}

func TestEvaluateRecFieldAccess(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{
		ID:         "seg-zip-prefix",
		Expression: `rec["ZIP"].startsWith("276")`,
		Enabled:    true,
	}
	if err := engine.LoadSegment(seg); err != nil {
		t.Fatalf("load: %v", err)
	}

	results, err := engine.EvaluateDataset(context.Background(), "t", "j", scoredDataset())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].Matched != 2 {
		t.Errorf("matched = %d, want 2", results[0].Matched)
	}
}

func TestEvaluateEmptyDataset(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	seg := &domain.SegmentConfig{ID: "s", Expression: "aps_score >= 0.0", Enabled: true}
	if err := engine.LoadSegment(seg); err != nil {
		t.Fatalf("load: %v", err)
	}

	results, err := engine.EvaluateDataset(context.Background(), "t", "j", &domain.Dataset{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if results[0].Matched != 0 || results[0].Total != 0 || results[0].MatchPct != 0 {
		t.Errorf("unexpected result for empty dataset: %+v", results[0])
	}
}

func TestReloadSegments(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	if err := engine.LoadSegments([]*domain.SegmentConfig{
		{ID: "a", Expression: "aps_score >= 80.0", Enabled: true},
		{ID: "b", Expression: "cci >= 50.0", Enabled: true},
		{ID: "disabled", Expression: "true", Enabled: false},
	}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.SegmentsCount() != 2 {
		t.Fatalf("expected 2 segments, got %d", engine.SegmentsCount())
	}

	if err := engine.ReloadSegments([]*domain.SegmentConfig{
		{ID: "c", Expression: "ltv_pct <= 50.0", Enabled: true},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if engine.SegmentsCount() != 1 {
		t.Errorf("expected 1 segment after reload, got %d", engine.SegmentsCount())
	}
	if engine.GetLoadedSegments()[0].ID != "c" {
		t.Errorf("unexpected segment after reload")
	}
}

func TestReloadKeepsOldSetOnError(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	if err := engine.LoadSegment(&domain.SegmentConfig{ID: "good", Expression: "true", Enabled: true}); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := engine.ReloadSegments([]*domain.SegmentConfig{
		{ID: "bad", Expression: "!!! broken", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.SegmentsCount() != 1 {
		t.Errorf("old segment set should survive a failed reload")
	}
}

func TestMatchBandBoundaries(t *testing.T) {
	ten := 10.0
	ninety := 90.0

	bands := []domain.SegmentBand{
		{LowerLimit: nil, UpperLimit: &ten, Outcome: domain.SegmentOutcomeFail, Reason: "low"},
		{LowerLimit: &ten, UpperLimit: &ninety, Outcome: domain.SegmentOutcomeWarn, Reason: "mid"},
		{LowerLimit: &ninety, UpperLimit: nil, Outcome: domain.SegmentOutcomePass, Reason: "high"},
	}

	cases := []struct {
		pct  float64
		want string
	}{
		{0, domain.SegmentOutcomeFail},
		{9.99, domain.SegmentOutcomeFail},
		{10, domain.SegmentOutcomeWarn}, // boundary belongs to the upper band
		{89.99, domain.SegmentOutcomeWarn},
		{90, domain.SegmentOutcomePass},
		{100, domain.SegmentOutcomePass},
	}

	for _, c := range cases {
		got, _ := matchBand(c.pct, bands)
		if got != c.want {
			t.Errorf("matchBand(%v) = %s, want %s", c.pct, got, c.want)
		}
	}
}
