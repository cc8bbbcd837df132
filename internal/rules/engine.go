// Package rules provides the CEL-Go based segment evaluation engine.
// Segments are boolean expressions over scored record fields; each
// segment is counted across the whole dataset and its match percentage
// is mapped onto an outcome band.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based segment evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledSegment
	maxWorkers int
}

// CompiledSegment holds a pre-compiled CEL program.
type CompiledSegment struct {
	Config  *domain.SegmentConfig
	Program cel.Program
}

// NewEngine creates a new segment evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with scored record variables
	env, err := cel.NewEnv(
		cel.Variable("rec", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("aps_score", cel.DoubleType),
		cel.Variable("cci", cel.DoubleType),
		cel.Variable("ltv_pct", cel.DoubleType),
		cel.Variable("equity_pct", cel.DoubleType),
		cel.Variable("equity_dollars", cel.DoubleType),
		cel.Variable("loan_age_months", cel.IntType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("zip", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledSegment),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateSegment compiles and validates a segment without mutating
// the loaded set.
func (e *Engine) ValidateSegment(cfg *domain.SegmentConfig) error {
	if cfg == nil {
		return fmt.Errorf("segment config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileSegment(cfg)
	return err
}

// LoadSegment compiles and loads a segment into the engine.
func (e *Engine) LoadSegment(cfg *domain.SegmentConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileSegment(cfg)
	if err != nil {
		return err
	}

	e.compiled[cfg.ID] = compiled

	return nil
}

// LoadSegments compiles and loads multiple segments.
func (e *Engine) LoadSegments(configs []*domain.SegmentConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadSegment(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateDataset evaluates all loaded segments over a scored dataset
// in parallel. Segment results are per-dataset, not per-record.
func (e *Engine) EvaluateDataset(ctx context.Context, tenantID, jobID string, ds *domain.Dataset) ([]domain.SegmentResult, error) {
	e.mu.RLock()
	segments := make([]*CompiledSegment, 0, len(e.compiled))
	for _, seg := range e.compiled {
		segments = append(segments, seg)
	}
	e.mu.RUnlock()

	if len(segments) == 0 {
		return nil, nil
	}

	// Build one activation per record, shared by every segment.
	activations := make([]map[string]any, len(ds.Records))
	for i := range ds.Records {
		activations[i] = recordActivation(&ds.Records[i])
	}

	results := make([]domain.SegmentResult, len(segments))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, seg := range segments {
		wg.Add(1)
		go func(idx int, s *CompiledSegment) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateSegment(s, activations, tenantID, jobID)
		}(i, seg)
	}

	wg.Wait()

	return results, nil
}

// evaluateSegment counts matching records and bands the percentage.
func (e *Engine) evaluateSegment(seg *CompiledSegment, activations []map[string]any, tenantID, jobID string) domain.SegmentResult {
	start := time.Now()

	result := domain.SegmentResult{
		SegmentID: seg.Config.ID,
		TenantID:  tenantID,
		JobID:     jobID,
		Total:     len(activations),
	}

	for _, activation := range activations {
		out, _, err := seg.Program.Eval(activation)
		if err != nil {
			result.Outcome = domain.SegmentOutcomeError
			result.Reason = fmt.Sprintf("evaluation error: %v", err)
			result.ProcessMs = time.Since(start).Milliseconds()
			return result
		}
		if isMatch(out) {
			result.Matched++
		}
	}

	if result.Total > 0 {
		result.MatchPct = float64(result.Matched) / float64(result.Total) * 100
	}

	result.Outcome, result.Reason = matchBand(result.MatchPct, seg.Config.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

func recordActivation(r *domain.Record) map[string]any {
	rec := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		rec[k] = v
	}

	return map[string]any{
		"rec":             rec,
		"aps_score":       r.APSScore,
		"cci":             r.CCI,
		"ltv_pct":         r.LTVPct,
		"equity_pct":      r.EquityPct,
		"equity_dollars":  r.EquityDollars,
		"loan_age_months": int64(r.LoanAgeMonths),
		"tier":            string(r.Tier),
		"state":           r.Field(domain.ColState),
		"zip":             r.Field(domain.ColZIP),
	}
}

// isMatch converts a CEL value to a match verdict.
func isMatch(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) != 0
	case types.Int:
		return int64(v) != 0
	default:
		return false
	}
}

// matchBand finds the matching band for a match percentage.
// Bands are evaluated in order. Lower inclusive, upper exclusive,
// except when upper is nil (meaning open-ended).
func matchBand(pct float64, bands []domain.SegmentBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		hasUpper := band.UpperLimit != nil
		upper := float64(1e9) // effectively infinity

		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if hasUpper {
			upper = *band.UpperLimit
		}

		if pct >= lower {
			if !hasUpper || pct < upper {
				return band.Outcome, band.Reason
			}
			// Boundary value belongs to the next band, whose lower
			// limit equals this band's upper.
			continue
		}
	}

	// Default to pass if no band matches
	return domain.SegmentOutcomePass, "no matching band"
}

// SegmentsCount returns the number of loaded segments.
func (e *Engine) SegmentsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// ReloadSegments clears all existing segments and loads new ones.
// This enables hot-reloading from the database.
func (e *Engine) ReloadSegments(configs []*domain.SegmentConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledSegment)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileSegment(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next

	return nil
}

// GetLoadedSegments returns the currently loaded segment configurations.
func (e *Engine) GetLoadedSegments() []*domain.SegmentConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.SegmentConfig, 0, len(e.compiled))
	for _, compiled := range e.compiled {
		configs = append(configs, compiled.Config)
	}
	return configs
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledSegment)
	return nil
}

func (e *Engine) compileSegment(cfg *domain.SegmentConfig) (*CompiledSegment, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile segment %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("segment %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for segment %s: %w", cfg.ID, err)
	}

	return &CompiledSegment{
		Config:  cfg,
		Program: program,
	}, nil
}
