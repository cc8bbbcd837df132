// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveJob stores or updates a feed job with tenant isolation.
func (r *SQLRepository) SaveJob(ctx context.Context, tenantID string, job *domain.Job) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var completedAt any
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	query := `
		INSERT INTO jobs (
			id, tenant_id, source_name, status, record_count,
			scored_csv, error, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record_count = excluded.record_count,
			scored_csv = excluded.scored_csv,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, tenantID, job.SourceName, job.Status, job.RecordCount,
		job.ScoredCSV, job.Error, job.CreatedAt, completedAt,
	)
	return err
}

// GetJob retrieves a feed job by ID with tenant isolation.
func (r *SQLRepository) GetJob(ctx context.Context, tenantID string, jobID string) (*domain.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, source_name, status, record_count,
			   scored_csv, error, created_at, completed_at
		FROM jobs
		WHERE tenant_id = ? AND id = ?
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs retrieves the most recent jobs for a tenant.
func (r *SQLRepository) ListJobs(ctx context.Context, tenantID string, limit int) ([]*domain.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, source_name, status, record_count,
			   scored_csv, error, created_at, completed_at
		FROM jobs
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.TenantID, &job.SourceName, &job.Status, &job.RecordCount,
		&job.ScoredCSV, &job.Error, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// SaveReport stores a quality report with tenant isolation.
func (r *SQLRepository) SaveReport(ctx context.Context, tenantID string, report *domain.Report) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	health, _ := json.Marshal(report.Health)
	tierCounts, _ := json.Marshal(report.TierCounts)
	segmentResults, _ := json.Marshal(report.SegmentResults)

	query := `
		INSERT INTO reports (
			job_id, tenant_id, health, tier_counts, segment_results, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, tenant_id) DO UPDATE SET
			health = excluded.health,
			tier_counts = excluded.tier_counts,
			segment_results = excluded.segment_results
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.JobID, tenantID,
		string(health), string(tierCounts), string(segmentResults),
		report.CreatedAt,
	)
	return err
}

// GetReport retrieves a quality report by job ID with tenant isolation.
func (r *SQLRepository) GetReport(ctx context.Context, tenantID string, jobID string) (*domain.Report, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT job_id, tenant_id, health, tier_counts, segment_results, created_at
		FROM reports
		WHERE tenant_id = ? AND job_id = ?
	`

	var report domain.Report
	var health, tierCounts, segmentResults string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, jobID).Scan(
		&report.JobID, &report.TenantID,
		&health, &tierCounts, &segmentResults,
		&report.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(health), &report.Health); err != nil {
		return nil, fmt.Errorf("failed to parse health report: %w", err)
	}
	json.Unmarshal([]byte(tierCounts), &report.TierCounts)
	json.Unmarshal([]byte(segmentResults), &report.SegmentResults)

	return &report, nil
}

// SaveSegmentConfig stores a segment configuration with tenant isolation.
func (r *SQLRepository) SaveSegmentConfig(ctx context.Context, tenantID string, seg *domain.SegmentConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(seg.Bands)

	enabled := 0
	if seg.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO segment_configs (
			id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		seg.ID, tenantID, seg.Name, seg.Description,
		seg.Version, seg.Expression, string(bands), enabled,
		now, now,
	)
	return err
}

// GetSegmentConfig retrieves a segment configuration with tenant isolation.
func (r *SQLRepository) GetSegmentConfig(ctx context.Context, tenantID string, segID string) (*domain.SegmentConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM segment_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.SegmentConfig
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, segID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &bands, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListSegmentConfigs retrieves all active segment configurations for a tenant.
func (r *SQLRepository) ListSegmentConfigs(ctx context.Context, tenantID string) ([]*domain.SegmentConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled
		FROM segment_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.SegmentConfig
	for rows.Next() {
		var cfg domain.SegmentConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &bands, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeleteSegmentConfig soft-deletes a segment by setting enabled = 0.
func (r *SQLRepository) DeleteSegmentConfig(ctx context.Context, tenantID string, segID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE segment_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, segID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
