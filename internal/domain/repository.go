// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Job operations
	SaveJob(ctx context.Context, tenantID string, job *Job) error
	GetJob(ctx context.Context, tenantID string, jobID string) (*Job, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]*Job, error)

	// Report operations
	SaveReport(ctx context.Context, tenantID string, report *Report) error
	GetReport(ctx context.Context, tenantID string, jobID string) (*Report, error)

	// Segment configuration operations
	SaveSegmentConfig(ctx context.Context, tenantID string, seg *SegmentConfig) error
	GetSegmentConfig(ctx context.Context, tenantID string, segID string) (*SegmentConfig, error)
	ListSegmentConfigs(ctx context.Context, tenantID string) ([]*SegmentConfig, error)
	DeleteSegmentConfig(ctx context.Context, tenantID string, segID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
