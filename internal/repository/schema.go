package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_name TEXT NOT NULL,
    status TEXT NOT NULL,
    record_count INTEGER NOT NULL DEFAULT 0,
    scored_csv TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(tenant_id, created_at);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    job_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    health TEXT NOT NULL,
    tier_counts TEXT NOT NULL,
    segment_results TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (job_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_reports_tenant ON reports(tenant_id);
`

const schemaSegmentConfigs = `
CREATE TABLE IF NOT EXISTS segment_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_segment_configs_tenant ON segment_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_segment_configs_enabled ON segment_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaJobs,
		schemaReports,
		schemaSegmentConfigs,
	}
}
