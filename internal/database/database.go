package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the tables if needed. Having the migration in code
// keeps the service self-contained so docker-compose can bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	deadline TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	original_name TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	detected_type TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	integrity TEXT NOT NULL,
	detail TEXT,
	metadata JSONB,
	object_key TEXT NOT NULL,
	upload_seq INT NOT NULL,
	review_status TEXT NOT NULL,
	reviewed_by TEXT,
	review_note TEXT,
	review_priority INT NOT NULL DEFAULT 0,
	decided_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_batch ON files(batch_id, upload_seq);
CREATE INDEX IF NOT EXISTS idx_files_review ON files(batch_id, review_status);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	status TEXT NOT NULL,
	config JSONB NOT NULL,
	bates_first TEXT,
	bates_last TEXT,
	summary TEXT,
	error TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	file_id TEXT NOT NULL,
	status TEXT NOT NULL,
	bates_start TEXT,
	bates_end TEXT,
	units INT NOT NULL DEFAULT 0,
	error TEXT,
	warnings JSONB,
	artifacts JSONB,
	elapsed_ms BIGINT NOT NULL DEFAULT 0,
	attempt INT NOT NULL DEFAULT 1,
	seq INT NOT NULL,
	PRIMARY KEY (job_id, file_id)
);
CREATE TABLE IF NOT EXISTS bates_sequences (
	prefix TEXT PRIMARY KEY,
	next_value BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS bates_burns (
	id BIGSERIAL PRIMARY KEY,
	prefix TEXT NOT NULL,
	start_value BIGINT NOT NULL,
	end_value BIGINT NOT NULL,
	reason TEXT NOT NULL,
	burned_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bates_commits (
	id BIGSERIAL PRIMARY KEY,
	prefix TEXT NOT NULL,
	start_value BIGINT NOT NULL,
	end_value BIGINT NOT NULL,
	job_id TEXT NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
