package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/bates"
)

// BatesRepository is the durable home of the numbering counters. Next is a
// single atomic statement, so two workers allocating against the same prefix
// can never receive overlapping blocks.
type BatesRepository struct {
	pool *pgxpool.Pool
}

// NewBatesRepository constructs a repository.
func NewBatesRepository(pool *pgxpool.Pool) *BatesRepository {
	return &BatesRepository{pool: pool}
}

// Next advances the counter for prefix by n and returns the first allocated
// value. The upsert seeds a fresh prefix at start and GREATEST keeps an
// existing counter from moving backwards when a job supplies a lower start.
func (r *BatesRepository) Next(ctx context.Context, prefix string, start, n uint64) (uint64, error) {
	var next int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO bates_sequences (prefix, next_value)
		VALUES ($1, $2 + $3)
		ON CONFLICT (prefix) DO UPDATE
		SET next_value = GREATEST(bates_sequences.next_value, $2) + $3
		RETURNING next_value - $3
	`, prefix, int64(start), int64(n)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	return uint64(next), nil
}

// RecordBurn appends a range to the never-reuse log.
func (r *BatesRepository) RecordBurn(ctx context.Context, rng bates.Range, reason string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bates_burns (prefix, start_value, end_value, reason, burned_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rng.Prefix, int64(rng.Start), int64(rng.End), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record burn: %w", err)
	}
	return nil
}

// RecordCommit ties a produced range to its job for audit.
func (r *BatesRepository) RecordCommit(ctx context.Context, rng bates.Range, jobID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bates_commits (prefix, start_value, end_value, job_id, committed_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rng.Prefix, int64(rng.Start), int64(rng.End), jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record commit: %w", err)
	}
	return nil
}
