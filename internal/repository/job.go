package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// JobRepository persists jobs and per-file results in Postgres.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// CreateJob inserts a queued job.
func (r *JobRepository) CreateJob(ctx context.Context, j *model.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (id, batch_id, status, config, bates_first, bates_last,
			summary, error, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, j.ID, j.BatchID, j.Status, cfg, j.BatesFirst, j.BatesLast,
		j.Summary, j.Error, j.CreatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, jobSelect+` WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

// ListJobs returns all jobs, oldest first.
func (r *JobRepository) ListJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, jobSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJob replaces the mutable fields of a job row.
func (r *JobRepository) UpdateJob(ctx context.Context, j *model.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status=$1, bates_first=$2, bates_last=$3, summary=$4, error=$5,
			started_at=$6, finished_at=$7
		WHERE id=$8
	`, j.Status, j.BatesFirst, j.BatesLast, j.Summary, j.Error,
		j.StartedAt, j.FinishedAt, j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SaveResults replaces the result set of a job.
func (r *JobRepository) SaveResults(ctx context.Context, jobID string, results []model.ProcessingResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM job_results WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for i, res := range results {
		warnings, err := json.Marshal(res.Warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		artifacts, err := json.Marshal(res.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_results (job_id, file_id, status, bates_start, bates_end,
				units, error, warnings, artifacts, elapsed_ms, attempt, seq)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, jobID, res.FileID, res.Status, res.BatesStart, res.BatesEnd,
			res.Units, res.Error, warnings, artifacts, res.Elapsed.Milliseconds(), res.Attempt, i)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

// Results returns a job's results in processing order.
func (r *JobRepository) Results(ctx context.Context, jobID string) ([]model.ProcessingResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT file_id, status, COALESCE(bates_start,''), COALESCE(bates_end,''),
			units, COALESCE(error,''), warnings, artifacts, elapsed_ms, attempt
		FROM job_results WHERE job_id=$1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()
	var out []model.ProcessingResult
	for rows.Next() {
		var (
			res       model.ProcessingResult
			warnings  []byte
			artifacts []byte
			elapsedMS int64
		)
		if err := rows.Scan(&res.FileID, &res.Status, &res.BatesStart, &res.BatesEnd,
			&res.Units, &res.Error, &warnings, &artifacts, &elapsedMS, &res.Attempt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.JobID = jobID
		res.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if len(warnings) > 0 {
			if err := json.Unmarshal(warnings, &res.Warnings); err != nil {
				return nil, fmt.Errorf("unmarshal warnings: %w", err)
			}
		}
		if len(artifacts) > 0 {
			if err := json.Unmarshal(artifacts, &res.Artifacts); err != nil {
				return nil, fmt.Errorf("unmarshal artifacts: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// RequestCancel flags the job for cooperative cancellation.
func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE jobs SET cancel_requested=TRUE WHERE id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// CancelRequested reports the cooperative cancel flag.
func (r *JobRepository) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id=$1`, jobID).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, pipeline.ErrNotFound
		}
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return requested, nil
}

const jobSelect = `
	SELECT id, batch_id, status, config, COALESCE(bates_first,''),
		COALESCE(bates_last,''), COALESCE(summary,''), COALESCE(error,''),
		created_at, started_at, finished_at
	FROM jobs`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j   model.Job
		cfg []byte
	)
	err := row.Scan(&j.ID, &j.BatchID, &j.Status, &cfg, &j.BatesFirst,
		&j.BatesLast, &j.Summary, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}
	return &j, nil
}
