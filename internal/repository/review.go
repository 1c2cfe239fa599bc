// Package repository wraps all SQL used by the API server and the worker.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// ReviewRepository persists batches and file records in Postgres.
type ReviewRepository struct {
	pool *pgxpool.Pool
}

// NewReviewRepository constructs a repository.
func NewReviewRepository(pool *pgxpool.Pool) *ReviewRepository {
	return &ReviewRepository{pool: pool}
}

// CreateBatch inserts an empty batch.
func (r *ReviewRepository) CreateBatch(ctx context.Context, b *model.ReviewBatch) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batches (id, name, created_by, created_at, deadline)
		VALUES ($1,$2,$3,$4,$5)
	`, b.ID, b.Name, b.CreatedBy, b.CreatedAt, b.Deadline)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch returns a batch with its member ids in upload order.
func (r *ReviewRepository) GetBatch(ctx context.Context, id string) (*model.ReviewBatch, error) {
	var b model.ReviewBatch
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, created_by, created_at, deadline
		FROM batches WHERE id=$1
	`, id)
	if err := row.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt, &b.Deadline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("select batch: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM files WHERE batch_id=$1 ORDER BY upload_seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select batch members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		b.FileIDs = append(b.FileIDs, fid)
	}
	return &b, rows.Err()
}

// ListBatches returns all batches, oldest first.
func (r *ReviewRepository) ListBatches(ctx context.Context) ([]*model.ReviewBatch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_by, created_at, deadline
		FROM batches ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()
	var out []*model.ReviewBatch
	for rows.Next() {
		var b model.ReviewBatch
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt, &b.Deadline); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// AddFile inserts a record. Membership is a foreign key, so the batch row must
// exist; upload_seq is assigned by the workflow under the batch lock.
func (r *ReviewRepository) AddFile(ctx context.Context, rec *model.FileRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO files (id, batch_id, original_name, size_bytes, content_hash,
			detected_type, mime_type, integrity, detail, metadata, object_key,
			upload_seq, review_status, reviewed_by, review_note, review_priority,
			decided_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, rec.ID, rec.BatchID, rec.OriginalName, rec.SizeBytes, rec.ContentHash,
		rec.DetectedType, rec.MIMEType, rec.Integrity, rec.Detail, meta, rec.ObjectKey,
		rec.UploadSeq, rec.Review.Status, rec.Review.ReviewedBy, rec.Review.Note,
		rec.Review.Priority, rec.Review.DecidedAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile returns a record by id.
func (r *ReviewRepository) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	row := r.pool.QueryRow(ctx, fileSelect+` WHERE id=$1`, id)
	rec, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return rec, nil
}

// BatchFiles returns members in upload order.
func (r *ReviewRepository) BatchFiles(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	rows, err := r.pool.Query(ctx, fileSelect+` WHERE batch_id=$1 ORDER BY upload_seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select batch files: %w", err)
	}
	defer rows.Close()
	var out []*model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateDecision replaces the review fields of a record.
func (r *ReviewRepository) UpdateDecision(ctx context.Context, fileID string, d model.ReviewDecision) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files
		SET review_status=$1, reviewed_by=$2, review_note=$3, review_priority=$4, decided_at=$5
		WHERE id=$6
	`, d.Status, d.ReviewedBy, d.Note, d.Priority, d.DecidedAt, fileID)
	if err != nil {
		return fmt.Errorf("update decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const fileSelect = `
	SELECT id, batch_id, original_name, size_bytes, content_hash, detected_type,
		mime_type, integrity, COALESCE(detail,''), metadata, object_key, upload_seq,
		review_status, COALESCE(reviewed_by,''), COALESCE(review_note,''),
		review_priority, decided_at, created_at
	FROM files`

func scanFile(row pgx.Row) (*model.FileRecord, error) {
	var (
		rec  model.FileRecord
		meta []byte
	)
	err := row.Scan(&rec.ID, &rec.BatchID, &rec.OriginalName, &rec.SizeBytes,
		&rec.ContentHash, &rec.DetectedType, &rec.MIMEType, &rec.Integrity,
		&rec.Detail, &meta, &rec.ObjectKey, &rec.UploadSeq,
		&rec.Review.Status, &rec.Review.ReviewedBy, &rec.Review.Note,
		&rec.Review.Priority, &rec.Review.DecidedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
