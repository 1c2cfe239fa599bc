// Package s3storage wraps MinIO/S3 interactions for raw uploads and finished
// production packages.
package s3storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/config"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// Storage holds the MinIO client and bucket names.
type Storage struct {
	client       *minio.Client
	rawBucket    string
	outputBucket string
	region       string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:       client,
		rawBucket:    cfg.RawBucket,
		outputBucket: cfg.OutputBucket,
		region:       cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the raw/output buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.outputBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadRaw stores an uploaded file's bytes in the raw bucket.
func (s *Storage) UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.rawBucket, objectKey, reader, size, opts)
	if err != nil {
		return fmt.Errorf("upload raw object: %w", err)
	}
	return nil
}

// Fetch returns the raw upload bytes for a record's object key. Errors are
// transient adapter failures: the file can be retried, nothing about the
// record is wrong.
func (s *Storage) Fetch(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "fetch raw object", Transient: true, Err: err}
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "read raw object", Transient: true, Err: err}
	}
	return buf, nil
}

// PublishDir mirrors a finished volume directory into the output bucket under
// the job id, preserving the relative layout.
func (s *Storage) PublishDir(ctx context.Context, jobID, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := jobID + "/" + filepath.ToSlash(rel)
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()
		_, err = s.client.PutObject(ctx, s.outputBucket, key, f, info.Size(), minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		return nil
	})
}

// PresignPackageURL returns a signed GET URL for one package artifact.
func (s *Storage) PresignPackageURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.outputBucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign package object: %w", err)
	}
	return u.String(), nil
}
