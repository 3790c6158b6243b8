package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/polisai/upsg/pkg/domain"
)

// ObjectClient is the subset of *minio.Client the object store relies on.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// ObjectStore moves files in and out of an S3-compatible bucket.
type ObjectStore struct {
	client ObjectClient
	bucket string
	logger *slog.Logger
}

// NewObjectStore connects to the endpoint described by cfg.
func NewObjectStore(cfg domain.ObjectStorageSpec, logger *slog.Logger) (*ObjectStore, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: object storage endpoint and bucket are required", domain.ErrNoBackend)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return NewObjectStoreWithClient(client, cfg.Bucket, logger), nil
}

// NewObjectStoreWithClient wraps an existing client.
func NewObjectStoreWithClient(client ObjectClient, bucket string, logger *slog.Logger) *ObjectStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStore{client: client, bucket: bucket, logger: logger}
}

// Bucket returns the default bucket.
func (s *ObjectStore) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the default bucket when it is missing.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("bucket created", "bucket", s.bucket)
	return nil
}

// Upload stores the file at path under key in bucket. An empty bucket selects
// the default.
func (s *ObjectStore) Upload(ctx context.Context, bucket, key, path, contentType string) error {
	bucket = s.bucketOr(bucket)
	_, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	s.logger.Debug("object uploaded", "bucket", bucket, "key", key)
	return nil
}

// Download writes the object to path.
func (s *ObjectStore) Download(ctx context.Context, bucket, key, path string) error {
	bucket = s.bucketOr(bucket)
	if err := s.client.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (s *ObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	bucket = s.bucketOr(bucket)
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}

// Remove deletes the object.
func (s *ObjectStore) Remove(ctx context.Context, bucket, key string) error {
	bucket = s.bucketOr(bucket)
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *ObjectStore) bucketOr(bucket string) string {
	if bucket == "" {
		return s.bucket
	}
	return bucket
}

// TempObjectKey returns a collision-resistant object key with the given suffix.
func TempObjectKey(suffix string) string {
	key := "upsg/" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if suffix != "" {
		key += suffix
	}
	return key
}
