package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig describes an S3-compatible bucket.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
	Logger        *zap.Logger
}

// MinioStore keeps objects in a MinIO or S3 bucket.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
	logger  *zap.Logger
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("storage: minio endpoint and bucket are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("storage bucket created", zap.String("bucket", cfg.Bucket))
	}
	baseURL := strings.TrimSpace(cfg.PublicBaseURL)
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, baseURL: baseURL, logger: logger}, nil
}

func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	objectName, err := cleanPath(path)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		s.logger.Error("object upload failed", zap.String("object", objectName), zap.Error(err))
		return err
	}
	return nil
}

func (s *MinioStore) Remove(ctx context.Context, paths ...string) error {
	var failures []string
	for _, path := range paths {
		objectName, err := cleanPath(path)
		if err != nil {
			return err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
			s.logger.Warn("object removal failed", zap.String("object", objectName), zap.Error(err))
			failures = append(failures, objectName)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("storage: failed to remove %s", strings.Join(failures, ", "))
	}
	return nil
}

func (s *MinioStore) PublicURL(path string) string {
	return joinURL(s.baseURL, path)
}

func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("storage: bucket %s missing", s.bucket)
	}
	return nil
}
