// Package objectstore keeps rendered report files in an S3 compatible bucket
// and hands out time-limited download links.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Presigned URL lifetimes accepted by S3.
const (
	MinExpiry     = time.Minute
	MaxExpiry     = 7 * 24 * time.Hour
	DefaultExpiry = 15 * time.Minute
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type Store struct {
	client *minio.Client
	bucket string
	region string
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a presigned GET link for key. The expiry is clamped to
// [MinExpiry, MaxExpiry]; zero selects DefaultExpiry.
func (s *Store) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, time.Duration, error) {
	expiry = ClampExpiry(expiry)
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		return "", 0, fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), expiry, nil
}

func ClampExpiry(expiry time.Duration) time.Duration {
	switch {
	case expiry == 0:
		return DefaultExpiry
	case expiry < MinExpiry:
		return MinExpiry
	case expiry > MaxExpiry:
		return MaxExpiry
	}
	return expiry
}
