// Package objectstore resolves problem test-case files that live in
// MinIO (addressed as s3://bucket/key) so a judger fleet can share test
// data without a shared filesystem. Case file paths that are not
// s3:// URIs are read straight off the local filesystem by the caller;
// this package only ever deals with the object-storage half.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker"
)

type Store struct {
	client  *minio.Client
	bucket  string
	breaker *gobreaker.CircuitBreaker
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: creating minio client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "minio-testcases",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})

	return &Store{client: client, bucket: bucket, breaker: breaker}, nil
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: checking bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("objectstore: creating bucket: %w", err)
		}
	}
	return nil
}

// IsRemoteRef reports whether path names an s3:// object rather than a
// local file.
func IsRemoteRef(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

func (s *Store) objectKey(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("objectstore: parsing %q: %w", ref, err)
	}
	if parsed.Host != s.bucket {
		return "", fmt.Errorf("objectstore: bucket mismatch for %q: expected %s, got %s", ref, s.bucket, parsed.Host)
	}
	return strings.TrimPrefix(parsed.Path, "/"), nil
}

// Download fetches the object named by an s3://bucket/key ref, wrapped
// in a circuit breaker so a degraded object store fails fast instead of
// stalling the judger pipeline on every case.
func (s *Store) Download(ctx context.Context, ref string) ([]byte, error) {
	key, err := s.objectKey(ref)
	if err != nil {
		return nil, err
	}

	result, err := s.breaker.Execute(func() (any, error) {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("objectstore: getting object %s: %w", key, err)
		}
		defer obj.Close()
		return io.ReadAll(obj)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Upload stores data under key in the configured bucket and returns
// its s3://bucket/key ref, used to seed or refresh shared test-case
// data.
func (s *Store) Upload(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.breaker.Execute(func() (any, error) {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return nil, err
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: uploading %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *Store) State() gobreaker.State {
	return s.breaker.State()
}
