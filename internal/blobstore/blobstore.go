// Package blobstore stores generated documents behind a portable bucket
// interface so deployments can point at local disk, S3, or memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var ErrNotFound = errors.New("blob not found")

// Store wraps a bucket and knows how to mint public URLs for stored keys
type Store struct {
	bucket  *blob.Bucket
	baseURL string
}

// Open connects to the bucket named by a gocloud URL such as mem://,
// file:///var/data, or s3://bucket-name
func Open(ctx context.Context, bucketURL, baseURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewWithBucket(bucket, baseURL), nil
}

// NewWithBucket wraps an already opened bucket, used by tests
func NewWithBucket(bucket *blob.Bucket, baseURL string) *Store {
	return &Store{
		bucket:  bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Put writes data under key unless the key already holds an object.
// Replayed writes of the same key succeed without touching the stored
// object, which keeps document uploads idempotent.
func (s *Store) Put(
	ctx context.Context, key string, data []byte, contentType string,
) error {
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{
		ContentType: contentType,
	})
}

// Get reads the object stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether an object is stored under key
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Size returns the stored object's length in bytes
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, fmt.Errorf("blob %s: %w", key, ErrNotFound)
		}
		return 0, err
	}
	return attrs.Size, nil
}

// URL returns the public address of a stored key
func (s *Store) URL(key string) string {
	return s.baseURL + "/" + strings.TrimPrefix(key, "/")
}

// Close releases the underlying bucket
func (s *Store) Close() error {
	return s.bucket.Close()
}
