package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"minstore/pkg/policy"
)

// Administrative operations for operator tooling. These are direct
// pass-throughs to the store and deliberately bypass the lazy provisioning
// latch: an operator inspecting or repairing buckets must not trigger
// auto-creation as a side effect.

// ObjectEntry is one result of a prefix listing.
type ObjectEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	// IsPrefix marks a "directory" entry produced by a non-recursive
	// delimiter listing.
	IsPrefix bool
}

// bucketOrDefault substitutes the configured bucket for an empty name.
func (s *Storage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.cfg.BucketName
	}
	return bucket
}

// CheckBucket reports whether the bucket exists.
func (s *Storage) CheckBucket(ctx context.Context, bucket string) (bool, error) {
	bucket = s.bucketOrDefault(bucket)
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	return exists, nil
}

// CreateBucket creates the bucket and applies the given policy to it. Unlike
// lazy provisioning this is explicit operator intent, so an already-existing
// bucket is an error.
func (s *Storage) CreateBucket(ctx context.Context, bucket string, kind policy.Kind) error {
	bucket = s.bucketOrDefault(bucket)
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	if kind != "" && kind != policy.None {
		if err := s.SetPolicy(ctx, bucket, kind); err != nil {
			return err
		}
	}
	s.logger.Info("created bucket", "bucket", bucket, "policy", string(kind))
	return nil
}

// DeleteBucket removes an empty bucket. The store refuses to remove a
// non-empty one; that refusal is passed through untouched.
func (s *Storage) DeleteBucket(ctx context.Context, bucket string) error {
	bucket = s.bucketOrDefault(bucket)
	if err := s.client.RemoveBucket(ctx, bucket); err != nil {
		if isNoSuchBucket(err) {
			return fmt.Errorf("bucket %q: %w", bucket, ErrBucketMissing)
		}
		return fmt.Errorf("delete bucket %q: %w", bucket, err)
	}
	s.logger.Info("deleted bucket", "bucket", bucket)
	return nil
}

// ListBuckets returns all buckets visible to the configured credentials.
func (s *Storage) ListBuckets(ctx context.Context) ([]minio.BucketInfo, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return buckets, nil
}

// ListPrefix lists the bucket's objects under prefix. With recursive set the
// listing is flat; otherwise entries one level down are grouped into
// IsPrefix entries.
func (s *Storage) ListPrefix(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectEntry, error) {
	bucket = s.bucketOrDefault(bucket)
	prefix = normalizePrefix(prefix)

	var entries []ObjectEntry
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if obj.Err != nil {
			if isNoSuchBucket(obj.Err) {
				return nil, fmt.Errorf("bucket %q: %w", bucket, ErrBucketMissing)
			}
			return nil, fmt.Errorf("list %q in bucket %q: %w", prefix, bucket, obj.Err)
		}
		entries = append(entries, ObjectEntry{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
			IsPrefix:     strings.HasSuffix(obj.Key, "/") && obj.Size == 0 && obj.ETag == "",
		})
	}
	return entries, nil
}

// GetPolicy returns the bucket's current policy document, or the empty
// string when none is set.
func (s *Storage) GetPolicy(ctx context.Context, bucket string) (string, error) {
	bucket = s.bucketOrDefault(bucket)
	doc, err := s.client.GetBucketPolicy(ctx, bucket)
	if err != nil {
		if isNoSuchBucket(err) {
			return "", fmt.Errorf("bucket %q: %w", bucket, ErrBucketMissing)
		}
		return "", fmt.Errorf("get policy for bucket %q: %w", bucket, err)
	}
	return doc, nil
}

// SetPolicy renders kind into a native policy document and applies it.
func (s *Storage) SetPolicy(ctx context.Context, bucket string, kind policy.Kind) error {
	bucket = s.bucketOrDefault(bucket)
	doc, err := kind.Document(bucket)
	if err != nil {
		return err
	}
	if err := s.client.SetBucketPolicy(ctx, bucket, doc); err != nil {
		if isNoSuchBucket(err) {
			return fmt.Errorf("bucket %q: %w", bucket, ErrBucketMissing)
		}
		return fmt.Errorf("apply %s policy to bucket %q: %w", kind, bucket, err)
	}
	return nil
}
