// Package storage implements a generic file-storage engine backed by an
// S3-compatible object store. One engine, parameterized by Config, serves any
// number of configured instances (media uploads, static assets, ...).
//
// The engine lazily provisions its bucket on first use: existence is checked
// (and the bucket optionally created, with an optional anonymous-access
// policy) exactly once per instance, and the outcome is latched for the
// instance's lifetime. Policy is applied only when the bucket is created
// here; a pre-existing bucket's policy is intentionally never reconciled.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"

	"minstore/pkg/policy"
)

// ObjectMeta describes a stored object as reported by the store.
type ObjectMeta struct {
	Size         int64
	LastModified time.Time
	ContentType  string
	UserMetadata map[string]string
}

// Storage is the single entry point for object operations against one
// configured bucket. It is safe for concurrent use; a single instance is
// meant to be shared by all request handlers of a host application.
type Storage struct {
	client *minio.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	provisionOnce sync.Once
	provisionErr  error

	presignOnce sync.Once
	presign     *minio.Client
	presignErr  error
}

// New validates cfg and returns a Storage bound to client. Configuration
// problems surface here, not on first use. logger may be nil, in which case
// slog.Default() is used.
func New(client *minio.Client, cfg Config, logger *slog.Logger) (*Storage, error) {
	if client == nil {
		return nil, &ConfigError{Reason: "client must not be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Storage{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ensure runs bucket provisioning exactly once per instance, even under
// concurrent first use. Concurrent callers block on the first attempt and
// then observe its latched result; a provisioning failure fails every
// subsequent operation with the same error.
func (s *Storage) ensure(ctx context.Context) error {
	s.provisionOnce.Do(func() {
		s.provisionErr = s.provision(ctx)
	})
	return s.provisionErr
}

func (s *Storage) provision(ctx context.Context) error {
	if s.cfg.AssumeBucketExists {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.cfg.BucketName)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.cfg.BucketName, err)
	}
	if exists {
		// Policy is applied at creation time only, never reconciled here.
		return nil
	}

	if !s.cfg.AutoCreateBucket {
		return fmt.Errorf("bucket %q: %w", s.cfg.BucketName, ErrBucketMissing)
	}

	if err := s.client.MakeBucket(ctx, s.cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.cfg.BucketName, err)
	}

	kind := s.cfg.autoCreatePolicy()
	if kind != policy.None {
		doc, err := kind.Document(s.cfg.BucketName)
		if err != nil {
			return err
		}
		if err := s.client.SetBucketPolicy(ctx, s.cfg.BucketName, doc); err != nil {
			return fmt.Errorf("apply %s policy to bucket %q: %w", kind, s.cfg.BucketName, err)
		}
	}

	s.logger.Info("created bucket", "bucket", s.cfg.BucketName, "policy", string(kind))
	return nil
}

// guessContentType derives the MIME type from the key's extension, falling
// back to application/octet-stream.
func guessContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Save streams content into the store under the normalized form of name and
// returns the key actually stored. size is the exact content length, or -1
// if unknown (the client then buffers). Configured default metadata is
// attached to the object; meta overrides it on key collision.
func (s *Storage) Save(ctx context.Context, name string, content io.Reader, size int64, meta map[string]string) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	key := normalizeKey(name)

	var userMeta map[string]string
	if len(s.cfg.ObjectMetadata) > 0 || len(meta) > 0 {
		userMeta = make(map[string]string, len(s.cfg.ObjectMetadata)+len(meta))
		for k, v := range s.cfg.ObjectMetadata {
			userMeta[k] = v
		}
		for k, v := range meta {
			userMeta[k] = v
		}
	}

	info, err := s.client.PutObject(ctx, s.cfg.BucketName, key, content, size, minio.PutObjectOptions{
		ContentType:  guessContentType(key),
		UserMetadata: userMeta,
	})
	if err != nil {
		return "", fmt.Errorf("save object %q: %w", key, err)
	}

	s.logger.Debug("saved object", "bucket", s.cfg.BucketName, "key", info.Key, "size", info.Size)

	if info.Key != "" {
		// The store reports the final key; trust it in case the name was
		// adjusted server-side.
		return info.Key, nil
	}
	return key, nil
}

// Open returns the object's content as a stream. The caller must close it on
// every path; the stream holds a transport handle until closed.
func (s *Storage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	key := normalizeKey(name)

	obj, err := s.client.GetObject(ctx, s.cfg.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}

	// GetObject defers the request; stat now so a missing key surfaces here
	// instead of on the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("open object %q: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}

	return obj, nil
}

// Exists reports whether the named object is present.
func (s *Storage) Exists(ctx context.Context, name string) (bool, error) {
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	key := normalizeKey(name)

	_, err := s.client.StatObject(ctx, s.cfg.BucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the named object. With backup configured the object is
// first copied into the backup bucket; the source is only removed after the
// copy succeeded.
func (s *Storage) Delete(ctx context.Context, name string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	key := normalizeKey(name)

	if s.cfg.backupEnabled() {
		return s.deleteWithBackup(ctx, key)
	}

	if err := s.client.RemoveObject(ctx, s.cfg.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// ListDir lists the entries directly under the given path, split into
// subdirectories (the store's common prefixes) and files. Entry names are
// relative to the listed path.
func (s *Storage) ListDir(ctx context.Context, dir string) (dirs, files []string, err error) {
	if err := s.ensure(ctx); err != nil {
		return nil, nil, err
	}
	prefix := normalizePrefix(dir)

	for obj := range s.client.ListObjects(ctx, s.cfg.BucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, nil, fmt.Errorf("list %q: %w", prefix, obj.Err)
		}

		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		if strings.HasSuffix(rel, "/") {
			dirs = append(dirs, strings.TrimSuffix(rel, "/"))
		} else {
			files = append(files, rel)
		}
	}

	return dirs, files, nil
}

// Stat returns the stored object's metadata.
func (s *Storage) Stat(ctx context.Context, name string) (ObjectMeta, error) {
	if err := s.ensure(ctx); err != nil {
		return ObjectMeta{}, err
	}
	key := normalizeKey(name)

	info, err := s.client.StatObject(ctx, s.cfg.BucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectMeta{}, fmt.Errorf("stat object %q: %w", key, ErrObjectNotFound)
		}
		return ObjectMeta{}, fmt.Errorf("stat object %q: %w", key, err)
	}

	return ObjectMeta{
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		UserMetadata: map[string]string(info.UserMetadata),
	}, nil
}

// Size returns the object's size in bytes.
func (s *Storage) Size(ctx context.Context, name string) (int64, error) {
	meta, err := s.Stat(ctx, name)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// LastModified returns the object's last-modified timestamp.
func (s *Storage) LastModified(ctx context.Context, name string) (time.Time, error) {
	meta, err := s.Stat(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return meta.LastModified, nil
}
