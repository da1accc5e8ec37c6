package storage

import (
	"errors"

	"github.com/minio/minio-go/v7"
)

var (
	// ErrBucketMissing is returned when the configured bucket does not exist
	// and neither AutoCreateBucket nor AssumeBucketExists is set.
	ErrBucketMissing = errors.New("bucket does not exist")

	// ErrBackupBucketMissing is returned when a backup-on-delete is attempted
	// but the backup bucket does not exist. The backup bucket is never
	// auto-created; the delete is aborted and the source object kept.
	ErrBackupBucketMissing = errors.New("backup bucket does not exist")

	// ErrObjectNotFound is returned by operations on keys that do not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// ConfigError reports an invalid Config. It is raised at construction time,
// never deferred to first use.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid storage config: " + e.Reason
}

// isNoSuchKey reports whether err is the store's NoSuchKey error response.
func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// isNoSuchBucket reports whether err is the store's NoSuchBucket error
// response.
func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}
