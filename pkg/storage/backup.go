package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// checkTimeTemplate validates a strftime-style backup template. Unsupported
// verbs are rejected up front so a bad template fails at construction rather
// than on the first delete.
func checkTimeTemplate(format string) error {
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 >= len(format) {
			return fmt.Errorf("trailing %% in template %q", format)
		}
		i++
		switch format[i] {
		case 'Y', 'y', 'm', 'd', 'H', 'M', 'S', '%':
		default:
			return fmt.Errorf("unsupported verb %%%c in template %q", format[i], format)
		}
	}
	return nil
}

// renderTimeTemplate expands the supported strftime verbs against t.
func renderTimeTemplate(format string, t time.Time) string {
	var b strings.Builder
	b.Grow(len(format))
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'y':
			fmt.Fprintf(&b, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case '%':
			b.WriteByte('%')
		default:
			// Validated at construction; keep unknown verbs verbatim.
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

// backupKey is the destination key for a backed-up object: the rendered
// template concatenated with the source key, with no separator forced in
// between.
func (s *Storage) backupKey(key string) string {
	return renderTimeTemplate(s.cfg.BackupFormat, s.now().UTC()) + key
}

// deleteWithBackup copies the object into the backup bucket and only then
// removes the source. The copy carries the object's bytes and metadata. If
// the copy fails for any reason the source is left untouched; losing the
// object silently is the one outcome this code must never produce. A crash
// between a successful copy and the remove leaves a duplicate, which is the
// documented trade-off.
func (s *Storage) deleteWithBackup(ctx context.Context, key string) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.BackupBucketName)
	if err != nil {
		return fmt.Errorf("check backup bucket %q: %w", s.cfg.BackupBucketName, err)
	}
	if !exists {
		return fmt.Errorf("backup bucket %q: %w", s.cfg.BackupBucketName, ErrBackupBucketMissing)
	}

	dstKey := s.backupKey(key)

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.cfg.BackupBucketName, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.cfg.BucketName, Object: key},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("backup object %q: %w", key, ErrObjectNotFound)
		}
		return fmt.Errorf("backup object %q to %q/%q: %w", key, s.cfg.BackupBucketName, dstKey, err)
	}

	s.logger.Debug("backed up object before delete",
		"bucket", s.cfg.BucketName, "key", key,
		"backup_bucket", s.cfg.BackupBucketName, "backup_key", dstKey)

	if err := s.client.RemoveObject(ctx, s.cfg.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q after backup: %w", key, err)
	}
	return nil
}
