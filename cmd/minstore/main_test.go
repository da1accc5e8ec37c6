package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"minstore/pkg/storage"
)

// setConnectionEnv provides the minimum MINSTORE_* connection settings and
// clears the optional knobs so stray process environment cannot leak in.
func setConnectionEnv(t *testing.T) {
	t.Helper()

	t.Setenv("MINSTORE_ENDPOINT", "store.example.com:9000")
	t.Setenv("MINSTORE_ACCESS_KEY", "ak")
	t.Setenv("MINSTORE_SECRET_KEY", "sk")
	t.Setenv("MINSTORE_USE_HTTPS", "")
	t.Setenv("MINSTORE_BUCKET_NAME", "")
	t.Setenv("MINSTORE_BASE_URL", "")
	t.Setenv("MINSTORE_USE_PRESIGNED", "")
	t.Setenv("MINSTORE_AUTO_CREATE_POLICY", "")
	t.Setenv("MINSTORE_OBJECT_METADATA", "")
	t.Setenv("MINSTORE_BACKUP_BUCKET", "")
	t.Setenv("MINSTORE_BACKUP_FORMAT", "")
}

func TestStorageForRejectsBadEnvironment(t *testing.T) {
	setConnectionEnv(t)
	t.Setenv("MINSTORE_BUCKET_NAME", "media")
	t.Setenv("MINSTORE_AUTO_CREATE_POLICY", "PUBLIC")

	_, err := storageFor("media")
	require.Error(t, err, "unknown policy kind must be fatal even with a bucket argument")
	var cfgErr *storage.ConfigError
	require.ErrorAs(t, err, &cfgErr, "configuration error type")
}

func TestStorageForRejectsHalfConfiguredBackup(t *testing.T) {
	setConnectionEnv(t)
	t.Setenv("MINSTORE_BACKUP_BUCKET", "media-backup")

	_, err := storageFor("media")
	require.Error(t, err, "backup bucket without a format must be fatal")
}

func TestStorageForBucketArgumentStandsIn(t *testing.T) {
	setConnectionEnv(t)
	t.Setenv("MINSTORE_BASE_URL", "https://cdn.example.com")

	s, err := storageFor("media")
	require.NoError(t, err, "the bucket argument satisfies the missing MINSTORE_BUCKET_NAME")

	u, err := s.URL(context.Background(), "docs/a.txt", nil)
	require.NoError(t, err, "building a direct URL")
	require.Equal(t, "https://cdn.example.com/docs/a.txt", u,
		"base URL from the environment must survive the bucket override")
}

func TestStorageForRequiresSomeBucket(t *testing.T) {
	setConnectionEnv(t)

	_, err := storageFor("")
	require.Error(t, err, "no bucket in the environment or on the command line")
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                string
		dirs, files         bool
		showDirs, showFiles bool
	}{
		{name: "neither flag lists both", showDirs: true, showFiles: true},
		{name: "dirs narrows to prefixes", dirs: true, showDirs: true},
		{name: "files narrows to objects", files: true, showFiles: true},
		{name: "both flags list both", dirs: true, files: true, showDirs: true, showFiles: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, f := listFilters(tt.dirs, tt.files)
			require.Equal(t, tt.showDirs, d, "dir entries")
			require.Equal(t, tt.showFiles, f, "file entries")
		})
	}
}
