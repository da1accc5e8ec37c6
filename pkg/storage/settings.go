package storage

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"minstore/pkg/policy"
)

// Environment-driven construction. A host application typically builds one
// client and several Config values from the process environment, e.g. with
// the MINSTORE_MEDIA_* and MINSTORE_STATIC_* variable families.

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigError{Reason: fmt.Sprintf("%s=%q is not a boolean", key, v)}
	}
	return b, nil
}

// ClientFromEnv builds the store client from MINSTORE_ENDPOINT,
// MINSTORE_ACCESS_KEY, MINSTORE_SECRET_KEY and MINSTORE_USE_HTTPS. The
// endpoint is host:port without a scheme; MINSTORE_USE_HTTPS selects the
// scheme for both RPC traffic and generated direct URLs.
func ClientFromEnv() (*minio.Client, error) {
	endpoint := os.Getenv("MINSTORE_ENDPOINT")
	if endpoint == "" {
		return nil, &ConfigError{Reason: "MINSTORE_ENDPOINT is required"}
	}

	useHTTPS, err := getenvBool("MINSTORE_USE_HTTPS", false)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("MINSTORE_ACCESS_KEY"),
			os.Getenv("MINSTORE_SECRET_KEY"),
			"",
		),
		Secure:       useHTTPS,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("build store client for %q: %w", endpoint, err)
	}
	return client, nil
}

// ConfigFromEnv reads one instance's Config from <prefix>_BUCKET_NAME,
// <prefix>_BASE_URL, <prefix>_USE_PRESIGNED, <prefix>_AUTO_CREATE_BUCKET,
// <prefix>_ASSUME_BUCKET_EXISTS, <prefix>_AUTO_CREATE_POLICY,
// <prefix>_OBJECT_METADATA (comma-separated k=v pairs),
// <prefix>_BACKUP_BUCKET and <prefix>_BACKUP_FORMAT. Malformed values are
// rejected here; completeness of the resulting Config is checked by
// Validate, which New runs, so a caller may still fill in fields the
// environment leaves empty.
func ConfigFromEnv(prefix string) (Config, error) {
	cfg := Config{
		BucketName:       os.Getenv(prefix + "_BUCKET_NAME"),
		BaseURL:          os.Getenv(prefix + "_BASE_URL"),
		Region:           os.Getenv(prefix + "_REGION"),
		BackupBucketName: os.Getenv(prefix + "_BACKUP_BUCKET"),
		BackupFormat:     os.Getenv(prefix + "_BACKUP_FORMAT"),
	}

	var err error
	if cfg.UsePresignedURLs, err = getenvBool(prefix+"_USE_PRESIGNED", false); err != nil {
		return Config{}, err
	}
	if cfg.AutoCreateBucket, err = getenvBool(prefix+"_AUTO_CREATE_BUCKET", false); err != nil {
		return Config{}, err
	}
	if cfg.AssumeBucketExists, err = getenvBool(prefix+"_ASSUME_BUCKET_EXISTS", false); err != nil {
		return Config{}, err
	}

	if raw := getenv(prefix+"_AUTO_CREATE_POLICY", ""); raw != "" {
		kind, err := policy.ParseKind(raw)
		if err != nil {
			return Config{}, &ConfigError{Reason: err.Error()}
		}
		cfg.AutoCreatePolicy = kind
	}

	if raw := os.Getenv(prefix + "_OBJECT_METADATA"); raw != "" {
		meta := make(map[string]string)
		for _, pair := range strings.Split(raw, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || k == "" {
				return Config{}, &ConfigError{Reason: fmt.Sprintf(
					"%s_OBJECT_METADATA entry %q is not key=value", prefix, pair)}
			}
			meta[k] = v
		}
		cfg.ObjectMetadata = meta
	}

	return cfg, nil
}
