package storage

import (
	"fmt"
	"net/url"
	"strings"

	"minstore/pkg/policy"
)

// Config describes one storage instance. It is resolved once at startup and
// is immutable afterwards; a media and a static instance are just two Config
// values driving the same engine.
type Config struct {
	// BucketName is the bucket all operations target. Required.
	BucketName string

	// BaseURL optionally overrides the host (scheme://host[/prefix], no
	// trailing slash) used in generated object URLs, e.g. a CDN in front of
	// the store. In presigned mode the prefix must be empty or exactly
	// "/<BucketName>" so the signature stays valid for the served URL.
	BaseURL string

	// UsePresignedURLs selects between direct public URLs and time-limited
	// signed URLs.
	UsePresignedURLs bool

	// Region is the signing region for presigned URLs generated against a
	// BaseURL override. Defaults to us-east-1, which is what MinIO
	// deployments use unless configured otherwise.
	Region string

	// AutoCreateBucket creates the bucket on first use if it is missing.
	AutoCreateBucket bool

	// AssumeBucketExists skips the existence check entirely. The caller
	// asserts the bucket is ready; useful when frequent restarts make the
	// per-process check a measurable cost.
	AssumeBucketExists bool

	// AutoCreatePolicy is the bucket policy applied when (and only when)
	// AutoCreateBucket actually creates the bucket. An existing bucket's
	// policy is deliberately left untouched. Empty means policy.None.
	AutoCreatePolicy policy.Kind

	// ObjectMetadata is attached to every saved object. Per-call metadata
	// wins on key collision.
	ObjectMetadata map[string]string

	// BackupBucketName and BackupFormat enable backup-on-delete: deletes
	// copy the object into BackupBucketName under
	// render(BackupFormat, now) + key before removing the source. Both must
	// be set together. BackupFormat is a strftime-style template
	// (%Y %y %m %d %H %M %S %%); no separator is inserted after it, so end
	// the template with one if you want it.
	BackupBucketName string
	BackupFormat     string
}

// defaultRegion is the signing region assumed when none is configured.
const defaultRegion = "us-east-1"

// backupEnabled reports whether deletes are rerouted through the backup
// bucket.
func (c *Config) backupEnabled() bool {
	return c.BackupBucketName != ""
}

// Validate checks the co-required and cross-cutting settings. Violations are
// configuration errors surfaced at construction, never at first use.
func (c *Config) Validate() error {
	if c.BucketName == "" {
		return &ConfigError{Reason: "BucketName is required"}
	}

	if c.BackupBucketName != "" && c.BackupFormat == "" {
		return &ConfigError{Reason: "BackupBucketName is set but BackupFormat is not"}
	}
	if c.BackupFormat != "" && c.BackupBucketName == "" {
		return &ConfigError{Reason: "BackupFormat is set but BackupBucketName is not"}
	}
	if c.BackupFormat != "" {
		if err := checkTimeTemplate(c.BackupFormat); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("BackupFormat: %v", err)}
		}
	}

	if c.AutoCreatePolicy != "" {
		if _, err := policy.ParseKind(string(c.AutoCreatePolicy)); err != nil {
			return &ConfigError{Reason: err.Error()}
		}
	}

	if c.BaseURL != "" {
		base, err := url.Parse(c.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return &ConfigError{Reason: fmt.Sprintf("BaseURL %q is not an absolute URL", c.BaseURL)}
		}
		if base.Scheme != "http" && base.Scheme != "https" {
			return &ConfigError{Reason: fmt.Sprintf("BaseURL scheme %q is not supported", base.Scheme)}
		}
		if c.UsePresignedURLs {
			// The presigning client is bound to the override host, so the
			// path portion must match what the store will see, which is the
			// path-style bucket prefix.
			p := strings.TrimRight(base.Path, "/")
			if p != "" && p != "/"+c.BucketName {
				return &ConfigError{Reason: fmt.Sprintf(
					"BaseURL path %q cannot carry a presigned signature; use an empty path or %q", base.Path, "/"+c.BucketName)}
			}
		}
	}

	return nil
}

// autoCreatePolicy returns the configured creation-time policy, defaulting
// to policy.None.
func (c *Config) autoCreatePolicy() policy.Kind {
	if c.AutoCreatePolicy == "" {
		return policy.None
	}
	return c.AutoCreatePolicy
}
