package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/s3utils"
)

// defaultPresignExpiry is the store's maximum presigned-URL lifetime.
const defaultPresignExpiry = 7 * 24 * time.Hour

// URLOptions tune presigned URL generation. Ignored in direct mode.
type URLOptions struct {
	// MaxAge bounds the presigned URL's validity. Zero means
	// defaultPresignExpiry.
	MaxAge time.Duration

	// ResponseHeaders are response-* query overrides baked into the signed
	// URL, e.g. response-content-disposition.
	ResponseHeaders url.Values
}

// URL returns the externally visible URL for the named object. In direct
// mode this is a pure string construction over the configured base (or the
// client endpoint) and the percent-encoded key; no network traffic and no
// bucket provisioning happen. In presigned mode the store client produces a
// time-limited signed GET URL.
func (s *Storage) URL(ctx context.Context, name string, opts *URLOptions) (string, error) {
	key := normalizeKey(name)

	if !s.cfg.UsePresignedURLs {
		return s.directURL(key), nil
	}
	return s.presignedURL(ctx, key, opts)
}

// directURL concatenates the resolved base with the encoded object key. The
// key is percent-encoded here and only here; the plain form is what all
// store RPCs use.
func (s *Storage) directURL(key string) string {
	encoded := s3utils.EncodePath(key)
	if s.cfg.BaseURL != "" {
		return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + encoded
	}
	endpoint := s.client.EndpointURL()
	return endpoint.Scheme + "://" + endpoint.Host + "/" + s.cfg.BucketName + "/" + encoded
}

func (s *Storage) presignedURL(ctx context.Context, key string, opts *URLOptions) (string, error) {
	client, err := s.presignTarget()
	if err != nil {
		return "", err
	}

	expiry := defaultPresignExpiry
	var params url.Values
	if opts != nil {
		if opts.MaxAge > 0 {
			expiry = opts.MaxAge
		}
		params = opts.ResponseHeaders
	}

	u, err := client.PresignedGetObject(ctx, s.cfg.BucketName, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign object %q: %w", key, err)
	}
	return u.String(), nil
}

// presignTarget returns the client used for signature computation. Without a
// BaseURL override this is the primary client. With one, a dedicated client
// bound to the override host is built once and reused: the host is part of
// the signed material, so signing against the store endpoint and serving the
// link under another host would produce signatures the store rejects.
func (s *Storage) presignTarget() (*minio.Client, error) {
	s.presignOnce.Do(func() {
		if s.cfg.BaseURL == "" {
			s.presign = s.client
			return
		}

		base, err := url.Parse(s.cfg.BaseURL)
		if err != nil {
			// Config.Validate parsed this already.
			s.presignErr = &ConfigError{Reason: fmt.Sprintf("BaseURL %q: %v", s.cfg.BaseURL, err)}
			return
		}

		creds, err := s.client.GetCreds()
		if err != nil {
			s.presignErr = fmt.Errorf("resolve credentials for presign client: %w", err)
			return
		}

		region := s.cfg.Region
		if region == "" {
			region = defaultRegion
		}

		client, err := minio.New(base.Host, &minio.Options{
			Creds:        credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
			Secure:       base.Scheme == "https",
			Region:       region,
			BucketLookup: minio.BucketLookupPath,
		})
		if err != nil {
			s.presignErr = fmt.Errorf("build presign client for %q: %w", s.cfg.BaseURL, err)
			return
		}
		s.presign = client
	})

	return s.presign, s.presignErr
}
