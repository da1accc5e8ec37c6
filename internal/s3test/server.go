// Package s3test provides an in-process S3-compatible server for exercising
// the storage layer against real wire traffic. Objects and bucket policies
// live in an in-memory sqlite database, and presigned GET requests are
// verified with full AWS Signature Version 4 checks so that URL-signing
// behavior can be tested end to end.
package s3test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	policy     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
	bucket       TEXT NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
	key          TEXT NOT NULL,
	data         BLOB NOT NULL,
	hash         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	content_type TEXT,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL,
	modified_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

type Config struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Stats counts selected API calls so tests can assert how often the storage
// layer touched the server.
type Stats struct {
	HeadBucket atomic.Int64
	MakeBucket atomic.Int64
	SetPolicy  atomic.Int64
}

// Server is an S3-compatible HTTP server backed by an in-memory sqlite
// database. It is meant to sit behind an httptest.Server.
type Server struct {
	cfg Config
	db  *sql.DB

	// FailCopies makes every CopyObject request fail with an InternalError
	// response while leaving all other operations untouched.
	FailCopies atomic.Bool

	Stats Stats
}

// NewServer opens the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("AccessKey and SecretKey must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	db, err := sql.Open("sqlite3", "file::memory:?_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// The database lives in the single connection; never let the pool grow
	// or the data vanishes with the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Server{cfg: cfg, db: db}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

const metaHeaderPrefix = "X-Amz-Meta-"

// userMetadata collects x-amz-meta-* request headers into a plain map keyed
// by the metadata name without the prefix.
func userMetadata(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		if rest, ok := strings.CutPrefix(name, metaHeaderPrefix); ok && len(values) > 0 {
			meta[rest] = values[0]
		}
	}
	return meta
}

// ------ Bucket handlers ------

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `SELECT name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	buckets := make([]ListAllMyBucketsEntry, 0)
	for rows.Next() {
		var name string
		var createdAt time.Time
		if err := rows.Scan(&name, &createdAt); err != nil {
			slog.Error("Scan bucket", "err", err)
			continue
		}
		buckets = append(buckets, ListAllMyBucketsEntry{
			Name:         name,
			CreationDate: createdAt.UTC().Format(time.RFC3339),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: ListAllMyBucketsOwner{
			ID:          "s3test",
			DisplayName: "s3test",
		},
		Buckets: buckets,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.Stats.HeadBucket.Add(1)

	exists, err := s.bucketExists(r.Context(), bucket)
	if err != nil {
		slog.Error("Head bucket", "bucket", bucket, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.Stats.MakeBucket.Add(1)

	now := time.Now().UTC()
	res, err := s.db.ExecContext(r.Context(),
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`, bucket, now)
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if exists, err := s.bucketExists(r.Context(), bucket); err != nil {
		slog.Error("Delete bucket lookup", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	var count int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
		slog.Error("Count bucket objects", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	if count > 0 {
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		slog.Error("Delete bucket", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	if exists, err := s.bucketExists(r.Context(), bucket); err != nil {
		slog.Error("Get bucket location", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	resp := LocationConstraint{
		XMLNS:  s3XMLNamespace,
		Region: s.cfg.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

func (s *Server) handlePutBucketPolicy(w http.ResponseWriter, r *http.Request, bucket string) {
	s.Stats.SetPolicy.Add(1)

	if exists, err := s.bucketExists(r.Context(), bucket); err != nil {
		slog.Error("Put bucket policy lookup", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(doc) > 0 && !json.Valid(doc) {
		writeS3Error(w, "MalformedPolicy", "Policies must be valid JSON.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `UPDATE buckets SET policy = ? WHERE name = ?`, string(doc), bucket); err != nil {
		slog.Error("Store bucket policy", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBucketPolicy(w http.ResponseWriter, r *http.Request, bucket string) {
	doc, found, err := s.bucketPolicy(r.Context(), bucket)
	if err != nil {
		slog.Error("Get bucket policy", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	if !found {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if doc == "" {
		writeS3Error(w, "NoSuchBucketPolicy", "The bucket policy does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

func (s *Server) handleDeleteBucketPolicy(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, err := s.db.ExecContext(r.Context(), `UPDATE buckets SET policy = '' WHERE name = ?`, bucket); err != nil {
		slog.Error("Delete bucket policy", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bucketPolicy returns the stored policy document for a bucket. The second
// return value reports whether the bucket exists at all.
func (s *Server) bucketPolicy(ctx context.Context, bucket string) (string, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT policy FROM buckets WHERE name = ?`, bucket).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return doc, true, nil
}

// ------ Object handlers ------

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (chunked) payload, returning the decoded bytes and their SHA-256 hash.
func decodeStreamingPayload(body io.Reader) ([]byte, string, error) {
	br := bufio.NewReader(body)

	h := sha256.New()
	var out bytes.Buffer

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, "", errors.New("unexpected EOF while reading chunk header")
			}
			return nil, "", fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return nil, "", fmt.Errorf("parse chunk size %q: %w", line, err)
		}

		if size == 0 {
			// Final chunk, followed by a trailing CRLF and optional
			// trailers which we can safely ignore.
			_, _ = br.ReadString('\n')
			break
		}

		if _, err := io.CopyN(io.MultiWriter(&out, h), br, size); err != nil {
			return nil, "", fmt.Errorf("read chunk body: %w", err)
		}

		// Consume the trailing CRLF after the chunk body.
		if b, err := br.ReadByte(); err != nil || b != '\r' {
			if err == nil {
				return nil, "", fmt.Errorf("expected CR after chunk, got %q", b)
			}
			return nil, "", fmt.Errorf("read CR after chunk: %w", err)
		}
		if b, err := br.ReadByte(); err != nil || b != '\n' {
			if err == nil {
				return nil, "", fmt.Errorf("expected LF after chunk, got %q", b)
			}
			return nil, "", fmt.Errorf("read LF after chunk: %w", err)
		}
	}

	return out.Bytes(), hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if copySource := r.Header.Get("x-amz-copy-source"); copySource != "" {
		s.handleCopyObject(w, r, bucket, key, copySource)
		return
	}

	if bucket == "" || key == "" {
		writeS3Error(w, "InvalidRequest", "Bucket and key must not be empty", r.URL.Path, http.StatusBadRequest)
		return
	}

	if exists, err := s.bucketExists(r.Context(), bucket); err != nil {
		slog.Error("Put object bucket lookup", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	var (
		data    []byte
		hashHex string
		err     error
	)

	contentSHA := r.Header.Get("X-Amz-Content-Sha256")
	if strings.EqualFold(contentSHA, "STREAMING-AWS4-HMAC-SHA256-PAYLOAD") ||
		strings.EqualFold(contentSHA, "STREAMING-UNSIGNED-PAYLOAD-TRAILER") {
		data, hashHex, err = decodeStreamingPayload(r.Body)
		if err != nil {
			slog.Error("Decode streaming payload", "err", err)
			writeS3Error(w, "InvalidRequest", "Failed to decode streaming payload", r.URL.Path, http.StatusBadRequest)
			return
		}
	} else {
		data, err = io.ReadAll(r.Body)
		if err != nil {
			slog.Error("Read request body", "err", err)
			writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
			return
		}
		sum := sha256.Sum256(data)
		hashHex = hex.EncodeToString(sum[:])
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	metaJSON, err := json.Marshal(userMetadata(r.Header))
	if err != nil {
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()

	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO objects(bucket, key, data, hash, size, content_type, metadata, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
			data=excluded.data,
			hash=excluded.hash,
			size=excluded.size,
			content_type=excluded.content_type,
			metadata=excluded.metadata,
			modified_at=excluded.modified_at`,
		bucket, key, data, hashHex, int64(len(data)), contentType, string(metaJSON), now, now,
	)
	if err != nil {
		slog.Error("Upsert object", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

type objectRow struct {
	data        []byte
	hashHex     string
	size        int64
	contentType sql.NullString
	metadata    string
	modifiedAt  time.Time
}

func (s *Server) lookupObject(ctx context.Context, bucket, key string) (objectRow, error) {
	var row objectRow
	err := s.db.QueryRowContext(ctx,
		`SELECT data, hash, size, content_type, metadata, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&row.data, &row.hashHex, &row.size, &row.contentType, &row.metadata, &row.modifiedAt)
	return row, err
}

func (s *Server) writeObjectHeaders(w http.ResponseWriter, row objectRow) {
	if row.contentType.Valid {
		w.Header().Set("Content-Type", row.contentType.String)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(row.size, 10))
	w.Header().Set("Last-Modified", row.modifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", createETag(row.hashHex))
	w.Header().Set("Accept-Ranges", "bytes")

	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(row.metadata), &meta); err == nil {
		for name, value := range meta {
			w.Header().Set(metaHeaderPrefix+name, value)
		}
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	row, err := s.lookupObject(r.Context(), bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Lookup object", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	s.writeObjectHeaders(w, row)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(row.data); err != nil {
		slog.Error("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	row, err := s.lookupObject(r.Context(), bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		// HEAD responses carry no body; the status code is the signal.
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Lookup object (HEAD)", "bucket", bucket, "key", key, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.writeObjectHeaders(w, row)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		slog.Error("Delete object", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCopyObject implements a basic version of S3 CopyObject for
// non-multipart copies without conditional headers.
func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	if s.FailCopies.Load() {
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	// x-amz-copy-source has the form "/source-bucket/source-key" or
	// "source-bucket/source-key", possibly URL-encoded, possibly with a
	// query string.
	src := copySource
	if i := strings.Index(src, "?"); i != -1 {
		src = src[:i]
	}
	src = strings.TrimPrefix(src, "/")
	decoded, err := url.PathUnescape(src)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Unable to parse copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(decoded, "/", 2)
	if len(parts) != 2 {
		writeS3Error(w, "InvalidRequest", "Invalid copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}
	srcBucket, srcKey := parts[0], parts[1]

	if exists, err := s.bucketExists(r.Context(), destBucket); err != nil {
		slog.Error("Copy object dest bucket lookup", "bucket", destBucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	row, err := s.lookupObject(r.Context(), srcBucket, srcKey)
	if errors.Is(err, sql.ErrNoRows) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Lookup copy source", "srcBucket", srcBucket, "srcKey", srcKey, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()

	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO objects(bucket, key, data, hash, size, content_type, metadata, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
			data=excluded.data,
			hash=excluded.hash,
			size=excluded.size,
			content_type=excluded.content_type,
			metadata=excluded.metadata,
			modified_at=excluded.modified_at`,
		destBucket, destKey, row.data, row.hashHex, row.size, row.contentType, row.metadata, now, now,
	)
	if err != nil {
		slog.Error("Upsert copy destination", "destBucket", destBucket, "destKey", destKey, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}

	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: now.Format(time.RFC3339),
		ETag:         createETag(row.hashHex),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&delimiter=&max-keys=&continuation-token=&start-after=].
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if exists, err := s.bucketExists(r.Context(), bucket); err != nil {
		slog.Error("Check bucket exists", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	} else if !exists {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxKeys = v
		}
	}

	// Fetch up to maxKeys+1 to determine truncation. We may emit fewer
	// entries than rows when using a delimiter (due to CommonPrefixes),
	// but this keeps the query bounded.
	args := []any{bucket}
	query := `SELECT key, hash, size, modified_at FROM objects WHERE bucket = ?`
	if prefix != "" {
		query += " AND key LIKE ?"
		args = append(args, prefix+"%")
	}
	if continuationToken != "" {
		query += " AND key > ?"
		args = append(args, continuationToken)
	} else if startAfter != "" {
		query += " AND key > ?"
		args = append(args, startAfter)
	}
	query += " ORDER BY key LIMIT ?"
	args = append(args, maxKeys+1)

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		slog.Error("List objects", "bucket", bucket, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var (
		summaries      []ObjectSummary
		commonPrefixes []CommonPrefix
		seenPrefixes   = make(map[string]struct{})
		isTruncated    bool
		entryCount     int
		lastCovered    string
	)

	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			slog.Error("Scan object", "bucket", bucket, "err", err)
			continue
		}

		// Flat (recursive-style) listing when no delimiter is provided.
		if delimiter == "" {
			if entryCount < maxKeys {
				summaries = append(summaries, ObjectSummary{
					Key:          key,
					LastModified: modifiedAt.UTC().Format(time.RFC3339),
					ETag:         createETag(hashHex),
					Size:         size,
					StorageClass: "STANDARD",
				})
				entryCount++
				lastCovered = key
			} else {
				isTruncated = true
				break
			}
			continue
		}

		// Delimited listing: group keys into CommonPrefixes by the first
		// delimiter after the prefix. Objects directly under the prefix
		// are returned as Contents.
		rel := strings.TrimPrefix(key, prefix)
		idx := strings.Index(rel, delimiter)
		if idx == -1 {
			if entryCount < maxKeys {
				summaries = append(summaries, ObjectSummary{
					Key:          key,
					LastModified: modifiedAt.UTC().Format(time.RFC3339),
					ETag:         createETag(hashHex),
					Size:         size,
					StorageClass: "STANDARD",
				})
				entryCount++
				lastCovered = key
			} else {
				isTruncated = true
				break
			}
			continue
		}

		cp := prefix + rel[:idx+1]
		if _, ok := seenPrefixes[cp]; ok {
			lastCovered = key
			continue
		}
		if entryCount < maxKeys {
			seenPrefixes[cp] = struct{}{}
			commonPrefixes = append(commonPrefixes, CommonPrefix{Prefix: cp})
			entryCount++
			lastCovered = key
		} else {
			isTruncated = true
			break
		}
	}

	resp := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		KeyCount:          entryCount,
		MaxKeys:           maxKeys,
		IsTruncated:       isTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          summaries,
		CommonPrefixes:    commonPrefixes,
	}
	if isTruncated {
		resp.NextContinuationToken = lastCovered
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}
