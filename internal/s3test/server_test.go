package s3test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "testkey"
	testSecretKey = "testsecret"
)

// newTestServer creates a Server backed by an in-memory database.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := NewServer(context.Background(), Config{
		AccessKey: testAccessKey,
		SecretKey: testSecretKey,
	})
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

// authorize attaches a header-style SigV4 Authorization value carrying the
// test access key. The server admits header auth on key match.
func authorize(req *http.Request, accessKey string) {
	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential="+accessKey+"/20260101/us-east-1/s3/aws4_request, "+
			"SignedHeaders=host, Signature=deadbeef")
}

func doAuthed(t *testing.T, client *http.Client, method, url string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "creating request")
	authorize(req, testAccessKey)

	resp, err := client.Do(req)
	require.NoError(t, err, "request error")
	return resp
}

func TestCreateAndListBuckets(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	for _, b := range []string{"bucket1", "bucket2"} {
		resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/"+b, nil)
		resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT bucket %s status", b)
	}

	// Creating an existing bucket conflicts.
	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/bucket1", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate bucket status")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET / status")

	var listResp ListAllMyBucketsResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&listResp), "decoding ListAllMyBucketsResult")

	found := map[string]bool{}
	for _, b := range listResp.Buckets {
		found[b.Name] = true
	}
	for _, want := range []string{"bucket1", "bucket2"} {
		require.Truef(t, found[want], "expected bucket %q in ListAllMyBucketsResult", want)
	}
}

func TestPutGetHeadDeleteObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	bucket := "test-bucket"
	key := "dir1/object.txt"
	body := []byte("hello world")

	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/"+bucket, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT bucket status")

	req, err := http.NewRequest(http.MethodPut, httpSrv.URL+"/"+bucket+"/"+key, bytes.NewReader(body))
	require.NoError(t, err, "creating PUT request")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Amz-Meta-Origin", "test")
	authorize(req, testAccessKey)
	resp, err = client.Do(req)
	require.NoError(t, err, "PUT object error")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object status")
	require.NotEmpty(t, resp.Header.Get("ETag"), "ETag header")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/"+bucket+"/"+key, nil)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err, "reading GET body")
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET object status")
	require.Equal(t, body, got, "object content")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "content type")
	require.Equal(t, "test", resp.Header.Get("X-Amz-Meta-Origin"), "user metadata header")

	resp = doAuthed(t, client, http.MethodHead, httpSrv.URL+"/"+bucket+"/"+key, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "HEAD object status")
	require.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"), "content length")

	resp = doAuthed(t, client, http.MethodDelete, httpSrv.URL+"/"+bucket+"/"+key, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "DELETE object status")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/"+bucket+"/"+key, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "GET deleted object status")
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/full-bucket", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT bucket status")

	resp = doAuthed(t, client, http.MethodPut, httpSrv.URL+"/full-bucket/a.txt", []byte("x"))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object status")

	resp = doAuthed(t, client, http.MethodDelete, httpSrv.URL+"/full-bucket", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode, "DELETE non-empty bucket status")

	var s3Err S3Error
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&s3Err), "decoding S3 error XML")
	require.Equal(t, "BucketNotEmpty", s3Err.Code, "S3 error code")
}

func TestBucketPolicyLifecycle(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/policied", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT bucket status")

	// No policy yet.
	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/policied?policy", nil)
	var s3Err S3Error
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&s3Err), "decoding S3 error XML")
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "GET policy status")
	require.Equal(t, "NoSuchBucketPolicy", s3Err.Code, "S3 error code")

	doc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"*"},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::policied/*"]}]}`

	resp = doAuthed(t, client, http.MethodPut, httpSrv.URL+"/policied?policy", []byte(doc))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "PUT policy status")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/policied?policy", nil)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err, "reading policy body")
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET policy status")
	require.JSONEq(t, doc, string(got), "stored policy")

	// Garbage is rejected before it can poison anonymous evaluation.
	resp = doAuthed(t, client, http.MethodPut, httpSrv.URL+"/policied?policy", []byte("{not json"))
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "PUT malformed policy status")

	resp = doAuthed(t, client, http.MethodDelete, httpSrv.URL+"/policied?policy", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "DELETE policy status")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/policied?policy", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "GET deleted policy status")
}

func TestUnauthenticatedRequestsDenied(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	// Bucket administration is never anonymous.
	req, err := http.NewRequest(http.MethodPut, httpSrv.URL+"/sneaky", nil)
	require.NoError(t, err, "creating PUT request")
	resp, err := client.Do(req)
	require.NoError(t, err, "PUT bucket error")
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "anonymous PUT bucket status")

	// A wrong access key is rejected outright.
	req, err = http.NewRequest(http.MethodPut, httpSrv.URL+"/sneaky", nil)
	require.NoError(t, err, "creating PUT request")
	authorize(req, "wrongkey")
	resp, err = client.Do(req)
	require.NoError(t, err, "PUT bucket error")
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "wrong key PUT bucket status")

	var s3Err S3Error
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&s3Err), "decoding S3 error XML")
	require.Equal(t, "InvalidAccessKeyId", s3Err.Code, "S3 error code")
}

func TestListObjectsV2Delimiter(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/listing", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT bucket status")

	for _, key := range []string{"a.txt", "docs/b.txt", "docs/c.txt", "docs/sub/d.txt"} {
		resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/listing/"+key, []byte("x"))
		resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "PUT %s status", key)
	}

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/listing?list-type=2&delimiter=%2F", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "list status")

	var list ListBucketResultV2
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&list), "decoding ListBucketResultV2")

	require.Len(t, list.Contents, 1, "top-level objects")
	require.Equal(t, "a.txt", list.Contents[0].Key, "top-level key")
	require.Len(t, list.CommonPrefixes, 1, "common prefixes")
	require.Equal(t, "docs/", list.CommonPrefixes[0].Prefix, "grouped prefix")
	require.Equal(t, 2, list.KeyCount, "key count covers contents and prefixes")

	resp = doAuthed(t, client, http.MethodGet, httpSrv.URL+"/listing?list-type=2&prefix=docs%2F&delimiter=%2F", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "prefixed list status")

	var nested ListBucketResultV2
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&nested), "decoding nested ListBucketResultV2")

	keys := make([]string, 0, len(nested.Contents))
	for _, obj := range nested.Contents {
		keys = append(keys, obj.Key)
	}
	require.ElementsMatch(t, []string{"docs/b.txt", "docs/c.txt"}, keys, "nested keys")
	require.Len(t, nested.CommonPrefixes, 1, "nested prefixes")
	require.Equal(t, "docs/sub/", nested.CommonPrefixes[0].Prefix, "nested grouped prefix")
}

// presignGet builds a presigned GET URL for the test server using the same
// canonicalization the verifier expects, with a caller-chosen signing time.
func presignGet(baseURL, bucket, key string, signedAt time.Time, expires int64) string {
	host := strings.TrimPrefix(baseURL, "http://")
	path := "/" + bucket + "/" + key
	dateStamp := signedAt.UTC().Format("20060102")

	q := url.Values{}
	q.Set("X-Amz-Algorithm", awsV4Algorithm)
	q.Set("X-Amz-Credential", testAccessKey+"/"+dateStamp+"/us-east-1/s3/aws4_request")
	q.Set("X-Amz-Date", signedAt.UTC().Format("20060102T150405Z"))
	q.Set("X-Amz-Expires", strconv.FormatInt(expires, 10))
	q.Set("X-Amz-SignedHeaders", "host")

	var canonical strings.Builder
	canonical.WriteString("GET\n")
	canonical.WriteString(path)
	canonical.WriteString("\n")
	canonical.WriteString(canonicalQueryString(q, "X-Amz-Signature"))
	canonical.WriteString("\nhost:")
	canonical.WriteString(host)
	canonical.WriteString("\n\nhost\n")
	canonical.WriteString(unsignedPayload)

	hash := sha256.Sum256([]byte(canonical.String()))

	var toSign strings.Builder
	toSign.WriteString(awsV4Algorithm)
	toSign.WriteString("\n")
	toSign.WriteString(signedAt.UTC().Format("20060102T150405Z"))
	toSign.WriteString("\n")
	toSign.WriteString(dateStamp + "/us-east-1/s3/aws4_request")
	toSign.WriteString("\n")
	toSign.WriteString(hex.EncodeToString(hash[:]))

	key4 := signingKey(testSecretKey, dateStamp, "us-east-1", "s3")
	signature := hex.EncodeToString(hmacSHA256(key4, toSign.String()))

	q.Set("X-Amz-Signature", signature)
	return baseURL + path + "?" + q.Encode()
}

func TestPresignedValidityWindow(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := httpSrv.Client()

	resp := doAuthed(t, client, http.MethodPut, httpSrv.URL+"/signed", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT bucket status")

	resp = doAuthed(t, client, http.MethodPut, httpSrv.URL+"/signed/a.txt", []byte("sealed"))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object status")

	// Fresh signature, generous window.
	fresh := presignGet(httpSrv.URL, "signed", "a.txt", time.Now().UTC(), 3600)
	resp, err := client.Get(fresh)
	require.NoError(t, err, "GET fresh presigned URL")
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err, "reading body")
	require.Equal(t, http.StatusOK, resp.StatusCode, "fresh presigned status")
	require.Equal(t, "sealed", string(got), "object content")

	// Signed two hours ago with a sixty-second window: expired even after
	// allowing for clock skew.
	stale := presignGet(httpSrv.URL, "signed", "a.txt", time.Now().UTC().Add(-2*time.Hour), 60)
	resp, err = client.Get(stale)
	require.NoError(t, err, "GET stale presigned URL")
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "stale presigned status")

	// A corrupted signature must not verify.
	tampered := strings.Replace(fresh, "X-Amz-Signature=", "X-Amz-Signature=00", 1)
	resp, err = client.Get(tampered)
	require.NoError(t, err, "GET tampered presigned URL")
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "tampered presigned status")
}
