package s3test

import (
	"encoding/json"
	"net/http"
	"strings"
)

// stringList accepts both a bare JSON string and a list of strings, which is
// how policy documents encode Action and Resource in the wild.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = stringList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = stringList(many)
	return nil
}

// policyPrincipal accepts "*" as well as {"AWS": "*"} and {"AWS": ["*"]}.
type policyPrincipal struct {
	AWS stringList
}

func (p *policyPrincipal) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		p.AWS = stringList{single}
		return nil
	}

	var obj struct {
		AWS stringList `json:"AWS"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	p.AWS = obj.AWS
	return nil
}

type policyStatement struct {
	Effect    string          `json:"Effect"`
	Principal policyPrincipal `json:"Principal"`
	Action    stringList      `json:"Action"`
	Resource  stringList      `json:"Resource"`
}

type policyDocument struct {
	Statement []policyStatement `json:"Statement"`
}

func matchResource(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// policyAllows reports whether the given policy document grants the action on
// the resource to everyone. Only Allow statements with a wildcard principal
// are considered; that is the only grant shape the policy layer produces.
func policyAllows(doc string, action, resource string) bool {
	if doc == "" {
		return false
	}

	var parsed policyDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return false
	}

	for _, stmt := range parsed.Statement {
		if stmt.Effect != "Allow" {
			continue
		}

		public := false
		for _, principal := range stmt.Principal.AWS {
			if principal == "*" {
				public = true
				break
			}
		}
		if !public {
			continue
		}

		actionOK := false
		for _, a := range stmt.Action {
			if a == action || a == "s3:*" {
				actionOK = true
				break
			}
		}
		if !actionOK {
			continue
		}

		for _, res := range stmt.Resource {
			if matchResource(res, resource) {
				return true
			}
		}
	}

	return false
}

// anonymousAction maps an unauthenticated request to the S3 action and
// resource ARN a bucket policy must grant for the request to proceed. It
// returns ok=false for request shapes that are never open to anonymous
// callers (bucket creation, policy administration, and so on).
func anonymousAction(r *http.Request) (action string, resource string, ok bool) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		return "", "", false
	}

	bucket, key, _ := strings.Cut(path, "/")
	if q := r.URL.Query(); q.Has("policy") || q.Has("tagging") {
		return "", "", false
	}

	const arnPrefix = "arn:aws:s3:::"

	switch {
	case key != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		return "s3:GetObject", arnPrefix + bucket + "/" + key, true
	case key != "" && r.Method == http.MethodPut:
		return "s3:PutObject", arnPrefix + bucket + "/" + key, true
	case key != "" && r.Method == http.MethodDelete:
		return "s3:DeleteObject", arnPrefix + bucket + "/" + key, true
	case key == "" && r.Method == http.MethodGet && r.URL.Query().Has("location"):
		return "s3:GetBucketLocation", arnPrefix + bucket, true
	case key == "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		return "s3:ListBucket", arnPrefix + bucket, true
	default:
		return "", "", false
	}
}

// accessControl is middleware enforcing the three admission paths of the S3
// API: header-signed requests from the configured account, presigned URLs
// with a valid signature, and anonymous requests a bucket policy opens up.
// It must run before any path rewriting so signatures verify against the
// exact URL the client produced.
func (s *Server) accessControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			key, ok := headerAccessKey(auth)
			if !ok || key != s.cfg.AccessKey {
				writeS3Error(w, "InvalidAccessKeyId", "The AWS access key ID that you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if isPresigned(r) {
			if !s.verifyPresigned(r) {
				writeS3Error(w, "SignatureDoesNotMatch", "The request signature that the server calculated does not match the signature that you provided.", r.URL.Path, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		action, resource, ok := anonymousAction(r)
		if !ok {
			writeS3Error(w, "AccessDenied", "Access Denied.", r.URL.Path, http.StatusForbidden)
			return
		}

		bucket, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		doc, found, err := s.bucketPolicy(r.Context(), bucket)
		if err != nil {
			writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
			return
		}
		if !found || !policyAllows(doc, action, resource) {
			writeS3Error(w, "AccessDenied", "Access Denied.", r.URL.Path, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// slashFix collapses doubled slashes and trims a trailing slash so that
// path-style bucket requests like "HEAD /bucket/" route to the bucket
// handlers.
func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(w, r, bucket)
	case q.Has("policy"):
		s.handleGetBucketPolicy(w, r, bucket)
	default:
		s.handleListObjectsV2(w, r, bucket)
	}
}

func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("policy") {
		s.handlePutBucketPolicy(w, r, bucket)
		return
	}
	s.handleCreateBucket(w, r, bucket)
}

func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("policy") {
		s.handleDeleteBucketPolicy(w, r, bucket)
		return
	}
	s.handleDeleteBucket(w, r, bucket)
}

// Handler returns an http.Handler implementing the S3 API surface the
// storage layer depends on.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets
	mux.HandleFunc("GET /{$}", s.handleListBuckets)

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPut(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadBucket(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketDelete(w, r, r.PathValue("bucket"))
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteObject(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	return s.accessControl(slashFix(mux))
}
