// Package policy maps the small set of supported bucket access intents to
// native S3 bucket policy documents.
package policy

import (
	"encoding/json"
	"fmt"
)

// Kind is a closed enumeration of bucket access intents.
type Kind string

const (
	// None leaves the bucket private (the store's default).
	None Kind = "NONE"
	// GetOnly allows anonymous GetObject on the bucket's objects, nothing else.
	GetOnly Kind = "GET_ONLY"
	// ReadOnly allows anonymous GetObject plus bucket listing.
	ReadOnly Kind = "READ_ONLY"
	// WriteOnly allows anonymous uploads and deletes but no reads or listing.
	WriteOnly Kind = "WRITE_ONLY"
	// ReadWrite is the union of ReadOnly and WriteOnly.
	ReadWrite Kind = "READ_WRITE"
)

// Kinds lists every supported policy kind.
func Kinds() []Kind {
	return []Kind{None, GetOnly, ReadOnly, WriteOnly, ReadWrite}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case None, GetOnly, ReadOnly, WriteOnly, ReadWrite:
		return k, nil
	}
	return "", fmt.Errorf("unknown bucket policy kind %q", s)
}

type statement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type document struct {
	Version   string      `json:"Version"`
	Statement []statement `json:"Statement"`
}

const policyVersion = "2012-10-17"

func allow(actions []string, resources ...string) statement {
	return statement{
		Effect:    "Allow",
		Principal: map[string][]string{"AWS": {"*"}},
		Action:    actions,
		Resource:  resources,
	}
}

func bucketARN(bucket string) string  { return "arn:aws:s3:::" + bucket }
func objectsARN(bucket string) string { return "arn:aws:s3:::" + bucket + "/*" }

// Document renders the native JSON policy document granting the Kind's
// access on the named bucket. It is a pure function: the same kind and
// bucket always produce byte-identical output. Unknown kinds are a
// programming error and fail loudly rather than defaulting.
func (k Kind) Document(bucket string) (string, error) {
	doc := document{Version: policyVersion, Statement: []statement{}}

	switch k {
	case None:
		// An explicitly empty statement list; setting it clears any
		// previously applied policy.
	case GetOnly:
		doc.Statement = []statement{
			allow([]string{"s3:GetObject"}, objectsARN(bucket)),
		}
	case ReadOnly:
		doc.Statement = []statement{
			allow([]string{"s3:GetBucketLocation"}, bucketARN(bucket)),
			allow([]string{"s3:ListBucket"}, bucketARN(bucket)),
			allow([]string{"s3:GetObject"}, objectsARN(bucket)),
		}
	case WriteOnly:
		doc.Statement = []statement{
			allow([]string{"s3:GetBucketLocation"}, bucketARN(bucket)),
			allow([]string{"s3:ListBucketMultipartUploads"}, bucketARN(bucket)),
			allow([]string{
				"s3:ListMultipartUploadParts",
				"s3:AbortMultipartUpload",
				"s3:DeleteObject",
				"s3:PutObject",
			}, objectsARN(bucket)),
		}
	case ReadWrite:
		doc.Statement = []statement{
			allow([]string{"s3:GetBucketLocation"}, bucketARN(bucket)),
			allow([]string{"s3:ListBucket"}, bucketARN(bucket)),
			allow([]string{"s3:ListBucketMultipartUploads"}, bucketARN(bucket)),
			allow([]string{
				"s3:AbortMultipartUpload",
				"s3:DeleteObject",
				"s3:GetObject",
				"s3:ListMultipartUploadParts",
				"s3:PutObject",
			}, objectsARN(bucket)),
		}
	default:
		return "", fmt.Errorf("unknown bucket policy kind %q", string(k))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode bucket policy: %w", err)
	}
	return string(data), nil
}
