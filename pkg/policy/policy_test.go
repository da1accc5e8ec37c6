package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type decodedStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource"`
}

type decodedDocument struct {
	Version   string             `json:"Version"`
	Statement []decodedStatement `json:"Statement"`
}

func decode(t *testing.T, doc string) decodedDocument {
	t.Helper()

	var parsed decodedDocument
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed), "decoding policy document")
	return parsed
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds() {
		parsed, err := ParseKind(string(k))
		require.NoError(t, err, "parsing known kind")
		require.Equal(t, k, parsed, "parsed kind")
	}

	_, err := ParseKind("PUBLIC")
	require.Error(t, err, "unknown kind must not parse")
	_, err = ParseKind("")
	require.Error(t, err, "empty kind must not parse")
}

func TestDocumentDeterministic(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds() {
		first, err := k.Document("assets")
		require.NoErrorf(t, err, "rendering %s", k)
		second, err := k.Document("assets")
		require.NoErrorf(t, err, "re-rendering %s", k)
		require.Equalf(t, first, second, "%s must render byte-identical output", k)
	}
}

func TestDocumentUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Kind("FULL_CONTROL").Document("assets")
	require.Error(t, err, "unknown kind must fail, not default")
}

func TestDocumentNone(t *testing.T) {
	t.Parallel()

	doc, err := None.Document("assets")
	require.NoError(t, err, "rendering NONE")

	parsed := decode(t, doc)
	require.Equal(t, "2012-10-17", parsed.Version, "policy version")
	require.Empty(t, parsed.Statement, "NONE must render an empty statement list")
}

func TestDocumentGetOnly(t *testing.T) {
	t.Parallel()

	doc, err := GetOnly.Document("assets")
	require.NoError(t, err, "rendering GET_ONLY")

	parsed := decode(t, doc)
	require.Len(t, parsed.Statement, 1, "statement count")

	stmt := parsed.Statement[0]
	require.Equal(t, "Allow", stmt.Effect, "effect")
	require.Equal(t, map[string][]string{"AWS": {"*"}}, stmt.Principal, "principal")
	require.Equal(t, []string{"s3:GetObject"}, stmt.Action, "actions")
	require.Equal(t, []string{"arn:aws:s3:::assets/*"}, stmt.Resource, "resources")
}

func TestDocumentReadOnly(t *testing.T) {
	t.Parallel()

	doc, err := ReadOnly.Document("assets")
	require.NoError(t, err, "rendering READ_ONLY")

	parsed := decode(t, doc)
	require.Len(t, parsed.Statement, 3, "statement count")

	actions := map[string][]string{}
	for _, stmt := range parsed.Statement {
		require.Equal(t, "Allow", stmt.Effect, "effect")
		for _, a := range stmt.Action {
			actions[a] = stmt.Resource
		}
	}

	require.Equal(t, []string{"arn:aws:s3:::assets"}, actions["s3:GetBucketLocation"], "GetBucketLocation resource")
	require.Equal(t, []string{"arn:aws:s3:::assets"}, actions["s3:ListBucket"], "ListBucket resource")
	require.Equal(t, []string{"arn:aws:s3:::assets/*"}, actions["s3:GetObject"], "GetObject resource")
}

func TestDocumentWriteOnly(t *testing.T) {
	t.Parallel()

	doc, err := WriteOnly.Document("assets")
	require.NoError(t, err, "rendering WRITE_ONLY")

	parsed := decode(t, doc)

	var all []string
	for _, stmt := range parsed.Statement {
		all = append(all, stmt.Action...)
	}
	require.ElementsMatch(t, []string{
		"s3:GetBucketLocation",
		"s3:ListBucketMultipartUploads",
		"s3:ListMultipartUploadParts",
		"s3:AbortMultipartUpload",
		"s3:DeleteObject",
		"s3:PutObject",
	}, all, "aggregate actions")
	require.NotContains(t, all, "s3:GetObject", "WRITE_ONLY must not grant reads")
	require.NotContains(t, all, "s3:ListBucket", "WRITE_ONLY must not grant listing")
}

func TestDocumentReadWrite(t *testing.T) {
	t.Parallel()

	doc, err := ReadWrite.Document("assets")
	require.NoError(t, err, "rendering READ_WRITE")

	parsed := decode(t, doc)

	var all []string
	for _, stmt := range parsed.Statement {
		all = append(all, stmt.Action...)
	}
	require.Subset(t, all, []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject", "s3:ListBucket"},
		"READ_WRITE must cover both read and write actions")
}

func TestDocumentBucketName(t *testing.T) {
	t.Parallel()

	doc, err := GetOnly.Document("media-uploads")
	require.NoError(t, err, "rendering GET_ONLY")

	parsed := decode(t, doc)
	require.Equal(t, []string{"arn:aws:s3:::media-uploads/*"}, parsed.Statement[0].Resource, "resource ARN")
}
