package parser_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove/pkg/parser"
)

const goodDSL = `model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]

type document
  relations
    define owner: [user]
    define viewer: [user, user:*, group#member] or owner
`

func TestParse(t *testing.T) {
	model, err := parser.Parse(goodDSL)
	require.NoError(t, err)
	assert.Equal(t, "1.1", model.GetSchemaVersion())
	require.Len(t, model.GetTypeDefinitions(), 3)

	var document *openfgav1.TypeDefinition
	for _, td := range model.GetTypeDefinitions() {
		if td.GetType() == "document" {
			document = td
		}
	}
	require.NotNil(t, document)
	assert.Contains(t, document.GetRelations(), "viewer")
	assert.NotNil(t, document.GetRelations()["viewer"].GetUnion())

	restrictions := document.GetMetadata().GetRelations()["viewer"].GetDirectlyRelatedUserTypes()
	require.Len(t, restrictions, 3)
	assert.Equal(t, "user", restrictions[0].GetType())
	assert.NotNil(t, restrictions[1].GetWildcard())
	assert.Equal(t, "member", restrictions[2].GetRelation())
}

func TestParseSyntaxError(t *testing.T) {
	_, err := parser.Parse(`model
  schema 1.1

type user
  relations
    define broken:
`)
	require.Error(t, err)

	var perr *parser.Error
	require.True(t, errors.As(err, &perr))
	require.NotEmpty(t, perr.Errors)
	assert.NotZero(t, perr.Errors[0].Line)
	assert.NotEmpty(t, perr.Errors[0].Message)
	assert.Contains(t, err.Error(), "parsing model")
}

func TestParseEmptySource(t *testing.T) {
	_, err := parser.Parse("")
	var perr *parser.Error
	require.True(t, errors.As(err, &perr))
}

func TestSyntaxErrorString(t *testing.T) {
	withPos := parser.SyntaxError{Line: 4, Column: 11, Message: "unexpected token"}
	assert.Equal(t, "4:11: unexpected token", withPos.String())

	noPos := parser.SyntaxError{Message: "unexpected token"}
	assert.Equal(t, "unexpected token", noPos.String())
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.fga")
	require.NoError(t, os.WriteFile(path, []byte(goodDSL), 0o600))

	model, err := parser.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, model.GetTypeDefinitions(), 3)

	_, err = parser.ParseFile(filepath.Join(dir, "missing.fga"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading model file")
}

func TestMustParse(t *testing.T) {
	assert.NotNil(t, parser.MustParse(goodDSL))
	assert.Panics(t, func() { parser.MustParse("not a model") })
}
