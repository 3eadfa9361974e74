package doctor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove/internal/typesystem"
	"github.com/cloveworks/clove/pkg/parser"
)

func TestReportCounts(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Category: "A", Status: StatusPass, Message: "ok"})
	r.AddCheck(CheckResult{Category: "A", Status: StatusWarn, Message: "meh"})
	r.AddCheck(CheckResult{Category: "B", Status: StatusFail, Message: "bad"})

	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Warnings)
	assert.Equal(t, 1, r.Errors)
	assert.True(t, r.HasErrors())
}

func TestReportPrint(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{
		Category: "Database",
		Status:   StatusPass,
		Message:  "Database is reachable",
		Details:  "only shown when verbose",
	})
	r.AddCheck(CheckResult{
		Category: "Migration State",
		Status:   StatusFail,
		Message:  "2 of 3 tables missing",
		FixHint:  "Run 'clove migrate' to create them",
	})

	var buf bytes.Buffer
	r.Print(&buf, false)
	out := buf.String()

	assert.Contains(t, out, "Database")
	assert.Contains(t, out, "✓ Database is reachable")
	assert.Contains(t, out, "✗ 2 of 3 tables missing")
	assert.Contains(t, out, "Fix: Run 'clove migrate' to create them")
	assert.Contains(t, out, "Summary: 1 passed, 0 warnings, 1 errors")
	assert.NotContains(t, out, "only shown when verbose")

	buf.Reset()
	r.Print(&buf, true)
	assert.Contains(t, buf.String(), "only shown when verbose")
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "pass", StatusPass.String())
	assert.Equal(t, "warn", StatusWarn.String())
	assert.Equal(t, "fail", StatusFail.String())
	assert.Equal(t, "✓", StatusPass.Symbol())
	assert.Equal(t, "⚠", StatusWarn.Symbol())
	assert.Equal(t, "✗", StatusFail.Symbol())
}

func TestClassifyTupleShapes(t *testing.T) {
	model, err := parser.Parse(`model
  schema 1.1

type user

type group
  relations
    define member: [user]

type document
  relations
    define viewer: [user, group#member]
`)
	require.NoError(t, err)
	d := &Doctor{activeTS: typesystem.New(model)}

	tests := []struct {
		name                                          string
		objectType, relation, subjectType, subjectRel string
		wantProblem                                   bool
	}{
		{"valid direct", "document", "viewer", "user", "", false},
		{"valid userset", "document", "viewer", "group", "member", false},
		{"unknown object type", "folder", "viewer", "user", "", true},
		{"unknown relation", "document", "owner", "user", "", true},
		{"unknown subject type", "document", "viewer", "robot", "", true},
		{"unknown userset relation", "document", "viewer", "group", "admin", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			problem := d.classify(tc.objectType, tc.relation, tc.subjectType, tc.subjectRel)
			if tc.wantProblem {
				assert.NotEmpty(t, problem)
			} else {
				assert.Empty(t, problem)
			}
		})
	}
}
