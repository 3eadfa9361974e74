package check_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"sigs.k8s.io/yaml"

	"github.com/cloveworks/clove/internal/check"
	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage/memory"
	"github.com/cloveworks/clove/internal/typesystem"
	"github.com/cloveworks/clove/pkg/parser"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func compile(t *testing.T, dsl string) *typesystem.Typesystem {
	t.Helper()
	return typesystem.New(parser.MustParse(dsl))
}

func seeded(t *testing.T, tuples ...string) *memory.Store {
	t.Helper()
	s := memory.MustNew()
	t.Cleanup(func() { _ = s.Close() })
	_, err := s.Seed(context.Background(), tuples...)
	require.NoError(t, err)
	return s
}

func runCheck(t *testing.T, ts *typesystem.Typesystem, reader check.Reader, key string, opts ...check.Option) (*check.Response, error) {
	t.Helper()
	engine := check.NewChecker(opts...)
	return engine.Check(context.Background(), check.Request{
		Typesystem: ts,
		Reader:     reader,
		Key:        core.MustParseTupleKey(key),
	})
}

type scenarioFile struct {
	Scenarios []scenario `json:"scenarios"`
}

type scenario struct {
	Name   string   `json:"name"`
	Model  string   `json:"model"`
	Tuples []string `json:"tuples"`
	Checks []struct {
		Tuple   string `json:"tuple"`
		Allowed bool   `json:"allowed"`
	} `json:"checks"`
}

func TestCheckScenarios(t *testing.T) {
	raw, err := os.ReadFile("testdata/scenarios.yaml")
	require.NoError(t, err)

	var file scenarioFile
	require.NoError(t, yaml.Unmarshal(raw, &file))
	require.NotEmpty(t, file.Scenarios)

	for _, sc := range file.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			ts := compile(t, sc.Model)
			store := seeded(t, sc.Tuples...)

			for _, c := range sc.Checks {
				res, err := runCheck(t, ts, store, c.Tuple)
				require.NoError(t, err, "check %s", c.Tuple)
				assert.Equal(t, c.Allowed, res.Allowed, "check %s", c.Tuple)
			}
		})
	}
}

const groupChainDSL = `model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]
`

func TestCyclicTuplesTerminate(t *testing.T) {
	ts := compile(t, groupChainDSL)
	store := seeded(t,
		"group:a#member@group:b#member",
		"group:b#member@group:a#member",
	)

	res, err := runCheck(t, ts, store, "group:a#member@user:anne")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCycleWithEscape(t *testing.T) {
	// a and b reference each other, but b also has a direct member. The
	// cycle cut on one branch must not mask the direct match.
	ts := compile(t, groupChainDSL)
	store := seeded(t,
		"group:a#member@group:b#member",
		"group:b#member@group:a#member",
		"group:b#member@user:anne",
	)

	res, err := runCheck(t, ts, store, "group:a#member@user:anne")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDepthExceeded(t *testing.T) {
	ts := compile(t, groupChainDSL)

	var tuples []string
	for i := 0; i < 10; i++ {
		tuples = append(tuples, fmt.Sprintf("group:g%d#member@group:g%d#member", i, i+1))
	}
	tuples = append(tuples, "group:g10#member@user:anne")
	store := seeded(t, tuples...)

	_, err := runCheck(t, ts, store, "group:g0#member@user:anne", check.WithMaxDepth(5))
	require.ErrorIs(t, err, core.ErrDepthExceeded)

	// The same chain resolves under the default depth limit.
	res, err := runCheck(t, ts, store, "group:g0#member@user:anne")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestUsersetSelfMembership(t *testing.T) {
	ts := compile(t, groupChainDSL)
	store := seeded(t) // no tuples at all

	res, err := runCheck(t, ts, store, "group:eng#member@group:eng#member")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestUnknownTypeAndRelation(t *testing.T) {
	ts := compile(t, groupChainDSL)
	store := seeded(t)

	_, err := runCheck(t, ts, store, "document:readme#viewer@user:anne")
	require.ErrorIs(t, err, core.ErrUnknownType)

	_, err = runCheck(t, ts, store, "group:eng#viewer@user:anne")
	require.ErrorIs(t, err, core.ErrUnknownRelation)
}

func TestTupleWithUnknownRelationIsSkipped(t *testing.T) {
	// A stored tuple whose userset subject references a relation the
	// active model no longer declares cannot grant access, but must not
	// fail the check either.
	store := seeded(t,
		"document:readme#viewer@team:core#lead",
		"team:core#lead@user:anne",
	)

	// The active model no longer declares team#lead.
	rotated := compile(t, `model
  schema 1.1

type user

type team

type document
  relations
    define viewer: [user]
`)

	res, err := runCheck(t, rotated, store, "document:readme#viewer@user:anne")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestContextualTuplesOverlay(t *testing.T) {
	dsl := `model
  schema 1.1

type user

type document
  relations
    define viewer: [user]
`
	ts := compile(t, dsl)
	store := seeded(t)

	reader, err := check.NewOverlay(store, ts, []core.TupleKey{
		core.MustParseTupleKey("document:draft#viewer@user:anne"),
	})
	require.NoError(t, err)

	res, err := runCheck(t, ts, reader, "document:draft#viewer@user:anne")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// The overlay does not leak into direct store reads.
	res, err = runCheck(t, ts, store, "document:draft#viewer@user:anne")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestOverlayRejectsInvalidTuples(t *testing.T) {
	dsl := `model
  schema 1.1

type user

type document
  relations
    define viewer: [user]
`
	ts := compile(t, dsl)
	store := seeded(t)

	// Model allows only [user] on viewer; a document subject is invalid.
	_, err := check.NewOverlay(store, ts, []core.TupleKey{
		core.MustParseTupleKey("document:a#viewer@document:b"),
	})
	require.ErrorIs(t, err, core.ErrInvalidTuple)

	// Over the contextual tuple limit.
	keys := make([]core.TupleKey, check.MaxContextualTuples+1)
	for i := range keys {
		keys[i] = core.MustParseTupleKey(fmt.Sprintf("document:d%d#viewer@user:anne", i))
	}
	_, err = check.NewOverlay(store, ts, keys)
	require.ErrorIs(t, err, core.ErrBatchTooLarge)
}

func TestTrace(t *testing.T) {
	dsl := `model
  schema 1.1

type user

type document
  relations
    define owner: [user]
    define viewer: [user] or owner
`
	ts := compile(t, dsl)
	store := seeded(t, "document:readme#owner@user:anne")

	engine := check.NewChecker()
	res, err := engine.Check(context.Background(), check.Request{
		Typesystem: ts,
		Reader:     store,
		Key:        core.MustParseTupleKey("document:readme#viewer@user:anne"),
		Trace:      true,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NotNil(t, res.Trace)
	assert.Equal(t, check.TraceUnion, res.Trace.Kind)
	assert.True(t, res.Trace.Allowed)
	assert.NotEmpty(t, res.Trace.Children)

	// Without the flag no trace is built.
	res, err = engine.Check(context.Background(), check.Request{
		Typesystem: ts,
		Reader:     store,
		Key:        core.MustParseTupleKey("document:readme#viewer@user:anne"),
	})
	require.NoError(t, err)
	assert.Nil(t, res.Trace)
}

func TestCancelledContext(t *testing.T) {
	ts := compile(t, groupChainDSL)
	store := seeded(t, "group:eng#member@user:anne")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := check.NewChecker()
	_, err := engine.Check(ctx, check.Request{
		Typesystem: ts,
		Reader:     store,
		Key:        core.MustParseTupleKey("group:eng#member@user:anne"),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrencyLimitInline(t *testing.T) {
	// With a concurrency budget of 1 every sub-check runs inline; the
	// resolution must still complete and agree with the default engine.
	dsl := `model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]

type document
  relations
    define viewer: [user, group#member]
`
	ts := compile(t, dsl)
	var tuples []string
	for i := 0; i < 20; i++ {
		tuples = append(tuples, fmt.Sprintf("document:readme#viewer@group:g%d#member", i))
	}
	tuples = append(tuples, "group:g19#member@user:anne")
	store := seeded(t, tuples...)

	res, err := runCheck(t, ts, store, "document:readme#viewer@user:anne", check.WithConcurrency(1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = runCheck(t, ts, store, "document:readme#viewer@user:bob", check.WithConcurrency(1))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
