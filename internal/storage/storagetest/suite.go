// Package storagetest holds a conformance suite that every
// storage.Store backend must pass. Backend packages run it from their
// own tests so the memory and postgres stores stay behaviourally
// interchangeable.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
)

// Factory returns a fresh, empty store for one subtest. The suite
// closes it when the subtest ends.
type Factory func(t *testing.T) storage.Store

// RunStoreSuite runs every conformance test against stores produced by
// the factory.
func RunStoreSuite(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"WriteAndFind", testWriteAndFind},
		{"WriteIdempotent", testWriteIdempotent},
		{"DeleteAbsentIsNoOp", testDeleteAbsentIsNoOp},
		{"DeleteThenWriteSameBatch", testDeleteThenWriteSameBatch},
		{"TokenMonotonic", testTokenMonotonic},
		{"EmptyBatchCommits", testEmptyBatchCommits},
		{"BatchTooLarge", testBatchTooLarge},
		{"FindFilters", testFindFilters},
		{"FindSubjectRelationFilter", testFindSubjectRelationFilter},
		{"FindPagination", testFindPagination},
		{"FindBadContinuation", testFindBadContinuation},
		{"FindPageSizeBounds", testFindPageSizeBounds},
		{"FindByObject", testFindByObject},
		{"FindByUser", testFindByUser},
		{"ModelLifecycle", testModelLifecycle},
		{"ModelActivationAtomic", testModelActivationAtomic},
		{"ModelActivateUnknown", testModelActivateUnknown},
		{"ListModelsNewestFirst", testListModelsNewestFirst},
		{"Ping", testPing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := factory(t)
			defer func() { _ = s.Close() }()
			tc.fn(t, s)
		})
	}
}

func write(t *testing.T, s storage.Store, keys ...string) storage.WriteResult {
	t.Helper()
	writes := make([]core.TupleKey, 0, len(keys))
	for _, k := range keys {
		writes = append(writes, core.MustParseTupleKey(k))
	}
	res, err := s.Write(context.Background(), writes, nil)
	require.NoError(t, err)
	return res
}

func keysOf(page *storage.TuplePage) []string {
	out := make([]string, 0, len(page.Tuples))
	for _, tp := range page.Tuples {
		out = append(out, tp.Key.String())
	}
	return out
}

func testWriteAndFind(t *testing.T, s storage.Store) {
	ctx := context.Background()

	res := write(t, s,
		"document:readme#viewer@user:anne",
		"document:readme#viewer@user:bob",
		"folder:root#parent@folder:archive",
	)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 0, res.Deleted)
	assert.NotEqual(t, core.NoToken, res.Token)

	page, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 3)
	assert.Empty(t, page.ContinuationToken)
}

func testWriteIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := "document:readme#viewer@user:anne"

	first := write(t, s, key)
	assert.Equal(t, 1, first.Written)

	second := write(t, s, key)
	assert.Equal(t, 0, second.Written)
	assert.Greater(t, uint64(second.Token), uint64(first.Token))

	page, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 1)
}

func testDeleteAbsentIsNoOp(t *testing.T, s storage.Store) {
	ctx := context.Background()

	res, err := s.Write(ctx, nil, []core.TupleKey{
		core.MustParseTupleKey("document:ghost#viewer@user:anne"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.NotEqual(t, core.NoToken, res.Token)
}

func testDeleteThenWriteSameBatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := core.MustParseTupleKey("document:readme#viewer@user:anne")

	write(t, s, key.String())

	// Deletes apply before writes, so the tuple survives the batch.
	res, err := s.Write(ctx, []core.TupleKey{key}, []core.TupleKey{key})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Written)

	page, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 1)
}

func testTokenMonotonic(t *testing.T, s storage.Store) {
	ctx := context.Background()

	initial, err := s.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.NoToken, initial)

	var last core.Token
	for i := 0; i < 5; i++ {
		res := write(t, s, fmt.Sprintf("document:d%d#viewer@user:anne", i))
		assert.Greater(t, uint64(res.Token), uint64(last))
		last = res.Token
	}

	current, err := s.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, current)
}

func testEmptyBatchCommits(t *testing.T, s storage.Store) {
	ctx := context.Background()

	res, err := s.Write(ctx, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, core.NoToken, res.Token)

	current, err := s.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Token, current)
}

func testBatchTooLarge(t *testing.T, s storage.Store) {
	ctx := context.Background()

	writes := make([]core.TupleKey, 101)
	for i := range writes {
		writes[i] = core.MustParseTupleKey(fmt.Sprintf("document:d%d#viewer@user:anne", i))
	}
	_, err := s.Write(ctx, writes, nil)
	require.ErrorIs(t, err, core.ErrBatchTooLarge)

	// Nothing committed.
	current, err := s.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.NoToken, current)
}

func testFindFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()

	write(t, s,
		"document:readme#viewer@user:anne",
		"document:readme#editor@user:anne",
		"document:plan#viewer@user:bob",
		"folder:root#viewer@user:anne",
	)

	cases := []struct {
		name   string
		filter storage.TupleFilter
		want   int
	}{
		{"ByObjectType", storage.TupleFilter{ObjectType: "document"}, 3},
		{"ByObject", storage.TupleFilter{ObjectType: "document", ObjectID: "readme"}, 2},
		{"ByRelation", storage.TupleFilter{Relation: "viewer"}, 3},
		{"BySubject", storage.TupleFilter{SubjectType: "user", SubjectID: "anne"}, 3},
		{"Combined", storage.TupleFilter{ObjectType: "document", Relation: "viewer", SubjectID: "bob"}, 1},
		{"NoMatch", storage.TupleFilter{ObjectID: "missing"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := s.Find(ctx, tc.filter, storage.PageRequest{})
			require.NoError(t, err)
			assert.Len(t, page.Tuples, tc.want)
		})
	}
}

func testFindSubjectRelationFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()

	write(t, s,
		"document:readme#viewer@group:eng#member",
		"document:readme#viewer@user:anne",
	)

	// SubjectRelationSet with empty relation selects only direct subjects.
	page, err := s.Find(ctx, storage.TupleFilter{SubjectRelationSet: true}, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Tuples, 1)
	assert.Equal(t, "document:readme#viewer@user:anne", page.Tuples[0].Key.String())

	page, err = s.Find(ctx, storage.TupleFilter{SubjectRelation: "member", SubjectRelationSet: true}, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Tuples, 1)
	assert.Equal(t, "document:readme#viewer@group:eng#member", page.Tuples[0].Key.String())
}

func testFindPagination(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		write(t, s, fmt.Sprintf("document:d%d#viewer@user:anne", i))
	}

	seen := map[string]bool{}
	var token string
	pages := 0
	for {
		page, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{Size: 3, Token: token})
		require.NoError(t, err)
		pages++
		for _, k := range keysOf(page) {
			assert.False(t, seen[k], "tuple %s returned twice", k)
			seen[k] = true
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 7)
}

func testFindBadContinuation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{Token: "not-a-token"})
	require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
}

func testFindPageSizeBounds(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{Size: -1})
	require.ErrorIs(t, err, core.ErrInvalidPageSize)

	_, err = s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{Size: storage.MaxPageSize + 1})
	require.ErrorIs(t, err, core.ErrInvalidPageSize)
}

func testFindByObject(t *testing.T, s storage.Store) {
	ctx := context.Background()

	write(t, s,
		"document:readme#viewer@user:anne",
		"document:readme#editor@user:bob",
		"document:plan#viewer@user:anne",
	)

	it, err := s.FindByObject(ctx, core.Object{Type: "document", ID: "readme"}, "")
	require.NoError(t, err)
	tuples, err := storage.Drain(ctx, it)
	require.NoError(t, err)
	assert.Len(t, tuples, 2)

	it, err = s.FindByObject(ctx, core.Object{Type: "document", ID: "readme"}, "viewer")
	require.NoError(t, err)
	tuples, err = storage.Drain(ctx, it)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "document:readme#viewer@user:anne", tuples[0].Key.String())
}

func testFindByUser(t *testing.T, s storage.Store) {
	ctx := context.Background()

	write(t, s,
		"document:readme#viewer@user:anne",
		"document:plan#viewer@user:anne",
		"document:plan#editor@user:anne",
		"folder:root#viewer@user:anne",
		"document:readme#viewer@user:bob",
	)

	subject := core.Subject{Object: core.Object{Type: "user", ID: "anne"}}
	it, err := s.FindByUser(ctx, subject, "viewer", "document")
	require.NoError(t, err)
	tuples, err := storage.Drain(ctx, it)
	require.NoError(t, err)
	assert.Len(t, tuples, 2)
	for _, tp := range tuples {
		assert.Equal(t, core.ObjectType("document"), tp.Key.Object.Type)
		assert.Equal(t, core.Relation("viewer"), tp.Key.Relation)
	}
}

const suiteDSL = `model
  schema 1.1

type user

type document
  relations
    define viewer: [user]
`

func storedModel(id string) *storage.StoredModel {
	return &storage.StoredModel{
		ID:        "authz",
		VersionID: id,
		DSL:       suiteDSL,
		Compiled:  []byte("compiled-" + id),
	}
}

func testModelLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.ReadActiveModel(ctx)
	require.ErrorIs(t, err, core.ErrNoActiveModel)

	require.NoError(t, s.WriteModel(ctx, storedModel("01AAA"), false))

	// Written but not activated.
	_, err = s.ReadActiveModel(ctx)
	require.ErrorIs(t, err, core.ErrNoActiveModel)

	m, err := s.ReadModel(ctx, "01AAA")
	require.NoError(t, err)
	assert.Equal(t, suiteDSL, m.DSL)
	assert.False(t, m.Active)

	_, err = s.ReadModel(ctx, "01ZZZ")
	require.ErrorIs(t, err, core.ErrModelNotFound)

	require.NoError(t, s.WriteModel(ctx, storedModel("01BBB"), true))

	active, err := s.ReadActiveModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "01BBB", active.VersionID)
	assert.True(t, active.Active)
}

func testModelActivationAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.WriteModel(ctx, storedModel("01AAA"), true))
	require.NoError(t, s.WriteModel(ctx, storedModel("01BBB"), false))

	m, err := s.ActivateModel(ctx, "01BBB")
	require.NoError(t, err)
	assert.Equal(t, "01BBB", m.VersionID)

	// Exactly one active model after the switch.
	page, err := s.ListModels(ctx, storage.PageRequest{})
	require.NoError(t, err)
	activeCount := 0
	for _, sm := range page.Models {
		if sm.Active {
			activeCount++
			assert.Equal(t, "01BBB", sm.VersionID)
		}
	}
	assert.Equal(t, 1, activeCount)

	// Re-activating the active version is a no-op.
	m, err = s.ActivateModel(ctx, "01BBB")
	require.NoError(t, err)
	assert.True(t, m.Active)
}

func testModelActivateUnknown(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.ActivateModel(ctx, "01ZZZ")
	require.ErrorIs(t, err, core.ErrModelNotFound)
}

func testListModelsNewestFirst(t *testing.T, s storage.Store) {
	ctx := context.Background()

	// ULID-shaped version ids sort lexicographically by creation order.
	versions := []string{"01AAA", "01BBB", "01CCC", "01DDD"}
	for _, v := range versions {
		require.NoError(t, s.WriteModel(ctx, storedModel(v), false))
	}

	page, err := s.ListModels(ctx, storage.PageRequest{Size: 3})
	require.NoError(t, err)
	require.Len(t, page.Models, 3)
	assert.Equal(t, "01DDD", page.Models[0].VersionID)
	assert.Equal(t, "01CCC", page.Models[1].VersionID)
	assert.NotEmpty(t, page.ContinuationToken)

	page, err = s.ListModels(ctx, storage.PageRequest{Size: 3, Token: page.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, page.Models, 1)
	assert.Equal(t, "01AAA", page.Models[0].VersionID)
	assert.Empty(t, page.ContinuationToken)
}

func testPing(t *testing.T, s storage.Store) {
	require.NoError(t, s.Ping(context.Background()))
}
