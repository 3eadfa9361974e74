package clove_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove"
)

const checkerDSL = `model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]

type document
  relations
    define owner: [user]
    define viewer: [user, group#member] or owner
    define banned: [user]
    define can_read: viewer but not banned
`

// countingCache wraps the default cache to observe Get and Set calls.
type countingCache struct {
	mu   sync.Mutex
	gets int
	sets int
	impl *clove.CacheImpl
}

func newCountingCache() *countingCache {
	return &countingCache{impl: clove.NewCache()}
}

func (c *countingCache) Get(version string, key clove.TupleKey) (bool, clove.Token, bool) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.impl.Get(version, key)
}

func (c *countingCache) Set(version string, key clove.TupleKey, allowed bool, token clove.Token) {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	c.impl.Set(version, key, allowed, token)
}

func (c *countingCache) counts() (gets, sets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets
}

func newChecker(t *testing.T, opts ...clove.Option) *clove.Checker {
	t.Helper()
	store, err := clove.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return clove.NewChecker(store, opts...)
}

func activeChecker(t *testing.T, opts ...clove.Option) *clove.Checker {
	t.Helper()
	c := newChecker(t, opts...)
	_, diags, err := c.WriteModel(context.Background(), checkerDSL, true)
	require.NoError(t, err)
	require.Empty(t, diags)
	return c
}

func keys(t *testing.T, raw ...string) []clove.TupleKey {
	t.Helper()
	out := make([]clove.TupleKey, len(raw))
	for i, r := range raw {
		out[i] = clove.MustParseTupleKey(r)
	}
	return out
}

func checkReq(tuple string) clove.CheckRequest {
	key := clove.MustParseTupleKey(tuple)
	return clove.CheckRequest{Subject: key.Subject, Relation: key.Relation, Object: key.Object}
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)

	wr, err := c.Write(ctx, keys(t,
		"document:readme#viewer@user:anne",
		"group:eng#member@user:bob",
		"document:readme#viewer@group:eng#member",
	), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, wr.Written)
	assert.NotEqual(t, clove.NoToken, wr.Token)

	res, err := c.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, wr.Token, res.Token)

	res, err = c.Check(ctx, checkReq("document:readme#viewer@user:bob"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = c.Check(ctx, checkReq("document:readme#viewer@user:cara"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheckNoActiveModel(t *testing.T) {
	c := newChecker(t)
	_, err := c.Check(context.Background(), checkReq("document:readme#viewer@user:anne"))
	require.ErrorIs(t, err, clove.ErrNoActiveModel)
}

func TestCheckUnknownRelation(t *testing.T) {
	c := activeChecker(t)
	_, err := c.Check(context.Background(), checkReq("document:readme#nope@user:anne"))
	require.ErrorIs(t, err, clove.ErrUnknownRelation)
}

func TestCheckTokenTooNew(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)

	wr, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	req := checkReq("document:readme#viewer@user:anne")
	req.Token = wr.Token + 1
	_, err = c.Check(ctx, req)
	require.ErrorIs(t, err, clove.ErrTokenTooNew)

	req.Token = wr.Token
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckContextualTuples(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)

	req := checkReq("document:readme#viewer@user:anne")
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	req.ContextualTuples = keys(t, "document:readme#viewer@user:anne")
	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Contextual tuples are validated like writes.
	req.ContextualTuples = keys(t, "document:readme#owner@group:eng#member")
	_, err = c.Check(ctx, req)
	require.ErrorIs(t, err, clove.ErrInvalidTuple)
}

func TestCheckTrace(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	req := checkReq("document:readme#viewer@user:anne")
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, res.Trace)

	req.Trace = true
	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Trace)
	assert.True(t, res.Trace.Allowed)
}

func TestCheckPinnedModelVersion(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	// A newer, stored-but-inactive model without the viewer relation.
	next, diags, err := c.WriteModel(ctx, `model
  schema 1.1

type user

type document
  relations
    define reader: [user]
`, false)
	require.NoError(t, err)
	require.Empty(t, diags)

	res, err := c.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	req := checkReq("document:readme#viewer@user:anne")
	req.ModelVersion = next.VersionID
	_, err = c.Check(ctx, req)
	require.ErrorIs(t, err, clove.ErrUnknownRelation)
}

func TestCheckCache(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	c := activeChecker(t, clove.WithCache(cache))
	_, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	req := checkReq("document:readme#viewer@user:anne")

	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	gets, sets := cache.counts()
	assert.Equal(t, 1, gets)
	assert.Equal(t, 1, sets)

	// Second identical check hits the cache and stores nothing new.
	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	gets, sets = cache.counts()
	assert.Equal(t, 2, gets)
	assert.Equal(t, 1, sets)

	// Traced checks and checks with contextual tuples bypass the cache
	// entirely.
	traced := req
	traced.Trace = true
	_, err = c.Check(ctx, traced)
	require.NoError(t, err)
	contextual := req
	contextual.ContextualTuples = keys(t, "document:readme#viewer@user:bob")
	_, err = c.Check(ctx, contextual)
	require.NoError(t, err)
	gets, sets = cache.counts()
	assert.Equal(t, 2, gets)
	assert.Equal(t, 1, sets)
}

func TestCheckCacheStaleEntryBypassed(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	c := activeChecker(t, clove.WithCache(cache))

	req := checkReq("document:readme#viewer@user:anne")
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	wr, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	// The cached denial observed an older token; a request pinned to the
	// write's token must re-evaluate.
	req.Token = wr.Token
	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestBatchCheck(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)

	results, err := c.BatchCheck(ctx, []clove.CheckRequest{
		checkReq("document:readme#viewer@user:anne"),
		checkReq("document:readme#viewer@user:bob"),
		checkReq("document:readme#nope@user:anne"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Allowed)
	require.NoError(t, results[0].Err)
	assert.False(t, results[1].Allowed)
	require.NoError(t, results[1].Err)
	// Items fail independently.
	require.ErrorIs(t, results[2].Err, clove.ErrUnknownRelation)
}

func TestBatchCheckTooLarge(t *testing.T) {
	c := activeChecker(t, clove.WithBatchMax(2))
	reqs := []clove.CheckRequest{
		checkReq("document:readme#viewer@user:a"),
		checkReq("document:readme#viewer@user:b"),
		checkReq("document:readme#viewer@user:c"),
	}
	_, err := c.BatchCheck(context.Background(), reqs)
	require.ErrorIs(t, err, clove.ErrBatchTooLarge)
}

func TestWriteValidatesAgainstModel(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)

	// owner only admits plain users.
	_, err := c.Write(ctx, keys(t, "document:readme#owner@group:eng#member"), nil)
	require.ErrorIs(t, err, clove.ErrInvalidTuple)

	_, err = c.Write(ctx, keys(t, "team:core#member@user:anne"), nil)
	require.ErrorIs(t, err, clove.ErrInvalidTuple)

	// Deletes are not validated against the model, so tuples written
	// under an older model stay deletable.
	_, err = c.Write(ctx, nil, keys(t, "team:core#member@user:anne"))
	require.NoError(t, err)
}

func TestWriteBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t, clove.WithBatchMax(1))
	_, err := c.Write(ctx,
		keys(t, "document:a#viewer@user:anne"),
		keys(t, "document:b#viewer@user:anne"))
	require.ErrorIs(t, err, clove.ErrBatchTooLarge)
}

func TestReadTuples(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t,
		"document:readme#viewer@user:anne",
		"document:readme#owner@user:bob",
		"document:other#viewer@user:anne",
	), nil)
	require.NoError(t, err)

	page, err := c.ReadTuples(ctx, clove.TupleFilter{
		ObjectType: "document", ObjectID: "readme",
	}, clove.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 2)

	page, err = c.ReadTuples(ctx, clove.TupleFilter{
		SubjectType: "user", SubjectID: "anne",
	}, clove.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 2)

	// Unbounded scans are rejected.
	_, err = c.ReadTuples(ctx, clove.TupleFilter{Relation: "viewer"}, clove.PageRequest{})
	require.ErrorIs(t, err, clove.ErrInvalidIdentifier)
}

func TestListObjects(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t,
		"document:a#viewer@user:anne",
		"document:b#owner@user:anne",
		"document:c#viewer@user:bob",
	), nil)
	require.NoError(t, err)

	res, err := c.ListObjects(ctx, clove.ListObjectsRequest{
		Subject:    clove.MustParseSubject("user:anne"),
		Relation:   "viewer",
		ObjectType: "document",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.ObjectIDs)
	assert.NotEqual(t, clove.NoToken, res.Token)
	assert.False(t, res.Truncated)
}

func TestListObjectsMaxResults(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t, clove.WithListMaxResults(2))
	_, err := c.Write(ctx, keys(t,
		"document:a#viewer@user:anne",
		"document:b#viewer@user:anne",
		"document:c#viewer@user:anne",
	), nil)
	require.NoError(t, err)

	res, err := c.ListObjects(ctx, clove.ListObjectsRequest{
		Subject:    clove.MustParseSubject("user:anne"),
		Relation:   "viewer",
		ObjectType: "document",
	})
	require.NoError(t, err)
	assert.Len(t, res.ObjectIDs, 2)
	assert.True(t, res.Truncated)
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)
	_, err := c.Write(ctx, keys(t,
		"group:eng#member@user:bob",
		"document:readme#viewer@user:anne",
		"document:readme#viewer@group:eng#member",
	), nil)
	require.NoError(t, err)

	res, err := c.ListUsers(ctx, clove.ListUsersRequest{
		Object:   clove.MustParseObject("document:readme"),
		Relation: "viewer",
	})
	require.NoError(t, err)
	require.Len(t, res.Subjects, 2)
	assert.Equal(t, "user:anne", res.Subjects[0].String())
	assert.Equal(t, "user:bob", res.Subjects[1].String())

	res, err = c.ListUsers(ctx, clove.ListUsersRequest{
		Object:       clove.MustParseObject("document:readme"),
		Relation:     "viewer",
		SubjectTypes: []clove.ObjectType{"group"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Subjects)
}

func TestModelLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newChecker(t)

	_, err := c.ReadModel(ctx, "")
	require.ErrorIs(t, err, clove.ErrNoActiveModel)

	first, diags, err := c.WriteModel(ctx, checkerDSL, true)
	require.NoError(t, err)
	assert.Empty(t, diags)

	second, _, err := c.WriteModel(ctx, checkerDSL, false)
	require.NoError(t, err)

	active, err := c.ReadModel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, active.VersionID)

	_, err = c.ActivateModel(ctx, second.VersionID)
	require.NoError(t, err)
	active, err = c.ReadModel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, active.VersionID)

	page, err := c.ListModels(ctx, clove.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Models, 2)
	assert.Equal(t, second.VersionID, page.Models[0].VersionID)
}

func TestWriteModelRejected(t *testing.T) {
	ctx := context.Background()
	c := newChecker(t)

	_, diags, err := c.WriteModel(ctx, "model\n  schema 1.1\n\ntype user\n  relations\n    define broken:\n", true)
	require.ErrorIs(t, err, clove.ErrInvalidModel)
	assert.NotEmpty(t, diags)
	for _, d := range diags {
		assert.Equal(t, clove.SeverityError, d.Severity)
	}
}

func TestDecisionOverride(t *testing.T) {
	ctx := context.Background()

	// Overrides bypass the engine entirely; no model is needed.
	allow := newChecker(t, clove.WithDecision(clove.DecisionAllow))
	res, err := allow.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	deny := newChecker(t, clove.WithDecision(clove.DecisionDeny))
	res, err = deny.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestContextDecision(t *testing.T) {
	ctx := clove.WithDecisionContext(context.Background(), clove.DecisionAllow)

	opted := newChecker(t, clove.WithContextDecision())
	res, err := opted.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Without the option the context value is ignored and the check runs
	// normally, which here fails for lack of a model.
	plain := newChecker(t)
	_, err = plain.Check(ctx, checkReq("document:readme#viewer@user:anne"))
	require.ErrorIs(t, err, clove.ErrNoActiveModel)
}

func TestCurrentToken(t *testing.T) {
	ctx := context.Background()
	c := activeChecker(t)

	before, err := c.CurrentToken(ctx)
	require.NoError(t, err)

	wr, err := c.Write(ctx, keys(t, "document:readme#viewer@user:anne"), nil)
	require.NoError(t, err)
	assert.Greater(t, wr.Token, before)

	after, err := c.CurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, wr.Token, after)
}
