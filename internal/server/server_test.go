package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	clove "github.com/cloveworks/clove"
	"github.com/cloveworks/clove/pkg/api"
)

const serverDSL = `model
  schema 1.1

type user

type group
  relations
    define member: [user, group#member]

type document
  relations
    define owner: [user]
    define viewer: [user, group#member] or owner
`

type testEnv struct {
	client  api.AuthzClient
	server  *Server
	store   clove.Store
	checker *clove.Checker
}

// startServer runs the fully interceptored gRPC server over bufconn and
// returns a JSON-codec client connected to it.
func startServer(t *testing.T, opts ...clove.Option) *testEnv {
	t.Helper()

	store, err := clove.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	checker := clove.NewChecker(store, opts...)
	srv := New(Config{}, checker, store, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.grpcServer.Serve(lis) }()
	t.Cleanup(srv.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testEnv{
		client:  api.NewAuthzClient(conn),
		server:  srv,
		store:   store,
		checker: checker,
	}
}

func activateModel(t *testing.T, env *testEnv) {
	t.Helper()
	resp, err := env.client.WriteModel(context.Background(), &api.WriteModelRequest{
		DSL:      serverDSL,
		Activate: true,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Empty(t, resp.Errors)
}

func TestCheckFlow(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)

	wr, err := env.client.Write(ctx, &api.WriteRequest{
		Writes: []api.TupleKey{
			{Object: "document:readme", Relation: "viewer", User: "user:anne"},
			{Object: "group:eng", Relation: "member", User: "user:bob"},
			{Object: "document:readme", Relation: "viewer", User: "group:eng#member"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, wr.Written)
	assert.NotEmpty(t, wr.ConsistencyToken)

	res, err := env.client.Check(ctx, &api.CheckRequest{
		User: "user:bob", Relation: "viewer", Object: "document:readme",
		ConsistencyToken: wr.ConsistencyToken,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotEmpty(t, res.ConsistencyToken)
	assert.Nil(t, res.Trace)

	res, err = env.client.Check(ctx, &api.CheckRequest{
		User: "user:cara", Relation: "viewer", Object: "document:readme",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	traced, err := env.client.Check(ctx, &api.CheckRequest{
		User: "user:anne", Relation: "viewer", Object: "document:readme",
		Trace: true,
	})
	require.NoError(t, err)
	require.NotNil(t, traced.Trace)
	assert.True(t, traced.Trace.Allowed)
	assert.NotEmpty(t, traced.Trace.Children)
}

func TestCheckWithContextualTuples(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)

	res, err := env.client.Check(ctx, &api.CheckRequest{
		User: "user:anne", Relation: "viewer", Object: "document:readme",
		ContextualTuples: []api.TupleKey{
			{Object: "document:readme", Relation: "viewer", User: "user:anne"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestBatchCheckItemsFailIndependently(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)

	_, err := env.client.Write(ctx, &api.WriteRequest{
		Writes: []api.TupleKey{{Object: "document:readme", Relation: "viewer", User: "user:anne"}},
	})
	require.NoError(t, err)

	resp, err := env.client.BatchCheck(ctx, &api.BatchCheckRequest{Checks: []api.CheckRequest{
		{User: "user:anne", Relation: "viewer", Object: "document:readme"},
		{User: "user:bob", Relation: "viewer", Object: "document:readme"},
		{User: "user:anne", Relation: "nope", Object: "document:readme"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Allowed)
	assert.Empty(t, resp.Results[0].Error)
	assert.False(t, resp.Results[1].Allowed)
	assert.Empty(t, resp.Results[1].Error)
	assert.False(t, resp.Results[2].Allowed)
	assert.Contains(t, resp.Results[2].Error, "unknown relation")
}

func TestReadFilters(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)

	_, err := env.client.Write(ctx, &api.WriteRequest{
		Writes: []api.TupleKey{
			{Object: "document:readme", Relation: "viewer", User: "user:anne"},
			{Object: "document:readme", Relation: "owner", User: "user:bob"},
			{Object: "document:other", Relation: "viewer", User: "user:anne"},
		},
	})
	require.NoError(t, err)

	byObject, err := env.client.Read(ctx, &api.ReadRequest{Object: "document:readme"})
	require.NoError(t, err)
	assert.Len(t, byObject.Tuples, 2)
	for _, tuple := range byObject.Tuples {
		assert.Equal(t, "document:readme", tuple.Key.Object)
		assert.NotEmpty(t, tuple.ConsistencyToken)
		assert.False(t, tuple.InsertedAt.IsZero())
	}

	byUser, err := env.client.Read(ctx, &api.ReadRequest{User: "user:anne", Relation: "viewer"})
	require.NoError(t, err)
	assert.Len(t, byUser.Tuples, 2)

	// An unbounded filter is rejected.
	_, err = env.client.Read(ctx, &api.ReadRequest{Relation: "viewer"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListObjectsAndUsers(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)

	_, err := env.client.Write(ctx, &api.WriteRequest{
		Writes: []api.TupleKey{
			{Object: "document:a", Relation: "viewer", User: "user:anne"},
			{Object: "document:b", Relation: "owner", User: "user:anne"},
		},
	})
	require.NoError(t, err)

	objects, err := env.client.ListObjects(ctx, &api.ListObjectsRequest{
		User: "user:anne", Relation: "viewer", Type: "document",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, objects.ObjectIDs)
	assert.NotEmpty(t, objects.ConsistencyToken)

	users, err := env.client.ListUsers(ctx, &api.ListUsersRequest{
		Object: "document:a", Relation: "viewer",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:anne"}, users.Users)
}

func TestWriteModelRejectedIsNotAnRPCError(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)

	resp, err := env.client.WriteModel(ctx, &api.WriteModelRequest{
		DSL: "model\n  schema 1.1\n\ntype user\n  relations\n    define broken:\n",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "SyntaxError", resp.Errors[0].Code)
	assert.NotZero(t, resp.Errors[0].Line)
}

func TestModelEndpoints(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)

	first, err := env.client.WriteModel(ctx, &api.WriteModelRequest{DSL: serverDSL, Activate: true})
	require.NoError(t, err)
	second, err := env.client.WriteModel(ctx, &api.WriteModelRequest{DSL: serverDSL})
	require.NoError(t, err)

	active, err := env.client.ReadModel(ctx, &api.ReadModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, active.VersionID)
	assert.True(t, active.Active)
	assert.Equal(t, serverDSL, active.DSL)

	activated, err := env.client.ActivateModel(ctx, &api.ActivateModelRequest{VersionID: second.VersionID})
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, activated.ActivatedVersionID)

	models, err := env.client.ListModels(ctx, &api.ListModelsRequest{})
	require.NoError(t, err)
	require.Len(t, models.Models, 2)
	assert.Equal(t, second.VersionID, models.Models[0].VersionID)
	assert.True(t, models.Models[0].Active)
}

func TestStatusMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("no active model is a precondition failure", func(t *testing.T) {
		env := startServer(t)
		_, err := env.client.Check(ctx, &api.CheckRequest{
			User: "user:anne", Relation: "viewer", Object: "document:readme",
		})
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("malformed user is invalid argument", func(t *testing.T) {
		env := startServer(t)
		activateModel(t, env)
		_, err := env.client.Check(ctx, &api.CheckRequest{
			User: "anne", Relation: "viewer", Object: "document:readme",
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("write rejected by model is invalid argument", func(t *testing.T) {
		env := startServer(t)
		activateModel(t, env)
		_, err := env.client.Write(ctx, &api.WriteRequest{
			Writes: []api.TupleKey{{Object: "document:readme", Relation: "owner", User: "group:eng#member"}},
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("unknown relation is a precondition failure", func(t *testing.T) {
		env := startServer(t)
		activateModel(t, env)
		_, err := env.client.Check(ctx, &api.CheckRequest{
			User: "user:anne", Relation: "nope", Object: "document:readme",
		})
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("token too new is a precondition failure", func(t *testing.T) {
		env := startServer(t)
		activateModel(t, env)
		_, err := env.client.Check(ctx, &api.CheckRequest{
			User: "user:anne", Relation: "viewer", Object: "document:readme",
			ConsistencyToken: "999999",
		})
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("unknown model version is not found", func(t *testing.T) {
		env := startServer(t)
		activateModel(t, env)
		_, err := env.client.ReadModel(ctx, &api.ReadModelRequest{VersionID: "01UNKNOWNVERSIONXXXXXXXXXX"})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("oversized batch is resource exhausted", func(t *testing.T) {
		env := startServer(t, clove.WithBatchMax(1))
		activateModel(t, env)
		_, err := env.client.Write(ctx, &api.WriteRequest{
			Writes: []api.TupleKey{
				{Object: "document:a", Relation: "viewer", User: "user:anne"},
				{Object: "document:b", Relation: "viewer", User: "user:anne"},
			},
		})
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	})
}

func TestHealthz(t *testing.T) {
	env := startServer(t)
	router := env.server.debugRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	require.NoError(t, env.store.Close())
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	env := startServer(t)
	activateModel(t, env)
	_, err := env.client.Check(ctx, &api.CheckRequest{
		User: "user:anne", Relation: "viewer", Object: "document:readme",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.server.debugRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clove_grpc_requests_total")
}
