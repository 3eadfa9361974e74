package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/storage/postgres"
	"github.com/cloveworks/clove/internal/storage/storagetest"
)

// Singleton container shared by the whole package; each test gets its
// own database inside it.
var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
	dbCounter     int
	dbCounterMu   sync.Mutex
)

func ensureContainer() (string, error) {
	containerOnce.Do(func() {
		ctx := context.Background()

		container, err := tcpostgres.Run(ctx,
			"postgres:18-alpine",
			tcpostgres.WithDatabase("postgres"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx)
		if err != nil {
			_ = container.Terminate(ctx)
			containerErr = fmt.Errorf("getting connection string: %w", err)
			return
		}
		containerDSN = dsn + "sslmode=disable"
	})
	return containerDSN, containerErr
}

// freshStore creates an isolated database in the shared container,
// migrates it and opens a store over it.
func freshStore(t *testing.T) storage.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	baseDSN, err := ensureContainer()
	require.NoError(t, err)

	dbCounterMu.Lock()
	dbCounter++
	dbName := fmt.Sprintf("clove_test_%d", dbCounter)
	dbCounterMu.Unlock()

	admin, err := sql.Open("pgx", baseDSN)
	require.NoError(t, err)
	defer func() { _ = admin.Close() }()
	_, err = admin.Exec("CREATE DATABASE " + dbName)
	require.NoError(t, err)

	dsn, err := replaceDatabase(baseDSN, dbName)
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.NewMigrator(db).ApplyDDL(context.Background()))
	require.NoError(t, db.Close())

	store, err := postgres.New(postgres.Config{URL: dsn})
	require.NoError(t, err)
	return store
}

// replaceDatabase swaps the database name in a postgres:// DSN.
func replaceDatabase(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing dsn: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func TestPostgresStoreConformance(t *testing.T) {
	storagetest.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return freshStore(t)
	})
}

func TestUnmigratedDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	baseDSN, err := ensureContainer()
	require.NoError(t, err)

	dbCounterMu.Lock()
	dbCounter++
	dbName := fmt.Sprintf("clove_bare_%d", dbCounter)
	dbCounterMu.Unlock()

	admin, err := sql.Open("pgx", baseDSN)
	require.NoError(t, err)
	defer func() { _ = admin.Close() }()
	_, err = admin.Exec("CREATE DATABASE " + dbName)
	require.NoError(t, err)

	dsn, err := replaceDatabase(baseDSN, dbName)
	require.NoError(t, err)

	store, err := postgres.New(postgres.Config{URL: dsn})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	// Table reads against a bare database surface ErrNotMigrated.
	_, err = store.Find(context.Background(), storage.TupleFilter{}, storage.PageRequest{})
	assert.ErrorIs(t, err, core.ErrNotMigrated)

	m := postgres.NewMigrator(store.DB())
	status, err := m.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Migrated())

	require.NoError(t, m.ApplyDDL(context.Background()))
	status, err = m.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Migrated())
}

func TestMigratorStatusCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store := freshStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_, err := store.Write(ctx, []core.TupleKey{
		core.MustParseTupleKey("document:readme#viewer@user:anne"),
		core.MustParseTupleKey("document:readme#viewer@user:bob"),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, store.WriteModel(ctx, &storage.StoredModel{
		ID:        "authz",
		VersionID: "01TEST",
		DSL:       "type user",
		Compiled:  []byte("compiled"),
	}, true))

	pg := store.(*postgres.Store)
	status, err := postgres.NewMigrator(pg.DB()).GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.TupleCount)
	assert.Equal(t, int64(1), status.ModelCount)
	assert.Equal(t, "01TEST", status.ActiveModelVersion)
	assert.NotZero(t, status.CurrentToken)
}
