package typesystem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove/internal/core"
	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/storage/memory"
	"github.com/cloveworks/clove/internal/typesystem"
)

const repoDSL = `model
  schema 1.1

type user

type document
  relations
    define viewer: [user]
`

func newRepository(t *testing.T) *typesystem.Repository {
	t.Helper()
	store := memory.MustNew()
	t.Cleanup(func() { _ = store.Close() })
	return typesystem.NewRepository(store)
}

func TestRepositoryWriteAndActivate(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	m, diags, err := repo.Write(ctx, repoDSL, true)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Len(t, m.ID, 26)
	assert.Len(t, m.VersionID, 26)
	assert.True(t, m.Active)
	assert.Equal(t, repoDSL, m.DSL)

	ts, err := repo.ActiveTypesystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.VersionID, ts.VersionID)
	assert.True(t, ts.HasType("document"))
}

func TestRepositoryWriteWithoutActivate(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	m, _, err := repo.Write(ctx, repoDSL, false)
	require.NoError(t, err)
	assert.False(t, m.Active)

	_, err = repo.ActiveTypesystem(ctx)
	require.ErrorIs(t, err, core.ErrNoActiveModel)

	activated, err := repo.Activate(ctx, m.VersionID)
	require.NoError(t, err)
	assert.True(t, activated.Active)

	ts, err := repo.ActiveTypesystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.VersionID, ts.VersionID)
}

func TestRepositoryWriteSyntaxError(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	_, diags, err := repo.Write(ctx, "model\n  schema 1.1\n\ntype user\n  relations\n    define broken:\n", true)
	require.ErrorIs(t, err, core.ErrInvalidModel)
	require.NotEmpty(t, diags)
	assert.Equal(t, typesystem.CodeSyntaxError, diags[0].Code)
	assert.NotZero(t, diags[0].Line)

	// Nothing was stored.
	page, err := repo.List(ctx, storage.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Models)
}

func TestRepositoryWriteStoresWarnings(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	dsl := `model
  schema 1.1

type user

type document
  relations
    define viewer: [user, user:*]
`
	m, diags, err := repo.Write(ctx, dsl, true)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, typesystem.SeverityWarning, diags[0].Severity)
	assert.Equal(t, typesystem.CodeShadowedWildcard, diags[0].Code)
	assert.NotEmpty(t, m.VersionID)
}

func TestRepositoryRead(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	m, _, err := repo.Write(ctx, repoDSL, true)
	require.NoError(t, err)

	byVersion, err := repo.Read(ctx, m.VersionID)
	require.NoError(t, err)
	assert.Equal(t, m.VersionID, byVersion.VersionID)

	active, err := repo.Read(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, m.VersionID, active.VersionID)

	_, err = repo.Read(ctx, "01UNKNOWNVERSIONXXXXXXXXXX")
	require.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestRepositoryActivateSwapsActiveModel(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	first, _, err := repo.Write(ctx, repoDSL, true)
	require.NoError(t, err)
	second, _, err := repo.Write(ctx, repoDSL+`
type folder
  relations
    define viewer: [user]
`, true)
	require.NoError(t, err)

	ts, err := repo.ActiveTypesystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.VersionID, ts.VersionID)
	assert.True(t, ts.HasType("folder"))

	_, err = repo.Activate(ctx, first.VersionID)
	require.NoError(t, err)
	ts, err = repo.ActiveTypesystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, ts.VersionID)
	assert.False(t, ts.HasType("folder"))
}

func TestRepositoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	var versions []string
	for i := 0; i < 3; i++ {
		m, _, err := repo.Write(ctx, repoDSL, false)
		require.NoError(t, err)
		versions = append(versions, m.VersionID)
	}

	page, err := repo.List(ctx, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Models, 3)
	assert.Equal(t, versions[2], page.Models[0].VersionID)
	assert.Equal(t, versions[0], page.Models[2].VersionID)
}

func TestRepositoryVersionIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	prev := ""
	for i := 0; i < 10; i++ {
		m, _, err := repo.Write(ctx, repoDSL, false)
		require.NoError(t, err)
		assert.Greater(t, m.VersionID, prev)
		prev = m.VersionID
	}
}

func TestRepositoryTypesystemForCaches(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)

	m, _, err := repo.Write(ctx, repoDSL, false)
	require.NoError(t, err)

	first, err := repo.TypesystemFor(ctx, m.VersionID)
	require.NoError(t, err)
	second, err := repo.TypesystemFor(ctx, m.VersionID)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = repo.TypesystemFor(ctx, "01UNKNOWNVERSIONXXXXXXXXXX")
	require.ErrorIs(t, err, core.ErrModelNotFound)
}
