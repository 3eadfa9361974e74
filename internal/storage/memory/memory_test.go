package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveworks/clove/internal/storage"
	"github.com/cloveworks/clove/internal/storage/memory"
	"github.com/cloveworks/clove/internal/storage/storagetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storagetest.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return memory.MustNew()
	})
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := memory.MustNew()
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err := s.Write(ctx, nil, nil)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)

	_, err = s.CurrentToken(ctx)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)

	assert.ErrorIs(t, s.Ping(ctx), storage.ErrStoreClosed)
}

func TestSeed(t *testing.T) {
	s := memory.MustNew()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	token, err := s.Seed(ctx,
		"document:readme#viewer@user:anne",
		"document:readme#viewer@group:eng#member",
	)
	require.NoError(t, err)
	assert.NotZero(t, token)

	page, err := s.Find(ctx, storage.TupleFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 2)
}

func TestWriteBatchMaxOption(t *testing.T) {
	s, err := memory.New(memory.Options{WriteBatchMax: 1})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Seed(context.Background(),
		"document:a#viewer@user:anne",
		"document:b#viewer@user:anne",
	)
	// Seed splits into per-limit batches, so this succeeds.
	require.NoError(t, err)

	page, err := s.Find(context.Background(), storage.TupleFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Tuples, 2)
}
