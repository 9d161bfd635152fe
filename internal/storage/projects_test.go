package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/storage"
)

func TestEnsureProjectCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1, err := s.EnsureProject(ctx, "/data/proj_a", "")
	require.NoError(t, err)
	assert.Equal(t, "proj_a", p1.Slug)
	assert.NotZero(t, p1.ID)

	p2, err := s.EnsureProject(ctx, "/data/proj_a", "")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, p1.Slug, p2.Slug)
}

func TestEnsureProjectDistinctKeysGetDistinctRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.EnsureProject(ctx, "/data/proj_a", "")
	require.NoError(t, err)
	b, err := s.EnsureProject(ctx, "/data/proj_b", "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetProjectBySlugOrKeyMatchesEither(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.EnsureProject(ctx, "/data/proj_c", "proj_c")
	require.NoError(t, err)

	bySlug, err := s.GetProjectBySlugOrKey(ctx, "proj_c")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySlug.ID)

	byKey, err := s.GetProjectBySlugOrKey(ctx, "/data/proj_c")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byKey.ID)
}

func TestGetProjectBySlugOrKeyNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetProjectBySlugOrKey(ctx, "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
