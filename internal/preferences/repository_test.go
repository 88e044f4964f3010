package preferences

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecook/internal/database"
	"wecook/internal/planner"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db.SQL)
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	prefs := planner.RawRequest{Diet: "vegan", Servings: 3, Meals: map[string]bool{"lunch": true}}
	require.NoError(t, repo.Save(ctx, "u1", prefs))

	got, ok, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prefs, got)

	// Replacing keeps a single row per user.
	require.NoError(t, repo.Save(ctx, "u1", planner.RawRequest{Diet: "keto"}))
	got, _, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "keto", got.Diet)
	assert.Zero(t, got.Servings)
}

func TestRepository_SaveRejectsInvalid(t *testing.T) {
	repo := newRepo(t)

	err := repo.Save(context.Background(), "u1", planner.RawRequest{Spice: "volcanic"})
	assert.ErrorIs(t, err, planner.ErrInvalidParameters)

	_, ok, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}
