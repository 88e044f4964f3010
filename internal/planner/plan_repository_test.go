package planner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecook/internal/database"
)

func TestPlanRepository(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	defer db.Close()

	repo := NewPlanRepository(db.SQL)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		require.NoError(t, repo.Save(ctx, StoredPlan{
			UserID:         "u1",
			BatchID:        id,
			AccessToken:    "tok-" + id,
			IdempotencyKey: "meal-plan-u1-" + id,
			JobCount:       3 * (i + 1),
			Request:        RawRequest{Days: 3, Diet: "vegan"},
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, repo.Save(ctx, StoredPlan{UserID: "u2", BatchID: "b-other", CreatedAt: base}))

	// Saving an existing batch id again is ignored.
	require.NoError(t, repo.Save(ctx, StoredPlan{UserID: "u1", BatchID: "b-1", JobCount: 99, CreatedAt: base}))

	recent, err := repo.ListRecentByUserID(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b-3", recent[0].BatchID)
	assert.Equal(t, "b-2", recent[1].BatchID)

	got, err := repo.GetByBatchID(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.JobCount)
	assert.Equal(t, "vegan", got.Request.Diet)
	assert.Equal(t, "tok-b-1", got.AccessToken)

	_, err = repo.GetByBatchID(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
