package usenetclient

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/config"
	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

func newTestClient(t *testing.T) (*Client, *database.DB) {
	t.Helper()
	db, err := database.New(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	providers := []config.ProviderConfig{{ID: "p1"}, {ID: "p2"}}
	return New(nil, db.Stats, providers, 0, 64), db
}

func TestSuccessWeight_DefaultsToUniformWithNoHistory(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, 1.0, c.successWeight(context.Background(), "job", "p1"))
}

func TestSuccessWeight_ReflectsRecordedSuccessRate(t *testing.T) {
	c, db := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, db.Stats.UpsertProviderStat(ctx, "job", 0, true, 1000, 10, time.Now()))
	require.NoError(t, db.Stats.UpsertProviderStat(ctx, "job", 0, false, 0, 10, time.Now()))

	// 1 success, 1 failure -> 0.5
	assert.InDelta(t, 0.5, c.successWeight(ctx, "job", "p1"), 0.001)
}

func TestSuccessWeight_FloorsAtFivePercent(t *testing.T) {
	c, db := newTestClient(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Stats.UpsertProviderStat(ctx, "job", 0, false, 0, 10, time.Now()))
	}
	assert.Equal(t, 0.05, c.successWeight(ctx, "job", "p1"))
}

func TestShuffleByPriorityTier_PreservesTierBoundaries(t *testing.T) {
	c, _ := newTestClient(t)
	handles := []pool.ProviderHandle{
		{ID: "a", Priority: 2},
		{ID: "b", Priority: 2},
		{ID: "c", Priority: 1},
	}
	out := c.shuffleByPriorityTier(context.Background(), "job", handles)
	require.Len(t, out, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{out[0].ID, out[1].ID})
	assert.Equal(t, "c", out[2].ID)
}

func TestFetchArticle_CacheHitSkipsProviderDispatch(t *testing.T) {
	c, _ := newTestClient(t)
	want := &yenc.Article{Payload: []byte("cached")}
	c.cache.Add("msg1", want)

	// c.pool is nil; a cache miss here would panic on c.pool.Providers().
	got, err := c.FetchArticle(context.Background(), "job", "msg1", nil, pool.UsageStreaming)
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestWeightedShuffle_SingleElementIsNoop(t *testing.T) {
	c, _ := newTestClient(t)
	out := c.weightedShuffle(context.Background(), "job", []pool.ProviderHandle{{ID: "only"}})
	require.Len(t, out, 1)
	assert.Equal(t, "only", out[0].ID)
}
