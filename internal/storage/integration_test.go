//go:build integration

package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/sourcewatch/internal/storage"
	"github.com/alqutdigital/sourcewatch/internal/testutil"
)

var containers *testutil.Containers

func TestMain(m *testing.M) {
	ctx := context.Background()
	containers = testutil.New(testutil.DefaultContainerConfig(), nil)

	if err := containers.StartPostgres(ctx); err != nil {
		panic(err)
	}
	if err := containers.StartRedis(ctx); err != nil {
		containers.Cleanup(ctx)
		panic(err)
	}

	code := m.Run()
	containers.Cleanup(ctx)
	os.Exit(code)
}

func openPostgres(t *testing.T) *storage.SQLStore {
	t.Helper()
	ctx := context.Background()

	store, err := containers.PostgresStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, testutil.TruncateAll(ctx, store))
	return store
}

func TestPostgres_UpsertAndLatest(t *testing.T) {
	store := openPostgres(t)
	ctx := context.Background()

	srcs, err := store.UpsertSources(ctx, []string{"https://a.example/", "https://b.example/"}, true)
	require.NoError(t, err)
	require.Len(t, srcs, 2)

	again, err := store.UpsertSources(ctx, []string{"https://b.example/"}, true)
	require.NoError(t, err)
	assert.Equal(t, srcs[1].ID, again[0].ID)

	run := &storage.ExtractRun{Trigger: storage.TriggerRefresh}
	require.NoError(t, store.CreateExtractRun(ctx, run))

	page := &storage.ExtractedPage{
		SourceID: srcs[0].ID,
		RunID:    run.ID,
		Title:    "A",
		Excerpts: []string{"first"},
	}
	require.NoError(t, store.CreateExtractedPage(ctx, page))
	require.NoError(t, store.UpsertSourceLatest(ctx, storage.SourceLatest{
		SourceID:        srcs[0].ID,
		ExtractedPageID: page.ID,
		ExtractedAt:     page.ExtractedAt,
		Title:           page.Title,
	}))

	failed := &storage.ExtractedPage{SourceID: srcs[1].ID, RunID: run.ID, ErrorType: "timeout"}
	require.NoError(t, store.CreateExtractedPage(ctx, failed))

	rows, err := store.ListSourcesWithLatest(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[int64]storage.SourceWithLatest{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	require.NotNil(t, byID[srcs[0].ID].Latest)
	assert.Equal(t, "A", byID[srcs[0].ID].Latest.Title)
	assert.Nil(t, byID[srcs[1].ID].Latest)

	history, err := store.ListExtractedPages(ctx, srcs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Failed())
}

func TestPostgres_Deactivate(t *testing.T) {
	store := openPostgres(t)
	ctx := context.Background()

	_, err := store.UpsertSources(ctx, []string{"https://a.example/"}, true)
	require.NoError(t, err)
	_, err = store.UpsertSources(ctx, []string{"https://a.example/"}, false)
	require.NoError(t, err)

	active, err := store.ListActiveSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListSourcesWithLatest(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
}

func TestRedis_QueryCache(t *testing.T) {
	ctx := context.Background()

	client, err := containers.RedisClient(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := storage.DefaultCacheConfig()
	cfg.Prefix = "it"
	cfg.QueriesTTL = time.Minute
	cache := storage.NewQueryCache(client, nil, cfg)
	require.True(t, cache.IsHealthy())

	_, ok := cache.GetQueries(ctx, "what changed?")
	assert.False(t, ok)

	require.NoError(t, cache.SetQueries(ctx, "What  changed?", []string{"pricing changes", "release notes"}))

	got, ok := cache.GetQueries(ctx, "what changed?")
	require.True(t, ok)
	assert.Equal(t, []string{"pricing changes", "release notes"}, got)

	require.NoError(t, cache.Invalidate(ctx, "what changed?"))
	_, ok = cache.GetQueries(ctx, "what changed?")
	assert.False(t, ok)
}

func TestRedis_IncrWindow(t *testing.T) {
	ctx := context.Background()

	client, err := containers.RedisClient(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Del(ctx, "it:window"))

	n, left, err := client.IncrWindow(ctx, "it:window", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.InDelta(t, time.Minute.Seconds(), left.Seconds(), 1)

	n, left, err = client.IncrWindow(ctx, "it:window", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.LessOrEqual(t, left, time.Minute, "a later hit does not extend the window")
}

func TestPostgres_ConcurrentRegistrationsKeepOneRowPerURL(t *testing.T) {
	store := openPostgres(t)
	ctx := context.Background()
	urls := []string{"https://a.example/docs", "https://b.example"}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpsertSources(ctx, urls, true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := store.ListSourcesWithLatest(ctx, true)
	require.NoError(t, err)
	assert.Len(t, rows, len(urls))
}
