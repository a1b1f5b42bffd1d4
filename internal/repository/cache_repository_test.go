package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

func newChangeSetCache(t *testing.T) (*ChangeSetCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewChangeSetCache(client, zap.NewNop())
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestChangeSetCacheStoresByRange(t *testing.T) {
	cache, mr := newChangeSetCache(t)
	ctx := context.Background()

	cs := models.NewChangeSet(1, 2)
	cs.ClassesAdded = []string{"9B"}
	require.NoError(t, cache.Put(ctx, cs, time.Minute))
	assert.True(t, mr.Exists("bbss:changeset:1:2"))

	got, err := cache.Get(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"9B"}, got.ClassesAdded)

	_, err = cache.Get(ctx, 2, 1)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)

	mr.FastForward(2 * time.Minute)
	_, err = cache.Get(ctx, 1, 2)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestChangeSetCacheDropsMismatchedEntry(t *testing.T) {
	cache, mr := newChangeSetCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(ChangeSetKey(3, 4), `{"old_import_id":1,"new_import_id":2}`))
	_, err := cache.Get(ctx, 3, 4)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
	assert.False(t, mr.Exists(ChangeSetKey(3, 4)))

	require.NoError(t, mr.Set(ChangeSetKey(5, 6), "not json"))
	_, err = cache.Get(ctx, 5, 6)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
	assert.False(t, mr.Exists(ChangeSetKey(5, 6)))
}

func TestChangeSetCacheInvalidateLeavesOtherKeys(t *testing.T) {
	cache, mr := newChangeSetCache(t)
	ctx := context.Background()

	for i := int64(1); i <= 150; i++ {
		require.NoError(t, cache.Put(ctx, models.NewChangeSet(i, i+1), 0))
	}
	require.NoError(t, mr.Set("other:key", "c"))

	removed, err := cache.Invalidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, removed)
	for _, key := range []string{ChangeSetKey(1, 2), ChangeSetKey(150, 151)} {
		assert.False(t, mr.Exists(key), fmt.Sprintf("%s survived", key))
	}
	assert.True(t, mr.Exists("other:key"))
}

func TestChangeSetCacheWithoutClient(t *testing.T) {
	cache := NewChangeSetCache(nil, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, 1, 2)
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
	assert.NoError(t, cache.Put(ctx, models.NewChangeSet(1, 2), time.Second))
	removed, err := cache.Invalidate(ctx)
	assert.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, cache.Close())
}
