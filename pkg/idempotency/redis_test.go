package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore("redis://"+srv.Addr(), DefaultTTLs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestRedisCheckAndSetSingleWinner(t *testing.T) {
	store, _ := newRedisTestStore(t)
	key := apiKey(t, "req-1")

	const callers = 16
	var winners atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := store.CheckAndSet(context.Background(), key, "")
			if err != nil {
				t.Error(err)
				return
			}
			if res.IsNew {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestRedisLifecycle(t *testing.T) {
	store, _ := newRedisTestStore(t)
	key := apiKey(t, "req-2")
	ctx := context.Background()

	res, err := store.CheckAndSet(ctx, key, "sha256:abc")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	require.NoError(t, store.Complete(ctx, key, json.RawMessage(`{"n":1}`)))
	assert.ErrorIs(t, store.Fail(ctx, key, "late"), ErrNotPending)

	res, err = store.CheckAndSet(ctx, key, "sha256:abc")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	require.NotNil(t, res.Existing)
	assert.Equal(t, StatusCompleted, res.Existing.Status)
	assert.Equal(t, "sha256:abc", res.Existing.PayloadHash)
	assert.JSONEq(t, `{"n":1}`, string(res.Existing.Result))

	// A different payload under the same key is a conflict, not a replay.
	res, err = store.CheckAndSet(ctx, key, "sha256:other")
	require.NoError(t, err)
	assert.True(t, res.Conflict)
}

func TestRedisPendingExpiry(t *testing.T) {
	store, srv := newRedisTestStore(t)
	key := apiKey(t, "req-3")
	ctx := context.Background()

	res, err := store.CheckAndSet(ctx, key, "")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	srv.FastForward(DefaultTTLs.PendingStale + time.Minute)

	res, err = store.CheckAndSet(ctx, key, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestRedisFailTTLShorterThanCompleted(t *testing.T) {
	store, srv := newRedisTestStore(t)
	ctx := context.Background()

	failed := apiKey(t, "req-failed")
	done := apiKey(t, "req-done")
	for _, k := range []Key{failed, done} {
		_, err := store.CheckAndSet(ctx, k, "")
		require.NoError(t, err)
	}
	require.NoError(t, store.Fail(ctx, failed, "transient"))
	require.NoError(t, store.Complete(ctx, done, nil))

	srv.FastForward(DefaultTTLs.Failed + time.Minute)

	res, err := store.CheckAndSet(ctx, failed, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	res, err = store.CheckAndSet(ctx, done, "")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
}
