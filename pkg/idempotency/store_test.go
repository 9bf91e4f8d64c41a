package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 12, 19, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func apiKey(t *testing.T, id string) Key {
	t.Helper()
	k, err := NewAPIKey("org-123", id)
	require.NoError(t, err)
	return k
}

func TestCheckAndSetSingleWinner(t *testing.T) {
	store := NewMemoryStore(DefaultTTLs, nil)
	key := apiKey(t, "req-1")

	const callers = 64
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
			} else if res.Existing == nil {
				t.Error("loser saw no existing record")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestCompleteThenReplay(t *testing.T) {
	store := NewMemoryStore(DefaultTTLs, nil)
	key := apiKey(t, "req-2")

	res, err := store.CheckAndSet(context.Background(), key, "")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	require.NoError(t, store.Complete(context.Background(), key, json.RawMessage(`{"ok":true}`)))

	res, err = store.CheckAndSet(context.Background(), key, "")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	require.NotNil(t, res.Existing)
	assert.Equal(t, StatusCompleted, res.Existing.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Existing.Result))
}

func TestTerminalTransitionIsExactlyOnce(t *testing.T) {
	store := NewMemoryStore(DefaultTTLs, nil)
	key := apiKey(t, "req-3")

	_, err := store.CheckAndSet(context.Background(), key, "")
	require.NoError(t, err)
	require.NoError(t, store.Fail(context.Background(), key, "boom"))

	assert.ErrorIs(t, store.Complete(context.Background(), key, nil), ErrNotPending)
	assert.ErrorIs(t, store.Fail(context.Background(), key, "again"), ErrNotPending)
}

func TestFailedExpiresBeforeCompleted(t *testing.T) {
	clock := newFakeClock()
	ttls := TTLs{Completed: 24 * time.Hour, Failed: time.Hour, PendingStale: 5 * time.Minute}
	store := NewMemoryStore(ttls, clock)
	ctx := context.Background()

	failed := apiKey(t, "req-failed")
	done := apiKey(t, "req-done")
	for _, k := range []Key{failed, done} {
		res, err := store.CheckAndSet(ctx, k, "")
		require.NoError(t, err)
		require.True(t, res.IsNew)
	}
	require.NoError(t, store.Fail(ctx, failed, "transient"))
	require.NoError(t, store.Complete(ctx, done, nil))

	clock.Advance(2 * time.Hour)

	// The failed record has expired: its key is claimable again.
	res, err := store.CheckAndSet(ctx, failed, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	// The completed record is still live: the delivery replays.
	res, err = store.CheckAndSet(ctx, done, "")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
}

func TestStalePendingBecomesRetryable(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(DefaultTTLs, clock)
	key := apiKey(t, "req-stale")
	ctx := context.Background()

	res, err := store.CheckAndSet(ctx, key, "")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	// Within the staleness window the pending record blocks retries.
	res, err = store.CheckAndSet(ctx, key, "")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Equal(t, StatusPending, res.Existing.Status)

	// Past it, the owner is presumed crashed and the key is reclaimed.
	clock.Advance(DefaultTTLs.PendingStale + time.Minute)
	res, err = store.CheckAndSet(ctx, key, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestPayloadConflictFlagged(t *testing.T) {
	store := NewMemoryStore(DefaultTTLs, nil)
	key := apiKey(t, "req-conflict")
	ctx := context.Background()

	_, err := store.CheckAndSet(ctx, key, "sha256:aaa")
	require.NoError(t, err)

	res, err := store.CheckAndSet(ctx, key, "sha256:aaa")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.False(t, res.Conflict)

	res, err = store.CheckAndSet(ctx, key, "sha256:bbb")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.True(t, res.Conflict)
}

func TestSweepDropsExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(DefaultTTLs, clock)
	ctx := context.Background()

	_, err := store.CheckAndSet(ctx, apiKey(t, "req-a"), "")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, apiKey(t, "req-a"), "x"))
	_, err = store.CheckAndSet(ctx, apiKey(t, "req-b"), "")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, apiKey(t, "req-b"), nil))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Size())
}
