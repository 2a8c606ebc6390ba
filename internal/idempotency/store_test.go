package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/docket/model"
)

func testResponse() Response {
	return Response{
		Status: 201,
		Body:   json.RawMessage(`{"matter_workflow":{"id":"wf-1"}}`),
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

// testStoreBehaviour covers what every Store shares.
func testStoreBehaviour(t *testing.T, store Store) {
	ctx := context.Background()
	key := FormatKey("firm-1", "activate", "req-1")

	t.Run("first reservation is owned", func(t *testing.T) {
		resp, err := store.Reserve(ctx, key, "hash-abc", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, resp)
	})

	t.Run("unfinished request conflicts", func(t *testing.T) {
		_, err := store.Reserve(ctx, key, "hash-abc", time.Minute)
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
		assert.Contains(t, err.Error(), "still in progress")
	})

	t.Run("replay", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, key, "hash-abc", testResponse(), time.Minute))

		resp, err := store.Reserve(ctx, key, "hash-abc", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 201, resp.Status)
		assert.JSONEq(t, `{"matter_workflow":{"id":"wf-1"}}`, string(resp.Body))
	})

	t.Run("different input conflicts", func(t *testing.T) {
		_, err := store.Reserve(ctx, key, "hash-other", time.Minute)
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
		assert.Contains(t, err.Error(), "different input")
	})

	t.Run("release keeps saved responses", func(t *testing.T) {
		require.NoError(t, store.Release(ctx, key, "hash-abc"))
		resp, err := store.Reserve(ctx, key, "hash-abc", time.Minute)
		require.NoError(t, err)
		assert.NotNil(t, resp)
	})

	t.Run("release frees a reservation", func(t *testing.T) {
		failed := FormatKey("firm-1", "activate", "req-failed")
		_, err := store.Reserve(ctx, failed, "hash-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, failed, "hash-1"))

		resp, err := store.Reserve(ctx, failed, "hash-1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, resp)
	})

	t.Run("release ignores other input", func(t *testing.T) {
		held := FormatKey("firm-1", "activate", "req-held")
		_, err := store.Reserve(ctx, held, "hash-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, held, "hash-2"))

		_, err = store.Reserve(ctx, held, "hash-1", time.Minute)
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
	})

	t.Run("firm scoped", func(t *testing.T) {
		resp, err := store.Reserve(ctx, FormatKey("firm-2", "activate", "req-1"), "hash-abc", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, resp)
	})

	t.Run("concurrent reservations have one owner", func(t *testing.T) {
		raced := FormatKey("firm-1", "activate", "req-race")
		var owners, conflicts atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := store.Reserve(ctx, raced, "hash-race", time.Minute)
				switch {
				case err == nil && resp == nil:
					owners.Add(1)
				case model.ErrorCode(err) == model.ErrConflict:
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), owners.Load())
		assert.Equal(t, int32(15), conflicts.Load())
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, store.HealthCheck(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreBehaviour(t, NewMemoryStore())
}

func TestMemoryStore_expiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "h", testResponse(), time.Minute))
	assert.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	resp, err := store.Reserve(ctx, "k", "h", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestMemoryStore_leaseExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Reserve(ctx, "k", "h", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	resp, err := store.Reserve(ctx, "k", "h", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	testStoreBehaviour(t, store)
}

func TestRedisStore_expiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k", "h", testResponse(), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	resp, err := store.Reserve(ctx, "k", "h", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRedisStore_reservationCarriesLease(t *testing.T) {
	store, mr := newRedisStore(t)

	_, err := store.Reserve(context.Background(), "k", "h", 45*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, mr.TTL("k"))

	raw, err := mr.Get("k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"input_hash":"h","pending":true,"response":{"status":0,"body":null}}`, raw)
}

func TestRedisStore_corruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("k", "not json"))

	_, err := store.Reserve(context.Background(), "k", "h", time.Minute)
	assert.Error(t, err)
}

func TestRedisStore_unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Reserve(context.Background(), "k", "h", time.Minute)
	assert.Error(t, err)
	assert.Error(t, store.HealthCheck(context.Background()))
}

func TestHashInput(t *testing.T) {
	a := HashInput([]byte(`{"template_key":"conveyancing"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashInput([]byte(`{"template_key":"conveyancing"}`)))
	assert.NotEqual(t, a, HashInput([]byte(`{"template_key":"probate"}`)))
}
