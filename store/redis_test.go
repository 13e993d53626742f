package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore connects to a local Redis or skips. Run these against
// a throwaway instance; the cleanup flushes the selected database.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	s := NewRedisStore(RedisConfig{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		s.client.FlushDB(context.Background())
		s.Close()
	})
	s.client.FlushDB(context.Background())
	return s
}

func TestRedisStore_CounterLifecycle(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	window := time.Now().Truncate(time.Minute).Unix()

	for shard := 0; shard < 10; shard++ {
		require.NoError(t, s.IncrementShard(ctx, "chat", window, shard, 5*time.Minute))
	}
	require.NoError(t, s.IncrementShard(ctx, "chat", window, 3, 5*time.Minute))

	total, err := s.SumShards(ctx, "chat", window)
	require.NoError(t, err)
	assert.Equal(t, int64(11), total)

	total, err = s.SumShards(ctx, "chat", window+60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	purged, err := s.PurgeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, purged)
}

func TestRedisStore_BreakerTransaction(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	state, err := s.BreakerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, BreakerState{}, state)

	const strikes = 20
	var wg sync.WaitGroup
	for i := 0; i < strikes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.RecordStrike(ctx, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err = s.BreakerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(strikes), state.StrikeCount, "concurrent strikes must not be lost")
	assert.True(t, state.LockedDown)

	require.NoError(t, s.ResetBreaker(ctx))
	state, err = s.BreakerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, BreakerState{}, state)
}

func TestRedisStore_QuarantineRoundtrip(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	rec, err := s.GetQuarantine(ctx, "fp:absent")
	require.NoError(t, err)
	assert.Nil(t, rec)

	want := QuarantineRecord{
		Identity: "fp:abc",
		Reason:   "repeated strike two bans",
		BannedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutQuarantine(ctx, want))

	rec, err = s.GetQuarantine(ctx, "fp:abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, want, *rec)

	list, err := s.ListQuarantine(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteQuarantine(ctx, "fp:abc"))
	rec, err = s.GetQuarantine(ctx, "fp:abc")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_AppendEvent(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	err := s.AppendEvent(ctx, SecurityEvent{
		ID:       "ev-1",
		Type:     "RATE_LIMIT_BREACH",
		Identity: "fp:abc",
		Severity: "MEDIUM",
		At:       time.Now().UTC(),
	})
	require.NoError(t, err)

	n, err := s.client.XLen(ctx, eventStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
