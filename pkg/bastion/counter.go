package bastion

import (
	"context"
	"math/rand"
	"time"

	"github.com/wavecrest/bastion/store"
)

// WindowStart truncates t to the current one-minute counting window.
func WindowStart(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// ShardedCounter counts events per (scope, minute window) using N fixed
// shard slots in the backing store. Each increment lands on a random
// shard so concurrent writers rarely contend on the same document; the
// total for a window is the sum over all shards.
type ShardedCounter struct {
	store  store.CounterStore
	shards int
	ttl    time.Duration
}

// NewShardedCounter creates a counter over cs with the given shard count
// and shard TTL.
func NewShardedCounter(cs store.CounterStore, shards int, ttl time.Duration) *ShardedCounter {
	return &ShardedCounter{store: cs, shards: shards, ttl: ttl}
}

// Increment atomically adds 1 to a randomly chosen shard of
// (scope, window), creating it if absent and stamping its expiry.
func (c *ShardedCounter) Increment(ctx context.Context, scope string, window time.Time) error {
	shard := rand.Intn(c.shards)
	return c.store.IncrementShard(ctx, scope, window.Unix(), shard, c.ttl)
}

// ReadTotal sums all shards of (scope, window). The read is eventually
// consistent under concurrent writes: it may miss increments landing in
// the same instant, which the limiter's double-read pattern tolerates.
func (c *ShardedCounter) ReadTotal(ctx context.Context, scope string, window time.Time) (int64, error) {
	return c.store.SumShards(ctx, scope, window.Unix())
}
