package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterPrefix    = "bastion:rl:"
	breakerKey       = "bastion:breaker"
	quarantinePrefix = "bastion:quarantine:"
	eventStream      = "bastion:events"

	// breakerRetries bounds optimistic-transaction retries when a
	// concurrent strike invalidates the watched key.
	breakerRetries = 5

	maxEventStreamLen = 10000
)

// RedisStore provides a Redis-backed Store. Counter shards are plain
// integer keys incremented with INCRBY and expired via TTL; the breaker
// singleton is a hash mutated inside a WATCH/MULTI transaction.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store.
type RedisConfig struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisStore{client: client}
}

func shardRedisKey(scope string, window int64, shard int) string {
	return fmt.Sprintf("%s%s:%d:%d", counterPrefix, scope, window, shard)
}

// IncrementShard atomically adds 1 to the shard key and refreshes its TTL.
func (s *RedisStore) IncrementShard(ctx context.Context, scope string, window int64, shard int, ttl time.Duration) error {
	key := shardRedisKey(scope, window, shard)

	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, 1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: increment %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// SumShards range-reads every shard of (scope, window) and sums the counts.
// Under concurrent writes the scan may miss same-instant increments; that
// partial view is part of the contract.
func (s *RedisStore) SumShards(ctx context.Context, scope string, window int64) (int64, error) {
	pattern := fmt.Sprintf("%s%s:%d:*", counterPrefix, scope, window)

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: mget: %v", ErrUnavailable, err)
	}

	var total int64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// PurgeCounters deletes every counter shard across all scopes.
func (s *RedisStore) PurgeCounters(ctx context.Context) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, counterPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("%w: del %s: %v", ErrUnavailable, iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: purge scan: %v", ErrUnavailable, err)
	}
	return deleted, nil
}

// BreakerState reads the circuit-breaker hash. A missing hash means the
// breaker has never recorded a strike and resolves to the zero state.
func (s *RedisStore) BreakerState(ctx context.Context) (BreakerState, error) {
	fields, err := s.client.HGetAll(ctx, breakerKey).Result()
	if err != nil {
		return BreakerState{}, fmt.Errorf("%w: read breaker: %v", ErrUnavailable, err)
	}
	return parseBreakerFields(fields), nil
}

func parseBreakerFields(fields map[string]string) BreakerState {
	var state BreakerState
	if v, ok := fields["strike_count"]; ok {
		state.StrikeCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["locked_down"]; ok {
		state.LockedDown = v == "1"
	}
	if v, ok := fields["last_strike_at"]; ok {
		state.LastStrikeAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return state
}

// RecordStrike increments the strike counter and sets the lockdown flag
// when the new count reaches limit, in a single optimistic transaction.
// The read and the conditional write happen under WATCH so that two
// concurrent strikes cannot both observe a sub-threshold count.
func (s *RedisStore) RecordStrike(ctx context.Context, limit int) (int64, bool, error) {
	var strikes int64
	var tripped bool

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, breakerKey).Result()
		if err != nil {
			return err
		}
		state := parseBreakerFields(fields)
		strikes = state.StrikeCount + 1
		tripped = state.LockedDown || strikes >= int64(limit)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, breakerKey,
				"strike_count", strikes,
				"locked_down", boolField(tripped),
				"last_strike_at", time.Now().UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < breakerRetries; i++ {
		err = s.client.Watch(ctx, txn, breakerKey)
		if err == nil {
			return strikes, tripped, nil
		}
		if err != redis.TxFailedErr {
			break
		}
	}
	return 0, false, fmt.Errorf("%w: record strike: %v", ErrUnavailable, err)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ResetBreaker zeroes the strike count and clears the lockdown flag.
func (s *RedisStore) ResetBreaker(ctx context.Context) error {
	if err := s.client.Del(ctx, breakerKey).Err(); err != nil {
		return fmt.Errorf("%w: reset breaker: %v", ErrUnavailable, err)
	}
	return nil
}

// PutQuarantine stores a permanent ban record. No TTL: quarantine records
// only go away through an explicit unban.
func (s *RedisStore) PutQuarantine(ctx context.Context, rec QuarantineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, quarantinePrefix+rec.Identity, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: put quarantine: %v", ErrUnavailable, err)
	}
	return nil
}

// GetQuarantine returns the quarantine record for identity, or nil.
func (s *RedisStore) GetQuarantine(ctx context.Context, identity string) (*QuarantineRecord, error) {
	val, err := s.client.Get(ctx, quarantinePrefix+identity).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get quarantine: %v", ErrUnavailable, err)
	}

	var rec QuarantineRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteQuarantine removes the record for identity if present.
func (s *RedisStore) DeleteQuarantine(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, quarantinePrefix+identity).Err(); err != nil {
		return fmt.Errorf("%w: delete quarantine: %v", ErrUnavailable, err)
	}
	return nil
}

// ListQuarantine returns all quarantine records.
func (s *RedisStore) ListQuarantine(ctx context.Context) ([]QuarantineRecord, error) {
	var out []QuarantineRecord
	iter := s.client.Scan(ctx, 0, quarantinePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("%w: list quarantine: %v", ErrUnavailable, err)
		}
		var rec QuarantineRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("%w: list quarantine: %v", ErrUnavailable, err)
	}
	return out, nil
}

// AppendEvent writes the event to a capped Redis stream.
func (s *RedisStore) AppendEvent(ctx context.Context, ev SecurityEvent) error {
	values := map[string]interface{}{
		"id":       ev.ID,
		"type":     ev.Type,
		"severity": ev.Severity,
		"at":       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Identity != "" {
		values["identity"] = ev.Identity
	}
	if ev.IPHash != "" {
		values["ip_hash"] = ev.IPHash
	}
	if len(ev.Details) > 0 {
		details, err := json.Marshal(ev.Details)
		if err == nil {
			values["details"] = string(details)
		}
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: maxEventStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: append event: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
