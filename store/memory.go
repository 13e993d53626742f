package store

import (
	"context"
	"sync"
	"time"
)

type shardKey struct {
	scope  string
	window int64
	shard  int
}

type shardEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-memory Store. It is suitable for
// tests and single-instance deployments; counters, breaker state and
// quarantine records all live in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	shards     map[shardKey]*shardEntry
	breaker    BreakerState
	quarantine map[string]QuarantineRecord
	events     []SecurityEvent
	maxEvents  int

	// now is swappable so tests can control shard expiry.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:     make(map[shardKey]*shardEntry),
		quarantine: make(map[string]QuarantineRecord),
		maxEvents:  10000,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// IncrementShard atomically adds 1 to the shard, creating it if absent.
func (s *MemoryStore) IncrementShard(_ context.Context, scope string, window int64, shard int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := shardKey{scope: scope, window: window, shard: shard}
	entry, ok := s.shards[key]
	if !ok || s.now().After(entry.expiresAt) {
		entry = &shardEntry{}
		s.shards[key] = entry
	}
	entry.count++
	entry.expiresAt = s.now().Add(ttl)
	return nil
}

// SumShards sums every live shard matching (scope, window).
func (s *MemoryStore) SumShards(_ context.Context, scope string, window int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	now := s.now()
	for key, entry := range s.shards {
		if key.scope != scope || key.window != window {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(s.shards, key)
			continue
		}
		total += entry.count
	}
	return total, nil
}

// PurgeCounters drops all counter shards.
func (s *MemoryStore) PurgeCounters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.shards)
	s.shards = make(map[shardKey]*shardEntry)
	return n, nil
}

// BreakerState returns the current circuit-breaker state.
func (s *MemoryStore) BreakerState(_ context.Context) (BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker, nil
}

// RecordStrike increments the strike counter and trips the breaker when
// the new count reaches limit. The whole step runs under one lock, which
// is the in-memory equivalent of the store transaction.
func (s *MemoryStore) RecordStrike(_ context.Context, limit int) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breaker.StrikeCount++
	s.breaker.LastStrikeAt = s.now()
	if s.breaker.StrikeCount >= int64(limit) {
		s.breaker.LockedDown = true
	}
	return s.breaker.StrikeCount, s.breaker.LockedDown, nil
}

// ResetBreaker zeroes the strike count and clears the lockdown flag.
func (s *MemoryStore) ResetBreaker(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = BreakerState{}
	return nil
}

// PutQuarantine stores a permanent ban record for an identity.
func (s *MemoryStore) PutQuarantine(_ context.Context, rec QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[rec.Identity] = rec
	return nil
}

// GetQuarantine returns the quarantine record for identity, or nil.
func (s *MemoryStore) GetQuarantine(_ context.Context, identity string) (*QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.quarantine[identity]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// DeleteQuarantine removes the record for identity if present.
func (s *MemoryStore) DeleteQuarantine(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantine, identity)
	return nil
}

// ListQuarantine returns all quarantine records.
func (s *MemoryStore) ListQuarantine(_ context.Context) ([]QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QuarantineRecord, 0, len(s.quarantine))
	for _, rec := range s.quarantine {
		out = append(out, rec)
	}
	return out, nil
}

// AppendEvent records a security event, keeping at most maxEvents.
func (s *MemoryStore) AppendEvent(_ context.Context, ev SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	return nil
}

// Events returns a copy of the recorded events. Intended for tests and
// diagnostics; the pipeline never reads events back.
func (s *MemoryStore) Events() []SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}
