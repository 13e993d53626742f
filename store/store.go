package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers decide per check whether to fail open or closed.
var ErrUnavailable = errors.New("backing store unavailable")

// BreakerState is the singleton circuit-breaker document.
type BreakerState struct {
	StrikeCount  int64     `json:"strike_count"`
	LockedDown   bool      `json:"locked_down"`
	LastStrikeAt time.Time `json:"last_strike_at"`
}

// QuarantineRecord is a permanent ban entry keyed by identity.
// It survives process restarts; removal requires an explicit unban.
type QuarantineRecord struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	IPHash    string    `json:"ip_hash,omitempty"`
	Manual    bool      `json:"manual"`
	BannedAt  time.Time `json:"banned_at"`
}

// SecurityEvent is an append-only audit record. The protection pipeline
// only ever writes these; they are read by external tooling.
type SecurityEvent struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Identity string            `json:"identity,omitempty"`
	IPHash   string            `json:"ip_hash,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	Severity string            `json:"severity"`
	At       time.Time         `json:"at"`
}

// CounterStore is the contract for sharded per-minute counters.
//
// IncrementShard must be atomic: a read-modify-write performed by the
// store itself, never by the caller. SumShards is a filtered range read
// over all shards of (scope, window) and may observe a partial set of
// concurrent same-window increments; callers tolerate that.
type CounterStore interface {
	IncrementShard(ctx context.Context, scope string, window int64, shard int, ttl time.Duration) error
	SumShards(ctx context.Context, scope string, window int64) (int64, error)

	// PurgeCounters deletes every counter shard across all scopes and
	// returns the number of shards removed.
	PurgeCounters(ctx context.Context) (int, error)
}

// BreakerStore persists the circuit-breaker singleton.
//
// RecordStrike must read the current count, increment it, and set the
// lockdown flag when the new count reaches limit, all inside a single
// transaction. Two concurrent strikes at count=2 must not both observe
// a sub-threshold value.
type BreakerStore interface {
	BreakerState(ctx context.Context) (BreakerState, error)
	RecordStrike(ctx context.Context, limit int) (strikes int64, tripped bool, err error)
	ResetBreaker(ctx context.Context) error
}

// QuarantineStore persists permanent (strike-3) bans.
type QuarantineStore interface {
	PutQuarantine(ctx context.Context, rec QuarantineRecord) error
	// GetQuarantine returns nil when no record exists for the identity.
	GetQuarantine(ctx context.Context, identity string) (*QuarantineRecord, error)
	DeleteQuarantine(ctx context.Context, identity string) error
	ListQuarantine(ctx context.Context) ([]QuarantineRecord, error)
}

// EventSink receives security events. Implementations must never block
// request handling on durability; a failed append is logged and dropped.
type EventSink interface {
	AppendEvent(ctx context.Context, ev SecurityEvent) error
}

// Store combines every backing-store concern the pipeline needs.
type Store interface {
	CounterStore
	BreakerStore
	QuarantineStore
	EventSink
}
