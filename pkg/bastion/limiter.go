package bastion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
)

// GlobalScope tags the counter tracking all endpoints combined.
const GlobalScope = "GLOBAL"

// HashIP returns the SHA-256 hex digest of a client IP. Raw addresses
// never reach the backing store.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// RateLimiter enforces the per-IP, per-endpoint, and global counting
// scopes over a shared ShardedCounter.
type RateLimiter struct {
	counter *ShardedCounter
	cfg     *Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewRateLimiter creates a limiter over counter using cfg thresholds.
func NewRateLimiter(counter *ShardedCounter, cfg *Config, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{counter: counter, cfg: cfg, log: log, now: time.Now}
}

// AllowIP applies the per-IP ceiling to a hashed client address.
// This is the outermost, cheapest-to-bypass filter: it fails open on
// store errors, preferring availability over strict enforcement.
func (rl *RateLimiter) AllowIP(ctx context.Context, clientIP string) bool {
	if clientIP == "" {
		return true
	}

	hashed := HashIP(clientIP)
	scope := "ip:" + hashed[:16]
	window := WindowStart(rl.now())

	count, err := rl.counter.ReadTotal(ctx, scope, window)
	if err != nil {
		rl.log.Error().Err(err).Msg("ip rate limit check failed, allowing request")
		return true
	}
	if count >= int64(rl.cfg.IPLimitPerMinute) {
		rl.log.Warn().
			Str("ip_hash", hashed[:8]).
			Int64("count", count).
			Int("limit", rl.cfg.IPLimitPerMinute).
			Msg("ip rate limit exceeded")
		return false
	}

	if err := rl.counter.Increment(ctx, scope, window); err != nil {
		rl.log.Error().Err(err).Msg("ip rate limit increment failed, allowing request")
	}
	return true
}

// IncrementGlobal bumps the all-endpoints counter. Called for every
// inbound request regardless of what later layers decide, so the global
// view reflects all traffic.
func (rl *RateLimiter) IncrementGlobal(ctx context.Context) {
	window := WindowStart(rl.now())
	if err := rl.counter.Increment(ctx, GlobalScope, window); err != nil {
		rl.log.Error().Err(err).Msg("global counter increment failed")
	}
}

// GlobalWithinLimit reports whether combined traffic is under the global
// ceiling. A breach here signals system-wide distress, not one client's
// behavior; the caller records a circuit-breaker strike on false.
func (rl *RateLimiter) GlobalWithinLimit(ctx context.Context) bool {
	window := WindowStart(rl.now())
	total, err := rl.counter.ReadTotal(ctx, GlobalScope, window)
	if err != nil {
		rl.log.Error().Err(err).Msg("global rate limit read failed, allowing request")
		return true
	}
	// The caller already counted this request, so a request that lands
	// exactly on the limit is the one that breaches it.
	if total >= int64(rl.cfg.GlobalLimitPerMinute) {
		rl.log.Error().
			Int64("count", total).
			Int("limit", rl.cfg.GlobalLimitPerMinute).
			Msg("global rate limit exceeded")
		return false
	}
	return true
}

// EndpointResult is the outcome of a per-endpoint check-and-increment.
type EndpointResult struct {
	Allowed bool
	// Burst is set when the post-write re-read observed the window above
	// its limit: the request already wrote, so it is still allowed, but
	// the overshoot is logged as an accepted burst.
	Burst bool
	Count int64
}

// AllowEndpoint runs the optimistic check-and-increment for one endpoint
// scope: read the window total, reject without writing when already at
// the limit, otherwise increment and re-read. A re-read above the limit
// does not reject, since the write already landed; it only flags a burst.
// This bounds worst-case overshoot from concurrent racers without
// cross-request locking; a strict transactional cap would serialize the
// writers the sharding exists to spread.
func (rl *RateLimiter) AllowEndpoint(ctx context.Context, endpoint string) EndpointResult {
	window := WindowStart(rl.now())
	limit := int64(rl.cfg.EndpointLimitPerMinute)

	initial, err := rl.counter.ReadTotal(ctx, endpoint, window)
	if err != nil {
		rl.log.Error().Err(err).Str("endpoint", endpoint).
			Msg("endpoint rate limit read failed, allowing request")
		return EndpointResult{Allowed: true}
	}
	if initial >= limit {
		rl.log.Warn().
			Str("endpoint", endpoint).
			Int64("count", initial).
			Int64("limit", limit).
			Msg("per-endpoint rate limit exceeded")
		return EndpointResult{Allowed: false, Count: initial}
	}

	if err := rl.counter.Increment(ctx, endpoint, window); err != nil {
		rl.log.Error().Err(err).Str("endpoint", endpoint).
			Msg("endpoint rate limit increment failed, allowing request")
		return EndpointResult{Allowed: true}
	}

	final, err := rl.counter.ReadTotal(ctx, endpoint, window)
	if err != nil {
		return EndpointResult{Allowed: true}
	}
	if final > limit {
		rl.log.Warn().
			Str("endpoint", endpoint).
			Int64("count", final).
			Int64("limit", limit).
			Msg("burst accepted above endpoint limit")
		return EndpointResult{Allowed: true, Burst: true, Count: final}
	}
	return EndpointResult{Allowed: true, Count: final}
}
