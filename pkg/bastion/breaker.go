package bastion

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/store"
)

// CircuitBreaker is the global lockdown switch. Strikes accumulate in a
// singleton backing-store document; when they reach the configured limit
// the breaker trips and all non-exempt traffic is rejected until an
// administrative reset.
type CircuitBreaker struct {
	store store.BreakerStore
	limit int
	log   zerolog.Logger
}

// NewCircuitBreaker creates a breaker over bs tripping at limit strikes.
func NewCircuitBreaker(bs store.BreakerStore, limit int, log zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{store: bs, limit: limit, log: log}
}

// IsLocked reports whether the system is in hard lockdown. It is a
// cheap read-only lookup performed before any other per-request work
// and fails open: a store outage must not turn into a total outage of
// legitimate traffic.
func (cb *CircuitBreaker) IsLocked(ctx context.Context) bool {
	state, err := cb.store.BreakerState(ctx)
	if err != nil {
		cb.log.Error().Err(err).Msg("circuit breaker check failed, treating as unlocked")
		return false
	}
	if state.LockedDown {
		cb.log.Error().Msg("circuit breaker tripped, system in lockdown")
	}
	return state.LockedDown
}

// RecordStrike increments the strike counter and trips the breaker when
// the count reaches the limit. The increment and the trip decision are
// one store transaction so two concurrent strikes at count=2 cannot
// both miss the threshold.
func (cb *CircuitBreaker) RecordStrike(ctx context.Context) (int64, error) {
	strikes, tripped, err := cb.store.RecordStrike(ctx, cb.limit)
	if err != nil {
		cb.log.Error().Err(err).Msg("failed to record strike")
		return 0, err
	}
	if tripped {
		cb.log.Error().
			Int64("strikes", strikes).
			Msg("strike recorded, circuit breaker tripped")
	} else {
		cb.log.Warn().
			Int64("strikes", strikes).
			Int("limit", cb.limit).
			Msg("strike recorded")
	}
	return strikes, nil
}

// Reset zeroes the strike count and clears the lockdown flag. Only the
// administrative restore path calls this.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	return cb.store.ResetBreaker(ctx)
}

// State returns the raw breaker state for operational visibility.
func (cb *CircuitBreaker) State(ctx context.Context) (store.BreakerState, error) {
	return cb.store.BreakerState(ctx)
}
