package bastion

import (
	"context"
	"strconv"

	"github.com/wavecrest/bastion/store"
)

// SystemStatus is the operational snapshot served to monitoring.
type SystemStatus struct {
	Status     string             `json:"status"`
	Breaker    store.BreakerState `json:"circuit_breaker"`
	Thresholds StatusThresholds   `json:"thresholds"`
}

// StatusThresholds echoes the active limits so dashboards don't need the
// deployment config.
type StatusThresholds struct {
	GlobalPerMinute   int `json:"global_per_minute"`
	EndpointPerMinute int `json:"endpoint_per_minute"`
	IPPerMinute       int `json:"ip_per_minute"`
	StrikeLimit       int `json:"strike_limit"`
}

// Status reports the breaker state and active thresholds. A store failure
// degrades to an "unknown" status rather than an error: monitoring must
// work during the exact outages it exists to observe.
func (p *Pipeline) Status(ctx context.Context) SystemStatus {
	st := SystemStatus{
		Status: "operational",
		Thresholds: StatusThresholds{
			GlobalPerMinute:   p.cfg.GlobalLimitPerMinute,
			EndpointPerMinute: p.cfg.EndpointLimitPerMinute,
			IPPerMinute:       p.cfg.IPLimitPerMinute,
			StrikeLimit:       p.cfg.StrikeLimit,
		},
	}
	state, err := p.breaker.State(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("breaker state read failed for status")
		st.Status = "unknown"
		return st
	}
	st.Breaker = state
	if state.LockedDown {
		st.Status = "lockdown"
	}
	return st
}

// Restore is the administrative recovery path: it zeroes the strike
// count, clears the lockdown flag and purges all rate limit counters so
// traffic resumes against a clean slate. Returns the number of counter
// shards removed.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if err := p.breaker.Reset(ctx); err != nil {
		return 0, err
	}
	purged, err := p.st.PurgeCounters(ctx)
	if err != nil {
		// The breaker is already reset; report the partial failure but
		// leave the system unlocked.
		p.log.Error().Err(err).Msg("counter purge failed during restore")
		return 0, err
	}
	p.metrics.ObserveLockdown(false)
	p.events.record(ctx, EventSystemRestore, "", "", map[string]string{
		"purged_counters": strconv.Itoa(purged),
	})
	p.log.Info().Int("purged_counters", purged).Msg("system restored")
	return purged, nil
}
