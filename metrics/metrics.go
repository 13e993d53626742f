// Package metrics exposes pipeline observations as Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the pipeline's Metrics interface over Prometheus
// collectors.
type Recorder struct {
	decisions *prometheus.CounterVec
	strikes   prometheus.Counter
	strikeNum prometheus.Gauge
	lockdown  prometheus.Gauge
	bans      *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg. Pass
// prometheus.DefaultRegisterer for the standard /metrics endpoint.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "requests_total",
			Help:      "Pipeline decisions by rejection reason and outcome.",
		}, []string{"reason", "outcome"}),
		strikes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "breaker_strikes_total",
			Help:      "Circuit breaker strikes recorded.",
		}),
		strikeNum: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion",
			Name:      "breaker_strike_count",
			Help:      "Current circuit breaker strike count.",
		}),
		lockdown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion",
			Name:      "breaker_locked",
			Help:      "Whether the circuit breaker is in lockdown (1) or not (0).",
		}),
		bans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "bans_total",
			Help:      "Penalty ladder bans applied by tier.",
		}, []string{"tier"}),
	}
}

func (r *Recorder) ObserveDecision(reason string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	r.decisions.WithLabelValues(reason, outcome).Inc()
}

func (r *Recorder) ObserveStrike(strikes int64) {
	r.strikes.Inc()
	r.strikeNum.Set(float64(strikes))
}

func (r *Recorder) ObserveLockdown(locked bool) {
	if locked {
		r.lockdown.Set(1)
		return
	}
	r.lockdown.Set(0)
	r.strikeNum.Set(0)
}

func (r *Recorder) ObserveBan(tier string) {
	r.bans.WithLabelValues(tier).Inc()
}
