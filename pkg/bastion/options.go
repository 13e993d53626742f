package bastion

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/store"
)

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithStore sets the backing store. Defaults to an in-process MemoryStore,
// which is fine for a single instance but shares nothing across replicas.
func WithStore(st store.Store) Option {
	return func(p *Pipeline) error {
		if st == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		p.st = st
		return nil
	}
}

// WithConfig sets the protection thresholds.
func WithConfig(cfg *Config) Option {
	return func(p *Pipeline) error {
		if cfg == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		p.cfg = cfg
		return nil
	}
}

// WithConfigFile loads protection thresholds from a YAML file.
func WithConfigFile(path string) Option {
	return func(p *Pipeline) error {
		cfg, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		p.cfg = cfg
		return nil
	}
}

// WithSecret sets the fingerprint signing secret. Without it the signing
// endpoint is unavailable and signature checks are skipped.
func WithSecret(secret string) Option {
	return func(p *Pipeline) error {
		p.secret = secret
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) error {
		p.log = log
		return nil
	}
}

// WithMetrics sets the metrics sink. Defaults to a no-op.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) error {
		if m == nil {
			return fmt.Errorf("%w: metrics cannot be nil", ErrInvalidConfig)
		}
		p.metrics = m
		return nil
	}
}

// WithClock overrides the time source for every layer. Tests only.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) error {
		p.clock = now
		return nil
	}
}

// NewPipeline assembles the protection pipeline from its options.
func NewPipeline(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     NewConfig(),
		log:     zerolog.Nop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.st == nil {
		p.st = store.NewMemoryStore()
	}

	counter := NewShardedCounter(p.st, p.cfg.Shards, p.cfg.CounterTTL.Std())
	p.limiter = NewRateLimiter(counter, p.cfg, p.log)
	p.breaker = NewCircuitBreaker(p.st, p.cfg.StrikeLimit, p.log)
	p.penalties = NewPenaltyTracker(p.st, p.st, p.cfg.Penalty, p.log)
	p.patterns = NewPatternDetector(p.cfg.Patterns)
	p.signer = NewSigner(p.secret, p.cfg.SignatureMaxAge.Std())
	p.events = eventRecorder{sink: p.st, log: p.log}

	if p.clock != nil {
		p.limiter.now = p.clock
		p.signer.now = p.clock
		p.penalties.SetClock(p.clock)
		p.patterns.SetClock(p.clock)
	}
	return p, nil
}

// Config returns the active configuration.
func (p *Pipeline) Config() *Config { return p.cfg }

// Signer returns the fingerprint signer.
func (p *Pipeline) Signer() *Signer { return p.signer }

// Breaker returns the circuit breaker.
func (p *Pipeline) Breaker() *CircuitBreaker { return p.breaker }

// Penalties returns the penalty tracker.
func (p *Pipeline) Penalties() *PenaltyTracker { return p.penalties }

// Store returns the backing store.
func (p *Pipeline) Store() store.Store { return p.st }
