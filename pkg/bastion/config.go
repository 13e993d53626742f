package bastion

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" or "24h" parse.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("%w: duration must be a string like \"30s\"", ErrInvalidConfig)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q", ErrInvalidConfig, raw)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the protection thresholds for every pipeline layer.
// Defaults mirror production tuning; override per deployment via YAML.
type Config struct {
	// Shards is the number of fixed counter shard slots per (scope, window).
	// Sharding exists purely to spread write contention; it does not change
	// counting semantics.
	Shards int `yaml:"shards"`

	// CounterTTL is how long counter shards live before the store expires
	// them. Must comfortably exceed the one-minute window.
	CounterTTL Duration `yaml:"counter_ttl"`

	// IPLimitPerMinute is the per-IP request ceiling (hashed IPs).
	// Generous to handle shared IPs (offices, VPNs). Fails open on store
	// errors.
	IPLimitPerMinute int `yaml:"ip_limit_per_minute"`

	// EndpointLimitPerMinute is the per-endpoint ceiling. Breaches are
	// capacity rejections, never strikes.
	EndpointLimitPerMinute int `yaml:"endpoint_limit_per_minute"`

	// GlobalLimitPerMinute is the all-endpoints ceiling. Breaches record a
	// circuit-breaker strike.
	GlobalLimitPerMinute int `yaml:"global_limit_per_minute"`

	// StrikeLimit is the number of global breaches before hard lockdown.
	StrikeLimit int `yaml:"strike_limit"`

	// SignatureMaxAge bounds fingerprint signature replay.
	SignatureMaxAge Duration `yaml:"signature_max_age"`

	// ExemptPaths are never subject to protection checks.
	ExemptPaths []string `yaml:"exempt_paths,omitempty"`

	Penalty  PenaltyConfig `yaml:"penalty"`
	Patterns PatternConfig `yaml:"patterns"`
}

// PenaltyConfig tunes the 3-strike ban ladder.
type PenaltyConfig struct {
	// StrikeOneThreshold breaches within StrikeOneWindow apply a
	// StrikeOneDuration ban. There is no soft-throttle phase before it:
	// soft throttling alone does not deter scripted abuse.
	StrikeOneThreshold int      `yaml:"strike_one_threshold"`
	StrikeOneWindow    Duration `yaml:"strike_one_window"`
	StrikeOneDuration  Duration `yaml:"strike_one_duration"`

	// StrikeTwoThreshold additional breaches within StrikeTwoWindow while
	// under a strike-1 ban escalate to a StrikeTwoDuration ban.
	StrikeTwoThreshold int      `yaml:"strike_two_threshold"`
	StrikeTwoWindow    Duration `yaml:"strike_two_window"`
	StrikeTwoDuration  Duration `yaml:"strike_two_duration"`

	// StrikeThreeThreshold strike-2 bans within StrikeThreeWindow
	// quarantine the identity permanently.
	StrikeThreeThreshold int      `yaml:"strike_three_threshold"`
	StrikeThreeWindow    Duration `yaml:"strike_three_window"`
}

// PatternConfig tunes the heuristic abuse detectors.
type PatternConfig struct {
	// InjectionThreshold / InjectionThresholdAnon are prompt-injection hits
	// per InjectionWindow before a strike-1-equivalent ban, for
	// authenticated and fingerprint-only identities respectively.
	InjectionThreshold     int      `yaml:"injection_threshold"`
	InjectionThresholdAnon int      `yaml:"injection_threshold_anon"`
	InjectionWindow        Duration `yaml:"injection_window"`

	// DoSThreshold / DoSThresholdAnon are raw requests per DoSWindow.
	DoSThreshold     int      `yaml:"dos_threshold"`
	DoSThresholdAnon int      `yaml:"dos_threshold_anon"`
	DoSWindow        Duration `yaml:"dos_window"`
}

// NewConfig creates a Config with production defaults.
func NewConfig() *Config {
	return &Config{
		Shards:                 10,
		CounterTTL:             Duration(5 * time.Minute),
		IPLimitPerMinute:       100,
		EndpointLimitPerMinute: 20,
		GlobalLimitPerMinute:   200,
		StrikeLimit:            3,
		SignatureMaxAge:        Duration(2 * time.Minute),
		ExemptPaths: []string{
			"/admin/restore_system",
			"/system_status",
			"/wakeup",
			"/health",
			"/sign-fingerprint",
		},
		Penalty: PenaltyConfig{
			StrikeOneThreshold:   8,
			StrikeOneWindow:      Duration(2 * time.Minute),
			StrikeOneDuration:    Duration(time.Hour),
			StrikeTwoThreshold:   2,
			StrikeTwoWindow:      Duration(5 * time.Minute),
			StrikeTwoDuration:    Duration(24 * time.Hour),
			StrikeThreeThreshold: 2,
			StrikeThreeWindow:    Duration(24 * time.Hour),
		},
		Patterns: PatternConfig{
			InjectionThreshold:     10,
			InjectionThresholdAnon: 5,
			InjectionWindow:        Duration(time.Hour),
			DoSThreshold:           20,
			DoSThresholdAnon:       30,
			DoSWindow:              Duration(time.Minute),
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file. Fields absent
// from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Shards <= 0 {
		return fmt.Errorf("%w: shards must be positive", ErrInvalidConfig)
	}
	if c.CounterTTL.Std() < time.Minute {
		return fmt.Errorf("%w: counter_ttl must be at least one window", ErrInvalidConfig)
	}
	for name, v := range map[string]int{
		"ip_limit_per_minute":       c.IPLimitPerMinute,
		"endpoint_limit_per_minute": c.EndpointLimitPerMinute,
		"global_limit_per_minute":   c.GlobalLimitPerMinute,
		"strike_limit":              c.StrikeLimit,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.SignatureMaxAge <= 0 {
		return fmt.Errorf("%w: signature_max_age must be positive", ErrInvalidConfig)
	}
	if err := c.Penalty.validate(); err != nil {
		return err
	}
	return c.Patterns.validate()
}

func (p *PenaltyConfig) validate() error {
	for name, v := range map[string]int{
		"strike_one_threshold":   p.StrikeOneThreshold,
		"strike_two_threshold":   p.StrikeTwoThreshold,
		"strike_three_threshold": p.StrikeThreeThreshold,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	for name, v := range map[string]Duration{
		"strike_one_window":   p.StrikeOneWindow,
		"strike_one_duration": p.StrikeOneDuration,
		"strike_two_window":   p.StrikeTwoWindow,
		"strike_two_duration": p.StrikeTwoDuration,
		"strike_three_window": p.StrikeThreeWindow,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	return nil
}

func (p *PatternConfig) validate() error {
	for name, v := range map[string]int{
		"injection_threshold":      p.InjectionThreshold,
		"injection_threshold_anon": p.InjectionThresholdAnon,
		"dos_threshold":            p.DoSThreshold,
		"dos_threshold_anon":       p.DoSThresholdAnon,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if p.InjectionWindow <= 0 || p.DoSWindow <= 0 {
		return fmt.Errorf("%w: pattern windows must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsExempt reports whether path bypasses the protection pipeline.
func (c *Config) IsExempt(path string) bool {
	for _, p := range c.ExemptPaths {
		if p == path {
			return true
		}
	}
	return false
}
