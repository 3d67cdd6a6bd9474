// Package gwconfig defines the gateway's typed configuration tree
// (spec.md §6) and the YAML-plus-env-override loader that populates it,
// adapted from the teacher's config.Config/config.Loader pair.
package gwconfig

import "time"

// RoutingMode selects between single-pool regular dispatch and
// prefill/decode disaggregated dispatch (spec.md §4.6/§4.7).
type RoutingMode string

const (
	RoutingModeRegular       RoutingMode = "regular"
	RoutingModePrefillDecode RoutingMode = "prefill_decode"
)

// PolicyKind names one of the pluggable load-balancing policies
// (spec.md §4.1-§4.5).
type PolicyKind string

const (
	PolicyRoundRobin     PolicyKind = "round_robin"
	PolicyRandom         PolicyKind = "random"
	PolicyShortestQueue  PolicyKind = "shortest_queue"
	PolicyPowerOfTwo     PolicyKind = "power_of_two"
	PolicyConsistentHash PolicyKind = "consistent_hash"
	PolicyCacheAware     PolicyKind = "cache_aware"
	PolicyPrefixHash     PolicyKind = "prefix_hash"
)

// Config is the gateway's complete configuration structure.
type Config struct {
	// RoutingMode picks regular or prefill/decode dispatch.
	RoutingMode RoutingMode `yaml:"routing_mode" env:"ROUTING_MODE"`

	// Policy names the default load-balancing policy for regular
	// dispatch (and for the PD dispatcher's prefill/decode pools when
	// PrefillDecode.PrefillPolicy/DecodePolicy are left empty).
	Policy PolicyKind `yaml:"policy" env:"POLICY"`

	// PrefillDecode configures PD-topology dispatch. Only consulted
	// when RoutingMode is RoutingModePrefillDecode.
	PrefillDecode PrefillDecodeConfig `yaml:"prefill_decode" env:"PD"`

	// CacheAware tunes the cache-aware policy, whether it is selected
	// as the regular-dispatch Policy or as a PD pool policy.
	CacheAware CacheAwareConfig `yaml:"cache_aware" env:"CACHE_AWARE"`

	// Health configures the worker registry's health-check loop.
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Retry configures the dispatcher's re-selection backoff.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// CircuitBreaker configures per-worker failure tripping.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// EnableIGW gates model-id filtering of candidate workers: when
	// false, the dispatchers ignore a request's model id while filtering
	// candidates.
	EnableIGW bool `yaml:"enable_igw" env:"ENABLE_IGW"`
}

// PrefillTarget names one prefill-pool worker along with the bootstrap
// port it advertises for the decode leg to connect back to. BootstrapPort
// is a pointer so an omitted value in YAML is distinguishable from an
// explicit 0 (spec.md §4.7's dual-dispatch bootstrap metadata).
type PrefillTarget struct {
	URL           string  `yaml:"url" env:"URL"`
	BootstrapPort *uint16 `yaml:"bootstrap_port" env:"BOOTSTRAP_PORT"`
}

// PrefillDecodeConfig is spec.md §6's prefill_decode routing-mode block.
type PrefillDecodeConfig struct {
	PrefillURLs []PrefillTarget `yaml:"prefill_urls"`
	DecodeURLs  []string        `yaml:"decode_urls"`

	// PrefillPolicy/DecodePolicy override Config.Policy for each pool
	// independently; left empty, the pool falls back to Config.Policy.
	PrefillPolicy PolicyKind `yaml:"prefill_policy" env:"PREFILL_POLICY"`
	DecodePolicy  PolicyKind `yaml:"decode_policy" env:"DECODE_POLICY"`

	// PrePrefillURLs/PrePrefillDecodeURLs name the pool used for the
	// "cold request" fast path (spec.md §4.7 step 2): a pre-prefill
	// worker serves as the prefill leg of the dual dispatch, paired with
	// a pre-prefill-decode worker when one is available.
	PrePrefillURLs       []string `yaml:"pre_prefill_urls"`
	PrePrefillDecodeURLs []string `yaml:"pre_prefill_decode_urls"`

	// PrePrefillMatchThreshold/PrePrefillUnmatchedCharsThreshold/
	// PrePrefillMinTokens gate the cold-request heuristic: a request
	// routes through pre-prefill only when its prefix-cache match rate
	// is below the threshold, its unmatched character count is at or
	// above the threshold, and its total length is at or above the
	// minimum (spec.md §4.7 step 2).
	PrePrefillMatchThreshold          float32 `yaml:"pre_prefill_match_threshold" env:"PRE_PREFILL_MATCH_THRESHOLD"`
	PrePrefillUnmatchedCharsThreshold int     `yaml:"pre_prefill_unmatched_chars_threshold" env:"PRE_PREFILL_UNMATCHED_CHARS_THRESHOLD"`
	PrePrefillMinTokens               int     `yaml:"pre_prefill_min_tokens" env:"PRE_PREFILL_MIN_TOKENS"`
}

// CacheAwareConfig mirrors policy.CacheAwareConfig's fields plus the
// eviction-loop cadence, which lives here rather than in the policy
// package since it is an operational schedule, not a selection
// parameter (spec.md §4.4 "background maintenance").
type CacheAwareConfig struct {
	CacheThreshold      float32 `yaml:"cache_threshold" env:"CACHE_THRESHOLD"`
	BalanceAbsThreshold int64   `yaml:"balance_abs_threshold" env:"BALANCE_ABS_THRESHOLD"`
	BalanceRelThreshold float32 `yaml:"balance_rel_threshold" env:"BALANCE_REL_THRESHOLD"`
	MaxTreeSize         int64   `yaml:"max_tree_size" env:"MAX_TREE_SIZE"`
	EvictionIntervalSecs uint64 `yaml:"eviction_interval_secs" env:"EVICTION_INTERVAL_SECS"`
}

// HealthConfig mirrors worker.HealthConfig's fields for configuration
// purposes, as a separate type that keeps gwconfig free of a dependency
// on gateway/worker; nothing in gwconfig converts it into a
// worker.HealthConfig.
type HealthConfig struct {
	TimeoutSecs        uint64 `yaml:"timeout_secs" env:"TIMEOUT_SECS"`
	CheckIntervalSecs  uint64 `yaml:"check_interval_secs" env:"CHECK_INTERVAL_SECS"`
	FailureThreshold   uint32 `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold   uint32 `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	DisableHealthCheck bool   `yaml:"disable_health_check" env:"DISABLE_HEALTH_CHECK"`
	HealthEndpoint     string `yaml:"health_endpoint" env:"HEALTH_ENDPOINT"`
	MaxConnectAttempts uint32 `yaml:"max_connect_attempts" env:"MAX_CONNECT_ATTEMPTS"`
}

// RetryConfig mirrors dispatch.RetryPolicy's fields.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxDelay     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter       bool          `yaml:"jitter" env:"JITTER"`
}

// CircuitBreakerConfig mirrors worker.CircuitBreakerConfig's fields.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	WindowDuration   time.Duration `yaml:"window_duration" env:"WINDOW_DURATION"`
	TimeoutDuration  time.Duration `yaml:"timeout_duration" env:"TIMEOUT_DURATION"`
}

// DefaultConfig returns the gateway's documented defaults (spec.md §6),
// matching worker.DefaultHealthConfig, dispatch.DefaultRetryPolicy,
// worker.DefaultCircuitBreakerConfig, and policy.DefaultCacheAwareConfig
// field-for-field so gwconfig.Load()'s zero-override result produces the
// same runtime behavior as constructing those packages' own defaults
// directly.
func DefaultConfig() *Config {
	return &Config{
		RoutingMode: RoutingModeRegular,
		Policy:      PolicyCacheAware,
		PrefillDecode: PrefillDecodeConfig{
			PrePrefillMatchThreshold:          0.5,
			PrePrefillUnmatchedCharsThreshold: 256,
			PrePrefillMinTokens:               256,
		},
		CacheAware: CacheAwareConfig{
			CacheThreshold:       0.5,
			BalanceAbsThreshold:  32,
			BalanceRelThreshold:  1.5,
			MaxTreeSize:          1 << 20,
			EvictionIntervalSecs: 60,
		},
		Health: HealthConfig{
			TimeoutSecs:        30,
			CheckIntervalSecs:  60,
			FailureThreshold:   3,
			SuccessThreshold:   2,
			DisableHealthCheck: false,
			HealthEndpoint:     "/health",
			MaxConnectAttempts: 20,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			WindowDuration:   30 * time.Second,
			TimeoutDuration:  30 * time.Second,
		},
		EnableIGW: false,
	}
}
