// Package worker defines the addressable backend abstraction the gateway
// dispatches to: live load/health counters, an inline circuit breaker, and
// the model/type/connection-mode metadata policies and dispatchers filter on.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Type is the worker's role in the serving topology.
type Type int

const (
	TypeRegular Type = iota
	TypePrefill
	TypeDecode
	TypePrePrefill
	TypePrePrefillDecode
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypePrefill:
		return "prefill"
	case TypeDecode:
		return "decode"
	case TypePrePrefill:
		return "pre_prefill"
	case TypePrePrefillDecode:
		return "pre_prefill_decode"
	default:
		return "unknown"
	}
}

// ConnectionMode is the wire protocol used to reach the worker.
type ConnectionMode int

const (
	ConnectionHTTP ConnectionMode = iota
	ConnectionGRPC
)

func (c ConnectionMode) String() string {
	if c == ConnectionGRPC {
		return "grpc"
	}
	return "http"
}

// RuntimeType identifies the inference engine family, used only to pick
// request/response shaping conventions upstream of this package.
type RuntimeType int

const (
	RuntimeSglangLike RuntimeType = iota
	RuntimeVllmLike
	RuntimeTrtllmLike
	RuntimeExternal
)

// ModelCard is the minimal model identity a worker advertises.
type ModelCard struct {
	ID      string
	Aliases []string
}

// Matches reports whether id refers to this model, directly or by alias.
func (m ModelCard) Matches(id string) bool {
	if m.ID == id {
		return true
	}
	for _, a := range m.Aliases {
		if a == id {
			return true
		}
	}
	return false
}

// Models encodes which models a worker serves: wildcard (any), a single
// model, or a fixed set. A dedicated type instead of a bare slice so that
// "accepts anything" is representable without a sentinel value.
type Models struct {
	wildcard bool
	cards    []ModelCard
}

// Wildcard returns a Models that accepts any model id.
func Wildcard() Models { return Models{wildcard: true} }

// NewModels builds a Models from an explicit list. An empty list is
// equivalent to Wildcard(), matching the wire convention that an absent
// models list means "serves anything".
func NewModels(cards ...ModelCard) Models {
	if len(cards) == 0 {
		return Wildcard()
	}
	return Models{cards: cards}
}

func (m Models) IsWildcard() bool { return m.wildcard }

// Primary returns the first advertised model, or "", false for a wildcard.
func (m Models) Primary() (ModelCard, bool) {
	if m.wildcard || len(m.cards) == 0 {
		return ModelCard{}, false
	}
	return m.cards[0], true
}

func (m Models) All() []ModelCard { return m.cards }

// Supports reports whether the worker can serve the given model id.
// Wildcard workers support everything.
func (m Models) Supports(id string) bool {
	if m.wildcard {
		return true
	}
	for _, c := range m.cards {
		if c.Matches(id) {
			return true
		}
	}
	return false
}

// HealthConfig is the resolved per-worker health-check policy (spec.md §6).
type HealthConfig struct {
	TimeoutSecs         uint64
	CheckIntervalSecs   uint64
	FailureThreshold    uint32
	SuccessThreshold    uint32
	DisableHealthCheck  bool
	HealthEndpoint      string
	MaxConnectAttempts  uint32
}

// DefaultHealthConfig matches spec.md §6's documented defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		TimeoutSecs:        30,
		CheckIntervalSecs:  60,
		FailureThreshold:   3,
		SuccessThreshold:   2,
		DisableHealthCheck: false,
		HealthEndpoint:     "/health",
		MaxConnectAttempts: 20,
	}
}

// GRPCClient is the subset of a backend gRPC client the worker needs to
// hold a single-initialization handle to. Defined here (not imported from
// grpcbackend) to avoid a dependency cycle; grpcbackend.Cell satisfies it.
type GRPCClient interface {
	Close() error
}

// Worker is an addressable backend. Identity fields (URL, Type,
// ConnectionMode, RuntimeType, DPRank/DPSize, BootstrapHost/Port) are set at
// construction and never mutated afterwards — only the atomic counters and
// the circuit breaker change after publication, which is what lets
// dispatchers hold a *Worker across await points without additional
// synchronization on the identity fields.
type Worker struct {
	ID       string
	URL      string // canonical address, includes "@rank" suffix for DP workers
	BaseURL  string // URL without the rank suffix

	Type           Type
	ConnectionMode ConnectionMode
	RuntimeType    RuntimeType
	Models         Models

	BootstrapHost string
	BootstrapPort *uint16

	DPRank *int
	DPSize *int

	// KVConnector/KVRole are opaque scheduling hints consumed only by PD
	// pair selection; this package does not define their vocabulary
	// (spec.md §9 open question).
	KVConnector string
	KVRole      string

	Priority int
	Cost     float32

	HealthConfig HealthConfig

	load                int64
	processed           int64
	healthy             atomic.Bool
	consecutiveFailures int64
	consecutiveSuccesses int64

	breaker *CircuitBreaker

	grpcOnce   sync.Once
	grpcClient GRPCClient
	grpcErr    error

	logger *zap.Logger
}

// Config groups the fields needed to construct a Worker.
type Config struct {
	ID             string
	URL            string
	BaseURL        string
	Type           Type
	ConnectionMode ConnectionMode
	RuntimeType    RuntimeType
	Models         Models
	BootstrapHost  string
	BootstrapPort  *uint16
	DPRank         *int
	DPSize         *int
	KVConnector    string
	KVRole         string
	Priority       int
	Cost           float32
	HealthConfig   HealthConfig
	Breaker        CircuitBreakerConfig
	Logger         *zap.Logger
}

// New constructs a Worker, healthy by default. Registry.Register does
// not probe it; its first probe runs once a HealthLoop schedules it.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cfg.URL
	}
	w := &Worker{
		ID:             cfg.ID,
		URL:            cfg.URL,
		BaseURL:        cfg.BaseURL,
		Type:           cfg.Type,
		ConnectionMode: cfg.ConnectionMode,
		RuntimeType:    cfg.RuntimeType,
		Models:         cfg.Models,
		BootstrapHost:  cfg.BootstrapHost,
		BootstrapPort:  cfg.BootstrapPort,
		DPRank:         cfg.DPRank,
		DPSize:         cfg.DPSize,
		KVConnector:    cfg.KVConnector,
		KVRole:         cfg.KVRole,
		Priority:       cfg.Priority,
		Cost:           cfg.Cost,
		HealthConfig:   cfg.HealthConfig,
		breaker:        NewCircuitBreaker(cfg.Breaker, logger),
		logger:         logger,
	}
	w.healthy.Store(true)
	return w
}

// Load returns the current number of outstanding requests.
func (w *Worker) Load() int64 { return atomic.LoadInt64(&w.load) }

// Processed returns the total number of requests this worker has served.
func (w *Worker) Processed() int64 { return atomic.LoadInt64(&w.processed) }

// IncrementLoad bumps the outstanding-request counter.
func (w *Worker) IncrementLoad() { atomic.AddInt64(&w.load, 1) }

// DecrementLoad decrements the outstanding-request counter, clamping at
// zero. Per spec.md §4.1 an underflow attempt is a bug, but must be logged
// rather than panicking since it happens on a response-body drop path
// where panicking would crash the serving goroutine.
func (w *Worker) DecrementLoad() {
	for {
		cur := atomic.LoadInt64(&w.load)
		if cur <= 0 {
			if cur < 0 {
				w.logger.Warn("worker load counter underflow", zap.String("worker", w.URL))
			}
			if atomic.CompareAndSwapInt64(&w.load, cur, 0) {
				return
			}
			continue
		}
		if atomic.CompareAndSwapInt64(&w.load, cur, cur-1) {
			return
		}
	}
}

// IncrementProcessed bumps the total-served counter.
func (w *Worker) IncrementProcessed() { atomic.AddInt64(&w.processed, 1) }

// IsHealthy reports the worker's last-known liveness bit.
func (w *Worker) IsHealthy() bool { return w.healthy.Load() }

// IsAvailable is spec.md §4.1's availability contract: healthy AND the
// circuit breaker permits execution.
func (w *Worker) IsAvailable() bool {
	return w.IsHealthy() && w.breaker.CanExecute()
}

// Breaker exposes the inline circuit breaker.
func (w *Worker) Breaker() *CircuitBreaker { return w.breaker }

// RecordOutcome forwards a single dispatch outcome to the circuit breaker.
// Per spec.md §4.1, the dispatcher calls this exactly once per completed
// attempt: client errors count as success for circuit purposes, server
// errors as failure.
func (w *Worker) RecordOutcome(success bool) {
	w.breaker.RecordOutcome(success)
}

// ApplyHealthProbe implements the health-check algorithm of spec.md §4.1
// step 3/4: reset the opposing counter, bump the matching one, and flip
// the health bit when its threshold is crossed. Returns a descriptive
// error when the probe flips the worker unhealthy.
func (w *Worker) ApplyHealthProbe(success bool) error {
	if success {
		atomic.StoreInt64(&w.consecutiveFailures, 0)
		successes := atomic.AddInt64(&w.consecutiveSuccesses, 1)
		if !w.IsHealthy() && successes >= int64(w.HealthConfig.SuccessThreshold) {
			w.healthy.Store(true)
			atomic.StoreInt64(&w.consecutiveSuccesses, 0)
			w.logger.Info("worker flipped healthy", zap.String("worker", w.URL))
		}
		return nil
	}

	atomic.StoreInt64(&w.consecutiveSuccesses, 0)
	failures := atomic.AddInt64(&w.consecutiveFailures, 1)
	if w.IsHealthy() && failures >= int64(w.HealthConfig.FailureThreshold) {
		w.healthy.Store(false)
		atomic.StoreInt64(&w.consecutiveFailures, 0)
		err := fmt.Errorf("worker %s flipped unhealthy after %d consecutive failures", w.URL, failures)
		w.logger.Warn(err.Error())
		return err
	}
	return nil
}

// SetHealthy forces the health bit, used by explicit deregistration paths
// and tests; the normal path is ApplyHealthProbe.
func (w *Worker) SetHealthy(v bool) { w.healthy.Store(v) }

// GRPCClientOnce returns the worker's single-initialization gRPC client
// handle, constructing it on first call via dial. Subsequent callers read
// the cached value lock-free (spec.md §5 "single-initialization cells").
func (w *Worker) GRPCClientOnce(dial func() (GRPCClient, error)) (GRPCClient, error) {
	w.grpcOnce.Do(func() {
		w.grpcClient, w.grpcErr = dial()
	})
	return w.grpcClient, w.grpcErr
}

// PrepareRequestBody implements spec.md §4.1's DP-aware rewrite: for a
// worker with a DP rank, insert "data_parallel_rank" into the JSON object.
// Non-object bodies are an InvalidConfiguration-class error.
func (w *Worker) PrepareRequestBody(body map[string]any) error {
	if w.DPRank == nil {
		return nil
	}
	if body == nil {
		return fmt.Errorf("data-parallel worker %s requires a JSON object request body", w.URL)
	}
	body["data_parallel_rank"] = *w.DPRank
	return nil
}
