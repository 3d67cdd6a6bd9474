// Package policy implements the pluggable load-balancing strategies the
// dispatcher consults to pick a worker for a request, and the registry
// that maps routing mode / model id to the active strategy instance.
package policy

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/gateway/worker"
)

// SelectInfo is the outcome of a selection: the chosen worker plus
// whatever the policy wants logged about why.
type SelectInfo struct {
	Worker      *worker.Worker
	MatchedText string // cache-aware policies report the matched prefix text, else ""
	CacheHit    bool
}

// Request is the subset of an inbound request a policy needs to select a
// worker: a stable routing key (session/request id, used by
// consistent-hash and cache-aware policies) plus optional raw text and
// pre-tokenized form for prefix matching.
type Request struct {
	Key    string
	Text   string
	Tokens []int32
}

// LoadBalancingPolicy selects one worker from candidates for req, or
// returns ok=false if candidates is empty. Implementations must be safe
// for concurrent use; Select is called from every dispatching goroutine.
type LoadBalancingPolicy interface {
	Name() string
	Select(candidates []*worker.Worker, req Request) (SelectInfo, bool)
}

// RoundRobinPolicy cycles through candidates in the order given, using a
// shared atomic counter so concurrent selections don't collide on one
// index.
type RoundRobinPolicy struct {
	counter uint64
}

func NewRoundRobinPolicy() *RoundRobinPolicy { return &RoundRobinPolicy{} }

func (p *RoundRobinPolicy) Name() string { return "round_robin" }

func (p *RoundRobinPolicy) Select(candidates []*worker.Worker, _ Request) (SelectInfo, bool) {
	if len(candidates) == 0 {
		return SelectInfo{}, false
	}
	n := atomic.AddUint64(&p.counter, 1)
	idx := int(n-1) % len(candidates)
	return SelectInfo{Worker: candidates[idx]}, true
}

// RandomPolicy picks uniformly at random among candidates.
type RandomPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rnd: rand.New(rand.NewSource(seed))}
}

func (p *RandomPolicy) Name() string { return "random" }

func (p *RandomPolicy) Select(candidates []*worker.Worker, _ Request) (SelectInfo, bool) {
	if len(candidates) == 0 {
		return SelectInfo{}, false
	}
	p.mu.Lock()
	idx := p.rnd.Intn(len(candidates))
	p.mu.Unlock()
	return SelectInfo{Worker: candidates[idx]}, true
}

// ShortestQueuePolicy picks the candidate with the lowest current load,
// breaking ties by lower Worker.Cost then by position in candidates.
type ShortestQueuePolicy struct{}

func NewShortestQueuePolicy() *ShortestQueuePolicy { return &ShortestQueuePolicy{} }

func (p *ShortestQueuePolicy) Name() string { return "shortest_queue" }

func (p *ShortestQueuePolicy) Select(candidates []*worker.Worker, _ Request) (SelectInfo, bool) {
	best := shortestQueueOf(candidates)
	if best == nil {
		return SelectInfo{}, false
	}
	return SelectInfo{Worker: best}, true
}

func randomOf(candidates []*worker.Worker) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func shortestQueueOf(candidates []*worker.Worker) *worker.Worker {
	var best *worker.Worker
	var bestLoad int64
	for _, w := range candidates {
		load := w.Load()
		if best == nil || load < bestLoad || (load == bestLoad && w.Cost < best.Cost) {
			best = w
			bestLoad = load
		}
	}
	return best
}

// PowerOfTwoChoicesPolicy samples two random candidates and picks the one
// with lower load, trading a little selection quality for O(1) work
// instead of scanning every candidate.
type PowerOfTwoChoicesPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewPowerOfTwoChoicesPolicy(seed int64) *PowerOfTwoChoicesPolicy {
	return &PowerOfTwoChoicesPolicy{rnd: rand.New(rand.NewSource(seed))}
}

func (p *PowerOfTwoChoicesPolicy) Name() string { return "power_of_two_choices" }

func (p *PowerOfTwoChoicesPolicy) Select(candidates []*worker.Worker, _ Request) (SelectInfo, bool) {
	n := len(candidates)
	if n == 0 {
		return SelectInfo{}, false
	}
	if n == 1 {
		return SelectInfo{Worker: candidates[0]}, true
	}
	p.mu.Lock()
	i := p.rnd.Intn(n)
	j := p.rnd.Intn(n - 1)
	p.mu.Unlock()
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]
	if a.Load() <= b.Load() {
		return SelectInfo{Worker: a}, true
	}
	return SelectInfo{Worker: b}, true
}

// ConsistentHashPolicy routes by req.Key through the registry's cached
// hash ring, so repeated requests from the same session land on the same
// worker as long as the candidate set is stable.
type ConsistentHashPolicy struct {
	registry *worker.Registry
	modelID  string
}

func NewConsistentHashPolicy(registry *worker.Registry, modelID string) *ConsistentHashPolicy {
	return &ConsistentHashPolicy{registry: registry, modelID: modelID}
}

func (p *ConsistentHashPolicy) Name() string { return "consistent_hash" }

func (p *ConsistentHashPolicy) Select(candidates []*worker.Worker, req Request) (SelectInfo, bool) {
	if len(candidates) == 0 {
		return SelectInfo{}, false
	}
	if req.Key == "" {
		return NewRandomPolicy(0).Select(candidates, req)
	}
	ring := p.registry.HashRing(p.modelID)
	url := ring.Lookup(req.Key)
	for _, w := range candidates {
		if w.URL == url {
			return SelectInfo{Worker: w}, true
		}
	}
	// The ring's chosen URL isn't in this candidate set (e.g. filtered by
	// model support) — fall back to shortest queue among candidates.
	if best := shortestQueueOf(candidates); best != nil {
		return SelectInfo{Worker: best}, true
	}
	return SelectInfo{}, false
}

// Registry maps a routing mode name (or a per-model override) to the
// active LoadBalancingPolicy instance. Readers take a snapshot reference
// under a read lock and never hold the lock across Select, matching
// spec.md §4.3's copy-on-write concurrency note: updates build a new map
// and swap it in rather than mutating in place.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	def      LoadBalancingPolicy
	byModel  map[string]LoadBalancingPolicy
}

// NewRegistry constructs a policy registry with def as the fallback
// policy used when no per-model override exists.
func NewRegistry(def LoadBalancingPolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if def == nil {
		def = NewRoundRobinPolicy()
	}
	return &Registry{logger: logger, def: def, byModel: make(map[string]LoadBalancingPolicy)}
}

// SetDefault atomically replaces the fallback policy.
func (r *Registry) SetDefault(p LoadBalancingPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = p
	r.logger.Info("default load balancing policy changed", zap.String("policy", p.Name()))
}

// SetForModel installs a per-model policy override, copy-on-write: builds
// a new map rather than mutating the old one so concurrent readers never
// observe a partially-updated map.
func (r *Registry) SetForModel(modelID string, p LoadBalancingPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]LoadBalancingPolicy, len(r.byModel)+1)
	for k, v := range r.byModel {
		next[k] = v
	}
	next[modelID] = p
	r.byModel = next
	r.logger.Info("per-model load balancing policy set", zap.String("model", modelID), zap.String("policy", p.Name()))
}

// For returns the active policy for modelID: a per-model override if one
// exists, otherwise the default.
func (r *Registry) For(modelID string) LoadBalancingPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byModel[modelID]; ok {
		return p
	}
	return r.def
}
