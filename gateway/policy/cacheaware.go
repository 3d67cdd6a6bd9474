package policy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/gateway/worker"
)

// CacheAwareConfig configures the balance/cache-affinity tradeoff
// (spec.md §4.4).
type CacheAwareConfig struct {
	CacheThreshold       float32
	BalanceAbsThreshold  int64
	BalanceRelThreshold  float32
	MaxTreeSize          int64
}

// DefaultCacheAwareConfig mirrors the original router's documented
// defaults.
func DefaultCacheAwareConfig() CacheAwareConfig {
	return CacheAwareConfig{
		CacheThreshold:      0.5,
		BalanceAbsThreshold: 32,
		BalanceRelThreshold: 1.5,
		MaxTreeSize:         1 << 20,
	}
}

// CacheAwarePolicy routes by prefix-cache affinity when load is balanced
// across candidates, and falls back to shortest-queue routing when it
// isn't. It keeps one string tree and one token tree per model so HTTP
// and gRPC candidates each match against the representation they arrived
// in (spec.md §4.4/§4.5).
type CacheAwarePolicy struct {
	cfg    CacheAwareConfig
	logger *zap.Logger

	mu          sync.RWMutex
	stringTrees map[string]*Tree
	tokenTrees  map[string]*TokenTree
}

func NewCacheAwarePolicy(cfg CacheAwareConfig, logger *zap.Logger) *CacheAwarePolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheAwarePolicy{
		cfg:         cfg,
		logger:      logger,
		stringTrees: make(map[string]*Tree),
		tokenTrees:  make(map[string]*TokenTree),
	}
}

func (p *CacheAwarePolicy) Name() string { return "cache_aware" }

func (p *CacheAwarePolicy) stringTreeFor(modelID string) *Tree {
	p.mu.RLock()
	t, ok := p.stringTrees[modelID]
	p.mu.RUnlock()
	if ok {
		return t
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.stringTrees[modelID]; ok {
		return t
	}
	t = NewTree()
	p.stringTrees[modelID] = t
	return t
}

func (p *CacheAwarePolicy) tokenTreeFor(modelID string) *TokenTree {
	p.mu.RLock()
	t, ok := p.tokenTrees[modelID]
	p.mu.RUnlock()
	if ok {
		return t
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tokenTrees[modelID]; ok {
		return t
	}
	t = NewTokenTree()
	p.tokenTrees[modelID] = t
	return t
}

// Select implements spec.md §4.4's algorithm: detect imbalance across
// candidates first; if imbalanced, use shortest queue; otherwise route by
// cache affinity (token tree for pre-tokenized requests, string tree
// otherwise), inserting the routed request into the tree either way.
func (p *CacheAwarePolicy) Select(candidates []*worker.Worker, req Request) (SelectInfo, bool) {
	if len(candidates) == 0 {
		return SelectInfo{}, false
	}

	modelID := ModelKeyOf(candidates[0])

	var minLoad, maxLoad int64 = candidates[0].Load(), candidates[0].Load()
	for _, w := range candidates[1:] {
		l := w.Load()
		if l < minLoad {
			minLoad = l
		}
		if l > maxLoad {
			maxLoad = l
		}
	}

	diff := maxLoad - minLoad
	imbalanced := diff > p.cfg.BalanceAbsThreshold && float32(maxLoad) > float32(minLoad)*p.cfg.BalanceRelThreshold
	if imbalanced {
		best := shortestQueueOf(candidates)
		if best == nil {
			return SelectInfo{}, false
		}
		if len(req.Tokens) > 0 {
			p.tokenTreeFor(modelID).InsertTokens(req.Tokens, best.URL)
		} else {
			p.stringTreeFor(modelID).InsertText(req.Text, best.URL)
		}
		best.IncrementProcessed()
		return SelectInfo{Worker: best}, true
	}

	if len(req.Tokens) > 0 {
		return p.selectWithTokens(candidates, req.Tokens, modelID)
	}
	return p.selectWithText(candidates, req.Text, modelID)
}

// ModelKeyOf derives the tree-index key for a candidate set from its
// first worker. The dispatcher always pre-filters candidates to a single
// model before calling Select, so any candidate's model id identifies
// the whole set; a wildcard worker falls back to a shared "*" tree.
// Exported so other packages deriving the same per-model key (e.g.
// gateway/mesh's SyncedCacheAwarePolicy) don't reimplement it.
func ModelKeyOf(w *worker.Worker) string {
	if w.Models.IsWildcard() {
		return "*"
	}
	if card, ok := w.Models.Primary(); ok {
		return card.ID
	}
	return "*"
}

func (p *CacheAwarePolicy) selectWithText(candidates []*worker.Worker, text, modelID string) (SelectInfo, bool) {
	tree := p.stringTreeFor(modelID)
	bootstrap := tree.Size() == 0
	result := tree.MatchPrefixWithCounts(text)

	var chosen *worker.Worker
	cacheHit := false
	switch {
	case bootstrap:
		// No prefix data recorded yet for this model: pick uniformly at
		// random rather than funneling the first wave of traffic onto
		// whichever worker argmin(load) happens to favor.
		chosen = randomOf(candidates)
	case result.MatchRate() > p.cfg.CacheThreshold:
		chosen = findByURL(candidates, result.Tenant)
		cacheHit = chosen != nil
		if chosen == nil {
			chosen = shortestQueueOf(candidates)
		}
	default:
		chosen = shortestQueueOf(candidates)
	}
	if chosen == nil {
		return SelectInfo{}, false
	}

	tree.InsertText(text, chosen.URL)
	chosen.IncrementProcessed()
	return SelectInfo{Worker: chosen, MatchedText: string([]rune(text)[:result.MatchedCount]), CacheHit: cacheHit}, true
}

func (p *CacheAwarePolicy) selectWithTokens(candidates []*worker.Worker, tokens []int32, modelID string) (SelectInfo, bool) {
	tree := p.tokenTreeFor(modelID)
	bootstrap := tree.Size() == 0
	result := tree.MatchPrefixWithCounts(tokens)

	var chosen *worker.Worker
	cacheHit := false
	switch {
	case bootstrap:
		chosen = randomOf(candidates)
	case result.MatchRate() > p.cfg.CacheThreshold:
		chosen = findByURL(candidates, result.Tenant)
		cacheHit = chosen != nil
		if chosen == nil {
			chosen = shortestQueueOf(candidates)
		}
	default:
		chosen = shortestQueueOf(candidates)
	}
	if chosen == nil {
		return SelectInfo{}, false
	}

	tree.InsertTokens(tokens, chosen.URL)
	chosen.IncrementProcessed()
	return SelectInfo{Worker: chosen, CacheHit: cacheHit}, true
}

// PrefixStats reports the prefix-cache match rate and character counts
// for text against modelID's tree without performing a selection or
// inserting anything — used by the PD dispatcher's pre-prefill
// "cold request" heuristic (spec.md §4.7 step 2), which needs the match
// rate of a cache-aware *prefill* policy without running its own Select.
func (p *CacheAwarePolicy) PrefixStats(modelID, text string) (matchRate float32, unmatchedChars, totalChars int) {
	tree := p.stringTreeFor(modelID)
	result := tree.MatchPrefixWithCounts(text)
	return result.MatchRate(), result.InputCount - result.MatchedCount, result.InputCount
}

// ApplyRemoteInsert folds a prefix-tree insert announced by a peer
// gateway replica into this model's string tree, without performing a
// selection. Used by gateway/mesh to propagate cache-affinity routing
// decisions across replicas (spec.md §6 "Persisted state").
func (p *CacheAwarePolicy) ApplyRemoteInsert(modelID, text, tenant string) {
	p.stringTreeFor(modelID).InsertText(text, tenant)
}

// ApplyRemoteTokenInsert is ApplyRemoteInsert for pre-tokenized requests.
func (p *CacheAwarePolicy) ApplyRemoteTokenInsert(modelID string, tokens []int32, tenant string) {
	p.tokenTreeFor(modelID).InsertTokens(tokens, tenant)
}

// TreeSizes reports each tracked model's string-tree entry count, for
// cross-replica state reporting (gateway/mesh get_tree_state).
func (p *CacheAwarePolicy) TreeSizes() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int64, len(p.stringTrees))
	for model, tree := range p.stringTrees {
		out[model] = tree.Size()
	}
	return out
}

func findByURL(candidates []*worker.Worker, url string) *worker.Worker {
	if url == "" {
		return nil
	}
	for _, w := range candidates {
		if w.URL == url && w.IsAvailable() {
			return w
		}
	}
	return nil
}

// RemoveWorker is a documented no-op: cache-aware routing never eagerly
// deletes a tenant's tree entries on worker removal. Stale entries simply
// stop being selected (findByURL requires the worker to still be
// IsAvailable among the current candidates) and are reclaimed later by
// Tree.EvictTenantBySize / TokenTree.EvictTenantBySize.
func (p *CacheAwarePolicy) RemoveWorker(_ *worker.Worker) {}

// RemoveWorkerByURL is the same documented no-op as RemoveWorker, kept
// for callers that only have a URL on hand (e.g. a deregistration event).
func (p *CacheAwarePolicy) RemoveWorkerByURL(_ string) {}

// RunEviction applies MaxTreeSize to every tracked tree, meant to be
// called periodically by the owner of this policy (spec.md §4.4
// "background maintenance").
func (p *CacheAwarePolicy) RunEviction() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for model, tree := range p.stringTrees {
		before := tree.Size()
		tree.EvictTenantBySize(p.cfg.MaxTreeSize)
		if after := tree.Size(); after < before {
			p.logger.Debug("string tree eviction completed", zap.String("model", model), zap.Int64("evicted", before-after))
		}
	}
	for model, tree := range p.tokenTrees {
		before := tree.Size()
		tree.EvictTenantBySize(p.cfg.MaxTreeSize)
		if after := tree.Size(); after < before {
			p.logger.Debug("token tree eviction completed", zap.String("model", model), zap.Int64("evicted", before-after))
		}
	}
}
