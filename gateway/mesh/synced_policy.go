package mesh

import (
	"context"

	"github.com/BaSui01/llmgateway/gateway/policy"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

// SyncedCacheAwarePolicy wraps a *policy.CacheAwarePolicy so every local
// selection that carries text or tokens is also announced to peer
// replicas through a Controller.
// It is the opt-in seam between gateway/policy and gateway/mesh: neither
// package depends on the other, and a deployment that doesn't construct
// a SyncedCacheAwarePolicy gets no mesh traffic at all, matching
// spec.md §6's "optional, never required by the dispatchers" framing.
type SyncedCacheAwarePolicy struct {
	inner *policy.CacheAwarePolicy
	mesh  *Controller
}

func NewSyncedCacheAwarePolicy(inner *policy.CacheAwarePolicy, mesh *Controller) *SyncedCacheAwarePolicy {
	return &SyncedCacheAwarePolicy{inner: inner, mesh: mesh}
}

func (p *SyncedCacheAwarePolicy) Name() string { return p.inner.Name() }

func (p *SyncedCacheAwarePolicy) Select(candidates []*worker.Worker, req policy.Request) (policy.SelectInfo, bool) {
	info, ok := p.inner.Select(candidates, req)
	if !ok {
		return info, false
	}

	modelID := modelKeyOfCandidates(candidates)
	ctx := context.Background()
	switch {
	case len(req.Tokens) > 0:
		p.mesh.PublishTokenInsert(ctx, modelID, req.Tokens, info.Worker.URL)
	case req.Text != "":
		p.mesh.PublishInsert(ctx, modelID, req.Text, info.Worker.URL)
	}
	return info, true
}

func (p *SyncedCacheAwarePolicy) RemoveWorker(w *worker.Worker) { p.inner.RemoveWorker(w) }

func (p *SyncedCacheAwarePolicy) RemoveWorkerByURL(url string) { p.inner.RemoveWorkerByURL(url) }

func modelKeyOfCandidates(candidates []*worker.Worker) string {
	if len(candidates) == 0 {
		return "*"
	}
	return policy.ModelKeyOf(candidates[0])
}
