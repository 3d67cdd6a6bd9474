package worker

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 16

// HashRing is a cached, by-reference consistent-hash ring over a set of
// worker URLs (spec.md §4.2, ≥160 vnodes per worker).
type HashRing struct {
	vnodes []ringEntry
}

type ringEntry struct {
	hash uint64
	url  string
}

const vnodesPerWorker = 160

func buildHashRing(urls []string) *HashRing {
	entries := make([]ringEntry, 0, len(urls)*vnodesPerWorker)
	for _, url := range urls {
		for i := 0; i < vnodesPerWorker; i++ {
			entries = append(entries, ringEntry{hash: ringHash(url, i), url: url})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	return &HashRing{vnodes: entries}
}

func ringHash(url string, vnode int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(url))
	_, _ = h.Write([]byte{byte(vnode), byte(vnode >> 8)})
	return h.Sum64()
}

// Lookup returns the worker URL owning the ring position of key, or ""
// if the ring is empty.
func (r *HashRing) Lookup(key string) string {
	if r == nil || len(r.vnodes) == 0 {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	target := h.Sum64()
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= target })
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].url
}

type shard struct {
	mu      sync.RWMutex
	workers map[string]*Worker // worker id -> worker
}

// Registry owns the live set of workers: a sharded primary map plus
// secondary indices by model id, worker type, and connection mode, and a
// cache of per-model consistent-hash rings (spec.md §3/§4.2).
type Registry struct {
	logger *zap.Logger

	shards [shardCount]*shard

	mu          sync.RWMutex // guards the secondary indices + ring cache below
	byModel     map[string]map[string]*Worker // model id -> worker id -> worker
	byType      map[Type]map[string]*Worker
	byConn      map[ConnectionMode]map[string]*Worker
	rings       map[string]*HashRing // model id (or "*") -> ring
	count       int64
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:  logger,
		byModel: make(map[string]map[string]*Worker),
		byType:  make(map[Type]map[string]*Worker),
		byConn:  make(map[ConnectionMode]map[string]*Worker),
		rings:   make(map[string]*HashRing),
	}
	for i := range r.shards {
		r.shards[i] = &shard{workers: make(map[string]*Worker)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a worker to the primary map and every index consistent
// with its attributes, then invalidates the rings its models participate
// in. Health probing on registration is the caller's responsibility (the
// health loop owns probe scheduling); Register only publishes the worker.
func (r *Registry) Register(w *Worker) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	sh := r.shardFor(w.ID)
	sh.mu.Lock()
	sh.workers[w.ID] = w
	sh.mu.Unlock()
	atomic.AddInt64(&r.count, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexLocked(w)
	r.invalidateRingsLocked(w)
	r.logger.Info("worker registered", zap.String("url", w.URL), zap.String("type", w.Type.String()))
}

func (r *Registry) indexLocked(w *Worker) {
	for _, m := range r.modelKeysLocked(w) {
		bucket, ok := r.byModel[m]
		if !ok {
			bucket = make(map[string]*Worker)
			r.byModel[m] = bucket
		}
		bucket[w.ID] = w
	}

	tbucket, ok := r.byType[w.Type]
	if !ok {
		tbucket = make(map[string]*Worker)
		r.byType[w.Type] = tbucket
	}
	tbucket[w.ID] = w

	cbucket, ok := r.byConn[w.ConnectionMode]
	if !ok {
		cbucket = make(map[string]*Worker)
		r.byConn[w.ConnectionMode] = cbucket
	}
	cbucket[w.ID] = w
}

// modelKeysLocked returns the set of model-index keys a worker belongs
// under: its advertised model ids, plus the wildcard key "*" if it serves
// any model.
func (r *Registry) modelKeysLocked(w *Worker) []string {
	if w.Models.IsWildcard() {
		return []string{"*"}
	}
	keys := make([]string, 0, len(w.Models.All()))
	for _, c := range w.Models.All() {
		keys = append(keys, c.ID)
	}
	return keys
}

func (r *Registry) invalidateRingsLocked(w *Worker) {
	for _, m := range r.modelKeysLocked(w) {
		delete(r.rings, m)
	}
}

// Deregister removes a worker from the primary map and every index.
// Prefix-tree entries referencing this worker are left alone by design
// (spec.md §4.2, §9): they become unreachable via normal routing because
// the worker is no longer in any index, and will be reclaimed by the
// cache-aware policy's LRU eviction.
func (r *Registry) Deregister(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	w, ok := sh.workers[id]
	if ok {
		delete(sh.workers, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	atomic.AddInt64(&r.count, -1)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.modelKeysLocked(w) {
		if bucket, ok := r.byModel[m]; ok {
			delete(bucket, id)
		}
	}
	if bucket, ok := r.byType[w.Type]; ok {
		delete(bucket, id)
	}
	if bucket, ok := r.byConn[w.ConnectionMode]; ok {
		delete(bucket, id)
	}
	r.invalidateRingsLocked(w)
	r.logger.Info("worker deregistered", zap.String("url", w.URL))
}

// Get returns the worker by id.
func (r *Registry) Get(id string) (*Worker, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	w, ok := sh.workers[id]
	return w, ok
}

// GetAll returns every registered worker.
func (r *Registry) GetAll() []*Worker {
	out := make([]*Worker, 0, atomic.LoadInt64(&r.count))
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, w := range sh.workers {
			out = append(out, w)
		}
		sh.mu.RUnlock()
	}
	return out
}

// GetByModel returns all workers serving model id, including wildcard
// workers.
func (r *Registry) GetByModel(modelID string) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]*Worker, 0)
	for _, key := range []string{modelID, "*"} {
		for id, w := range r.byModel[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

func (r *Registry) getByTypes(types ...Type) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0)
	for _, t := range types {
		for _, w := range r.byType[t] {
			out = append(out, w)
		}
	}
	return out
}

// GetPrefillWorkers returns workers of type Prefill or PrePrefill.
func (r *Registry) GetPrefillWorkers() []*Worker {
	return r.getByTypes(TypePrefill, TypePrePrefill)
}

// GetDecodeWorkers returns workers of type Decode or PrePrefillDecode.
func (r *Registry) GetDecodeWorkers() []*Worker {
	return r.getByTypes(TypeDecode, TypePrePrefillDecode)
}

// HashRing returns the cached consistent-hash ring for modelID (or the
// wildcard ring if modelID is ""), rebuilding and caching it on a miss.
func (r *Registry) HashRing(modelID string) *HashRing {
	key := modelID
	if key == "" {
		key = "*"
	}

	r.mu.RLock()
	ring, ok := r.rings[key]
	r.mu.RUnlock()
	if ok {
		return ring
	}

	workers := r.GetByModel(modelID)
	urls := make([]string, 0, len(workers))
	for _, w := range workers {
		urls = append(urls, w.URL)
	}
	ring = buildHashRing(urls)

	r.mu.Lock()
	r.rings[key] = ring
	r.mu.Unlock()
	return ring
}

// Count returns the number of registered workers.
func (r *Registry) Count() int64 { return atomic.LoadInt64(&r.count) }
