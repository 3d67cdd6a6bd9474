package worker

import (
	"container/heap"
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober performs one liveness check against a worker and reports success.
// HTTPProber below is the only implementation in this module; neither
// gateway/transport nor gateway/grpcbackend implements Prober.
type Prober interface {
	Probe(ctx context.Context, w *Worker) error
}

// HTTPProber probes a worker's health endpoint over plain HTTP(S).
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, w *Worker) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := w.HealthConfig.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "health endpoint returned non-2xx status"
}

// heapItem is one scheduled entry in the health loop's priority queue.
type heapItem struct {
	worker *Worker
	dueAt  time.Time
	index  int
}

type dueHeap []*heapItem

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *dueHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// HealthLoop runs a single goroutine that probes every registered worker
// at its own configured interval (spec.md §4.2), sleeping to the next due
// deadline rather than polling on a fixed global ticker — each worker can
// carry a different CheckIntervalSecs.
type HealthLoop struct {
	registry *Registry
	probers  map[ConnectionMode]Prober
	logger   *zap.Logger

	mu      sync.Mutex
	pending dueHeap
	items   map[string]*heapItem // worker id -> its heap entry

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewHealthLoop constructs a loop that dispatches probes through probers,
// keyed by ConnectionMode. Callers not using gRPC may pass a probers map
// with only ConnectionHTTP populated.
func NewHealthLoop(registry *Registry, probers map[ConnectionMode]Prober, logger *zap.Logger) *HealthLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if probers == nil {
		probers = map[ConnectionMode]Prober{ConnectionHTTP: HTTPProber{}}
	}
	return &HealthLoop{
		registry: registry,
		probers:  probers,
		logger:   logger,
		items:    make(map[string]*heapItem),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Schedule enqueues w for an immediate first probe; later probes follow
// every CheckIntervalSecs. A worker with DisableHealthCheck set is not
// scheduled. Re-scheduling an already-scheduled worker is a no-op; the
// running probe loop re-enqueues on completion.
func (h *HealthLoop) Schedule(w *Worker) {
	if w.HealthConfig.DisableHealthCheck {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.items[w.ID]; exists {
		return
	}
	item := &heapItem{worker: w, dueAt: time.Now()}
	heap.Push(&h.pending, item)
	h.items[w.ID] = item
	h.nudge()
}

// Unschedule removes w from the queue, called on deregistration.
func (h *HealthLoop) Unschedule(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok {
		return
	}
	heap.Remove(&h.pending, item.index)
	delete(h.items, id)
}

func (h *HealthLoop) nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run blocks, dispatching due probes until ctx is cancelled or Stop is
// called. Intended to run in its own goroutine for the gateway's lifetime.
func (h *HealthLoop) Run(ctx context.Context) {
	defer close(h.done)
	for {
		timer := h.nextTimer()
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.stop:
			timer.Stop()
			return
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
		}
		h.drainDue(ctx)
	}
}

func (h *HealthLoop) nextTimer() *time.Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending.Len() == 0 {
		return time.NewTimer(time.Hour)
	}
	d := time.Until(h.pending[0].dueAt)
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d)
}

func (h *HealthLoop) drainDue(ctx context.Context) {
	now := time.Now()
	for {
		h.mu.Lock()
		if h.pending.Len() == 0 || h.pending[0].dueAt.After(now) {
			h.mu.Unlock()
			return
		}
		item := heap.Pop(&h.pending).(*heapItem)
		delete(h.items, item.worker.ID)
		h.mu.Unlock()

		h.probeOne(ctx, item.worker)

		interval := time.Duration(item.worker.HealthConfig.CheckIntervalSecs) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		h.mu.Lock()
		next := &heapItem{worker: item.worker, dueAt: now.Add(interval)}
		heap.Push(&h.pending, next)
		h.items[item.worker.ID] = next
		h.mu.Unlock()
	}
}

func (h *HealthLoop) probeOne(ctx context.Context, w *Worker) {
	prober, ok := h.probers[w.ConnectionMode]
	if !ok {
		h.logger.Warn("no prober registered for connection mode", zap.String("mode", w.ConnectionMode.String()))
		return
	}
	timeout := time.Duration(w.HealthConfig.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := prober.Probe(probeCtx, w)
	if applyErr := w.ApplyHealthProbe(err == nil); applyErr != nil {
		h.logger.Warn("worker health probe flip", zap.Error(applyErr))
	}
	if err != nil {
		h.logger.Debug("health probe failed", zap.String("worker", w.URL), zap.Error(err))
	}
}

// Stop signals Run to return and waits for it to exit.
func (h *HealthLoop) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
