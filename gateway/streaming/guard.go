// Package streaming turns a backend token/chunk stream into OpenAI-style
// SSE frames, including Harmony multi-channel tool-call parsing and the
// RAII-style guards that keep worker load accounting and backend abort
// RPCs tied to the lifetime of the response body a client is reading.
package streaming

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/gateway/worker"
)

// LoadGuard increments a worker's load counter (and, if routingKey is
// non-empty, a secondary per-routing-key counter) on construction and
// decrements both exactly once on Close. It is movable (plain struct
// copy of the pointer) but not clonable: Close is guarded by a
// compare-and-swap so a guard handed to multiple goroutines still only
// releases once.
type LoadGuard struct {
	w          *worker.Worker
	routingKey string
	tenants    *TenantLoadTracker
	released   atomic.Bool
}

// TenantLoadTracker is the secondary per-routing-key load counter spec.md
// §4.9 asks for, kept separate from Worker so it can be shared across all
// guards issued by one dispatcher instance.
type TenantLoadTracker struct {
	mu    sync.Mutex
	loads map[string]int64
}

func NewTenantLoadTracker() *TenantLoadTracker {
	return &TenantLoadTracker{loads: make(map[string]int64)}
}

func (t *TenantLoadTracker) increment(key string) {
	if key == "" || t == nil {
		return
	}
	t.mu.Lock()
	t.loads[key]++
	t.mu.Unlock()
}

func (t *TenantLoadTracker) decrement(key string) {
	if key == "" || t == nil {
		return
	}
	t.mu.Lock()
	if t.loads[key] > 0 {
		t.loads[key]--
	}
	t.mu.Unlock()
}

// Load returns the current observed load for routingKey, for diagnostics.
func (t *TenantLoadTracker) Load(routingKey string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loads[routingKey]
}

// NewLoadGuard increments w's load (and the tenant tracker's counter for
// routingKey, if tenants is non-nil) and returns a guard whose Close
// reverses both exactly once.
func NewLoadGuard(w *worker.Worker, routingKey string, tenants *TenantLoadTracker) *LoadGuard {
	w.IncrementLoad()
	tenants.increment(routingKey)
	return &LoadGuard{w: w, routingKey: routingKey, tenants: tenants}
}

// Close releases the guard. Safe to call more than once or concurrently;
// only the first call has any effect.
func (g *LoadGuard) Close() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	g.w.DecrementLoad()
	g.tenants.decrement(g.routingKey)
	return nil
}

// AttachedBody wraps an io.ReadCloser response body with an attached
// value (typically one or more *LoadGuard, or an *AbortGuard) whose
// lifetime is tied to the body's: Close releases the inner body first,
// then releases every attached closer, regardless of whether the body
// ended naturally or the caller abandoned it early. This is what lets a
// streaming response keep its LoadGuard (and abort-on-drop wrapper) alive
// after the dispatch function that created them has returned.
type AttachedBody struct {
	inner    io.ReadCloser
	attached []io.Closer
	logger   *zap.Logger
	once     sync.Once
}

// NewAttachedBody wraps inner, running attached[i].Close() (in order) the
// first time Close is called on the returned body.
func NewAttachedBody(inner io.ReadCloser, logger *zap.Logger, attached ...io.Closer) *AttachedBody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachedBody{inner: inner, attached: attached, logger: logger}
}

func (b *AttachedBody) Read(p []byte) (int, error) { return b.inner.Read(p) }

// Close closes the inner body then every attached closer exactly once,
// even if called multiple times (e.g. once by an http framework on
// normal completion and once by deferred cleanup on panic recovery).
func (b *AttachedBody) Close() error {
	var innerErr error
	b.once.Do(func() {
		innerErr = b.inner.Close()
		for _, c := range b.attached {
			if err := c.Close(); err != nil {
				b.logger.Warn("error releasing attached resource on body close", zap.Error(err))
			}
		}
	})
	return innerErr
}
