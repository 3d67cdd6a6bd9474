// Package dispatch implements the regular-mode and PD (disaggregated
// prefill/decode) request dispatchers: candidate filtering, policy
// selection, load-guard acquisition, retrying worker selection on
// transient failure, and outcome recording into each worker's circuit
// breaker.
package dispatch

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/gateway/gwerrors"
	"github.com/BaSui01/llmgateway/gateway/policy"
	"github.com/BaSui01/llmgateway/gateway/streaming"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

// Request is the dispatcher's backend-agnostic view of an inbound
// request: already-deserialized per spec.md §6 ("the dispatchers do not
// parse HTTP"). Body is a JSON object shared by reference across retry
// attempts so large payloads aren't re-cloned per attempt (§4.6 step 7);
// callers that need per-attempt mutation (DP rank, bootstrap metadata)
// work on a shallow copy, see prepareBody.
type Request struct {
	ModelID    string
	RoutingKey string // session/request id; drives consistent-hash, cache-aware, and tenant load tracking
	Text       string
	Tokens     []int32
	Streaming  bool
	EnableIGW  bool // when false, ModelID is ignored for candidate filtering (spec.md §6 enable_igw)
	Headers    http.Header
	Body       map[string]any
}

// Response is what a Backend returns for one dispatch attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Backend performs the network call to one worker. gateway/transport
// (HTTP) and gateway/grpcbackend (gRPC) each provide an implementation;
// dispatch depends only on this interface, grounded on the teacher's
// llm.Provider seam (llm/provider.go) between routing and transport.
type Backend interface {
	Send(ctx context.Context, w *worker.Worker, req *Request) (*Response, error)
}

// Dispatcher implements spec.md §4.6's regular-mode algorithm.
type Dispatcher struct {
	registry *worker.Registry
	policies *policy.Registry
	backend  Backend
	retry    RetryPolicy
	tenants  *streaming.TenantLoadTracker
	logger   *zap.Logger
}

// Config groups a Dispatcher's dependencies.
type Config struct {
	Registry *worker.Registry
	Policies *policy.Registry
	Backend  Backend
	Retry    RetryPolicy
	Logger   *zap.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		policies: cfg.Policies,
		backend:  cfg.Backend,
		retry:    normalizeRetryPolicy(cfg.Retry),
		tenants:  streaming.NewTenantLoadTracker(),
		logger:   logger,
	}
}

// Candidates resolves spec.md §4.6 step 1: health-filtered ∩
// model-filtered ∩ worker-type-compatible. Regular dispatch only
// considers TypeRegular workers; PD-topology workers are addressed by
// the PD dispatcher instead.
func (d *Dispatcher) Candidates(req *Request) []*worker.Worker {
	var pool []*worker.Worker
	if req.EnableIGW && req.ModelID != "" {
		pool = d.registry.GetByModel(req.ModelID)
	} else {
		pool = d.registry.GetAll()
	}

	candidates := make([]*worker.Worker, 0, len(pool))
	for _, w := range pool {
		if w.Type != worker.TypeRegular {
			continue
		}
		if !w.IsAvailable() {
			continue
		}
		candidates = append(candidates, w)
	}
	return candidates
}

// Dispatch runs spec.md §4.6 end to end, retrying worker selection per
// the configured RetryPolicy on a retryable failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	result, err := runWithRetry(ctx, d.retry, d.logger, func(ctx context.Context, attempt int) (any, bool, error) {
		return d.attempt(ctx, req, attempt)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (d *Dispatcher) attempt(ctx context.Context, req *Request, attemptNum int) (any, bool, error) {
	candidates := d.Candidates(req)
	if len(candidates) == 0 {
		return nil, false, gwerrors.NoAvailableWorker(req.ModelID)
	}

	selected, ok := d.policies.For(req.ModelID).Select(candidates, policy.Request{
		Key:    req.RoutingKey,
		Text:   req.Text,
		Tokens: req.Tokens,
	})
	if !ok {
		return nil, false, gwerrors.NoAvailableWorker(req.ModelID)
	}
	w := selected.Worker

	guard := streaming.NewLoadGuard(w, req.RoutingKey, d.tenants)
	success := false
	defer func() {
		if !success {
			guard.Close()
		}
	}()

	body, err := prepareBody(w, req.Body)
	if err != nil {
		return nil, false, gwerrors.New(gwerrors.CodeInvalidArgument, err.Error()).WithHTTPStatus(400)
	}
	attemptReq := *req
	attemptReq.Body = body

	resp, sendErr := d.backend.Send(ctx, w, &attemptReq)
	if sendErr != nil {
		w.RecordOutcome(false)
		d.logger.Warn("dispatch attempt failed", zap.String("worker", w.URL), zap.Int("attempt", attemptNum), zap.Error(sendErr))
		return nil, true, gwerrors.WorkerConnFailed(w.URL, sendErr)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		w.RecordOutcome(false)
		return nil, true, gwerrors.New(gwerrors.CodeWorkerReturnedError, "worker returned retryable status").
			WithHTTPStatus(resp.StatusCode).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		w.RecordOutcome(true)
		return nil, false, gwerrors.New(gwerrors.CodeWorkerReturnedError, "worker returned an error").
			WithHTTPStatus(resp.StatusCode).WithRetryable(false)
	}

	w.RecordOutcome(true)
	w.IncrementProcessed()

	if req.Streaming {
		resp.Body = streaming.NewAttachedBody(resp.Body, d.logger, guard)
	} else {
		resp.Body = attachedCloserOnly{ReadCloser: resp.Body, guard: guard}
	}
	success = true
	return resp, false, nil
}

// prepareBody applies spec.md §4.6 step 4's DP-rank rewrite on a shallow
// copy of req.Body so the original (shared across retry attempts) is
// never mutated in place.
func prepareBody(w *worker.Worker, body map[string]any) (map[string]any, error) {
	if body == nil {
		if w.DPRank != nil {
			return nil, errNonObjectBodyForDPWorker(w)
		}
		return nil, nil
	}
	copied := make(map[string]any, len(body)+1)
	for k, v := range body {
		copied[k] = v
	}
	if err := w.PrepareRequestBody(copied); err != nil {
		return nil, err
	}
	return copied, nil
}

func errNonObjectBodyForDPWorker(w *worker.Worker) error {
	return gwerrors.New(gwerrors.CodeInvalidArgument, "data-parallel worker "+w.URL+" requires a JSON object request body").
		WithHTTPStatus(400)
}

// attachedCloserOnly releases guard when the non-streaming response body
// is closed, covering the (rare) case where a caller still streams-reads
// a "non-streaming" body incrementally instead of draining it eagerly.
type attachedCloserOnly struct {
	io.ReadCloser
	guard *streaming.LoadGuard
}

func (a attachedCloserOnly) Close() error {
	err := a.ReadCloser.Close()
	a.guard.Close()
	return err
}
