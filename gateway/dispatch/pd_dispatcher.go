package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmgateway/gateway/gwerrors"
	"github.com/BaSui01/llmgateway/gateway/policy"
	"github.com/BaSui01/llmgateway/gateway/streaming"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

const (
	bootstrapHostKey = "bootstrap_host"
	bootstrapPortKey = "bootstrap_port"
	bootstrapRoomKey = "bootstrap_room"
)

// PrePrefillConfig configures spec.md §4.7 step 2's cold-request routing
// heuristic.
type PrePrefillConfig struct {
	Enabled              bool
	MatchThreshold       float32
	UnmatchedCharsMin    int
	MinTotalChars        int
}

// PDRequest extends Request with the fields PD dispatch needs: whether
// the caller wants logprobs merged, and the batch size (n for chat, the
// prompt array length for completion, the input-ids batch length for
// generate) used to decide whether bootstrap fields are injected as
// scalars or per-item arrays.
type PDRequest struct {
	Request
	ReturnLogprob bool
	BatchSize     int // 0 or 1 means "not a batch": scalar bootstrap fields
}

// PDDispatcher implements spec.md §4.7: pair selection (including
// pre-prefill cold routing), bootstrap metadata injection, concurrent
// dual dispatch, and response merge.
type PDDispatcher struct {
	registry     *worker.Registry
	prefillPol   *policy.Registry
	decodePol    *policy.Registry
	backend      Backend
	retry        RetryPolicy
	tenants      *streaming.TenantLoadTracker
	preConfig    PrePrefillConfig
	cacheAware   *policy.CacheAwarePolicy // prefill policy, if cache-aware, for cold-routing match-rate stats
	logger       *zap.Logger
}

// PDConfig groups a PDDispatcher's dependencies.
type PDConfig struct {
	Registry      *worker.Registry
	PrefillPolicy *policy.Registry
	DecodePolicy  *policy.Registry
	Backend       Backend
	Retry         RetryPolicy
	PreConfig     PrePrefillConfig
	CacheAware    *policy.CacheAwarePolicy
	Logger        *zap.Logger
}

func NewPDDispatcher(cfg PDConfig) *PDDispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDDispatcher{
		registry:   cfg.Registry,
		prefillPol: cfg.PrefillPolicy,
		decodePol:  cfg.DecodePolicy,
		backend:    cfg.Backend,
		retry:      normalizeRetryPolicy(cfg.Retry),
		tenants:    streaming.NewTenantLoadTracker(),
		preConfig:  cfg.PreConfig,
		cacheAware: cfg.CacheAware,
		logger:     logger,
	}
}

func (d *PDDispatcher) prefillCandidates(req *Request) []*worker.Worker {
	return filterByModelAndAvailability(d.registry.GetPrefillWorkers(), req)
}

func (d *PDDispatcher) decodeCandidates(req *Request) []*worker.Worker {
	return filterByModelAndAvailability(d.registry.GetDecodeWorkers(), req)
}

func filterByModelAndAvailability(pool []*worker.Worker, req *Request) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(pool))
	for _, w := range pool {
		if req.EnableIGW && req.ModelID != "" && !w.Models.Supports(req.ModelID) {
			continue
		}
		if !w.IsAvailable() {
			continue
		}
		out = append(out, w)
	}
	return out
}

func byType(pool []*worker.Worker, t worker.Type) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(pool))
	for _, w := range pool {
		if w.Type == t {
			out = append(out, w)
		}
	}
	return out
}

// selectPair implements spec.md §4.7's pair-selection algorithm.
func (d *PDDispatcher) selectPair(req *PDRequest) (prefill, decode *worker.Worker, err error) {
	prefillCandidates := d.prefillCandidates(&req.Request)
	decodeCandidates := d.decodeCandidates(&req.Request)
	if len(prefillCandidates) == 0 {
		return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
	}

	if d.isColdRequest(req) {
		if pre := byType(prefillCandidates, worker.TypePrePrefill); len(pre) > 0 {
			sel, ok := d.prefillPol.For(req.ModelID).Select(pre, policy.Request{Key: req.RoutingKey, Text: req.Text, Tokens: req.Tokens})
			if ok {
				prefill = sel.Worker
				if preDecode := byType(decodeCandidates, worker.TypePrePrefillDecode); len(preDecode) > 0 {
					if dsel, ok := d.decodePol.For(req.ModelID).Select(preDecode, policy.Request{Key: req.RoutingKey}); ok {
						return prefill, dsel.Worker, nil
					}
				}
				if len(decodeCandidates) == 0 {
					return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
				}
				dsel, ok := d.decodePol.For(req.ModelID).Select(decodeCandidates, policy.Request{Key: req.RoutingKey})
				if !ok {
					return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
				}
				return prefill, dsel.Worker, nil
			}
		}
	}

	psel, ok := d.prefillPol.For(req.ModelID).Select(prefillCandidates, policy.Request{Key: req.RoutingKey, Text: req.Text, Tokens: req.Tokens})
	if !ok {
		return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
	}
	if len(decodeCandidates) == 0 {
		return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
	}
	dsel, ok := d.decodePol.For(req.ModelID).Select(decodeCandidates, policy.Request{Key: req.RoutingKey})
	if !ok {
		return nil, nil, gwerrors.NoAvailableWorker(req.ModelID)
	}
	return psel.Worker, dsel.Worker, nil
}

// isColdRequest implements spec.md §4.7 step 2's definition.
func (d *PDDispatcher) isColdRequest(req *PDRequest) bool {
	if !d.preConfig.Enabled || d.cacheAware == nil || req.Text == "" {
		return false
	}
	matchRate, unmatched, total := d.cacheAware.PrefixStats(req.ModelID, req.Text)
	return matchRate < d.preConfig.MatchThreshold &&
		unmatched >= d.preConfig.UnmatchedCharsMin &&
		total >= d.preConfig.MinTotalChars
}

// injectBootstrap implements spec.md §4.7's bootstrap metadata injection
// on a shallow copy of body. batchSize <= 1 yields scalar fields; larger
// values yield per-item arrays with identical host/port and unique room
// ids.
func injectBootstrap(body map[string]any, prefill *worker.Worker, batchSize int) map[string]any {
	copied := make(map[string]any, len(body)+3)
	for k, v := range body {
		copied[k] = v
	}

	var port any
	if prefill.BootstrapPort != nil {
		port = *prefill.BootstrapPort
	}

	if batchSize <= 1 {
		copied[bootstrapHostKey] = prefill.BootstrapHost
		copied[bootstrapPortKey] = port
		copied[bootstrapRoomKey] = newBootstrapRoom()
		return copied
	}

	hosts := make([]any, batchSize)
	ports := make([]any, batchSize)
	rooms := make([]any, batchSize)
	for i := 0; i < batchSize; i++ {
		hosts[i] = prefill.BootstrapHost
		ports[i] = port
		rooms[i] = newBootstrapRoom()
	}
	copied[bootstrapHostKey] = hosts
	copied[bootstrapPortKey] = ports
	copied[bootstrapRoomKey] = rooms
	return copied
}

// newBootstrapRoom generates a fresh 64-bit rendezvous id. Collisions are
// harmless in expectation (birthday bound over 2^64) and the original
// router's generate_room_id has the same non-cryptographic contract.
func newBootstrapRoom() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Dispatch runs spec.md §4.7 end to end: pair (re)selection, bootstrap
// injection, concurrent dual dispatch, and response merge, retried per
// §4.6 semantics with each attempt re-selecting the pair.
func (d *PDDispatcher) Dispatch(ctx context.Context, req *PDRequest) (*Response, error) {
	result, err := runWithRetry(ctx, d.retry, d.logger, func(ctx context.Context, attempt int) (any, bool, error) {
		return d.attempt(ctx, req, attempt)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (d *PDDispatcher) attempt(ctx context.Context, req *PDRequest, attemptNum int) (any, bool, error) {
	prefill, decode, err := d.selectPair(req)
	if err != nil {
		return nil, false, err
	}

	prefillGuard := streaming.NewLoadGuard(prefill, req.RoutingKey, d.tenants)
	decodeGuard := streaming.NewLoadGuard(decode, req.RoutingKey, d.tenants)
	success := false
	defer func() {
		if !success {
			prefillGuard.Close()
			decodeGuard.Close()
		}
	}()

	body := injectBootstrap(req.Body, prefill, req.BatchSize)
	prefillReq := req.Request
	prefillReq.Body = body
	decodeReq := req.Request
	decodeReq.Body = body

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var prefillResp, decodeResp *Response
	var prefillErr, decodeErr error
	prefillDone := make(chan struct{})
	g, gctx := errgroup.WithContext(dctx)
	g.Go(func() error {
		defer close(prefillDone)
		prefillResp, prefillErr = d.backend.Send(gctx, prefill, &prefillReq)
		return nil
	})
	g.Go(func() error {
		decodeResp, decodeErr = d.backend.Send(gctx, decode, &decodeReq)
		return nil
	})

	// Wait for the prefill leg alone before deciding whether to cancel the
	// decode leg, rather than blocking on both: this is what lets a failed
	// prefill abort an in-flight decode instead of waiting out its timeout.
	<-prefillDone
	if prefillErr != nil || (prefillResp != nil && prefillResp.StatusCode >= 400) {
		cancel()
		_ = g.Wait()
		prefill.RecordOutcome(false)
		decode.RecordOutcome(false)
		if prefillErr != nil {
			d.logger.Warn("pd prefill dispatch failed", zap.String("worker", prefill.URL), zap.Int("attempt", attemptNum), zap.Error(prefillErr))
			return nil, true, gwerrors.PdPrefillFailure(prefillErr)
		}
		return nil, prefillResp.StatusCode >= 500, gwerrors.New(gwerrors.CodePdPrefillFailure, "prefill worker returned an error").
			WithHTTPStatus(prefillResp.StatusCode).WithRetryable(prefillResp.StatusCode >= 500)
	}

	_ = g.Wait()
	if decodeErr != nil || decodeResp.StatusCode >= 400 {
		prefill.RecordOutcome(true)
		decode.RecordOutcome(decodeErr == nil && decodeResp.StatusCode < 500)
		if decodeErr != nil {
			return nil, true, gwerrors.WorkerConnFailed(decode.URL, decodeErr)
		}
		return nil, decodeResp.StatusCode >= 500, gwerrors.New(gwerrors.CodeWorkerReturnedError, "decode worker returned an error").
			WithHTTPStatus(decodeResp.StatusCode).WithRetryable(decodeResp.StatusCode >= 500)
	}

	prefill.RecordOutcome(true)
	decode.RecordOutcome(true)
	decode.IncrementProcessed()

	merged, mergeErr := d.mergeResponse(req, prefillResp, decodeResp)
	if mergeErr != nil {
		return nil, false, mergeErr
	}

	guards := []io.Closer{prefillGuard, decodeGuard}
	if req.Streaming {
		merged.Body = streaming.NewAttachedBody(merged.Body, d.logger, guards...)
	} else {
		merged.Body = multiGuardCloser{ReadCloser: merged.Body, guards: guards}
	}
	success = true
	return merged, false, nil
}

// mergeResponse implements spec.md §4.7 step 6.
func (d *PDDispatcher) mergeResponse(req *PDRequest, prefillResp, decodeResp *Response) (*Response, error) {
	if !req.ReturnLogprob {
		return decodeResp, nil
	}

	if req.Streaming {
		prefillBody, err := io.ReadAll(prefillResp.Body)
		_ = prefillResp.Body.Close()
		if err != nil {
			return decodeResp, nil
		}
		logprobs := extractInputTokenLogprobs(prefillBody)
		if len(logprobs) == 0 {
			return decodeResp, nil
		}
		decodeResp.Body = io.NopCloser(newLogprobSplicingReader(decodeResp.Body, logprobs))
		return decodeResp, nil
	}

	prefillBody, err := io.ReadAll(prefillResp.Body)
	_ = prefillResp.Body.Close()
	if err != nil {
		return decodeResp, nil
	}
	decodeBody, err := io.ReadAll(decodeResp.Body)
	_ = decodeResp.Body.Close()
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeWorkerConnFailed, "failed reading decode response body").WithRetryable(false).WithCause(err)
	}

	merged := mergeLogprobsJSON(prefillBody, decodeBody)
	decodeResp.Body = io.NopCloser(bytes.NewReader(merged))
	return decodeResp, nil
}

type multiGuardCloser struct {
	io.ReadCloser
	guards []io.Closer
}

func (m multiGuardCloser) Close() error {
	err := m.ReadCloser.Close()
	for _, g := range m.guards {
		_ = g.Close()
	}
	return err
}
