package dispatch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmgateway/gateway/gwerrors"
	"github.com/BaSui01/llmgateway/gateway/policy"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

type pdFakeBackend struct {
	prefillStatus int
	prefillErr    error
	prefillBody   string

	decodeDelay  time.Duration
	decodeStatus int
	decodeBody   string

	prefillSent    []*Request
	decodeSent     []*Request
	decodeCanceled int32
}

func (b *pdFakeBackend) Send(ctx context.Context, w *worker.Worker, req *Request) (*Response, error) {
	if w.Type == worker.TypePrefill || w.Type == worker.TypePrePrefill {
		b.prefillSent = append(b.prefillSent, req)
		if b.prefillErr != nil {
			return nil, b.prefillErr
		}
		return &Response{StatusCode: b.prefillStatus, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(b.prefillBody))}, nil
	}
	b.decodeSent = append(b.decodeSent, req)
	if b.decodeDelay > 0 {
		select {
		case <-time.After(b.decodeDelay):
		case <-ctx.Done():
			atomic.AddInt32(&b.decodeCanceled, 1)
			return nil, ctx.Err()
		}
	}
	return &Response{StatusCode: b.decodeStatus, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(b.decodeBody))}, nil
}

func newPDTestRegistry() (*worker.Registry, *worker.Worker, *worker.Worker) {
	reg := worker.NewRegistry(nil)
	port := uint16(9000)
	prefill := worker.New(worker.Config{
		ID: "p1", URL: "http://p1", Type: worker.TypePrefill,
		Models:        worker.NewModels(worker.ModelCard{ID: "llama"}),
		BootstrapHost: "10.0.0.1", BootstrapPort: &port,
	})
	decode := worker.New(worker.Config{ID: "d1", URL: "http://d1", Type: worker.TypeDecode, Models: worker.NewModels(worker.ModelCard{ID: "llama"})})
	reg.Register(prefill)
	reg.Register(decode)
	return reg, prefill, decode
}

func newPDDispatcher(reg *worker.Registry, backend Backend) *PDDispatcher {
	return NewPDDispatcher(PDConfig{
		Registry:      reg,
		PrefillPolicy: policy.NewRegistry(policy.NewRoundRobinPolicy(), nil),
		DecodePolicy:  policy.NewRegistry(policy.NewRoundRobinPolicy(), nil),
		Backend:       backend,
		Retry:         RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func TestPDDispatcherSucceedsWithBootstrapInjected(t *testing.T) {
	reg, _, _ := newPDTestRegistry()
	backend := &pdFakeBackend{prefillStatus: 200, prefillBody: "{}", decodeStatus: 200, decodeBody: `{"text":"hi"}`}
	d := newPDDispatcher(reg, backend)

	resp, err := d.Dispatch(context.Background(), &PDRequest{
		Request: Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{"prompt": "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	require.Len(t, backend.prefillSent, 1)
	body := backend.prefillSent[0].Body
	assert.Equal(t, "10.0.0.1", body[bootstrapHostKey])
	assert.Equal(t, uint16(9000), body[bootstrapPortKey])
	assert.NotNil(t, body[bootstrapRoomKey])
	assert.Equal(t, "hi", body["prompt"])

	require.NoError(t, resp.Body.Close())
}

func TestPDDispatcherInjectsBootstrapArraysForBatch(t *testing.T) {
	reg, _, _ := newPDTestRegistry()
	backend := &pdFakeBackend{prefillStatus: 200, prefillBody: "{}", decodeStatus: 200, decodeBody: "{}"}
	d := newPDDispatcher(reg, backend)

	_, err := d.Dispatch(context.Background(), &PDRequest{
		Request:   Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{}},
		BatchSize: 3,
	})
	require.NoError(t, err)

	body := backend.prefillSent[0].Body
	hosts, ok := body[bootstrapHostKey].([]any)
	require.True(t, ok)
	assert.Len(t, hosts, 3)
	rooms, ok := body[bootstrapRoomKey].([]any)
	require.True(t, ok)
	assert.Len(t, rooms, 3)
	assert.NotEqual(t, rooms[0], rooms[1])
}

func TestPDDispatcherAbortsDecodeWhenPrefillFails(t *testing.T) {
	reg, _, _ := newPDTestRegistry()
	backend := &pdFakeBackend{
		prefillErr:   assert.AnError,
		decodeDelay:  200 * time.Millisecond,
		decodeStatus: 200, decodeBody: "{}",
	}
	d := newPDDispatcher(reg, backend)

	_, err := d.Dispatch(context.Background(), &PDRequest{
		Request: Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{}},
	})
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodePdPrefillFailure, gwerrors.CodeOf(err))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.decodeCanceled) >= 1
	}, time.Second, 5*time.Millisecond, "decode attempt should have observed context cancellation")
}

func TestPDDispatcherPropagatesDecodeError(t *testing.T) {
	reg, _, _ := newPDTestRegistry()
	backend := &pdFakeBackend{prefillStatus: 200, prefillBody: "{}", decodeStatus: 500, decodeBody: `{"error":"boom"}`}
	d := newPDDispatcher(reg, backend)

	_, err := d.Dispatch(context.Background(), &PDRequest{
		Request: Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{}},
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsRetryable(err))
}

func TestPDDispatcherMergesLogprobsOnNonStreamingReturnLogprob(t *testing.T) {
	reg, _, _ := newPDTestRegistry()
	backend := &pdFakeBackend{
		prefillStatus: 200, prefillBody: `{"meta_info":{"input_token_logprobs":[1,2]}}`,
		decodeStatus: 200, decodeBody: `{"meta_info":{"input_token_logprobs":[3,4]},"text":"hi"}`,
	}
	d := newPDDispatcher(reg, backend)

	resp, err := d.Dispatch(context.Background(), &PDRequest{
		Request:       Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{}},
		ReturnLogprob: true,
	})
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta_info":{"input_token_logprobs":[1,2,3,4]},"text":"hi"}`, string(out))
}

func TestPDDispatcherNoAvailableWorkerWhenNoDecodeWorkers(t *testing.T) {
	reg := worker.NewRegistry(nil)
	port := uint16(9000)
	reg.Register(worker.New(worker.Config{ID: "p1", URL: "http://p1", Type: worker.TypePrefill, Models: worker.NewModels(worker.ModelCard{ID: "llama"}), BootstrapHost: "h", BootstrapPort: &port}))

	backend := &pdFakeBackend{prefillStatus: 200, prefillBody: "{}"}
	d := newPDDispatcher(reg, backend)

	_, err := d.Dispatch(context.Background(), &PDRequest{Request: Request{ModelID: "llama", EnableIGW: true, Body: map[string]any{}}})
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeNoAvailableWorker, gwerrors.CodeOf(err))
}
