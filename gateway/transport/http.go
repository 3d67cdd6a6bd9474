// Package transport implements the HTTP half of the dispatch.Backend
// seam: a worker addressed in worker.ConnectionHTTP mode is reached by
// POSTing its already-deserialized JSON body to one of the fixed paths
// spec.md §6 names (/generate, /v1/chat/completions, /v1/completions,
// /v1/rerank). One Backend is scoped to one path, set at construction,
// since the inbound API layer already knows which endpoint a request
// arrived on before handing it to a Dispatcher.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/BaSui01/llmgateway/gateway/dispatch"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

// Config groups a Backend's construction parameters.
type Config struct {
	// Path is the fixed POST path this Backend targets on every worker,
	// e.g. "/v1/chat/completions". Defaults to "/generate".
	Path string
	// Timeout bounds one outbound request, including reading the
	// response body: the per-request context's deadline stays in force
	// until the body is closed, so a body still being read when it
	// passes fails. Zero uses DefaultTimeout.
	Timeout time.Duration
	// PlaintextH2 dials workers with cleartext HTTP/2 (h2c) instead of
	// TLS, matching same-cluster inference servers that don't terminate
	// TLS themselves. The zero value (false) uses an HTTP/2-only
	// transport over TLS, which does not fall back to HTTP/1.1; set true
	// for h2c.
	PlaintextH2 bool
}

// DefaultTimeout bounds one outbound dispatch attempt when Config.Timeout
// is unset.
const DefaultTimeout = 60 * time.Second

// Backend implements dispatch.Backend over plain HTTP(S), reusing one
// keep-alive, multiplexed http.Client across every worker it's handed —
// grounded on the teacher's internal/tlsutil.SecureTransport, generalized
// from a TLS-hardened *http.Transport to an HTTP/2 transport that can
// also speak cleartext h2c to workers inside the same cluster.
type Backend struct {
	path    string
	timeout time.Duration
	client  *http.Client
}

// NewBackend constructs a Backend. With PlaintextH2 set, the returned
// client dials workers directly over h2c; left false (the zero value),
// it requires workers to terminate TLS themselves.
func NewBackend(cfg Config) *Backend {
	path := cfg.Path
	if path == "" {
		path = "/generate"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var rt http.RoundTripper
	if cfg.PlaintextH2 {
		rt = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext(ctx, network, addr)
			},
		}
	} else {
		rt = &http2.Transport{}
	}

	return &Backend{
		path:    path,
		timeout: timeout,
		client:  &http.Client{Transport: rt},
	}
}

// Send implements dispatch.Backend. The request body is req.Body,
// already shaped by the caller (including any PD bootstrap metadata
// injected by gateway/dispatch's PDDispatcher); Send itself performs no
// body rewriting.
func (b *Backend) Send(ctx context.Context, w *worker.Worker, req *dispatch.Request) (*dispatch.Response, error) {
	body := req.Body
	if body == nil {
		body = map[string]any{}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+b.path, bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: build request for %s: %w", w.URL, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: send to %s: %w", w.URL, err)
	}

	return &dispatch.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       cancelingBody{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// cancelingBody releases the per-request context when the response body
// is closed, regardless of whether it was fully drained first — streamed
// responses otherwise leak the context (and its timer) until the
// deadline fires on its own.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelingBody) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
