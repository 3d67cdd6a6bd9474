package streaming

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Aborter sends an Abort RPC for requestID to whatever backend owns it.
// gateway/grpcbackend.Client provides an implementation; gateway/transport's
// HTTP Backend does not.
type Aborter interface {
	Abort(ctx context.Context, requestID string) error
}

// AbortGuard wraps a backend stream so that if it is closed before
// mark_completed is called, a background Abort RPC is fired with the
// original request id. A single atomic boolean guarded by
// compare-and-swap guarantees at-most-one abort send even if Close races
// with MarkCompleted or is itself called twice (spec.md §4.8).
type AbortGuard struct {
	stream    io.ReadCloser
	aborter   Aborter
	requestID string
	logger    *zap.Logger
	timeout   time.Duration

	completed atomic.Bool
	fired     atomic.Bool
}

// NewAbortGuard wraps stream. If the returned guard is closed without
// MarkCompleted having been called first, Close fires one Abort RPC in
// the background (so Close itself never blocks on the backend).
func NewAbortGuard(stream io.ReadCloser, aborter Aborter, requestID string, timeout time.Duration, logger *zap.Logger) *AbortGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AbortGuard{stream: stream, aborter: aborter, requestID: requestID, timeout: timeout, logger: logger}
}

func (g *AbortGuard) Read(p []byte) (int, error) { return g.stream.Read(p) }

// MarkCompleted suppresses the abort send on a subsequent Close, for use
// when the stream ended naturally (finish-reason chunk, [DONE] emitted).
func (g *AbortGuard) MarkCompleted() { g.completed.Store(true) }

// Close closes the wrapped stream and, if the stream did not end
// naturally, dispatches an Abort RPC on a background goroutine so Close
// returns immediately.
func (g *AbortGuard) Close() error {
	err := g.stream.Close()
	if g.completed.Load() {
		return err
	}
	if g.aborter == nil || g.requestID == "" {
		return err
	}
	if !g.fired.CompareAndSwap(false, true) {
		return err
	}
	go g.sendAbort()
	return err
}

func (g *AbortGuard) sendAbort() {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if abortErr := g.aborter.Abort(ctx, g.requestID); abortErr != nil {
		g.logger.Warn("abort RPC failed", zap.String("request_id", g.requestID), zap.Error(abortErr))
	}
}
