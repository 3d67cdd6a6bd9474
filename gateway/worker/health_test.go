package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProber struct {
	calls  int64
	failFn func(n int64) bool
}

func (p *countingProber) Probe(ctx context.Context, w *Worker) error {
	n := atomic.AddInt64(&p.calls, 1)
	if p.failFn != nil && p.failFn(n) {
		return errors.New("probe failed")
	}
	return nil
}

func TestHealthLoopProbesOnSchedule(t *testing.T) {
	prober := &countingProber{}
	r := NewRegistry(nil)
	loop := NewHealthLoop(r, map[ConnectionMode]Prober{ConnectionHTTP: prober}, nil)

	w := newTestWorker("w1", "http://w1", Wildcard())
	w.HealthConfig = HealthConfig{CheckIntervalSecs: 3600, TimeoutSecs: 1, SuccessThreshold: 1, FailureThreshold: 1}
	r.Register(w)
	loop.Schedule(w)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&prober.calls) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	loop.Stop()
}

func TestHealthLoopDisabledNeverScheduled(t *testing.T) {
	prober := &countingProber{}
	r := NewRegistry(nil)
	loop := NewHealthLoop(r, map[ConnectionMode]Prober{ConnectionHTTP: prober}, nil)

	w := newTestWorker("w1", "http://w1", Wildcard())
	w.HealthConfig = HealthConfig{DisableHealthCheck: true}
	r.Register(w)
	loop.Schedule(w)

	assert.Empty(t, loop.items)
}

func TestHealthLoopUnscheduleRemovesEntry(t *testing.T) {
	r := NewRegistry(nil)
	loop := NewHealthLoop(r, map[ConnectionMode]Prober{ConnectionHTTP: &countingProber{}}, nil)
	w := newTestWorker("w1", "http://w1", Wildcard())
	w.HealthConfig = HealthConfig{CheckIntervalSecs: 60}
	loop.Schedule(w)
	require.Len(t, loop.items, 1)

	loop.Unschedule(w.ID)
	assert.Empty(t, loop.items)
}

func TestHealthLoopFlipsWorkerUnhealthyAfterFailures(t *testing.T) {
	prober := &countingProber{failFn: func(n int64) bool { return true }}
	r := NewRegistry(nil)
	loop := NewHealthLoop(r, map[ConnectionMode]Prober{ConnectionHTTP: prober}, nil)

	w := newTestWorker("w1", "http://w1", Wildcard())
	w.HealthConfig = HealthConfig{CheckIntervalSecs: 3600, TimeoutSecs: 1, FailureThreshold: 1, SuccessThreshold: 1}
	r.Register(w)
	loop.Schedule(w)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer func() {
		cancel()
		loop.Stop()
	}()

	require.Eventually(t, func() bool {
		return !w.IsHealthy()
	}, time.Second, 5*time.Millisecond)
}
