package streaming

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAborter struct {
	calls int32
	reqID atomic.Value
}

func (f *fakeAborter) Abort(_ context.Context, requestID string) error {
	atomic.AddInt32(&f.calls, 1)
	f.reqID.Store(requestID)
	return nil
}

func TestAbortGuardFiresAbortOnCloseWithoutMarkCompleted(t *testing.T) {
	stream := &fakeReadCloser{}
	aborter := &fakeAborter{}

	g := NewAbortGuard(stream, aborter, "req-123", time.Second, nil)
	require.NoError(t, g.Close())
	assert.True(t, stream.closed)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&aborter.calls) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "req-123", aborter.reqID.Load())
}

func TestAbortGuardSuppressesAbortAfterMarkCompleted(t *testing.T) {
	stream := &fakeReadCloser{}
	aborter := &fakeAborter{}

	g := NewAbortGuard(stream, aborter, "req-123", time.Second, nil)
	g.MarkCompleted()
	require.NoError(t, g.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&aborter.calls))
}

func TestAbortGuardFiresAtMostOnceAcrossDoubleClose(t *testing.T) {
	stream := &fakeReadCloser{}
	aborter := &fakeAborter{}

	g := NewAbortGuard(stream, aborter, "req-123", time.Second, nil)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&aborter.calls) >= 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&aborter.calls))
}

func TestAbortGuardWithoutAborterDoesNotPanic(t *testing.T) {
	stream := &fakeReadCloser{}
	g := NewAbortGuard(stream, nil, "req-123", time.Second, nil)
	require.NoError(t, g.Close())
}

func TestAbortGuardReadDelegatesToStream(t *testing.T) {
	stream := &fakeReadCloser{}
	g := NewAbortGuard(stream, nil, "req-123", time.Second, nil)
	n, err := g.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.NoError(t, err)
}
