package grpcbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/BaSui01/llmgateway/gateway/dispatch"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

// backendTestConn starts a fake inference server on an in-process
// bufconn listener and returns a *Backend that dials it in place of a
// real worker address, plus the worker.Worker pointed at that address.
func backendTestConn(t *testing.T, impl *fakeInferenceServer) (*Backend, *worker.Worker) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(serviceDesc(impl), impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	b := NewBackend()
	c := NewCell("passthrough:///backend-test")
	conn, err := grpc.NewClient("passthrough:///backend-test",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Pre-seed the Cell so Backend reuses this bufconn-backed connection
	// instead of dialing the (unreachable) worker URL for real.
	c.conn = conn
	c.client = NewClient(conn)
	c.once.Do(func() {})
	b.cells["worker://test"] = c

	w := worker.New(worker.Config{ID: "w1", URL: "worker://test", BaseURL: "worker://test"})
	return b, w
}

func readFrames(t *testing.T, resp *dispatch.Response) []*GenerateResponse {
	t.Helper()
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	var frames []*GenerateResponse
	for scanner.Scan() {
		var f GenerateResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		frames = append(frames, &f)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestBackendSendStreamsFramesAsNDJSON(t *testing.T) {
	impl := &fakeInferenceServer{generateFrames: []*GenerateResponse{
		{Chunk: &GenerateChunk{TokenIDs: []int32{1}, CompletionTokens: 1}},
		{Complete: &GenerateComplete{FinishReason: "stop", CompletionTokens: 1}},
	}}
	b, w := backendTestConn(t, impl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := b.Send(ctx, w, &dispatch.Request{RoutingKey: "req-1", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	frames := readFrames(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, []int32{1}, frames[0].Chunk.TokenIDs)
	assert.Equal(t, "stop", frames[1].Complete.FinishReason)
}

func TestBackendSendPropagatesStreamErrorThroughBody(t *testing.T) {
	impl := &fakeInferenceServer{generateErr: errors.New("worker overloaded")}
	b, w := backendTestConn(t, impl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := b.Send(ctx, w, &dispatch.Request{RoutingKey: "req-2", Text: "hi"})
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
	}
	assert.Error(t, scanner.Err())
	resp.Body.Close()
}

func TestBackendCellForReusesCellPerURL(t *testing.T) {
	b := NewBackend()
	first := b.cellFor("worker://a")
	second := b.cellFor("worker://a")
	third := b.cellFor("worker://b")

	assert.Same(t, first, second)
	assert.NotSame(t, first, third)
}
