package grpcbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/BaSui01/llmgateway/gateway/dispatch"
	"github.com/BaSui01/llmgateway/gateway/worker"
)

// Backend implements dispatch.Backend over gRPC workers. Each distinct
// worker URL gets its own Cell, so concurrent dispatches to the same
// worker share one connection instead of dialing per request.
type Backend struct {
	mu    sync.Mutex
	cells map[string]*Cell
}

func NewBackend() *Backend {
	return &Backend{cells: make(map[string]*Cell)}
}

func (b *Backend) cellFor(target string) *Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cells[target]; ok {
		return c
	}
	c := NewCell(target)
	b.cells[target] = c
	return c
}

// Send adapts one dispatch.Request to a Generate call and streams the
// response frames back as newline-delimited JSON, one GenerateResponse
// per line, so dispatch.Response.Body is a plain io.ReadCloser
// regardless of whether the underlying worker is reached over gRPC or
// HTTP (gateway/transport). Decoding those frames into chat-completion
// output is a caller concern, same as for the HTTP backend's raw SSE
// body.
func (b *Backend) Send(ctx context.Context, w *worker.Worker, req *dispatch.Request) (*dispatch.Response, error) {
	client, err := b.cellFor(w.URL).Get(ctx)
	if err != nil {
		return nil, err
	}

	greq := &GenerateRequest{RequestID: req.RoutingKey, Prompt: req.Text, TokenIDs: req.Tokens, Params: req.Body}
	stream, err := client.Generate(ctx, greq)
	if err != nil {
		return nil, fmt.Errorf("grpcbackend: generate against %s: %w", w.URL, err)
	}

	pr, pw := io.Pipe()
	go pumpFrames(stream, pw)

	return &dispatch.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: pr}, nil
}

// pumpFrames drains stream into pw as newline-delimited JSON, closing pw
// (with error, if any) once the stream yields a Complete/Error frame or
// ends. Runs on its own goroutine so Send returns as soon as the stream
// opens, matching the HTTP transport's body-is-a-live-reader contract.
func pumpFrames(stream GenerateStream, pw *io.PipeWriter) {
	defer stream.Close()
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			pw.Close()
			return
		}
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		line, err := json.Marshal(resp)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		line = append(line, '\n')
		if _, err := pw.Write(line); err != nil {
			return
		}

		if resp.Complete != nil || resp.Error != nil {
			pw.Close()
			return
		}
	}
}
