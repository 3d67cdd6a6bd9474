// Package grpcbackend implements the gRPC half of the dispatch.Backend
// seam: a worker addressed in worker.ConnectionGRPC mode is reached
// through a Client instead of an HTTP POST. The wire schema (the actual
// protobuf service definition) is an external collaborator's concern
// per spec.md §1 — this package speaks the service described in spec.md
// §6 over a JSON codec registered with google.golang.org/grpc, rather
// than generated .pb.go stubs, so the dependency is real and exercised
// without fabricating generated code.
package grpcbackend

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const serviceName = "gateway.Inference"

// GenerateRequest is the unary-to-stream RPC input (spec.md §6).
type GenerateRequest struct {
	RequestID string         `json:"request_id"`
	Prompt    string         `json:"prompt,omitempty"`
	TokenIDs  []int32        `json:"token_ids,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// GenerateResponse is one frame of the Generate stream: a oneof over
// Chunk, Complete, and Error (spec.md §6). Exactly one of the three
// pointer fields is set on the wire; Go has no native oneof sugar, so
// the JSON codec simply omits the unset alternatives.
type GenerateResponse struct {
	Chunk    *GenerateChunk    `json:"chunk,omitempty"`
	Complete *GenerateComplete `json:"complete,omitempty"`
	Error    *GenerateError    `json:"error,omitempty"`
}

type GenerateChunk struct {
	TokenIDs         []int32   `json:"token_ids"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Logprobs         []float64 `json:"logprobs,omitempty"`
}

// GenerateComplete's MatchedStopID/MatchedStopString is itself a oneof:
// at most one is set, matching spec.md §6's "matched_stop (oneof id or
// string)".
type GenerateComplete struct {
	FinishReason       string `json:"finish_reason"`
	MatchedStopID      *int32 `json:"matched_stop_id,omitempty"`
	MatchedStopString  string `json:"matched_stop_string,omitempty"`
	PromptTokens       int    `json:"prompt_tokens"`
	CompletionTokens   int    `json:"completion_tokens"`
}

type GenerateError struct {
	Message string `json:"message"`
}

type AbortRequest struct {
	RequestID string `json:"request_id"`
}

type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

type ModelInfo struct {
	ModelID       string `json:"model_id"`
	MaxContextLen int    `json:"max_context_len"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Backend string `json:"backend"`
}

// Client is the core-visible surface of a gRPC inference backend.
// gateway/streaming.Aborter is satisfied by Abort's signature alone, so
// a *defaultClient can be handed directly to streaming.NewAbortGuard.
type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (GenerateStream, error)
	HealthCheck(ctx context.Context) error
	Abort(ctx context.Context, requestID string) error
	GetModelInfo(ctx context.Context) (*ModelInfo, error)
	GetServerInfo(ctx context.Context) (*ServerInfo, error)
}

// GenerateStream yields GenerateResponse frames until io.EOF.
type GenerateStream interface {
	Recv() (*GenerateResponse, error)
	Close() error
}

type defaultClient struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established *grpc.ClientConn. Callers normally
// obtain conn through a Cell rather than constructing one per call.
func NewClient(conn *grpc.ClientConn) Client {
	return &defaultClient{conn: conn}
}

func (c *defaultClient) Generate(ctx context.Context, req *GenerateRequest) (GenerateStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{StreamName: "Generate", ServerStreams: true},
		fullMethod("Generate"), grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: open Generate stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: send Generate request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: close Generate send side: %w", err)
	}
	return &grpcGenerateStream{stream: stream, cancel: cancel}, nil
}

// grpcGenerateStream adapts a grpc.ClientStream to GenerateStream.
// Close cancels the stream's own context rather than calling CloseSend
// again (already sent in Generate): this is what lets
// streaming.AbortGuard.Close stop an in-flight Recv promptly instead of
// waiting for the server to notice the dropped client.
type grpcGenerateStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcGenerateStream) Recv() (*GenerateResponse, error) {
	resp := &GenerateResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *grpcGenerateStream) Close() error {
	s.cancel()
	return nil
}

func (c *defaultClient) HealthCheck(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("HealthCheck"), &struct{}{}, &struct{}{}, grpc.CallContentSubtype(jsonCodecName))
}

func (c *defaultClient) Abort(ctx context.Context, requestID string) error {
	return c.conn.Invoke(ctx, fullMethod("Abort"), &AbortRequest{RequestID: requestID}, &AbortResponse{}, grpc.CallContentSubtype(jsonCodecName))
}

func (c *defaultClient) GetModelInfo(ctx context.Context) (*ModelInfo, error) {
	var info ModelInfo
	if err := c.conn.Invoke(ctx, fullMethod("GetModelInfo"), &struct{}{}, &info, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, fmt.Errorf("grpcbackend: GetModelInfo: %w", err)
	}
	return &info, nil
}

func (c *defaultClient) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.conn.Invoke(ctx, fullMethod("GetServerInfo"), &struct{}{}, &info, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, fmt.Errorf("grpcbackend: GetServerInfo: %w", err)
	}
	return &info, nil
}

func fullMethod(rpc string) string {
	return "/" + serviceName + "/" + rpc
}

const jsonCodecName = "json"

// jsonCodec lets this package's Client speak the inference service
// without generated protobuf marshaling, since the wire schema itself
// is out of scope (spec.md §1). Registered once via encoding.RegisterCodec
// so grpc.CallContentSubtype("json") resolves it per-call.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
