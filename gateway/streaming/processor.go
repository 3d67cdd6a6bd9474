package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FrameKind discriminates the backend frame oneof described in spec.md
// §6: a GenerateResponse is either a token Chunk, a terminal Complete, or
// an Error.
type FrameKind int

const (
	FrameChunk FrameKind = iota
	FrameComplete
	FrameError
)

// BackendFrame is one frame read off a backend stream (HTTP SSE line or
// gRPC message), already reduced to the fields the processor needs.
// Token decoding and Harmony grammar parsing of raw token ids is a
// tokenizer/chat-template concern (spec.md's Non-goals) left to the
// caller: Tokens carries already-decoded token strings, and ToolIndex /
// ToolName carry whatever the backend's function-call extraction already
// identified for the current commentary-channel token.
type BackendFrame struct {
	Kind  FrameKind
	Index int // output index, for n>1 sampling

	Tokens   []string
	ToolName string // non-empty exactly on the token that first names a tool call
	ToolIndex int

	PromptTokens     int64
	CompletionTokens int64

	FinishReason string
	MatchedStop  any // string, integer token id, or nil

	Err error
}

// ChatCompletionChunk is the OpenAI-compatible streaming chat schema
// spec.md §4.8 targets.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
	MatchedStop  any     `json:"matched_stop,omitempty"`
}

type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          *string         `json:"content,omitempty"`
	ReasoningContent *string         `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

type ToolCallDelta struct {
	Index    int                 `json:"index"`
	ID       *string             `json:"id,omitempty"`
	Type     *string             `json:"type,omitempty"`
	Function *FunctionCallDelta  `json:"function,omitempty"`
}

type FunctionCallDelta struct {
	Name      *string `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// outputState is the per-output-index bookkeeping spec.md §4.8 requires:
// whether this index has emitted its role-bearing first chunk yet,
// whether it has produced any tool calls (feeds the finish-reason
// policy), and its own Harmony parser and tool-call id generator since
// each sampled output decodes independently.
type outputState struct {
	parser       *HarmonyParser
	toolIDs      *ToolCallIDGenerator
	firstChunk   bool
	hasToolCalls bool
	finishReason string
	matchedStop  any
}

// Processor turns a sequence of BackendFrame into OpenAI-compatible SSE
// lines, per output index, with Harmony channel demultiplexing and the
// finish-reason / usage-chunk / [DONE] contract of spec.md §4.8.
type Processor struct {
	id             string
	model          string
	includeUsage   bool
	classify       func(token string) (harmonyChannel, bool)
	historyToolCnt int

	logger *zap.Logger
	states map[int]*outputState
}

// NewProcessor builds a processor for one request. classify recognizes
// Harmony channel-marker tokens (nil disables multi-channel parsing,
// routing everything to content). includeUsage controls whether a final
// usage-only chunk is emitted before [DONE].
func NewProcessor(id, model string, includeUsage bool, classify func(token string) (harmonyChannel, bool), historyToolCallCount int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		id:             id,
		model:          model,
		includeUsage:   includeUsage,
		classify:       classify,
		historyToolCnt: historyToolCallCount,
		logger:         logger,
		states:         make(map[int]*outputState),
	}
}

func (p *Processor) stateFor(index int) *outputState {
	if st, ok := p.states[index]; ok {
		return st
	}
	st := &outputState{
		parser:  NewHarmonyParser(p.classify),
		toolIDs: NewToolCallIDGenerator(p.model, p.historyToolCnt),
	}
	p.states[index] = st
	return st
}

// Feed consumes one backend frame and returns zero or more already
// SSE-formatted lines ("data: {...}\n\n"). A Complete frame yields a
// finish-reason chunk (and, if usage was requested, a usage chunk); an
// Error frame yields one error chunk and no further frames should be fed
// afterward. Callers append "data: [DONE]\n\n" once after the stream's
// final frame via Done.
func (p *Processor) Feed(frame BackendFrame) []string {
	switch frame.Kind {
	case FrameError:
		return []string{p.formatError(frame)}
	case FrameComplete:
		return p.feedComplete(frame)
	default:
		return p.feedChunk(frame)
	}
}

func (p *Processor) feedChunk(frame BackendFrame) []string {
	st := p.stateFor(frame.Index)
	var events []string

	var analysis, final, commentary strings.Builder
	for _, tok := range frame.Tokens {
		d := st.parser.Feed(tok)
		analysis.WriteString(d.AnalysisDelta)
		final.WriteString(d.FinalDelta)
		commentary.WriteString(d.CommentaryDelta)
	}

	hasContent := analysis.Len() > 0 || final.Len() > 0 || commentary.Len() > 0
	if !hasContent {
		return nil
	}

	if !st.firstChunk {
		st.firstChunk = true
		events = append(events, p.format(frame.Index, Delta{Role: "assistant"}, nil, nil))
	}

	delta := Delta{}
	if final.Len() > 0 {
		s := final.String()
		delta.Content = &s
	}
	if analysis.Len() > 0 {
		s := analysis.String()
		delta.ReasoningContent = &s
	}
	if commentary.Len() > 0 {
		st.hasToolCalls = true
		id, isNew := st.toolIDs.IDFor(frame.ToolIndex, frame.ToolName)
		tc := ToolCallDelta{Index: frame.ToolIndex}
		if isNew {
			tc.ID = &id
			t := "function"
			tc.Type = &t
		}
		fn := &FunctionCallDelta{}
		if frame.ToolName != "" {
			fn.Name = &frame.ToolName
		}
		arg := commentary.String()
		fn.Arguments = &arg
		tc.Function = fn
		delta.ToolCalls = []ToolCallDelta{tc}
	}

	events = append(events, p.format(frame.Index, delta, nil, nil))
	return events
}

func (p *Processor) feedComplete(frame BackendFrame) []string {
	st := p.stateFor(frame.Index)
	st.finishReason = resolveFinishReason(frame.FinishReason, st.hasToolCalls)
	st.matchedStop = frame.MatchedStop

	var events []string
	reason := st.finishReason
	events = append(events, p.format(frame.Index, Delta{}, &reason, st.matchedStop))

	if p.includeUsage {
		chunk := ChatCompletionChunk{
			ID:      p.id,
			Object:  "chat.completion.chunk",
			Model:   p.model,
			Choices: []StreamChoice{},
			Usage: &Usage{
				PromptTokens:     frame.PromptTokens,
				CompletionTokens: frame.CompletionTokens,
				TotalTokens:      frame.PromptTokens + frame.CompletionTokens,
			},
		}
		events = append(events, sseLine(chunk))
	}
	return events
}

// resolveFinishReason implements spec.md §4.8's finish-reason policy:
// an empty/blank backend reason becomes "tool_calls" if this output
// produced any, else "stop"; a non-blank reason passes through verbatim.
func resolveFinishReason(backendReason string, hasToolCalls bool) string {
	if strings.TrimSpace(backendReason) == "" {
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	}
	return backendReason
}

// Done returns the terminating SSE line. Call exactly once after the
// last Feed.
func (p *Processor) Done() string { return "data: [DONE]\n\n" }

func (p *Processor) format(index int, delta Delta, finishReason *string, matchedStop any) string {
	chunk := ChatCompletionChunk{
		ID:      p.id,
		Object:  "chat.completion.chunk",
		Model:   p.model,
		Choices: []StreamChoice{{Index: index, Delta: delta, FinishReason: finishReason, MatchedStop: matchedStop}},
	}
	return sseLine(chunk)
}

func (p *Processor) formatError(frame BackendFrame) string {
	msg := "stream error"
	if frame.Err != nil {
		msg = frame.Err.Error()
	}
	body, err := json.Marshal(map[string]any{"error": map[string]any{"message": msg}})
	if err != nil {
		p.logger.Error("failed to marshal stream error frame", zap.Error(err))
		body = []byte(fmt.Sprintf(`{"error":{"message":%q}}`, msg))
	}
	return "data: " + string(body) + "\n\n"
}

func sseLine(chunk ChatCompletionChunk) string {
	body, err := json.Marshal(chunk)
	if err != nil {
		// Marshal of a struct built entirely from string/int/slice fields
		// cannot fail; if it somehow does, surface an empty content delta
		// rather than panicking mid-stream.
		return `data: {}` + "\n\n"
	}
	return "data: " + string(body) + "\n\n"
}
