package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// mergeLogprobsJSON implements spec.md §4.7 step 6's non-streaming merge:
// prepend prefill's meta_info.input_token_logprobs onto decode's field of
// the same name, leaving decodeBody untouched if either side lacks the
// field. Grounded on the original router's merge_logprobs_in_json, which
// only merges when both sides already carry the key (it never invents an
// empty array on the decode side).
func mergeLogprobsJSON(prefillBody, decodeBody []byte) []byte {
	var prefill, decode map[string]any
	if err := json.Unmarshal(prefillBody, &prefill); err != nil {
		return decodeBody
	}
	if err := json.Unmarshal(decodeBody, &decode); err != nil {
		return decodeBody
	}

	merged, ok := mergeLogprobsInMap(prefill, decode)
	if !ok {
		return decodeBody
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return decodeBody
	}
	return out
}

func mergeLogprobsInMap(prefill, decode map[string]any) (map[string]any, bool) {
	prefillMeta, ok := prefill["meta_info"].(map[string]any)
	if !ok {
		return decode, false
	}
	decodeMeta, ok := decode["meta_info"].(map[string]any)
	if !ok {
		return decode, false
	}
	prefillLogprobs, ok := prefillMeta["input_token_logprobs"].([]any)
	if !ok {
		return decode, false
	}
	decodeLogprobs, ok := decodeMeta["input_token_logprobs"].([]any)
	if !ok {
		return decode, false
	}

	merged := make([]any, 0, len(prefillLogprobs)+len(decodeLogprobs))
	merged = append(merged, prefillLogprobs...)
	merged = append(merged, decodeLogprobs...)
	decodeMeta["input_token_logprobs"] = merged
	decode["meta_info"] = decodeMeta
	return decode, true
}

// extractInputTokenLogprobs reads meta_info.input_token_logprobs from a
// non-streaming prefill response body, for prepending onto the decode
// stream's matching frame (spec.md §4.7 step 6, streaming case).
func extractInputTokenLogprobs(prefillBody []byte) []any {
	var payload map[string]any
	if err := json.Unmarshal(prefillBody, &payload); err != nil {
		return nil
	}
	meta, ok := payload["meta_info"].(map[string]any)
	if !ok {
		return nil
	}
	arr, ok := meta["input_token_logprobs"].([]any)
	if !ok {
		return nil
	}
	return arr
}

// logprobSplicingReader wraps a decode SSE stream and, exactly once,
// splices prefillLogprobs into the first frame whose
// meta_info.input_token_logprobs is present. All other frames (including
// [DONE]) pass through byte-for-byte. Grounded on the original router's
// merge_streaming_logprobs, adapted from a per-chunk bytes::Bytes
// transform to a streaming io.Reader since Go's io.Reader has no
// chunk-stream equivalent to reqwest's bytes_stream().
type logprobSplicingReader struct {
	src      *bufferedSSEReader
	logprobs []any
	spliced  bool
}

func newLogprobSplicingReader(src io.Reader, logprobs []any) *logprobSplicingReader {
	return &logprobSplicingReader{src: newBufferedSSEReader(src), logprobs: logprobs}
}

func (r *logprobSplicingReader) Read(p []byte) (int, error) {
	if r.src.pending.Len() == 0 {
		frame, err := r.src.nextFrame()
		if frame != "" {
			r.src.pending.WriteString(r.processFrame(frame))
		}
		if err != nil && r.src.pending.Len() == 0 {
			return 0, err
		}
	}
	return r.src.pending.Read(p)
}

func (r *logprobSplicingReader) processFrame(frame string) string {
	if r.spliced || len(r.logprobs) == 0 {
		return frame
	}
	if !strings.HasPrefix(frame, "data: ") || strings.Contains(frame, "[DONE]") {
		return frame
	}
	jsonStr := strings.TrimSpace(strings.TrimPrefix(frame, "data: "))

	var payload map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return frame
	}
	meta, ok := payload["meta_info"].(map[string]any)
	if !ok {
		return frame
	}
	decodeLogprobs, ok := meta["input_token_logprobs"].([]any)
	if !ok {
		return frame
	}

	merged := make([]any, 0, len(r.logprobs)+len(decodeLogprobs))
	merged = append(merged, r.logprobs...)
	merged = append(merged, decodeLogprobs...)
	meta["input_token_logprobs"] = merged
	payload["meta_info"] = meta
	r.spliced = true

	out, err := json.Marshal(payload)
	if err != nil {
		return frame
	}
	return "data: " + string(out) + "\n\n"
}

// bufferedSSEReader splits an underlying stream into "\n\n"-delimited SSE
// frames, buffering a trailing partial frame across Read calls.
type bufferedSSEReader struct {
	src     io.Reader
	buf     bytes.Buffer
	pending bytes.Buffer
	eof     bool
}

func newBufferedSSEReader(src io.Reader) *bufferedSSEReader {
	return &bufferedSSEReader{src: src}
}

// nextFrame returns the next complete "...\n\n"-terminated frame it can
// assemble, reading from src as needed. At EOF it flushes whatever
// remains (even without a trailing delimiter) and returns io.EOF.
func (b *bufferedSSEReader) nextFrame() (string, error) {
	for {
		if idx := bytes.Index(b.buf.Bytes(), []byte("\n\n")); idx >= 0 {
			frame := b.buf.Next(idx + 2)
			return string(frame), nil
		}
		if b.eof {
			if b.buf.Len() == 0 {
				return "", io.EOF
			}
			frame := b.buf.String()
			b.buf.Reset()
			return frame, io.EOF
		}
		chunk := make([]byte, 4096)
		n, err := b.src.Read(chunk)
		if n > 0 {
			b.buf.Write(chunk[:n])
		}
		if err != nil {
			b.eof = true
			if err != io.EOF {
				if b.buf.Len() == 0 {
					return "", err
				}
			}
		}
	}
}
