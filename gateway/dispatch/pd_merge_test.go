package dispatch

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLogprobsJSONPrependsPrefillArray(t *testing.T) {
	prefill := `{"meta_info":{"input_token_logprobs":[1,2]}}`
	decode := `{"meta_info":{"input_token_logprobs":[3,4]},"text":"hi"}`

	merged := mergeLogprobsJSON([]byte(prefill), []byte(decode))
	assert.JSONEq(t, `{"meta_info":{"input_token_logprobs":[1,2,3,4]},"text":"hi"}`, string(merged))
}

func TestMergeLogprobsJSONNoopWhenDecodeLacksField(t *testing.T) {
	prefill := `{"meta_info":{"input_token_logprobs":[1,2]}}`
	decode := `{"meta_info":{},"text":"hi"}`

	merged := mergeLogprobsJSON([]byte(prefill), []byte(decode))
	assert.JSONEq(t, decode, string(merged))
}

func TestMergeLogprobsJSONNoopWhenPrefillLacksMeta(t *testing.T) {
	prefill := `{}`
	decode := `{"meta_info":{"input_token_logprobs":[3,4]}}`

	merged := mergeLogprobsJSON([]byte(prefill), []byte(decode))
	assert.JSONEq(t, decode, string(merged))
}

func TestExtractInputTokenLogprobs(t *testing.T) {
	body := `{"meta_info":{"input_token_logprobs":[1,2,3]}}`
	arr := extractInputTokenLogprobs([]byte(body))
	require.Len(t, arr, 3)
}

func TestExtractInputTokenLogprobsMissingReturnsNil(t *testing.T) {
	assert.Nil(t, extractInputTokenLogprobs([]byte(`{}`)))
}

func TestLogprobSplicingReaderSplicesFirstMatchingFrameOnly(t *testing.T) {
	stream := `data: {"meta_info":{}}` + "\n\n" +
		`data: {"meta_info":{"input_token_logprobs":[3]}}` + "\n\n" +
		`data: {"meta_info":{"input_token_logprobs":[4]}}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	r := newLogprobSplicingReader(strings.NewReader(stream), []any{float64(1), float64(2)})
	out, err := io.ReadAll(r)
	require.NoError(t, err)

	result := string(out)
	assert.Contains(t, result, `data: {"meta_info":{}}`)
	assert.Contains(t, result, `"input_token_logprobs":[1,2,3]`)
	assert.Contains(t, result, `"input_token_logprobs":[4]`)
	assert.Contains(t, result, "data: [DONE]")
}

func TestLogprobSplicingReaderPassesThroughWhenNoLogprobsCaptured(t *testing.T) {
	stream := `data: {"meta_info":{"input_token_logprobs":[9]}}` + "\n\n" + `data: [DONE]` + "\n\n"
	r := newLogprobSplicingReader(strings.NewReader(stream), nil)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, stream, string(out))
}
