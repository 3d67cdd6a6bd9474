package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifyMarkers(token string) (harmonyChannel, bool) {
	switch token {
	case "<|analysis|>":
		return channelAnalysis, true
	case "<|final|>":
		return channelFinal, true
	case "<|commentary|>":
		return channelCommentary, true
	default:
		return channelNone, false
	}
}

func TestHarmonyParserDefaultsToFinalChannel(t *testing.T) {
	p := NewHarmonyParser(classifyMarkers)
	d := p.Feed("hello")
	assert.Equal(t, "hello", d.FinalDelta)
	assert.Empty(t, d.AnalysisDelta)
	assert.Empty(t, d.CommentaryDelta)
}

func TestHarmonyParserSwitchesChannelsOnMarkers(t *testing.T) {
	p := NewHarmonyParser(classifyMarkers)

	marker := p.Feed("<|analysis|>")
	assert.Equal(t, HarmonyChannelDelta{}, marker)

	d := p.Feed("thinking")
	assert.Equal(t, "thinking", d.AnalysisDelta)

	p.Feed("<|commentary|>")
	d = p.Feed(`{"x":1}`)
	assert.Equal(t, `{"x":1}`, d.CommentaryDelta)

	p.Feed("<|final|>")
	d = p.Feed("answer")
	assert.Equal(t, "answer", d.FinalDelta)
}

func TestHarmonyParserNilClassifierRoutesEverythingToFinal(t *testing.T) {
	p := NewHarmonyParser(nil)
	d := p.Feed("plain text")
	assert.Equal(t, "plain text", d.FinalDelta)
}

func TestToolCallIDGeneratorAssignsOncePerIndex(t *testing.T) {
	g := NewToolCallIDGenerator("my-model", 2)

	id, isNew := g.IDFor(0, "")
	assert.Empty(t, id)
	assert.False(t, isNew)

	id, isNew = g.IDFor(0, "get_weather")
	require.True(t, isNew)
	assert.Equal(t, "call_2", id)

	id2, isNew := g.IDFor(0, "get_weather")
	assert.False(t, isNew)
	assert.Equal(t, id, id2)

	id3, isNew := g.IDFor(1, "get_time")
	require.True(t, isNew)
	assert.Equal(t, "call_3", id3)
	assert.NotEqual(t, id, id3)
}
