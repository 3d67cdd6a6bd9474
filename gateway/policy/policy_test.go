package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmgateway/gateway/worker"
)

func threeWorkers() []*worker.Worker {
	return []*worker.Worker{
		newPolicyTestWorker("w1", "http://w1"),
		newPolicyTestWorker("w2", "http://w2"),
		newPolicyTestWorker("w3", "http://w3"),
	}
}

func TestRoundRobinCyclesThroughCandidates(t *testing.T) {
	p := NewRoundRobinPolicy()
	candidates := threeWorkers()
	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		info, ok := p.Select(candidates, Request{})
		require.True(t, ok)
		seen = append(seen, info.Worker.URL)
	}
	assert.Equal(t, []string{"http://w1", "http://w2", "http://w3", "http://w1", "http://w2", "http://w3"}, seen)
}

func TestRoundRobinEmptyCandidates(t *testing.T) {
	p := NewRoundRobinPolicy()
	_, ok := p.Select(nil, Request{})
	assert.False(t, ok)
}

func TestRandomPolicyAlwaysReturnsACandidate(t *testing.T) {
	p := NewRandomPolicy(42)
	candidates := threeWorkers()
	for i := 0; i < 20; i++ {
		info, ok := p.Select(candidates, Request{})
		require.True(t, ok)
		assert.Contains(t, []string{"http://w1", "http://w2", "http://w3"}, info.Worker.URL)
	}
}

func TestShortestQueuePicksLowestLoad(t *testing.T) {
	p := NewShortestQueuePolicy()
	candidates := threeWorkers()
	candidates[0].IncrementLoad()
	candidates[1].IncrementLoad()
	candidates[1].IncrementLoad()

	info, ok := p.Select(candidates, Request{})
	require.True(t, ok)
	assert.Equal(t, "http://w3", info.Worker.URL)
}

func TestPowerOfTwoChoicesPicksLowerOfSampledPair(t *testing.T) {
	p := NewPowerOfTwoChoicesPolicy(7)
	candidates := threeWorkers()
	candidates[0].IncrementLoad()
	candidates[1].IncrementLoad()
	for i := 0; i < 20; i++ {
		info, ok := p.Select(candidates, Request{})
		require.True(t, ok)
		assert.NotEmpty(t, info.Worker.URL)
	}
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	r := worker.NewRegistry(nil)
	candidates := threeWorkers()
	for _, w := range candidates {
		r.Register(w)
	}
	p := NewConsistentHashPolicy(r, "")

	first, ok := p.Select(candidates, Request{Key: "session-1"})
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		info, ok := p.Select(candidates, Request{Key: "session-1"})
		require.True(t, ok)
		assert.Equal(t, first.Worker.URL, info.Worker.URL)
	}
}

func TestConsistentHashEmptyKeyFallsBackToRandom(t *testing.T) {
	r := worker.NewRegistry(nil)
	candidates := threeWorkers()
	p := NewConsistentHashPolicy(r, "")
	info, ok := p.Select(candidates, Request{})
	require.True(t, ok)
	assert.NotEmpty(t, info.Worker.URL)
}

func TestRegistryDefaultAndPerModelOverride(t *testing.T) {
	reg := NewRegistry(NewRoundRobinPolicy(), nil)
	assert.Equal(t, "round_robin", reg.For("any-model").Name())

	reg.SetForModel("llama", NewShortestQueuePolicy())
	assert.Equal(t, "shortest_queue", reg.For("llama").Name())
	assert.Equal(t, "round_robin", reg.For("other-model").Name())
}

func TestRegistrySetDefaultReplacesFallback(t *testing.T) {
	reg := NewRegistry(NewRoundRobinPolicy(), nil)
	reg.SetDefault(NewRandomPolicy(1))
	assert.Equal(t, "random", reg.For("anything").Name())
}
