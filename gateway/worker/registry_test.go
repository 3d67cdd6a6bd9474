package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(id, url string, models Models) *Worker {
	return New(Config{ID: id, URL: url, Models: models})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	w := newTestWorker("w1", "http://w1", NewModels(ModelCard{ID: "llama"}))
	r.Register(w)

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, w, got)
	assert.EqualValues(t, 1, r.Count())
}

func TestRegistryGeneratesIDWhenMissing(t *testing.T) {
	r := NewRegistry(nil)
	w := newTestWorker("", "http://w1", Wildcard())
	r.Register(w)
	assert.NotEmpty(t, w.ID)
}

func TestRegistryGetByModelIncludesWildcard(t *testing.T) {
	r := NewRegistry(nil)
	specific := newTestWorker("w1", "http://w1", NewModels(ModelCard{ID: "llama"}))
	wildcard := newTestWorker("w2", "http://w2", Wildcard())
	r.Register(specific)
	r.Register(wildcard)

	workers := r.GetByModel("llama")
	ids := map[string]bool{}
	for _, w := range workers {
		ids[w.ID] = true
	}
	assert.True(t, ids["w1"])
	assert.True(t, ids["w2"])

	none := r.GetByModel("other")
	assert.Len(t, none, 1) // only the wildcard worker
}

func TestRegistryDeregisterRemovesFromAllIndices(t *testing.T) {
	r := NewRegistry(nil)
	w := newTestWorker("w1", "http://w1", NewModels(ModelCard{ID: "llama"}))
	w.Type = TypePrefill
	r.Register(w)
	r.Deregister("w1")

	_, ok := r.Get("w1")
	assert.False(t, ok)
	assert.Empty(t, r.GetByModel("llama"))
	assert.Empty(t, r.GetPrefillWorkers())
	assert.EqualValues(t, 0, r.Count())
}

func TestRegistryHashRingStableForSameKey(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestWorker("w1", "http://w1", Wildcard()))
	r.Register(newTestWorker("w2", "http://w2", Wildcard()))
	r.Register(newTestWorker("w3", "http://w3", Wildcard()))

	ring := r.HashRing("")
	first := ring.Lookup("session-abc")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ring.Lookup("session-abc"))
	}
}

func TestRegistryHashRingInvalidatedOnMembershipChange(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestWorker("w1", "http://w1", Wildcard()))
	ring1 := r.HashRing("")
	assert.Equal(t, "http://w1", ring1.Lookup("any-key"))

	r.Register(newTestWorker("w2", "http://w2", Wildcard()))
	ring2 := r.HashRing("")
	assert.NotSame(t, ring1, ring2)
}

func TestRegistryPrefillDecodeSplitByType(t *testing.T) {
	r := NewRegistry(nil)
	p := newTestWorker("p1", "http://p1", Wildcard())
	p.Type = TypePrefill
	d := newTestWorker("d1", "http://d1", Wildcard())
	d.Type = TypeDecode
	r.Register(p)
	r.Register(d)

	assert.Len(t, r.GetPrefillWorkers(), 1)
	assert.Len(t, r.GetDecodeWorkers(), 1)
}

func TestHashRingLookupEmptyRing(t *testing.T) {
	ring := buildHashRing(nil)
	assert.Equal(t, "", ring.Lookup("anything"))
}
