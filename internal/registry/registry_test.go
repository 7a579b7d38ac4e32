package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/atlaserr"
)

type fakeProvider struct {
	name string
	caps map[Capability]bool
	lat  LatencyClass
}

func (f fakeProvider) Name() string                       { return f.name }
func (f fakeProvider) Capabilities() map[Capability]bool   { return f.caps }
func (f fakeProvider) Latency() LatencyClass               { return f.lat }

func TestRegistry_SelectReturnsHighestPriority(t *testing.T) {
	r := New()
	low := fakeProvider{name: "ollama", caps: map[Capability]bool{CapTextEmbedding: true}, lat: LatencyFast}
	high := fakeProvider{name: "voyage", caps: map[Capability]bool{CapTextEmbedding: true}, lat: LatencyNormal}

	r.Register(low, 1)
	r.Register(high, 10)

	p, err := r.Select(CapTextEmbedding)
	require.NoError(t, err)
	assert.Equal(t, "voyage", p.Name())
}

func TestRegistry_SelectNoProviderIsDistinctErrorKind(t *testing.T) {
	r := New()
	_, err := r.Select(CapReranking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, atlaserr.ErrCapabilityMismatch))
}

func TestRegistry_ClearThenReRegisterIsIdempotent(t *testing.T) {
	r := New()
	p := fakeProvider{name: "anthropic", caps: map[Capability]bool{CapJSONCompletion: true}, lat: LatencyNormal}
	r.Register(p, 5)

	r.Clear()
	_, err := r.Select(CapJSONCompletion)
	assert.Error(t, err)

	r.Register(p, 5)
	got, err := r.Select(CapJSONCompletion)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got.Name())
}

func TestRegistry_SelectNamed(t *testing.T) {
	r := New()
	a := fakeProvider{name: "anthropic", caps: map[Capability]bool{CapTextCompletion: true}, lat: LatencyNormal}
	b := fakeProvider{name: "openai", caps: map[Capability]bool{CapTextCompletion: true}, lat: LatencyFast}
	r.Register(a, 1)
	r.Register(b, 1)

	p, err := r.SelectNamed(CapTextCompletion, "openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = r.SelectNamed(CapTextCompletion, "google")
	assert.Error(t, err)
}
