package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/atlaserr"
	"atlas/internal/registry"
)

func TestValidate_FailsWithoutUniversalVariant(t *testing.T) {
	r := New()
	r.Register("consolidation-classify", Variant{Target: Target("openai"), Priority: 1, Template: "hi"})
	assert.Error(t, r.Validate())
}

func TestValidate_PassesWithUniversalVariant(t *testing.T) {
	r := New()
	r.Register("consolidation-classify", Variant{Target: Universal, Priority: 0, Template: "base {{a}}"})
	assert.NoError(t, r.Validate())
}

func TestSelect_PrefersCapabilityMatchOverGenericVariant(t *testing.T) {
	r := New()
	r.Register("consolidation-classify", Variant{Target: Universal, Priority: 0, Template: "generic"})
	r.Register("consolidation-classify", Variant{
		Target: Universal, Priority: 0, RequiredCapability: registry.CapJSONCompletion, Template: "json-aware",
	})

	v, err := r.Select("consolidation-classify", SelectOpts{
		AvailableCapabilities: map[registry.Capability]bool{registry.CapJSONCompletion: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "json-aware", v.Template)
}

func TestSelect_FallsBackToUniversalWhenNoProviderMatch(t *testing.T) {
	r := New()
	r.Register("consolidation-classify", Variant{Target: Universal, Priority: 0, Template: "generic"})
	r.Register("consolidation-classify", Variant{Target: Target("anthropic"), Priority: 5, Template: "anthropic-tuned"})

	v, err := r.Select("consolidation-classify", SelectOpts{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "generic", v.Template)
}

func TestSelect_PrefersModelFamilyOverBareProviderOverUniversal(t *testing.T) {
	r := New()
	r.Register("consolidation-classify", Variant{Target: Universal, Priority: 0, Template: "generic"})
	r.Register("consolidation-classify", Variant{Target: Target("openai"), Priority: 0, Template: "openai-generic"})
	r.Register("consolidation-classify", Variant{Target: Target("openai:gpt-4"), Priority: 0, Template: "openai-gpt4"})

	v, err := r.Select("consolidation-classify", SelectOpts{Provider: "openai", ModelFamily: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "openai-gpt4", v.Template)
}

func TestSelect_UnknownIDReturnsError(t *testing.T) {
	r := New()
	_, err := r.Select("nope", SelectOpts{})
	assert.Error(t, err)
}

func TestRender_SubstitutesAllPlaceholders(t *testing.T) {
	out, err := Render("classify {{chunk_a}} vs {{chunk_b}}", map[string]string{"chunk_a": "foo", "chunk_b": "bar"})
	require.NoError(t, err)
	assert.Equal(t, "classify foo vs bar", out)
}

func TestRender_MissingPlaceholderIsFatal(t *testing.T) {
	_, err := Render("classify {{chunk_a}} vs {{chunk_b}}", map[string]string{"chunk_a": "foo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, atlaserr.ErrMissingTemplateVar)
}
