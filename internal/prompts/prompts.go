// Package prompts implements the Prompt Registry (C8): named templates with
// target-scoped variants, selected by specificity/capability/priority and
// rendered by `{{placeholder}}` substitution (spec §4.8), in the style the
// teacher uses for its own `{{PROJECT_DIR}}`-style MCP arg substitution
// (internal/mcpclient/pool.go).
package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"atlas/internal/atlaserr"
	"atlas/internal/registry"
)

// Target scopes a variant to `*`, a provider name, or `provider:model_family`.
type Target string

const Universal Target = "*"

// Variant is one candidate rendering of a prompt id.
type Variant struct {
	Target             Target
	Priority           int
	RequiredCapability registry.Capability // empty means no requirement
	Template           string
}

func (v Variant) specificity() int {
	switch {
	case v.Target == Universal:
		return 0
	case strings.Contains(string(v.Target), ":"):
		return 2
	default:
		return 1
	}
}

// Registry is a map from prompt id to its variants.
type Registry struct {
	variants map[string][]Variant
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{variants: make(map[string][]Variant)}
}

// Register adds a variant under id. Registering a non-universal variant
// without ever registering a Universal one for the same id violates §4.8's
// "a universal variant must exist for every id" invariant; Validate catches
// this once all registration is done.
func (r *Registry) Register(id string, v Variant) {
	r.variants[id] = append(r.variants[id], v)
}

// Validate confirms every registered id has a Universal variant.
func (r *Registry) Validate() error {
	for id, variants := range r.variants {
		hasUniversal := false
		for _, v := range variants {
			if v.Target == Universal {
				hasUniversal = true
				break
			}
		}
		if !hasUniversal {
			return fmt.Errorf("prompts: id %q has no universal (*) variant", id)
		}
	}
	return nil
}

// SelectOpts narrows variant scoring to a preferred provider/model and the
// capabilities the caller's selected backend actually offers.
type SelectOpts struct {
	Provider          string
	ModelFamily       string
	AvailableCapabilities map[registry.Capability]bool
}

// Select scores id's variants by (preferred-capability match, specificity,
// priority) and returns the best match.
func (r *Registry) Select(id string, opts SelectOpts) (Variant, error) {
	variants := r.variants[id]
	if len(variants) == 0 {
		return Variant{}, fmt.Errorf("prompts: unknown id %q", id)
	}

	candidates := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if !matchesTarget(v.Target, opts.Provider, opts.ModelFamily) {
			continue
		}
		if v.RequiredCapability != "" && !opts.AvailableCapabilities[v.RequiredCapability] {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return Variant{}, fmt.Errorf("prompts: no eligible variant for %q", id)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.RequiredCapability != "") != (b.RequiredCapability != "") {
			return a.RequiredCapability != "" // a capability-matched variant outranks a generic one
		}
		if a.specificity() != b.specificity() {
			return a.specificity() > b.specificity()
		}
		return a.Priority > b.Priority
	})
	return candidates[0], nil
}

func matchesTarget(target Target, provider, modelFamily string) bool {
	if target == Universal {
		return true
	}
	s := string(target)
	if !strings.Contains(s, ":") {
		return s == provider
	}
	parts := strings.SplitN(s, ":", 2)
	return parts[0] == provider && parts[1] == modelFamily
}

// Default builds the Registry populated with Atlas's two built-in prompt
// ids — consolidation-classify (C5) and query-expansion (C7) — each with a
// single Universal variant, so a fresh config needs no prompt file on disk
// before either feature can run.
func Default() *Registry {
	r := New()
	r.Register("consolidation-classify", Variant{
		Target:             Universal,
		Priority:           0,
		RequiredCapability: registry.CapJSONCompletion,
		Template: "Compare these two memory chunks and classify their relationship.\n\n" +
			"Chunk A (created {{chunk_a_created_at}}, keys: {{chunk_a_keys}}):\n{{chunk_a_text}}\n\n" +
			"Chunk B (created {{chunk_b_created_at}}, keys: {{chunk_b_keys}}):\n{{chunk_b_text}}\n\n" +
			"Respond with a JSON object: " +
			`{"type": "duplicate_work"|"sequential_iteration"|"contextual_convergence"|"unrelated", ` +
			`"direction": "forward"|"backward"|"convergent"|"unknown", "reasoning": "<one sentence>", ` +
			`"keep": "first"|"second"|"both"}`,
	})
	r.Register("query-expansion", Variant{
		Target:             Universal,
		Priority:           0,
		RequiredCapability: registry.CapJSONCompletion,
		Template: "Generate 2 to 4 alternative phrasings of this search query, preserving its intent:\n\n" +
			"{{query}}\n\n" +
			`Respond with a JSON object: {"variants": ["<phrasing>", ...]}`,
	})
	return r
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes `{{name}}` placeholders from vars and fails if any
// placeholder remains unsubstituted (spec §4.8 "fatal error").
func Render(template string, vars map[string]string) (string, error) {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	if m := placeholderRe.FindStringSubmatch(out); m != nil {
		return "", fmt.Errorf("%w: %s", atlaserr.ErrMissingTemplateVar, m[1])
	}
	return out, nil
}
