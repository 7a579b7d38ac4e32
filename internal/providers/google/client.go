// Package google adapts the Gemini SDK into Atlas's text/JSON completion and
// text/multimodal embedding capability traits (SPEC_FULL §4.12).
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"atlas/internal/registry"
)

// Client wraps google.golang.org/genai.
type Client struct {
	sdk        *genai.Client
	model      string
	embedModel string
	dimension  int
}

// New constructs a Gemini-backed provider.
func New(ctx context.Context, apiKey, model, embedModel string, dimension int) (*Client, error) {
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("google: new client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if embedModel == "" {
		embedModel = "text-embedding-004"
	}
	return &Client{sdk: sdk, model: model, embedModel: embedModel, dimension: dimension}, nil
}

func (c *Client) Name() string                   { return "google" }
func (c *Client) Latency() registry.LatencyClass { return registry.LatencyNormal }

func (c *Client) Capabilities() map[registry.Capability]bool {
	caps := map[registry.Capability]bool{
		registry.CapTextCompletion: true,
		registry.CapJSONCompletion: true,
	}
	if c.dimension > 0 {
		caps[registry.CapTextEmbedding] = true
		caps[registry.CapMultimodalEmbedding] = true
	}
	return caps
}

// Dimension implements registry.CanEmbedText and registry.CanEmbedMultimodal.
func (c *Client) Dimension() int { return c.dimension }

// EmbedText implements registry.CanEmbedText.
func (c *Client) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := c.sdk.Models.EmbedContent(ctx, c.embedModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("google: embed: %w", err)
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// EmbedMultimodal implements registry.CanEmbedMultimodal, storing results
// under the "media" named vector (§6.3).
func (c *Client) EmbedMultimodal(ctx context.Context, mimeType string, data []byte) ([]float32, error) {
	content := genai.NewContentFromBytes(data, mimeType, genai.RoleUser)
	resp, err := c.sdk.Models.EmbedContent(ctx, c.embedModel, []*genai.Content{content}, nil)
	if err != nil {
		return nil, fmt.Errorf("google: embed multimodal: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("google: empty embedding response")
	}
	return resp.Embeddings[0].Values, nil
}

// CompleteText implements registry.CanCompleteText.
func (c *Client) CompleteText(ctx context.Context, prompt string, model string) (string, error) {
	return c.generate(ctx, prompt, model)
}

// CheckReachability issues a minimal generation call (used by diagnostics, C11).
func (c *Client) CheckReachability(ctx context.Context) error {
	if _, err := c.generate(ctx, "ping", ""); err != nil {
		return fmt.Errorf("google: reachability check failed: %w", err)
	}
	return nil
}

// CompleteJSON implements registry.CanCompleteJSON.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, model string, out any) error {
	text, err := c.generate(ctx, prompt+"\n\nRespond with JSON only.", model)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(text, "```json"), "```"), "```"))
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("google: parse json response: %w", err)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, prompt, model string) (string, error) {
	m := c.model
	if model != "" {
		m = model
	}
	resp, err := c.sdk.Models.GenerateContent(ctx, m, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("google: generate: %w", err)
	}
	return resp.Text(), nil
}
