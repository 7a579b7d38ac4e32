// Package openai adapts the OpenAI SDK into Atlas's text/JSON completion and
// text-embedding capability traits (SPEC_FULL §4.12).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"atlas/internal/registry"
)

// Client wraps the OpenAI SDK.
type Client struct {
	sdk         openai.Client
	model       string
	embedModel  string
	dimension   int
}

// New constructs an OpenAI-backed provider. embedModel/dimension configure
// the text-embedding capability; a zero dimension disables CanEmbedText.
func New(apiKey, model, embedModel string, dimension int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return &Client{
		sdk:        openai.NewClient(opts...),
		model:      model,
		embedModel: embedModel,
		dimension:  dimension,
	}
}

func (c *Client) Name() string                     { return "openai" }
func (c *Client) Latency() registry.LatencyClass   { return registry.LatencyNormal }
func (c *Client) Capabilities() map[registry.Capability]bool {
	caps := map[registry.Capability]bool{
		registry.CapTextCompletion: true,
		registry.CapJSONCompletion: true,
	}
	if c.dimension > 0 {
		caps[registry.CapTextEmbedding] = true
	}
	return caps
}

// Dimension implements registry.CanEmbedText.
func (c *Client) Dimension() int { return c.dimension }

// EmbedText implements registry.CanEmbedText.
func (c *Client) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: c.embedModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// CheckReachability issues a minimal completion call (used by diagnostics, C11).
func (c *Client) CheckReachability(ctx context.Context) error {
	if _, err := c.chat(ctx, "ping", ""); err != nil {
		return fmt.Errorf("openai: reachability check failed: %w", err)
	}
	return nil
}

// CompleteText implements registry.CanCompleteText.
func (c *Client) CompleteText(ctx context.Context, prompt string, model string) (string, error) {
	resp, err := c.chat(ctx, prompt, model)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// CompleteJSON implements registry.CanCompleteJSON.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, model string, out any) error {
	text, err := c.chat(ctx, prompt+"\n\nRespond with JSON only.", model)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(text, "```json"), "```"), "```"))
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("openai: parse json response: %w", err)
	}
	return nil
}

func (c *Client) chat(ctx context.Context, prompt, model string) (string, error) {
	m := c.model
	if model != "" {
		m = model
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: m,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		log.Error().Err(err).Str("model", m).Msg("openai completion failed")
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
