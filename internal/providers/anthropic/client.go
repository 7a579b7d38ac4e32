// Package anthropic adapts the Anthropic SDK into Atlas's capability traits:
// text/JSON completion, tool use, and QNTM semantic-key generation (the
// latter is a json-completion call with a fixed inline prompt built by
// GenerateQNTM, not a prompt-registry variant).
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"atlas/internal/registry"
)

const defaultMaxTokens int64 = 2048

// Client wraps the Anthropic SDK and advertises the capability traits Atlas's
// backend registry looks up.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// New constructs an Anthropic-backed provider. model is the default model
// used when a call doesn't override it (e.g. "haiku" resolves to the latest
// Claude Haiku release); apiKey must be non-empty.
func New(apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	resolved := resolveModel(model)
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     resolved,
		maxTokens: defaultMaxTokens,
	}
}

func resolveModel(alias string) string {
	switch strings.ToLower(strings.TrimSpace(alias)) {
	case "", "haiku":
		return string(anthropic.ModelClaude3_5HaikuLatest)
	case "sonnet":
		return string(anthropic.ModelClaude3_7SonnetLatest)
	case "opus":
		return string(anthropic.ModelClaudeOpus4_0)
	default:
		return alias
	}
}

// Name implements registry.Provider.
func (c *Client) Name() string { return "anthropic" }

// Latency implements registry.Provider.
func (c *Client) Latency() registry.LatencyClass { return registry.LatencyNormal }

// Capabilities implements registry.Provider.
func (c *Client) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{
		registry.CapTextCompletion:   true,
		registry.CapJSONCompletion:   true,
		registry.CapToolUse:          true,
		registry.CapExtendedThinking: true,
		registry.CapQNTMGeneration:   true,
	}
}

// CheckReachability issues a minimal completion call to confirm the API key
// and network path both work (used by diagnostics, C11).
func (c *Client) CheckReachability(ctx context.Context) error {
	_, err := c.CompleteText(ctx, "ping", "")
	if err != nil {
		return fmt.Errorf("anthropic: reachability check failed: %w", err)
	}
	return nil
}

// CompleteText implements registry.CanCompleteText.
func (c *Client) CompleteText(ctx context.Context, prompt string, model string) (string, error) {
	resp, err := c.send(ctx, prompt, model, nil)
	if err != nil {
		return "", err
	}
	return textOf(resp), nil
}

// CompleteJSON implements registry.CanCompleteJSON.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, model string, out any) error {
	resp, err := c.send(ctx, prompt+"\n\nRespond with JSON only, no prose.", model, nil)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(textOf(resp))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("anthropic: parse json response: %w", err)
	}
	return nil
}

// CompleteWithTools implements registry.CanUseTools.
func (c *Client) CompleteWithTools(ctx context.Context, prompt string, model string, tools []registry.ToolSchema) (registry.ToolResult, error) {
	defs := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: t.Parameters,
		}, t.Name))
	}
	resp, err := c.send(ctx, prompt, model, defs)
	if err != nil {
		return registry.ToolResult{}, err
	}
	result := registry.ToolResult{Text: textOf(resp)}
	for _, block := range resp.Content {
		if tu := block.AsToolUse(); tu.Name != "" {
			var args map[string]any
			_ = json.Unmarshal(tu.Input, &args)
			result.Calls = append(result.Calls, registry.ToolCall{Name: tu.Name, Args: args})
		}
	}
	return result, nil
}

// GenerateQNTM implements registry.CanGenerateQNTM. It renders a fixed
// classification-style prompt: the chunk text, the existing key vocabulary
// (to stabilize naming), and asks for a short list of tags.
func (c *Client) GenerateQNTM(ctx context.Context, text string, existingKeys []string, level int) ([]string, string, error) {
	prompt := fmt.Sprintf(
		"Existing semantic keys: %s\nLevel: %d\nGenerate 2-5 short tagged semantic keys for this text, reusing existing keys where applicable. Respond as JSON: {\"keys\":[string],\"reasoning\":string}\n\nText:\n%s",
		strings.Join(existingKeys, ", "), level, text)

	var out struct {
		Keys      []string `json:"keys"`
		Reasoning string   `json:"reasoning"`
	}
	if err := c.CompleteJSON(ctx, prompt, "", &out); err != nil {
		return nil, "", err
	}
	return out.Keys, out.Reasoning, nil
}

func (c *Client) send(ctx context.Context, prompt, model string, tools []anthropic.ToolUnionParam) (*anthropic.Message, error) {
	m := c.model
	if model != "" {
		m = resolveModel(model)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: tools,
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", m).Dur("duration", time.Since(start)).Msg("anthropic completion failed")
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return resp, nil
}

func textOf(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb := block.AsText(); tb.Text != "" {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}
