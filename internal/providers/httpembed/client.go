// Package httpembed is a bare-HTTP embedding adapter for backends with no Go
// SDK in the retrieval pack: Voyage's REST API and Ollama-compatible local
// servers (backend specifiers "voyage:*" / "ollama:*", spec §6.1). It also
// serves as the contextualized-embedding backend (§4.4 stage 4) when the
// configured model name is a known contextualized family.
//
// This merges what were two near-identical raw-HTTP embedding clients in the
// teacher (internal/embedding/client.go and internal/embeddings/embeddings.go)
// into a single adapter — see DESIGN.md.
package httpembed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"atlas/internal/registry"
)

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Client posts {model, input} to a configured embedding endpoint and parses
// {data:[{embedding}]}, the shape shared by Voyage and Ollama's OpenAI-
// compatible embeddings routes.
type Client struct {
	name              string
	baseURL           string
	model             string
	apiKey            string
	dimension         int
	contextualized    bool
	safeContextTokens int
	httpClient        *http.Client
	timeout           time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithContextualized marks this adapter as also able to serve the
// contextualized-embedding capability, with safeContextTokens as the backend's
// safe context-window limit (§4.4 stage 3).
func WithContextualized(safeContextTokens int) Option {
	return func(c *Client) {
		c.contextualized = true
		c.safeContextTokens = safeContextTokens
	}
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New constructs an httpembed.Client. name is the registry provider name
// ("voyage", "ollama", …); baseURL+path forms the POST target.
func New(name, baseURL, model, apiKey string, dimension int, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		dimension:  dimension,
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string                   { return c.name }
func (c *Client) Latency() registry.LatencyClass { return registry.LatencyFast }

func (c *Client) Capabilities() map[registry.Capability]bool {
	caps := map[registry.Capability]bool{
		registry.CapTextEmbedding: true,
		registry.CapCodeEmbedding: true,
	}
	if c.contextualized {
		caps[registry.CapContextualizedEmbedding] = true
	}
	return caps
}

func (c *Client) Dimension() int        { return c.dimension }
func (c *Client) SafeContextTokens() int { return c.safeContextTokens }

// EmbedText implements registry.CanEmbedText.
func (c *Client) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts)
}

// EmbedCode implements registry.CanEmbedCode.
func (c *Client) EmbedCode(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts)
}

// EmbedContextualized implements registry.CanEmbedContextualized: one call
// embeds every chunk of a document so each vector reflects document context.
func (c *Client) EmbedContextualized(ctx context.Context, chunks []string) ([][]float32, error) {
	return c.embed(ctx, chunks)
}

func (c *Client) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%s: no inputs", c.name)
	}
	body, err := json.Marshal(embedReq{Model: c.model, Input: inputs})
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s: bad status %s: %s", c.name, resp.Status, string(respBody))
	}

	var er embedResp
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", c.name, err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("%s: unexpected embedding count: got %d, want %d", c.name, len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// CheckReachability verifies the endpoint responds to a trivial embedding
// request (used by diagnostics, C11).
func (c *Client) CheckReachability(ctx context.Context) error {
	_, err := c.embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("%s: reachability check failed: %w", c.name, err)
	}
	return nil
}
