// Package registry implements the Backend Registry (C1): providers keyed by
// capability tag, selected by priority, constructed once and swapped only via
// clear+re-register (spec §4.1, design note §9).
//
// Capabilities are small composable traits rather than one monolithic
// Provider interface — a single concrete adapter (e.g. the Anthropic client)
// may implement several of these at once by embedding the shared client and
// adding the methods each trait needs.
package registry

import "context"

// Capability names the traits a provider may advertise.
type Capability string

const (
	CapTextEmbedding          Capability = "text-embedding"
	CapCodeEmbedding          Capability = "code-embedding"
	CapContextualizedEmbedding Capability = "contextualized-embedding"
	CapMultimodalEmbedding    Capability = "multimodal-embedding"
	CapTextCompletion         Capability = "text-completion"
	CapJSONCompletion         Capability = "json-completion"
	CapToolUse                Capability = "tool-use"
	CapExtendedThinking       Capability = "extended-thinking"
	CapReranking              Capability = "reranking"
	CapQNTMGeneration         Capability = "qntm-generation"
)

// LatencyClass is a coarse hint used to break ties when multiple providers
// advertise the same capability at the same priority.
type LatencyClass int

const (
	LatencyFast LatencyClass = iota
	LatencyNormal
	LatencySlow
)

// Provider is the minimum any registered backend must supply: its advertised
// capability set, a display name, and a latency class. Individual capability
// traits below are implemented optionally by concrete adapters.
type Provider interface {
	Name() string
	Capabilities() map[Capability]bool
	Latency() LatencyClass
}

// CanEmbedText embeds plain-text chunks into fixed-dimension vectors.
type CanEmbedText interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CanEmbedCode embeds source-code chunks, usually with a code-tuned model.
type CanEmbedCode interface {
	EmbedCode(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CanEmbedContextualized embeds all chunks of one document in a single call
// so each chunk's vector reflects intra-document context.
type CanEmbedContextualized interface {
	EmbedContextualized(ctx context.Context, chunks []string) ([][]float32, error)
	Dimension() int
	SafeContextTokens() int
}

// CanEmbedMultimodal embeds non-text content (images, etc.) under the
// "media" named vector.
type CanEmbedMultimodal interface {
	EmbedMultimodal(ctx context.Context, mimeType string, data []byte) ([]float32, error)
	Dimension() int
}

// CanCompleteText issues a free-form text completion.
type CanCompleteText interface {
	CompleteText(ctx context.Context, prompt string, model string) (string, error)
}

// CanCompleteJSON issues a completion constrained to JSON output matching a
// caller-supplied shape description (used by consolidation classification and
// QNTM generation).
type CanCompleteJSON interface {
	CompleteJSON(ctx context.Context, prompt string, model string, out any) error
}

// CanUseTools issues a completion with tool definitions and returns any tool
// calls the model made.
type CanUseTools interface {
	CompleteWithTools(ctx context.Context, prompt string, model string, tools []ToolSchema) (ToolResult, error)
}

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolResult carries the model's text and any tool invocations it made.
type ToolResult struct {
	Text  string
	Calls []ToolCall
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	Name string
	Args map[string]any
}

// CanRerank reorders candidate documents against a query, returning scores
// normalised to [0,1].
type CanRerank interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// CanGenerateQNTM produces short tagged semantic keys for a chunk (§4.4 stage
// 5). existingKeys are offered back to stabilize the vocabulary.
type CanGenerateQNTM interface {
	GenerateQNTM(ctx context.Context, text string, existingKeys []string, level int) (keys []string, reasoning string, err error)
}
