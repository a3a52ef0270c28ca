// Package providers contains the LLM provider adapters and their registry.
// All supported vendors (DeepSeek, Qwen, Kimi, GLM) speak OpenAI-compatible
// chat-completions dialects, so a single streaming core serves them all.
package providers

import "context"

// Message is one chat turn sent upstream.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Chunk is one piece of a streaming response. Exactly one of the two shapes
// is populated: token content (Content/Reasoning) or a terminal error
// (Error/Details). The zero Chunk is a valid empty token.
type Chunk struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Adapter is the uniform surface every provider exposes.
type Adapter interface {
	// Name returns the provider identifier (e.g. "deepseek").
	Name() string

	// Stream sends messages upstream and relays response chunks through
	// onChunk in arrival order. Upstream failures are delivered as a final
	// chunk with Error set and a nil return. A non-nil error from onChunk
	// aborts the relay and is returned verbatim, which lets the caller
	// propagate client disconnects. deepThinking selects the provider's
	// reasoning variant where one exists.
	Stream(ctx context.Context, messages []Message, deepThinking bool, onChunk func(Chunk) error) error

	// Title summarizes a completed first turn into a short conversation
	// title of at most 20 characters. On failure it degrades to a prefix
	// of fullReply.
	Title(ctx context.Context, userInput, fullReply string) string
}
