// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, an
// Anthropic or Gemini endpoint, or a local Ollama instance) and exposes a
// uniform interface for the Parley orchestrator to stream completions, perform
// one-shot completions for the classifier and summariser, and probe backend
// health without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/averlon/parley/pkg/types"
)

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. The model may
	// choose to call one or more of them in its response. Providers that do
	// not support tool calling should ignore this field — callers should check
	// Capabilities().SupportsToolCalling first.
	Tools []types.ToolDefinition

	// Model overrides the provider's default model for this request. Empty
	// means use the provider default.
	Model string

	// Temperature controls output randomness in the range [0.0, 2.0]. A value
	// of 0.0 requests the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// Images carries base64-encoded image payloads for multimodal models.
	// Only the local-inference provider consumes this side channel; hosted
	// providers ignore it.
	Images []string
}

// Chunk is a single fragment emitted by a streaming completion. A single
// chunk may carry text, tool calls, a done signal, or any combination.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only ToolCalls or a Done signal.
	Text string

	// ToolCalls contains any tool invocations the model is requesting,
	// accumulated by the provider so the slice is complete when set.
	ToolCalls []types.ToolCall

	// Done is set on the model's terminal chunk. The orchestrator suppresses
	// it whenever the iteration produced tool calls.
	Done bool

	// Err is non-nil when the stream failed after it was opened. The provider
	// closes the channel immediately after an error chunk.
	Err error

	// Usage carries token accounting when the backend reports it, typically
	// on the final chunk.
	Usage *types.Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The caller
	// is responsible for executing them and appending the results to the
	// conversation.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage types.Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible, closing the upstream HTTP connection.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with a non-nil
	// Err; the initial error return is non-nil only for failures that prevent
	// the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. Used by
	// the intent classifier, the planner, and the summariser, which do not
	// need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck reports whether the backend is reachable and serving.
	HealthCheck(ctx context.Context) bool

	// CountTokens estimates the number of tokens that the given message list
	// would consume in the model's context window. The result need not be
	// exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. The result is assumed to be constant for the
	// lifetime of the Provider instance.
	Capabilities() types.ModelCapabilities

	// Name returns the provider's configuration name ("ollama", "openai", ...).
	Name() string
}
