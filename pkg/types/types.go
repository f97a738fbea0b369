// Package types defines the shared types used across all Parley packages.
//
// These types form the lingua franca between providers, the tool registry,
// the memory layers, and the orchestrator. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Message roles. The wire values match the OpenAI-style chat convention that
// every supported provider understands.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Attachments carries media uploaded with the message. The media pipeline
	// itself is external; the orchestrator only inspects Type, Base64Data and
	// Transcription.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a media object attached to a user message.
type Attachment struct {
	// Type is one of "image", "audio", or "video".
	Type string `json:"type"`

	// Base64Data is the raw media payload, base64-encoded. Set for images that
	// should be forwarded to a vision-capable model.
	Base64Data string `json:"base64_data,omitempty"`

	// Transcription is the text produced by the external STT pipeline for
	// audio/video attachments. Injected into the message content before the
	// turn is processed.
	Transcription string `json:"transcription,omitempty"`
}

// ToolCall represents a tool invocation requested by the LLM.
//
// IDs are unique within a single turn and stable across retries; tool-role
// messages reference them via [Message.ToolCallID].
type ToolCall struct {
	// ID is the unique identifier for this tool call. Provider-assigned where
	// the backend supports it, otherwise generated by the salvage parser.
	ID string `json:"id"`

	// Name is the fully-qualified tool name ("host.tool").
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments object.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's fully-qualified identifier ("host.tool").
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Host is the name of the tool host that exported this tool.
	Host string
}

// StreamChunk is a single frame sent to the client over the streaming
// transport. Exactly one frame per request carries Done=true; a frame with a
// non-empty Error is terminal and no further frames follow.
type StreamChunk struct {
	// Content is an incremental fragment of assistant text.
	Content string `json:"content,omitempty"`

	// Status is a human-readable progress note (e.g. "Using read_file...").
	Status string `json:"status,omitempty"`

	// ToolCalls is emitted once per tool-using iteration.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Done marks the terminal frame of a successful request.
	Done bool `json:"done,omitempty"`

	// ConversationID is attached exactly once, on the final Done frame.
	ConversationID string `json:"conversation_id,omitempty"`

	// Error is a terminal error message.
	Error string `json:"error,omitempty"`
}

// Usage holds token accounting information returned by an LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// MessageMetrics captures per-message observability columns persisted
// alongside assistant messages.
type MessageMetrics struct {
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	LatencyMs        int64  `json:"latency_ms,omitempty"`
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// Intent labels produced by the classifier. The set is open: hosts that
// export a new category extend it dynamically, GENERAL is the fallback.
const (
	IntentGeneral    = "GENERAL"
	IntentFilesystem = "FILESYSTEM"
	IntentGit        = "GIT"
	IntentFetch      = "FETCH"
)

// Complexity labels produced by the classifier.
const (
	ComplexitySimple  = "SIMPLE"
	ComplexityComplex = "COMPLEX"
)

// HasImages reports whether any attachment on m is an image with payload.
func (m Message) HasImages() bool {
	for _, a := range m.Attachments {
		if a.Type == "image" && a.Base64Data != "" {
			return true
		}
	}
	return false
}

// Timestamped pairs retrieved cold-memory content with its original time,
// so composed prompts can tag each recalled snippet.
type Timestamped struct {
	Content   string
	Role      string
	CreatedAt time.Time
}
