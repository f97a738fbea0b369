package mcp

// Transport selects the connection mechanism for an MCP tool host.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// State describes the lifecycle phase of a single tool host connection.
type State int

const (
	// StateStarting means the host process is being spawned and its tool
	// catalogue has not been imported yet.
	StateStarting State = iota

	// StateReady means the host is connected and accepting tool calls.
	StateReady

	// StateDegraded means a call or the connection failed and a restart is
	// in progress. Calls routed to a degraded host fail fast with
	// [ErrHostDead] until the restart completes.
	StateDegraded

	// StateDead means the restart budget is exhausted. The host's tools are
	// removed from the catalogue and stay gone until an explicit
	// [Host.RegisterServer] re-registers it.
	StateDead
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go error
	// return value). When IsError is true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from when the request
	// was dispatched until the full response was received.
	DurationMs int64
}
