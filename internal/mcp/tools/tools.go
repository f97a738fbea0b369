// Package tools defines the shared [Tool] type used by all built-in tool
// packages in Parley. Each sub-package exports a constructor function that
// returns a slice of [Tool] values ready for registration with the MCP host.
package tools

import (
	"context"

	"github.com/averlon/parley/pkg/types"
)

// Tool represents a built-in tool ready for registration with the MCP host.
//
// Each Tool carries its LLM-facing schema ([types.ToolDefinition]) together
// with the handler function that is invoked when the LLM calls the tool.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification. The name here is
	// local; registration prefixes it with the "builtin." namespace.
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result string on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}
