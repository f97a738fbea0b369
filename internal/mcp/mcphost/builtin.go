package mcphost

import (
	"context"
	"fmt"

	"github.com/averlon/parley/internal/mcp/tools"
	"github.com/averlon/parley/pkg/types"
)

// builtinServerName is the namespace prefix used for in-process tools.
const builtinServerName = "builtin"

// BuiltinTool represents a tool implemented as a Go function that runs
// in-process.
//
// Built-in tools bypass MCP protocol overhead: ExecuteTool calls the Handler
// directly without any subprocess round-trip. They are otherwise identical to
// external tools and appear in the catalogue under the "builtin." prefix.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	// Definition.Name is the local name; the catalogue entry becomes
	// "builtin.<name>".
	Definition types.ToolDefinition

	// Handler is the function invoked when ExecuteTool is called for this
	// tool. args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an application-level
	// error ([mcp.ToolResult.IsError]).
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool that is called in-process.
// If a tool with the same name is already registered it is replaced.
//
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcphost: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcphost: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	fq := builtinServerName + "." + tool.Definition.Name
	def := tool.Definition
	def.Name = fq
	def.Host = builtinServerName

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("mcphost: host is closed")
	}
	h.tools[fq] = toolEntry{
		def:        def,
		serverName: builtinServerName,
		localName:  tool.Definition.Name,
		builtinFn:  tool.Handler,
	}
	return nil
}

// RegisterTools registers a built-in tool set, stopping at the first error.
func (h *Host) RegisterTools(ts []tools.Tool) error {
	for _, t := range ts {
		if err := h.RegisterBuiltin(BuiltinTool{Definition: t.Definition, Handler: t.Handler}); err != nil {
			return err
		}
	}
	return nil
}
