// Package mcp defines the interface for a Model Context Protocol (MCP) host
// manager.
//
// The host manager owns the connection to one or more MCP servers, maintains
// a catalogue of their tools under fully-qualified names ("host.tool"),
// executes tool calls on behalf of the reasoning loop, and supervises host
// processes: a host that fails a call is restarted with bounded exponential
// backoff, and one that exhausts its restart budget is marked dead and its
// tools withdrawn from the catalogue.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each MCP server to connect to.
//  2. Use [Host.Tools] to enumerate the current catalogue.
//  3. Use [Host.ExecuteTool] to run tools by their fully-qualified name.
//  4. Call [Host.Refresh] to re-import catalogues after server-side changes.
//  5. Call [Host.Close] to release all connections and background goroutines.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"errors"

	"github.com/averlon/parley/pkg/types"
)

// ErrHostDead is returned by [Host.ExecuteTool] when the tool's host is not
// in a state that accepts calls (degraded mid-restart or dead).
var ErrHostDead = errors.New("mcp: host is not accepting calls")

// ErrToolNotFound is returned by [Host.ExecuteTool] when no registered host
// exports a tool under the given fully-qualified name.
var ErrToolNotFound = errors.New("mcp: tool not found")

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the identifier for this server. Must be unique within a single
	// [Host]. It becomes the namespace prefix of the server's tools
	// ("name.tool") and appears in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is [TransportStdio].
	// Example: "/usr/local/bin/mcp-fs --root /srv/data"
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Ignored for stdio.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// Host manages connections to MCP servers, routes tool calls, and supervises
// server processes.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue under the "cfg.Name." prefix. If a server with the
	// same Name is already registered it is reconnected rather than
	// duplicated; re-registering is also the way to revive a dead host.
	//
	// Returns an error if the transport cannot be established or the initial
	// tool listing request fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns the current catalogue across all ready hosts. Names are
	// fully qualified ("host.tool"); [types.ToolDefinition.Host] names the
	// exporting server. The returned slice is a copy sorted by name.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the tool registered under the fully-qualified name
	// with JSON-encoded args and returns the result.
	//
	// args must be a valid JSON object string conforming to the tool's
	// Parameters schema. An empty object ("{}") is valid for parameter-less
	// tools.
	//
	// A non-nil *ToolResult is returned on success even when
	// [ToolResult.IsError] is true (application-level error). A Go error is
	// returned only when the tool is unknown ([ErrToolNotFound]), the host
	// cannot take calls ([ErrHostDead]), or the transport fails.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// ServerStates reports the current [State] of every registered server,
	// keyed by server name.
	ServerStates() map[string]State

	// Refresh re-lists the tool catalogue of every ready server and replaces
	// the cached catalogue atomically. Servers that fail to list keep their
	// previous entries; the first such error is returned after all servers
	// have been attempted.
	Refresh(ctx context.Context) error

	// Close shuts down all server connections and releases associated
	// resources. After Close returns the Host must not be used again.
	Close() error
}
