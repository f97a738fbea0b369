// Package mcphost implements the [mcp.Host] interface using the official MCP
// Go SDK.
//
// It connects to MCP servers over stdio subprocesses or Streamable HTTP,
// imports their tool catalogues under fully-qualified names ("host.tool"),
// and routes tool calls to the owning server session. A server whose call
// fails at the transport level is restarted in the background with bounded
// exponential backoff; a server that exhausts its restart budget is marked
// dead and its tools withdrawn until it is explicitly re-registered.
//
// In-process tools can be registered alongside external servers via
// [Host.RegisterBuiltin]; they share the catalogue and execution path but
// skip the protocol round-trip.
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/averlon/parley/internal/mcp"
	"github.com/averlon/parley/pkg/types"
)

const (
	// defaultCallTimeout bounds a single tool call unless the caller's
	// context carries an earlier deadline.
	defaultCallTimeout = 30 * time.Second

	// Restart policy: delay doubles per attempt starting at restartBaseDelay,
	// capped at restartMaxDelay, giving up after restartMaxAttempts.
	restartBaseDelay   = 500 * time.Millisecond
	restartMaxDelay    = 30 * time.Second
	restartMaxAttempts = 5

	// restartConnectTimeout bounds each reconnect attempt.
	restartConnectTimeout = 30 * time.Second
)

// discoveredTool is one tool as reported by a server's tools/list.
type discoveredTool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// toolSession is the subset of an MCP client session the host needs. The SDK
// session is wrapped in [sdkSession]; tests substitute their own.
type toolSession interface {
	ListTools(ctx context.Context) ([]discoveredTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	Close() error
}

// serverConn tracks one registered server.
type serverConn struct {
	cfg        mcp.ServerConfig
	session    toolSession
	state      mcp.State
	restarting bool
}

// toolEntry is one catalogue entry, keyed by fully-qualified name.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
	localName  string
	builtinFn  func(ctx context.Context, args string) (string, error)
}

// Host is the MCP SDK-backed implementation of [mcp.Host].
type Host struct {
	client      *mcpsdk.Client
	connect     func(ctx context.Context, cfg mcp.ServerConfig) (toolSession, error)
	callTimeout time.Duration

	// Restart policy, taken from the package constants. Fields so that tests
	// can shrink the delays.
	restartBase     time.Duration
	restartCap      time.Duration
	restartAttempts int

	mu      sync.RWMutex
	servers map[string]*serverConn
	tools   map[string]toolEntry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Compile-time check: Host must implement mcp.Host.
var _ mcp.Host = (*Host)(nil)

// Option is a functional option for configuring a [Host].
type Option func(*Host)

// WithCallTimeout sets the per-call deadline applied to every tool execution.
// The default is 30 seconds. A zero or negative value disables the host-side
// deadline (the caller's context still applies).
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.callTimeout = d
	}
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "parley-mcphost", Version: "1.0.0"},
		nil,
	)
	h := &Host{
		client:          client,
		callTimeout:     defaultCallTimeout,
		restartBase:     restartBaseDelay,
		restartCap:      restartMaxDelay,
		restartAttempts: restartMaxAttempts,
		servers:         make(map[string]*serverConn),
		tools:           make(map[string]toolEntry),
		done:            make(chan struct{}),
	}
	h.connect = h.connectSDK
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue under the "cfg.Name." prefix. If a server with the same Name
// is already registered, the old connection is closed and replaced; this is
// also how a dead server is revived.
//
// For [mcp.TransportStdio]: cfg.Command is split on spaces into executable +
// args; cfg.Env entries are added on top of the inherited environment.
//
// For [mcp.TransportStreamableHTTP]: cfg.URL is the endpoint address.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcphost: server config must have a non-empty name")
	}
	if strings.Contains(cfg.Name, ".") {
		return fmt.Errorf("mcphost: server name %q must not contain %q", cfg.Name, ".")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcphost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	if cfg.Transport == mcp.TransportStdio && strings.TrimSpace(cfg.Command) == "" {
		return fmt.Errorf("mcphost: stdio server %q requires a non-empty Command", cfg.Name)
	}
	if cfg.Transport == mcp.TransportStreamableHTTP && cfg.URL == "" {
		return fmt.Errorf("mcphost: streamable-http server %q requires a non-empty URL", cfg.Name)
	}
	return h.connectAndImport(ctx, cfg)
}

// connectAndImport establishes a session, lists the server's tools and swaps
// them into the catalogue. Shared by RegisterServer and the restart loop.
func (h *Host) connectAndImport(ctx context.Context, cfg mcp.ServerConfig) error {
	session, err := h.connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mcphost: failed to connect to server %q: %w", cfg.Name, err)
	}

	discovered, err := session.ListTools(ctx)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("mcphost: failed to list tools for server %q: %w", cfg.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		_ = session.Close()
		return fmt.Errorf("mcphost: host is closed")
	}

	conn, ok := h.servers[cfg.Name]
	if ok {
		if conn.session != nil {
			_ = conn.session.Close()
		}
	} else {
		conn = &serverConn{}
		h.servers[cfg.Name] = conn
	}
	conn.cfg = cfg
	conn.session = session
	conn.state = mcp.StateReady

	h.replaceServerToolsLocked(cfg.Name, discovered)
	return nil
}

// replaceServerToolsLocked swaps the catalogue entries belonging to one
// server. Caller must hold h.mu.
func (h *Host) replaceServerToolsLocked(serverName string, discovered []discoveredTool) {
	for fq, entry := range h.tools {
		if entry.serverName == serverName {
			delete(h.tools, fq)
		}
	}
	for _, t := range discovered {
		fq := serverName + "." + t.Name
		h.tools[fq] = toolEntry{
			def: types.ToolDefinition{
				Name:        fq,
				Description: t.Description,
				Parameters:  t.Schema,
				Host:        serverName,
			},
			serverName: serverName,
			localName:  t.Name,
		}
	}
}

// Tools returns the catalogue across all ready servers plus built-in tools,
// sorted by fully-qualified name.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, entry := range h.tools {
		if entry.builtinFn == nil {
			conn, ok := h.servers[entry.serverName]
			if !ok || conn.state != mcp.StateReady {
				continue
			}
		}
		out = append(out, entry.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteTool calls the tool registered under the fully-qualified name.
//
// Transport failures mark the owning server degraded and kick off a
// background restart; the call itself returns the failure. Context deadline
// or cancellation surfaces as an error without touching the server's state.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcphost: %w: %q", mcp.ErrToolNotFound, name)
	}

	if h.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}

	start := time.Now()

	if entry.builtinFn != nil {
		output, err := entry.builtinFn(ctx, args)
		result := &mcp.ToolResult{
			Content:    output,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Content = err.Error()
			result.IsError = true
		}
		return result, nil
	}

	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	var session toolSession
	var state mcp.State
	if ok {
		session = conn.session
		state = conn.state
	}
	h.mu.RUnlock()

	if !ok || state != mcp.StateReady || session == nil {
		return nil, fmt.Errorf("mcphost: server %q for tool %q: %w", entry.serverName, name, mcp.ErrHostDead)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcphost: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, entry.localName, argsMap)
	if err != nil {
		if ctx.Err() != nil {
			// Per-call timeout or caller cancellation. The server itself is
			// fine; its own RPC may still complete and is discarded.
			return nil, fmt.Errorf("mcphost: tool %q: %w", name, ctx.Err())
		}
		h.superviseRestart(entry.serverName)
		return nil, fmt.Errorf("mcphost: call to tool %q failed: %w", name, err)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// superviseRestart marks the server degraded and spawns the restart loop.
// No-op when a restart is already in flight or the host is closed.
func (h *Host) superviseRestart(serverName string) {
	h.mu.Lock()
	conn, ok := h.servers[serverName]
	if !ok || conn.restarting || conn.state == mcp.StateDead || h.closed {
		h.mu.Unlock()
		return
	}
	conn.restarting = true
	conn.state = mcp.StateDegraded
	if conn.session != nil {
		_ = conn.session.Close()
		conn.session = nil
	}
	cfg := conn.cfg
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.restartLoop(cfg)
	}()
}

// restartLoop retries the connection with exponential backoff. On success the
// server returns to ready with a fresh catalogue; after restartMaxAttempts
// failures it is marked dead and its tools dropped.
func (h *Host) restartLoop(cfg mcp.ServerConfig) {
	delay := h.restartBase
	for attempt := 1; attempt <= h.restartAttempts; attempt++ {
		select {
		case <-h.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), restartConnectTimeout)
		err := h.connectAndImport(ctx, cfg)
		cancel()
		if err == nil {
			h.mu.Lock()
			if conn, ok := h.servers[cfg.Name]; ok {
				conn.restarting = false
			}
			h.mu.Unlock()
			return
		}

		delay *= 2
		if delay > h.restartCap {
			delay = h.restartCap
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.servers[cfg.Name]
	if !ok {
		return
	}
	conn.restarting = false
	conn.state = mcp.StateDead
	for fq, entry := range h.tools {
		if entry.serverName == cfg.Name {
			delete(h.tools, fq)
		}
	}
}

// ServerStates reports the current state of every registered server.
func (h *Host) ServerStates() map[string]mcp.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]mcp.State, len(h.servers))
	for name, conn := range h.servers {
		out[name] = conn.state
	}
	return out
}

// Refresh re-lists the tool catalogue of every ready server and swaps the
// results in atomically. Servers that fail to list keep their previous
// entries; the first error is returned after all servers have been attempted.
func (h *Host) Refresh(ctx context.Context) error {
	h.mu.RLock()
	type target struct {
		name    string
		session toolSession
	}
	var targets []target
	for name, conn := range h.servers {
		if conn.state == mcp.StateReady && conn.session != nil {
			targets = append(targets, target{name: name, session: conn.session})
		}
	}
	h.mu.RUnlock()

	results := make([][]discoveredTool, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			discovered, err := t.session.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("mcphost: refresh of server %q failed: %w", t.name, err)
			}
			results[i] = discovered
			return nil
		})
	}
	err := g.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range targets {
		if results[i] == nil {
			continue
		}
		if conn, ok := h.servers[t.name]; !ok || conn.state != mcp.StateReady {
			continue
		}
		h.replaceServerToolsLocked(t.name, results[i])
	}
	return err
}

// Close shuts down all server connections, stops restart loops and releases
// associated resources. After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)

	var firstErr error
	for name, conn := range h.servers {
		if conn.session != nil {
			if err := conn.session.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("mcphost: error closing server %q: %w", name, err)
			}
			conn.session = nil
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	h.mu.Unlock()

	h.wg.Wait()
	return firstErr
}

// connectSDK is the production connect function: it builds the SDK transport
// for cfg and wraps the resulting session.
func (h *Host) connectSDK(ctx context.Context, cfg mcp.ServerConfig) (toolSession, error) {
	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("empty command")
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return &sdkSession{session: session}, nil
}

// sdkSession adapts *mcpsdk.ClientSession to the toolSession seam.
type sdkSession struct {
	session *mcpsdk.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]discoveredTool, error) {
	var out []discoveredTool
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, discoveredTool{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schemaToMap(tool.InputSchema),
		})
	}
	return out, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	callResult, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

func (s *sdkSession) Close() error {
	return s.session.Close()
}

// schemaToMap normalizes a tool input schema into a plain map via a JSON
// round-trip. A missing or unconvertible schema becomes {"type": "object"}.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
