// Package tools hosts the agent's tool surface: external MCP servers plus
// in-process built-ins.
//
// The host connects to MCP servers over stdio or streamable-HTTP using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), imports
// their tool catalogues into a concurrent-safe registry, and executes tools
// by name with JSON-encoded arguments. Built-in tools such as the
// call-control pair registered by [RegisterCallControlTools] run in-process
// with no protocol round-trip.
//
// Typical usage:
//
//	h := tools.NewHost(tools.WithMetrics(met))
//
//	err := h.RegisterServer(ctx, tools.ServerSpec{
//	    Name:      "crm",
//	    Transport: tools.TransportStdio,
//	    Command:   "/usr/local/bin/crm-mcp",
//	})
//
//	tools.RegisterCallControlTools(h)
//
//	defs := h.Catalogue()                                  // for the LLM request
//	result, err := h.ExecuteTool(ctx, "lookup_account", `{"number":"42"}`)
//
//	h.Close()
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// ServerSpec describes how to connect to a single MCP server.
type ServerSpec struct {
	// Name identifies this server in logs and errors.
	// Must be unique within a single [Host].
	Name string

	// Transport selects the connection mechanism.
	Transport Transport

	// Command is the executable path and optional arguments used when
	// Transport is [TransportStdio]. Ignored otherwise.
	// Example: "/usr/local/bin/crm-mcp --config /etc/crm.json"
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Ignored otherwise.
	URL string

	// Auth configures request authentication for streamable-HTTP servers.
	// Nil means unauthenticated.
	Auth *Auth

	// Env holds additional environment variables for the server process
	// when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates an application-level tool failure (as opposed to a
	// transport or protocol failure returned via the Go error value). When
	// true, Content carries the error message.
	IsError bool

	// DurationMS is the wall-clock execution time in milliseconds.
	DurationMS int64
}

// toolEntry holds the metadata for one registered tool.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// Host manages MCP server connections and routes tool calls. The zero value
// is not usable; create instances with [NewHost].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The SDK allows a
	// single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	metrics *observe.Metrics
	logger  *slog.Logger
}

// HostOption configures a [Host].
type HostOption func(*Host)

// WithMetrics wires tool-call counters and latency histograms.
func WithMetrics(m *observe.Metrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

// WithLogger sets the host's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// NewHost creates a ready-to-use Host.
func NewHost(opts ...HostOption) *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "telvox", Version: "1.0.0"},
		nil,
	)
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterServer connects to the MCP server described by spec and imports its
// tool catalogue. If a server with the same name is already registered, the
// old connection is closed and replaced.
//
// For [TransportStdio], spec.Command is split on spaces into executable and
// arguments; spec.Env entries extend the inherited process environment. For
// [TransportStreamableHTTP], spec.URL is the endpoint and spec.Auth selects
// the request authentication.
func (h *Host) RegisterServer(ctx context.Context, spec ServerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: server spec must have a non-empty name")
	}
	if !spec.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", spec.Transport, spec.Name)
	}

	var transport mcpsdk.Transport

	switch spec.Transport {
	case TransportStdio:
		executable, args := splitCommand(spec.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", spec.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if spec.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", spec.Name)
		}
		httpClient, err := httpClientFor(spec.Auth)
		if err != nil {
			return fmt.Errorf("tools: server %q auth: %w", spec.Name, err)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: spec.URL, HTTPClient: httpClient}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: failed to connect to server %q: %w", spec.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: failed to list tools for server %q: %w", spec.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[spec.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == spec.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[spec.Name] = serverConn{session: session}

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: spec.Name,
		}
	}

	h.logger.Info("mcp server registered",
		"server", spec.Name, "transport", string(spec.Transport), "tools", len(discovered))
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
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

// Catalogue returns the definitions of every registered tool, sorted by name
// so prompt ordering is stable across calls.
func (h *Host) Catalogue() []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ExecuteTool calls the named tool with JSON-encoded args. args must be a
// valid JSON object string; "{}" is valid for parameter-less tools.
//
// A non-nil *ToolResult is returned even when [ToolResult.IsError] is true
// (application-level failure). A Go error means transport or protocol
// failure, or an unknown tool name.
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tools: tool %q not found", name)
	}

	start := time.Now()

	var result *ToolResult
	var execErr error
	if entry.builtinFn != nil {
		result, execErr = executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeRemote(ctx, entry, args)
	}

	elapsed := time.Since(start)
	status := "ok"
	if execErr != nil || (result != nil && result.IsError) {
		status = "error"
	}
	if h.metrics != nil {
		h.metrics.RecordToolCall(ctx, name, status)
		h.metrics.ToolDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("tool", name)))
	}
	h.logger.Debug("tool executed",
		"tool", name, "server", entry.serverName, "status", status, "duration", elapsed)

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMS = elapsed.Milliseconds()
	return result, nil
}

// executeBuiltin calls the in-process handler for a builtin tool.
func executeBuiltin(ctx context.Context, entry toolEntry, args string) (*ToolResult, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: output}, nil
}

// executeRemote routes the call to the owning server session.
func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (*ToolResult, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tools: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("tools: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: call to tool %q failed: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down all server connections and clears the registry. The host
// must not be used after Close returns.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" becomes ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
