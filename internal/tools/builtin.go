package tools

import (
	"context"
	"fmt"

	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// BuiltinTool is a tool implemented as a Go function running in-process.
// Built-in tools bypass MCP protocol overhead: ExecuteTool invokes the
// handler directly with no subprocess or network round-trip.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition llm.ToolDefinition

	// Handler is invoked when ExecuteTool is called for this tool. args is
	// a JSON object string (e.g. "{}" or `{"key":"value"}`). A non-nil
	// error marks the result as an application-level failure.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers an in-process tool. A tool with the same name
// replaces any existing registration. Safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}
