// Package ctxtools provides the MCP tool handlers for the context engine.
//
// Each tool follows the same pattern:
// - A struct with its dependency (the engine) injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
package ctxtools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Masa712/DIVERGE-sub003/internal/engine"
)

// strArg extracts a string argument, returning defaultVal if missing.
func strArg(req mcp.CallToolRequest, key, defaultVal string) string {
	v, ok := req.GetArguments()[key].(string)
	if !ok {
		return defaultVal
	}
	return v
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// jsonResult marshals v as an indented JSON tool result.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// errResult renders an engine failure, surfacing the error code and
// whether the caller should retry with backoff.
func errResult(err error) *mcp.CallToolResult {
	var e *engine.Error
	if errors.As(err, &e) {
		if e.Retryable {
			return mcp.NewToolResultError(fmt.Sprintf("[%s, retryable] %v", e.Code, err))
		}
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", e.Code, err))
	}
	return mcp.NewToolResultError(err.Error())
}
