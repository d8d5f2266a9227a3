package ctxtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Masa712/DIVERGE-sub003/internal/engine"
)

// AssembleTool handles the assemble_context MCP tool — the primary entry
// point of the engine.
type AssembleTool struct {
	engine *engine.Engine
}

// NewAssembleTool creates an AssembleTool backed by the given engine.
func NewAssembleTool(e *engine.Engine) *AssembleTool {
	return &AssembleTool{engine: e}
}

// Definition returns the MCP tool definition for assemble_context.
func (t *AssembleTool) Definition() mcp.Tool {
	return mcp.NewTool("assemble_context",
		mcp.WithDescription(
			"Build the message sequence for a conversation node: its ancestor "+
				"chain plus any nodes cross-referenced in its prompt "+
				"(@<id>, #<id>, or [[node:<id>]]), trimmed to the model's "+
				"token budget. Results are cached; repeated calls are cheap.",
		),
		mcp.WithString("node_id",
			mcp.Required(),
			mcp.Description("Full id of the target node"),
		),
		mcp.WithString("model",
			mcp.Required(),
			mcp.Description("Model identifier the context is being built for"),
		),
		mcp.WithNumber("max_tokens",
			mcp.Description("Token budget override (default: the model's limit)"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Ancestor walk depth override"),
		),
	)
}

// Handle processes the assemble_context tool call.
func (t *AssembleTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID := strArg(req, "node_id", "")
	model := strArg(req, "model", "")
	if nodeID == "" || model == "" {
		return mcp.NewToolResultError("'node_id' and 'model' are required"), nil
	}

	res, err := t.engine.AssembleContext(ctx, nodeID, model, engine.AssembleOptions{
		MaxTokens: intArg(req, "max_tokens", 0),
		MaxDepth:  intArg(req, "max_depth", 0),
	})
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(res), nil
}
