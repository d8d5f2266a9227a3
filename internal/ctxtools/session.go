package ctxtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Masa712/DIVERGE-sub003/internal/engine"
)

// CreateSessionTool handles the create_session MCP tool.
type CreateSessionTool struct {
	engine *engine.Engine
}

// NewCreateSessionTool creates a CreateSessionTool.
func NewCreateSessionTool(e *engine.Engine) *CreateSessionTool {
	return &CreateSessionTool{engine: e}
}

// Definition returns the MCP tool definition for create_session.
func (t *CreateSessionTool) Definition() mcp.Tool {
	return mcp.NewTool("create_session",
		mcp.WithDescription("Create a new conversation session (an empty tree)."),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Human-readable session title"),
		),
	)
}

// Handle processes the create_session tool call.
func (t *CreateSessionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := strArg(req, "title", "")
	if title == "" {
		return mcp.NewToolResultError("'title' is required"), nil
	}

	s, err := t.engine.CreateSession(ctx, title)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(s), nil
}

// DeleteSessionTool handles the delete_session MCP tool.
type DeleteSessionTool struct {
	engine *engine.Engine
}

// NewDeleteSessionTool creates a DeleteSessionTool.
func NewDeleteSessionTool(e *engine.Engine) *DeleteSessionTool {
	return &DeleteSessionTool{engine: e}
}

// Definition returns the MCP tool definition for delete_session.
func (t *DeleteSessionTool) Definition() mcp.Tool {
	return mcp.NewTool("delete_session",
		mcp.WithDescription(
			"Delete a session and every node it owns. Cached contexts that "+
				"depended on those nodes are invalidated.",
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
}

// Handle processes the delete_session tool call.
func (t *DeleteSessionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strArg(req, "session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}

	removed, err := t.engine.DeleteSession(ctx, id)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted session %s (%d nodes)", id, len(removed))), nil
}

// ListNodesTool handles the list_nodes MCP tool.
type ListNodesTool struct {
	engine *engine.Engine
}

// NewListNodesTool creates a ListNodesTool.
func NewListNodesTool(e *engine.Engine) *ListNodesTool {
	return &ListNodesTool{engine: e}
}

// Definition returns the MCP tool definition for list_nodes.
func (t *ListNodesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_nodes",
		mcp.WithDescription("List every node in a session, oldest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
}

// Handle processes the list_nodes tool call.
func (t *ListNodesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strArg(req, "session_id", "")
	if id == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}

	nodes, err := t.engine.ListNodes(ctx, id)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(nodes), nil
}
