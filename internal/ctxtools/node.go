package ctxtools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Masa712/DIVERGE-sub003/internal/engine"
	"github.com/Masa712/DIVERGE-sub003/internal/store"
)

// CreateNodeTool handles the create_node MCP tool.
type CreateNodeTool struct {
	engine *engine.Engine
}

// NewCreateNodeTool creates a CreateNodeTool.
func NewCreateNodeTool(e *engine.Engine) *CreateNodeTool {
	return &CreateNodeTool{engine: e}
}

// Definition returns the MCP tool definition for create_node.
func (t *CreateNodeTool) Definition() mcp.Tool {
	return mcp.NewTool("create_node",
		mcp.WithDescription(
			"Append a node to a conversation tree. Omit parent_id to start "+
				"a new root; pass an earlier node's id to branch from it.",
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Owning session id")),
		mcp.WithString("parent_id", mcp.Description("Parent node id (omit for a root)")),
		mcp.WithString("role",
			mcp.Required(),
			mcp.Description("One of: user, assistant, system, note"),
		),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("model", mcp.Description("Model that produced the node (assistant nodes)")),
	)
}

// Handle processes the create_node tool call.
func (t *CreateNodeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := store.CreateNodeParams{
		SessionID: strArg(req, "session_id", ""),
		ParentID:  strArg(req, "parent_id", ""),
		Role:      store.Role(strArg(req, "role", "")),
		Content:   strArg(req, "content", ""),
		Model:     strArg(req, "model", ""),
	}
	if p.SessionID == "" || p.Role == "" || p.Content == "" {
		return mcp.NewToolResultError("'session_id', 'role' and 'content' are required"), nil
	}

	n, err := t.engine.CreateNode(ctx, p)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(n), nil
}

// EditNodeTool handles the edit_node MCP tool.
type EditNodeTool struct {
	engine *engine.Engine
}

// NewEditNodeTool creates an EditNodeTool.
func NewEditNodeTool(e *engine.Engine) *EditNodeTool {
	return &EditNodeTool{engine: e}
}

// Definition returns the MCP tool definition for edit_node.
func (t *EditNodeTool) Definition() mcp.Tool {
	return mcp.NewTool("edit_node",
		mcp.WithDescription(
			"Replace a node's content. Every cached context that included "+
				"this node is invalidated and will be rebuilt on next use.",
		),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New content")),
	)
}

// Handle processes the edit_node tool call.
func (t *EditNodeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strArg(req, "node_id", "")
	content := strArg(req, "content", "")
	if id == "" || content == "" {
		return mcp.NewToolResultError("'node_id' and 'content' are required"), nil
	}

	n, err := t.engine.EditNode(ctx, id, content)
	if err != nil {
		return errResult(err), nil
	}
	return jsonResult(n), nil
}

// DeleteNodeTool handles the delete_node MCP tool.
type DeleteNodeTool struct {
	engine *engine.Engine
}

// NewDeleteNodeTool creates a DeleteNodeTool.
func NewDeleteNodeTool(e *engine.Engine) *DeleteNodeTool {
	return &DeleteNodeTool{engine: e}
}

// Definition returns the MCP tool definition for delete_node.
func (t *DeleteNodeTool) Definition() mcp.Tool {
	return mcp.NewTool("delete_node",
		mcp.WithDescription("Delete a node and all of its descendants."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node id")),
	)
}

// Handle processes the delete_node tool call.
func (t *DeleteNodeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strArg(req, "node_id", "")
	if id == "" {
		return mcp.NewToolResultError("'node_id' is required"), nil
	}

	removed, err := t.engine.DeleteNode(ctx, id)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %d node(s)", len(removed))), nil
}
