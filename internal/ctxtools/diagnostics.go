package ctxtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Masa712/DIVERGE-sub003/internal/engine"
)

// CacheStatsTool handles the cache_stats MCP tool. Read-only and safe to
// poll: it does not touch entry recency or otherwise perturb the cache.
type CacheStatsTool struct {
	engine *engine.Engine
}

// NewCacheStatsTool creates a CacheStatsTool.
func NewCacheStatsTool(e *engine.Engine) *CacheStatsTool {
	return &CacheStatsTool{engine: e}
}

// Definition returns the MCP tool definition for cache_stats.
func (t *CacheStatsTool) Definition() mcp.Tool {
	return mcp.NewTool("cache_stats",
		mcp.WithDescription(
			"Context cache metrics: hit rate, entry count, size estimate, "+
				"and average build latency.",
		),
	)
}

// Handle processes the cache_stats tool call.
func (t *CacheStatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.engine.CacheStats()), nil
}

// PoolStatusTool handles the pool_status MCP tool.
type PoolStatusTool struct {
	engine *engine.Engine
}

// NewPoolStatusTool creates a PoolStatusTool.
func NewPoolStatusTool(e *engine.Engine) *PoolStatusTool {
	return &PoolStatusTool{engine: e}
}

// Definition returns the MCP tool definition for pool_status.
func (t *PoolStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("pool_status",
		mcp.WithDescription(
			"Connection pool health: leases, waiters, probe latency, and "+
				"per-connection state.",
		),
	)
}

// Handle processes the pool_status tool call.
func (t *PoolStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.engine.PoolStatus()), nil
}
