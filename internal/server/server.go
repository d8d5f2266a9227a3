// Package server wires the engine and creates the MCP server instance.
//
// This is the composition root: it builds the store dialer, pool, cache,
// budgeter, and engine, and injects them into the tools that depend on
// them. No business logic lives here — only wiring.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/Masa712/DIVERGE-sub003/internal/cache"
	"github.com/Masa712/DIVERGE-sub003/internal/config"
	"github.com/Masa712/DIVERGE-sub003/internal/ctxtools"
	"github.com/Masa712/DIVERGE-sub003/internal/engine"
	"github.com/Masa712/DIVERGE-sub003/internal/pool"
	"github.com/Masa712/DIVERGE-sub003/internal/store"
	"github.com/Masa712/DIVERGE-sub003/internal/token"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every tool registered. The returned
// cleanup function tears down the engine (pool connections included) and
// the store; call it on shutdown, typically via defer. It is always
// non-nil.
func New(cfg *config.Config, log zerolog.Logger) (*server.MCPServer, func(), error) {
	dialer, err := newDialer(cfg.Store)
	if err != nil {
		return nil, noop, err
	}

	p := pool.New(dialer, pool.Config{
		MaxSize:       cfg.Pool.MaxSize,
		LeaseTimeout:  cfg.Pool.LeaseTimeout.Std(),
		FailFast:      cfg.Pool.FailFast,
		MaxWaiters:    cfg.Pool.MaxWaiters,
		IdleTimeout:   cfg.Pool.IdleTimeout.Std(),
		ProbeInterval: cfg.Pool.ProbeInterval.Std(),
	}, log)

	c := cache.New(cache.Config{
		TTL:      cfg.Cache.TTL.Std(),
		Capacity: cfg.Cache.Capacity,
	}, log)

	eng := engine.New(p, c, token.NewBudgeter(cfg.Engine.EncoderCacheSize), engine.Config{
		MaxTreeDepth:       cfg.Engine.MaxTreeDepth,
		DefaultTokenBudget: cfg.Engine.DefaultTokenBudget,
	}, log)

	cleanup := func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close")
		}
		if err := dialer.Close(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}

	s := server.NewMCPServer(
		"diverge",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register tools ---

	assembleTool := ctxtools.NewAssembleTool(eng)
	s.AddTool(assembleTool.Definition(), assembleTool.Handle)

	createSessionTool := ctxtools.NewCreateSessionTool(eng)
	s.AddTool(createSessionTool.Definition(), createSessionTool.Handle)

	deleteSessionTool := ctxtools.NewDeleteSessionTool(eng)
	s.AddTool(deleteSessionTool.Definition(), deleteSessionTool.Handle)

	listNodesTool := ctxtools.NewListNodesTool(eng)
	s.AddTool(listNodesTool.Definition(), listNodesTool.Handle)

	createNodeTool := ctxtools.NewCreateNodeTool(eng)
	s.AddTool(createNodeTool.Definition(), createNodeTool.Handle)

	editNodeTool := ctxtools.NewEditNodeTool(eng)
	s.AddTool(editNodeTool.Definition(), editNodeTool.Handle)

	deleteNodeTool := ctxtools.NewDeleteNodeTool(eng)
	s.AddTool(deleteNodeTool.Definition(), deleteNodeTool.Handle)

	cacheStatsTool := ctxtools.NewCacheStatsTool(eng)
	s.AddTool(cacheStatsTool.Definition(), cacheStatsTool.Handle)

	poolStatusTool := ctxtools.NewPoolStatusTool(eng)
	s.AddTool(poolStatusTool.Definition(), poolStatusTool.Handle)

	log.Info().
		Str("store", cfg.Store.Driver).
		Int("pool_size", cfg.Pool.MaxSize).
		Int("cache_capacity", cfg.Cache.Capacity).
		Msg("server wired")

	return s, cleanup, nil
}

func newDialer(cfg config.StoreConfig) (store.Dialer, error) {
	switch cfg.Driver {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewRedisDialer(ctx, store.RedisConfig{URL: cfg.RedisURL})
	case "sqlite":
		return store.NewSQLiteDialer(store.SQLiteConfig{DataDir: cfg.DataDir})
	}
	return nil, fmt.Errorf("server: unknown store driver %q", cfg.Driver)
}

func noop() {}

func serverInstructions() string {
	return `DIVERGE is a branching-conversation context engine.

Sessions own trees of nodes (one node per message/turn). Branch a
conversation by creating a node whose parent is any earlier node.
Reference earlier nodes from prompt text with @<id>, #<id>, or
[[node:<id>]] using at least the last 8 hex characters of the node id.

Call assemble_context to get the exact message sequence for a node —
its ancestor chain plus referenced nodes, trimmed to the model's token
budget. Use cache_stats and pool_status for diagnostics.`
}
