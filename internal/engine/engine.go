// Package engine is the context assembly service: given a target node and
// a model, it builds the exact message sequence to send — ancestor chain
// plus cross-referenced nodes — under a token budget, caching results by
// fingerprint and invalidating them on every node write.
//
// The Engine is constructed once at startup and passed by reference; it
// owns the pool and cache and tears both down in Close.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Masa712/DIVERGE-sub003/internal/cache"
	"github.com/Masa712/DIVERGE-sub003/internal/pool"
	"github.com/Masa712/DIVERGE-sub003/internal/refs"
	"github.com/Masa712/DIVERGE-sub003/internal/store"
	"github.com/Masa712/DIVERGE-sub003/internal/token"
	"github.com/Masa712/DIVERGE-sub003/internal/tree"
)

// strategyVersion feeds the fingerprint; bump it whenever the assembly
// procedure below changes shape, so stale cache entries can never be
// mistaken for current ones.
const strategyVersion = 1

// Config tunes assembly.
type Config struct {
	// MaxTreeDepth bounds ancestor walks. Zero uses tree.DefaultMaxDepth.
	MaxTreeDepth int

	// DefaultTokenBudget caps assembled contexts when the caller does not
	// pass one. Zero means the model's own limit.
	DefaultTokenBudget int
}

// Engine assembles contexts and owns the node write path.
type Engine struct {
	pool     *pool.Pool
	cache    *cache.Cache
	budgeter *token.Budgeter
	cfg      Config
	log      zerolog.Logger
}

// New wires the engine. The pool and cache are owned from here on;
// Close releases them.
func New(p *pool.Pool, c *cache.Cache, b *token.Budgeter, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		pool:     p,
		cache:    c,
		budgeter: b,
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// Close tears down the pool and drops the cache.
func (e *Engine) Close() error {
	e.cache.Purge()
	return e.pool.Close()
}

// ─── Assembly ────────────────────────────────────────────────────────────────

// AssembleOptions tunes one assembly request.
type AssembleOptions struct {
	// MaxTokens caps the assembled context. Zero uses the engine default,
	// and the model's limit is always an upper bound.
	MaxTokens int

	// MaxDepth bounds the ancestor walk for this request.
	MaxDepth int
}

// Result is an assembled context plus cache provenance.
type Result struct {
	Messages   []token.Message `json:"messages"`
	TokenCount int             `json:"token_count"`
	Truncated  bool            `json:"truncated"`
	Warnings   []string        `json:"warnings,omitempty"`
	CacheHit   bool            `json:"cache_hit"`
}

// AssembleContext is the primary entry point. It resolves the target's
// references, computes the fingerprint, and returns the cached context or
// builds it — at most one build per fingerprint runs at a time, and
// concurrent requesters share the in-flight result.
func (e *Engine) AssembleContext(ctx context.Context, nodeID, modelID string, opts AssembleOptions) (*Result, error) {
	if nodeID == "" {
		return nil, invalidf("node id is required")
	}
	if modelID == "" {
		return nil, invalidf("model id is required")
	}

	// Resolution happens before the fingerprint: the reference set is part
	// of the key.
	var target *store.Node
	var matches []refs.Match
	err := e.pool.WithConn(ctx, "assemble:resolve", func(conn store.Conn) error {
		var err error
		target, err = conn.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		matches, err = refs.Resolve(ctx, conn, target.SessionID, refs.Extract(target.Content))
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	var refNodes []*store.Node
	var refIDs []string
	var warnings []string
	for _, m := range matches {
		switch m.Status {
		case refs.Resolved:
			if m.Node.ID == target.ID {
				continue // self-reference adds nothing
			}
			refNodes = append(refNodes, m.Node)
			refIDs = append(refIDs, m.Node.ID)
		case refs.Ambiguous:
			return nil, ambiguousError(m)
		case refs.NotFound:
			warnings = append(warnings, fmt.Sprintf("unresolved reference %q", m.Raw))
		}
	}

	// The effective budget and depth shape the built context, so both are
	// part of the key. They are resolved before hashing: requests that
	// default or clamp to the same values share an entry.
	budget := opts.MaxTokens
	if budget <= 0 {
		budget = e.cfg.DefaultTokenBudget
	}
	if limit := token.GetTokenLimit(modelID); budget <= 0 || budget > limit {
		budget = limit
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = e.cfg.MaxTreeDepth
	}
	keyDepth := maxDepth
	if keyDepth <= 0 {
		keyDepth = tree.DefaultMaxDepth
	}

	fp := cache.Compute(target.ID, modelID, strategyVersion, budget, keyDepth, refIDs)
	built, hit, err := e.cache.GetOrBuild(ctx, fp, func(bctx context.Context) (*cache.Context, []string, error) {
		return e.build(bctx, target, modelID, refNodes, warnings, budget, maxDepth)
	})
	if err != nil {
		werr := classify(err)
		if werr.Code == CodeCorruptTree {
			e.log.Error().Str("node_id", nodeID).Err(err).Msg("corrupt tree during assembly")
		}
		return nil, werr
	}

	return &Result{
		Messages:   built.Messages,
		TokenCount: built.TokenCount,
		Truncated:  built.Truncated,
		Warnings:   built.Warnings,
		CacheHit:   hit,
	}, nil
}

// build runs on cache miss, under single-flight. It walks the ancestor
// chain, merges in referenced nodes, and trims to the token budget. budget
// and maxDepth arrive already resolved by AssembleContext.
func (e *Engine) build(ctx context.Context, target *store.Node, modelID string, refNodes []*store.Node, warnings []string, budget, maxDepth int) (*cache.Context, []string, error) {
	var chain []*store.Node
	err := e.pool.WithConn(ctx, "assemble:build", func(conn store.Conn) error {
		var err error
		chain, err = tree.AncestorChain(ctx, conn, e.budgeter, target.ID, tree.Options{
			MaxDepth: maxDepth,
			ModelID:  modelID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	msgs, truncated := e.assemble(chain, refNodes, modelID, budget)

	// The dependency set covers every node that was read, not only those
	// that survived trimming — a conservative reverse index can only
	// over-invalidate, never serve stale context.
	deps := make([]string, 0, len(chain)+len(refNodes))
	for _, n := range chain {
		deps = append(deps, n.ID)
	}
	for _, n := range refNodes {
		deps = append(deps, n.ID)
	}

	return &cache.Context{
		Messages:   msgs,
		TokenCount: e.budgeter.CountMessages(msgs, modelID),
		Truncated:  truncated,
		Warnings:   warnings,
		BuiltAt:    time.Now().UTC(),
	}, deps, nil
}

// assemble orders the chain chronologically with referenced nodes
// annotated inline at their point of mention — every mention lives in the
// target prompt, so annotations sit immediately before it — then trims to
// the budget.
//
// Trim policy (ancestors take priority over references): referenced nodes
// drop first, earliest mention first; then ancestors, oldest first. The
// target itself is never dropped — as a last resort its content is
// truncated and the result is marked Truncated.
func (e *Engine) assemble(chain []*store.Node, refNodes []*store.Node, modelID string, budget int) ([]token.Message, bool) {
	ancestors := chain[:len(chain)-1]
	target := chain[len(chain)-1]

	build := func(nAncestorsDropped, nRefsDropped int, targetContent string) []token.Message {
		msgs := make([]token.Message, 0, len(chain)+len(refNodes))
		for _, n := range ancestors[nAncestorsDropped:] {
			msgs = append(msgs, nodeMessage(n))
		}
		for _, n := range refNodes[nRefsDropped:] {
			msgs = append(msgs, token.Message{
				Role:    string(store.RoleSystem),
				Content: fmt.Sprintf("[referenced node %s, %s] %s", n.ShortID(), n.Role, n.Content),
			})
		}
		m := nodeMessage(target)
		m.Content = targetContent
		return append(msgs, m)
	}

	refsDropped, ancestorsDropped := 0, 0
	msgs := build(0, 0, target.Content)
	for e.budgeter.CountMessages(msgs, modelID) > budget {
		switch {
		case refsDropped < len(refNodes):
			refsDropped++
		case ancestorsDropped < len(ancestors):
			ancestorsDropped++
		default:
			// Only the target left; trim its content. The per-message
			// overhead is reserved out of the budget first.
			res := e.budgeter.TruncateToLimit(target.Content, modelID, max(budget-8, 1))
			return build(ancestorsDropped, refsDropped, res.Text), true
		}
		msgs = build(ancestorsDropped, refsDropped, target.Content)
	}

	return msgs, refsDropped > 0 || ancestorsDropped > 0
}

func nodeMessage(n *store.Node) token.Message {
	role := string(n.Role)
	if n.Role == store.RoleNote {
		role = string(store.RoleSystem)
	}
	return token.Message{Role: role, Content: n.Content}
}

// ─── Session and node writes ─────────────────────────────────────────────────
//
// Every write funnels through here so cascading invalidation cannot be
// forgotten: an edit invalidates the node itself (and with it every
// fingerprint whose dependency set includes it), a new child invalidates
// its parent, a delete invalidates the whole removed subtree.

// CreateSession creates an empty session.
func (e *Engine) CreateSession(ctx context.Context, title string) (*store.Session, error) {
	var s *store.Session
	err := e.pool.WithConn(ctx, "create_session", func(conn store.Conn) error {
		var err error
		s, err = conn.CreateSession(ctx, title)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// CreateNode appends a node and invalidates contexts that depended on the
// parent.
func (e *Engine) CreateNode(ctx context.Context, p store.CreateNodeParams) (*store.Node, error) {
	if !store.ValidRole(p.Role) {
		return nil, invalidf("invalid role %q", p.Role)
	}

	var n *store.Node
	err := e.pool.WithConn(ctx, "create_node", func(conn store.Conn) error {
		var err error
		n, err = conn.CreateNode(ctx, p)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	if p.ParentID != "" {
		e.cache.InvalidateNode(p.ParentID)
	}
	return n, nil
}

// EditNode replaces a node's content and invalidates every cached context
// that included it.
func (e *Engine) EditNode(ctx context.Context, id, content string) (*store.Node, error) {
	var n *store.Node
	err := e.pool.WithConn(ctx, "edit_node", func(conn store.Conn) error {
		var err error
		n, err = conn.UpdateNodeContent(ctx, id, content)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	dropped := e.cache.InvalidateNode(id)
	e.log.Debug().Str("node_id", id).Int("invalidated", dropped).Msg("node edited")
	return n, nil
}

// DeleteNode removes a node and its descendants, invalidating all of them.
func (e *Engine) DeleteNode(ctx context.Context, id string) ([]string, error) {
	var removed []string
	err := e.pool.WithConn(ctx, "delete_node", func(conn store.Conn) error {
		var err error
		removed, err = conn.DeleteNode(ctx, id)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	e.cache.InvalidateNodes(removed)
	return removed, nil
}

// DeleteSession removes a session and all of its nodes.
func (e *Engine) DeleteSession(ctx context.Context, id string) ([]string, error) {
	var removed []string
	err := e.pool.WithConn(ctx, "delete_session", func(conn store.Conn) error {
		var err error
		removed, err = conn.DeleteSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	e.cache.InvalidateNodes(removed)
	return removed, nil
}

// ListNodes returns every node in a session, oldest first.
func (e *Engine) ListNodes(ctx context.Context, sessionID string) ([]*store.Node, error) {
	var nodes []*store.Node
	err := e.pool.WithConn(ctx, "list_nodes", func(conn store.Conn) error {
		var err error
		nodes, err = conn.ListSessionNodes(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return nodes, nil
}

// GetNode returns one node by full id.
func (e *Engine) GetNode(ctx context.Context, id string) (*store.Node, error) {
	var n *store.Node
	err := e.pool.WithConn(ctx, "get_node", func(conn store.Conn) error {
		var err error
		n, err = conn.GetNode(ctx, id)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return n, nil
}

// ─── Diagnostics ─────────────────────────────────────────────────────────────

// PoolStatus proxies the pool health snapshot.
func (e *Engine) PoolStatus() pool.Status { return e.pool.Status() }

// CacheStats proxies cache effectiveness metrics.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }
