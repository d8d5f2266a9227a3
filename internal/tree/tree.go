// Package tree walks ancestor chains in a conversation tree.
//
// Trees are acyclic by construction (parents are fixed at insert), but the
// walker still guards against corruption: a revisited id or a chain deeper
// than the configured bound surfaces ErrCorruptTree instead of spinning.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masa712/DIVERGE-sub003/internal/store"
	"github.com/Masa712/DIVERGE-sub003/internal/token"
)

// ErrCorruptTree is returned when a parent chain revisits a node or never
// reaches a root within the depth bound.
var ErrCorruptTree = errors.New("tree: corrupt parent chain")

// DefaultMaxDepth bounds walks when the caller does not set one.
const DefaultMaxDepth = 100

// Source is the slice of the store contract the walker needs.
type Source interface {
	GetNode(ctx context.Context, id string) (*store.Node, error)
}

// Options controls a walk.
type Options struct {
	// MaxDepth is the maximum number of nodes in the chain, target
	// included. Zero means DefaultMaxDepth.
	MaxDepth int

	// TokenBudget, when positive, stops the walk once including another
	// ancestor would exceed it. The newest context survives: trimming
	// happens at the oldest end of the chain.
	TokenBudget int

	// ModelID selects the encoding used to cost nodes against TokenBudget.
	ModelID string
}

// AncestorChain returns the target node and its ancestors in root-to-target
// order. The walk stops at the root, at MaxDepth, or when TokenBudget would
// be exceeded by the next (older) ancestor. Read-only with respect to the
// store.
func AncestorChain(ctx context.Context, src Source, budgeter *token.Budgeter, nodeID string, opts Options) ([]*store.Node, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	target, err := src.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	// Collected target-first, reversed on return.
	chain := []*store.Node{target}
	seen := map[string]bool{target.ID: true}
	spent := 0
	if opts.TokenBudget > 0 {
		spent = nodeCost(budgeter, target, opts.ModelID)
	}

	cur := target
	budgetStopped := false
	for cur.ParentID != "" && len(chain) < maxDepth {
		if seen[cur.ParentID] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrCorruptTree, cur.ParentID)
		}

		parent, err := src.GetNode(ctx, cur.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			// Dangling parent pointer: treat the chain as ending here
			// rather than failing the whole request.
			break
		}
		if err != nil {
			return nil, err
		}

		if opts.TokenBudget > 0 {
			cost := nodeCost(budgeter, parent, opts.ModelID)
			if spent+cost > opts.TokenBudget {
				budgetStopped = true
				break
			}
			spent += cost
		}

		seen[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}

	// Hitting the default depth bound without reaching a root (and without
	// the budget ending the walk first) means the chain is longer than any
	// tree we ever build: corruption, not a long conversation. An explicit
	// caller limit is a normal stop.
	if opts.MaxDepth <= 0 && !budgetStopped && cur.ParentID != "" && len(chain) >= maxDepth {
		return nil, fmt.Errorf("%w: no root within %d levels of %s", ErrCorruptTree, maxDepth, nodeID)
	}

	reverse(chain)
	return chain, nil
}

func nodeCost(b *token.Budgeter, n *store.Node, modelID string) int {
	return b.Count(n.Content, modelID)
}

func reverse(nodes []*store.Node) {
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}
