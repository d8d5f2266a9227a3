// Package refs extracts and resolves cross-node references embedded in
// prompt text.
//
// Three equivalent syntaxes are recognized and unioned:
//
//	@abcd1234 / @node_abcd1234
//	#abcd1234
//	[[node:abcd1234]]
//
// where the identifier is hexadecimal, at least 8 characters, and may be
// either a full node id or a trailing suffix of one. Resolution is scoped
// to a single session; a reference can never reach a node in another
// session.
package refs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masa712/DIVERGE-sub003/internal/store"
)

// patterns capture the identifier in group 1. Kept as a table so syntaxes
// can be tested and extended in isolation.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`\[\[node:([0-9a-fA-F]{8,})\]\]`),
	regexp.MustCompile(`@(?:node_)?([0-9a-fA-F]{8,})`),
	regexp.MustCompile(`#([0-9a-fA-F]{8,})`),
}

// Extract returns the candidate identifiers referenced in text, lowercased,
// in order of first appearance, with duplicates removed.
func Extract(text string) []string {
	type hit struct {
		pos int
		id  string
	}
	var hits []hit
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{pos: m[0], id: strings.ToLower(text[m[2]:m[3]])})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool, len(hits))
	var ids []string
	for _, h := range hits {
		if seen[h.id] {
			continue
		}
		seen[h.id] = true
		ids = append(ids, h.id)
	}
	return ids
}

// ─── Resolution ──────────────────────────────────────────────────────────────

// Status classifies the outcome of resolving one candidate.
type Status int

const (
	// Resolved means the candidate named exactly one node in the session.
	Resolved Status = iota
	// NotFound means no node in the session matched. Not dropped — the
	// caller decides whether to fail or proceed with a warning.
	NotFound
	// Ambiguous means the suffix matched more than one node. Never
	// silently resolved to the first match.
	Ambiguous
)

func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case NotFound:
		return "not_found"
	case Ambiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Match is one candidate identifier with its resolution outcome.
type Match struct {
	Raw        string      `json:"raw"`
	Status     Status      `json:"status"`
	Node       *store.Node `json:"node,omitempty"`       // set when Resolved
	Candidates []string    `json:"candidates,omitempty"` // set when Ambiguous
}

// Lookup is the slice of the store contract resolution needs.
type Lookup interface {
	FindBySessionAndSuffix(ctx context.Context, sessionID, suffix string) ([]*store.Node, error)
}

// Resolve maps each candidate to a node within the session. Suffix-form
// identifiers match against the trailing characters of node ids; full ids
// are just 32-character suffixes, so both go through the same query and
// stay session-scoped.
func Resolve(ctx context.Context, l Lookup, sessionID string, candidates []string) ([]Match, error) {
	matches := make([]Match, 0, len(candidates))
	for _, raw := range candidates {
		nodes, err := l.FindBySessionAndSuffix(ctx, sessionID, raw)
		if err != nil {
			return nil, fmt.Errorf("refs: resolve %q: %w", raw, err)
		}

		switch len(nodes) {
		case 0:
			matches = append(matches, Match{Raw: raw, Status: NotFound})
		case 1:
			matches = append(matches, Match{Raw: raw, Status: Resolved, Node: nodes[0]})
		default:
			ids := make([]string, 0, len(nodes))
			for _, n := range nodes {
				ids = append(ids, n.ID)
			}
			matches = append(matches, Match{Raw: raw, Status: Ambiguous, Candidates: ids})
		}
	}
	return matches, nil
}
