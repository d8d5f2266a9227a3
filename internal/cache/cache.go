// Package cache holds assembled contexts keyed by fingerprint.
//
// A fingerprint is deterministic over (node, model, strategy version,
// effective budget and depth, resolved reference set): while the underlying
// nodes are unchanged, equal fingerprints always yield byte-identical
// assembled contexts. The cache
// enforces at-most-one-build-in-flight per fingerprint, tracks a reverse
// index from node id to dependent fingerprints for cascading invalidation,
// and evicts by TTL and LRU capacity.
//
// All map and LRU mutations happen under one mutex; builds run outside it
// through singleflight, so eviction never blocks a concurrent read of a
// different fingerprint for longer than a map operation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Masa712/DIVERGE-sub003/internal/token"
)

// ─── Fingerprint ─────────────────────────────────────────────────────────────

// Fingerprint is the deterministic cache key for an assembled context.
type Fingerprint string

// Compute derives a fingerprint from the target node, model, assembly
// strategy version, the effective token budget and walk depth, and the
// sorted resolved reference set. Callers pass budget and depth after
// defaulting and clamping, so equivalent requests share an entry; sorting
// makes the key independent of mention order.
func Compute(nodeID, modelID string, strategyVersion, tokenBudget, maxDepth int, refIDs []string) Fingerprint {
	sorted := append([]string(nil), refIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%s",
		nodeID, modelID, strategyVersion, tokenBudget, maxDepth, strings.Join(sorted, ","))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// ─── Types ───────────────────────────────────────────────────────────────────

// Context is one assembled message sequence ready to send to a model.
type Context struct {
	Messages   []token.Message `json:"messages"`
	TokenCount int             `json:"token_count"`
	Truncated  bool            `json:"truncated"`
	Warnings   []string        `json:"warnings,omitempty"`
	BuiltAt    time.Time       `json:"built_at"`
}

func (c *Context) sizeEstimate() int64 {
	size := int64(128)
	for _, m := range c.Messages {
		size += int64(len(m.Role) + len(m.Content) + 32)
	}
	return size
}

type entry struct {
	ctx       *Context
	deps      []string
	expiresAt time.Time
}

// BuildFunc assembles a context on cache miss. It returns the context and
// the full dependency set: every node id whose content or position shaped
// the result.
type BuildFunc func(ctx context.Context) (*Context, []string, error)

// Config tunes the cache.
type Config struct {
	TTL      time.Duration
	Capacity int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	return c
}

// Cache is the fingerprint-keyed store of assembled contexts.
type Cache struct {
	cfg Config
	log zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache[Fingerprint, *entry]
	// deps is the reverse index: node id -> fingerprints whose dependency
	// set includes that node.
	deps map[string]map[Fingerprint]struct{}
	// invalidatedAt records the last invalidation time per node so a build
	// that started before a write can never land a stale Ready entry.
	invalidatedAt map[string]time.Time
	size          int64
	// deliberate marks removals driven by invalidation or replacement, so
	// onEvict counts only TTL and capacity evictions. Guarded by mu like
	// every other LRU mutation.
	deliberate bool

	hits          atomic.Int64
	misses        atomic.Int64
	builds        atomic.Int64
	buildNanos    atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
}

// New creates a Cache.
func New(cfg Config, log zerolog.Logger) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:           cfg,
		log:           log.With().Str("component", "cache").Logger(),
		deps:          make(map[string]map[Fingerprint]struct{}),
		invalidatedAt: make(map[string]time.Time),
	}
	// onEvict runs synchronously inside LRU mutations, which all happen
	// under c.mu — so it touches the index directly, no locking.
	c.entries, _ = lru.NewWithEvict(cfg.Capacity, c.onEvict)
	return c
}

func (c *Cache) onEvict(fp Fingerprint, e *entry) {
	if !c.deliberate {
		c.evictions.Add(1)
	}
	c.size -= e.ctx.sizeEstimate()
	for _, dep := range e.deps {
		if set, ok := c.deps[dep]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(c.deps, dep)
			}
		}
	}
}

// ─── Lookup and build ────────────────────────────────────────────────────────

// GetOrBuild returns the cached context for fp, or runs build once —
// concurrent callers for the same fingerprint share the in-flight build
// instead of walking the tree again. The second return reports a cache hit.
//
// A caller whose ctx is cancelled abandons only its own wait; the shared
// build keeps running for the other waiters.
func (c *Cache) GetOrBuild(ctx context.Context, fp Fingerprint, build BuildFunc) (*Context, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries.Get(fp); ok {
		if time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			c.hits.Add(1)
			return e.ctx, true, nil
		}
		c.entries.Remove(fp) // TTL expiry
	}
	c.mu.Unlock()
	c.misses.Add(1)

	// Detach the build from this caller's cancellation; singleflight
	// clears the key when the build completes or fails.
	buildCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(string(fp), func() (any, error) {
		start := time.Now()
		built, deps, err := build(buildCtx)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		c.buildNanos.Add(time.Since(start).Nanoseconds())
		c.insert(fp, built, deps, start)
		return built, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Context), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// insert stores a completed build unless any dependency was invalidated
// after the build started reading — in that race the result is still
// served to the waiters but never becomes a Ready entry.
func (c *Cache) insert(fp Fingerprint, built *Context, deps []string, buildStart time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dep := range deps {
		if t, ok := c.invalidatedAt[dep]; ok && !t.Before(buildStart) {
			c.log.Debug().Str("fingerprint", string(fp)).Str("node_id", dep).
				Msg("discarding build that raced an invalidation")
			return
		}
	}

	e := &entry{ctx: built, deps: deps, expiresAt: time.Now().Add(c.cfg.TTL)}
	// Remove-then-add so a replaced entry goes through onEvict and its old
	// dependency edges are unwound.
	if c.entries.Contains(fp) {
		c.removeEntry(fp)
	}
	c.entries.Add(fp, e) // may evict the LRU entry; onEvict unwinds its deps
	c.size += built.sizeEstimate()
	for _, dep := range deps {
		set, ok := c.deps[dep]
		if !ok {
			set = make(map[Fingerprint]struct{})
			c.deps[dep] = set
		}
		set[fp] = struct{}{}
	}
}

// ─── Invalidation ────────────────────────────────────────────────────────────

// InvalidateNode drops every cached fingerprint whose dependency set
// includes nodeID and returns how many were dropped. Callers invoke this
// on every node write: edit, delete, and new child.
func (c *Cache) InvalidateNode(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.invalidatedAt[nodeID] = now

	// Opportunistic pruning keeps the race-guard map bounded by recent
	// write activity.
	for id, t := range c.invalidatedAt {
		if now.Sub(t) > c.cfg.TTL {
			delete(c.invalidatedAt, id)
		}
	}

	set, ok := c.deps[nodeID]
	if !ok {
		return 0
	}

	n := 0
	for fp := range set {
		if c.removeEntry(fp) {
			n++
		} else {
			// Reverse-index entry with no forward entry: self-heal the
			// group rather than serving anything stale.
			delete(set, fp)
		}
	}
	delete(c.deps, nodeID)
	c.invalidations.Add(int64(n))
	return n
}

// removeEntry drops fp without counting it as an eviction. onEvict still
// runs and unwinds size and dependency edges.
func (c *Cache) removeEntry(fp Fingerprint) bool {
	c.deliberate = true
	ok := c.entries.Remove(fp)
	c.deliberate = false
	return ok
}

// InvalidateNodes invalidates a batch (a deleted subtree, for example).
func (c *Cache) InvalidateNodes(nodeIDs []string) int {
	n := 0
	for _, id := range nodeIDs {
		n += c.InvalidateNode(id)
	}
	return n
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of cache effectiveness. Reading it
// does not touch entry recency.
type Stats struct {
	Entries       int     `json:"entries"`
	SizeBytes     int64   `json:"size_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Builds        int64   `json:"builds"`
	AvgBuildMs    float64 `json:"avg_build_ms"`
	Invalidations int64   `json:"invalidations"`
	Evictions     int64   `json:"evictions"`
}

// Stats reports cache metrics for the health surface.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := c.entries.Len()
	size := c.size
	c.mu.Unlock()

	st := Stats{
		Entries:       entries,
		SizeBytes:     size,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Builds:        c.builds.Load(),
		Invalidations: c.invalidations.Load(),
		Evictions:     c.evictions.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	if st.Builds > 0 {
		st.AvgBuildMs = float64(c.buildNanos.Load()) / float64(st.Builds) / 1e6
	}
	return st
}

// Purge drops everything. Used on teardown and by tests.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.deps = make(map[string]map[Fingerprint]struct{})
	c.invalidatedAt = make(map[string]time.Time)
	c.size = 0
}
