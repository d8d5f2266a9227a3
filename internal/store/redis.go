package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	URL string // redis://[user:pass@]host:port/db
}

// RedisDialer opens connections against a Redis deployment.
//
// go-redis multiplexes sockets internally, so a Conn here is a logical
// lease over a shared client rather than a raw TCP connection. The pool
// still bounds concurrency and drives liveness probing through it.
type RedisDialer struct {
	client *redis.Client
}

// NewRedisDialer parses the URL, connects, and verifies reachability.
func NewRedisDialer(ctx context.Context, cfg RedisConfig) (*RedisDialer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store: redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &RedisDialer{client: client}, nil
}

func (d *RedisDialer) Dial(ctx context.Context) (Conn, error) {
	return &redisConn{client: d.client}, nil
}

func (d *RedisDialer) Close() error {
	return d.client.Close()
}

// ─── Key scheme ──────────────────────────────────────────────────────────────
//
//	session:<id>        hash  {title, created_at}
//	node:<id>           hash  {session_id, parent_id, role, content, model, created_at}
//	sess_nodes:<sid>    set   node ids in the session
//	children:<id>       set   direct child ids

type redisConn struct {
	client *redis.Client
}

func nodeKey(id string) string       { return "node:" + id }
func sessionKey(id string) string    { return "session:" + id }
func sessNodesKey(sid string) string { return "sess_nodes:" + sid }
func childrenKey(id string) string   { return "children:" + id }

func nodeFromHash(id string, h map[string]string) (*Node, error) {
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	created, _ := time.Parse(time.RFC3339Nano, h["created_at"])
	return &Node{
		ID:        id,
		SessionID: h["session_id"],
		ParentID:  h["parent_id"],
		Role:      Role(h["role"]),
		Content:   h["content"],
		Model:     h["model"],
		CreatedAt: created,
	}, nil
}

func (c *redisConn) GetNode(ctx context.Context, id string) (*Node, error) {
	h, err := c.client.HGetAll(ctx, nodeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return nodeFromHash(id, h)
}

func (c *redisConn) getNodes(ctx context.Context, ids []string) ([]*Node, error) {
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := c.GetNode(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // concurrently deleted
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes, nil
}

func (c *redisConn) GetChildren(ctx context.Context, id string) ([]*Node, error) {
	ids, err := c.client.SMembers(ctx, childrenKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get children: %w", err)
	}
	return c.getNodes(ctx, ids)
}

func (c *redisConn) FindBySessionAndSuffix(ctx context.Context, sessionID, suffix string) ([]*Node, error) {
	ids, err := c.client.SMembers(ctx, sessNodesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: find by suffix: %w", err)
	}
	matched := ids[:0]
	for _, id := range ids {
		if strings.HasSuffix(id, suffix) {
			matched = append(matched, id)
		}
	}
	return c.getNodes(ctx, matched)
}

func (c *redisConn) ListSessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	ids, err := c.client.SMembers(ctx, sessNodesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list session nodes: %w", err)
	}
	return c.getNodes(ctx, ids)
}

func (c *redisConn) CreateSession(ctx context.Context, title string) (*Session, error) {
	s := &Session{ID: NewID(), Title: title, CreatedAt: time.Now().UTC()}
	err := c.client.HSet(ctx, sessionKey(s.ID),
		"title", s.Title,
		"created_at", s.CreatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return s, nil
}

func (c *redisConn) GetSession(ctx context.Context, id string) (*Session, error) {
	h, err := c.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	created, _ := time.Parse(time.RFC3339Nano, h["created_at"])
	return &Session{ID: id, Title: h["title"], CreatedAt: created}, nil
}

func (c *redisConn) CreateNode(ctx context.Context, p CreateNodeParams) (*Node, error) {
	if _, err := c.GetSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if p.ParentID != "" {
		parent, err := c.GetNode(ctx, p.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.SessionID != p.SessionID {
			return nil, fmt.Errorf("store: parent %s belongs to another session: %w", p.ParentID, ErrNotFound)
		}
	}

	n := &Node{
		ID:        NewID(),
		SessionID: p.SessionID,
		ParentID:  p.ParentID,
		Role:      p.Role,
		Content:   p.Content,
		Model:     p.Model,
		CreatedAt: time.Now().UTC(),
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, nodeKey(n.ID),
		"session_id", n.SessionID,
		"parent_id", n.ParentID,
		"role", string(n.Role),
		"content", n.Content,
		"model", n.Model,
		"created_at", n.CreatedAt.Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, sessNodesKey(n.SessionID), n.ID)
	if n.ParentID != "" {
		pipe.SAdd(ctx, childrenKey(n.ParentID), n.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: create node: %w", err)
	}
	return n, nil
}

func (c *redisConn) UpdateNodeContent(ctx context.Context, id, content string) (*Node, error) {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.client.HSet(ctx, nodeKey(id), "content", content).Err(); err != nil {
		return nil, fmt.Errorf("store: update node: %w", err)
	}
	n.Content = content
	return n, nil
}

func (c *redisConn) DeleteNode(ctx context.Context, id string) ([]string, error) {
	root, err := c.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	// Breadth-first collection of the subtree, then a single pipelined delete.
	var ids []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ids = append(ids, cur)
		children, err := c.client.SMembers(ctx, childrenKey(cur)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: collect subtree: %w", err)
		}
		queue = append(queue, children...)
	}

	pipe := c.client.TxPipeline()
	for _, nid := range ids {
		pipe.Del(ctx, nodeKey(nid), childrenKey(nid))
		pipe.SRem(ctx, sessNodesKey(root.SessionID), nid)
	}
	if root.ParentID != "" {
		pipe.SRem(ctx, childrenKey(root.ParentID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: delete subtree: %w", err)
	}
	return ids, nil
}

func (c *redisConn) DeleteSession(ctx context.Context, id string) ([]string, error) {
	if _, err := c.GetSession(ctx, id); err != nil {
		return nil, err
	}
	ids, err := c.client.SMembers(ctx, sessNodesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: delete session: %w", err)
	}

	pipe := c.client.TxPipeline()
	for _, nid := range ids {
		pipe.Del(ctx, nodeKey(nid), childrenKey(nid))
	}
	pipe.Del(ctx, sessNodesKey(id), sessionKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: delete session: %w", err)
	}
	return ids, nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close is a no-op: the underlying client is shared and owned by the dialer.
func (c *redisConn) Close() error {
	return nil
}
