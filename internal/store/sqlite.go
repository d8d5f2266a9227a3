package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteConfig holds SQLite backend configuration.
type SQLiteConfig struct {
	DataDir string
}

// SQLiteDialer opens connections against a single shared SQLite database.
// The *sql.DB it owns is the process-wide handle; each Dial checks a
// dedicated connection out of it so leases map to real connections.
type SQLiteDialer struct {
	db *sql.DB
}

// NewSQLiteDialer opens (creating if needed) the node database under
// cfg.DataDir with WAL mode and runs migrations.
func NewSQLiteDialer(cfg SQLiteConfig) (*SQLiteDialer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "nodes.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("store: migration: %w", err)
	}

	return &SQLiteDialer{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS nodes (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			parent_id  TEXT,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			model      TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_nodes_parent  ON nodes(parent_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Dial checks a dedicated connection out of the shared database handle.
func (d *SQLiteDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: dial sqlite: %w", err)
	}
	return &sqliteConn{conn: conn}, nil
}

// Close closes the shared database handle. Outstanding conns become invalid.
func (d *SQLiteDialer) Close() error {
	return d.db.Close()
}

// ─── Connection ──────────────────────────────────────────────────────────────

type sqliteConn struct {
	conn *sql.Conn
}

const nodeCols = "id, session_id, parent_id, role, content, model, created_at"

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var parent, model sql.NullString
	var created string
	if err := row.Scan(&n.ID, &n.SessionID, &parent, &n.Role, &n.Content, &model, &created); err != nil {
		return nil, err
	}
	n.ParentID = parent.String
	n.Model = model.String
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &n, nil
}

func (c *sqliteConn) queryNodes(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (c *sqliteConn) GetNode(ctx context.Context, id string) (*Node, error) {
	row := c.conn.QueryRowContext(ctx,
		"SELECT "+nodeCols+" FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return n, nil
}

func (c *sqliteConn) GetChildren(ctx context.Context, id string) ([]*Node, error) {
	nodes, err := c.queryNodes(ctx,
		"SELECT "+nodeCols+" FROM nodes WHERE parent_id = ? ORDER BY created_at, id", id)
	if err != nil {
		return nil, fmt.Errorf("store: get children: %w", err)
	}
	return nodes, nil
}

func (c *sqliteConn) FindBySessionAndSuffix(ctx context.Context, sessionID, suffix string) ([]*Node, error) {
	// Suffix match via LIKE with escaped wildcards; suffixes are hex so
	// escaping is belt-and-braces.
	nodes, err := c.queryNodes(ctx,
		"SELECT "+nodeCols+" FROM nodes WHERE session_id = ? AND id LIKE '%' || ? ORDER BY created_at, id",
		sessionID, suffix)
	if err != nil {
		return nil, fmt.Errorf("store: find by suffix: %w", err)
	}
	return nodes, nil
}

func (c *sqliteConn) ListSessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	nodes, err := c.queryNodes(ctx,
		"SELECT "+nodeCols+" FROM nodes WHERE session_id = ? ORDER BY created_at, id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list session nodes: %w", err)
	}
	return nodes, nil
}

func (c *sqliteConn) CreateSession(ctx context.Context, title string) (*Session, error) {
	s := &Session{ID: NewID(), Title: title, CreatedAt: time.Now().UTC()}
	_, err := c.conn.ExecContext(ctx,
		"INSERT INTO sessions (id, title, created_at) VALUES (?, ?, ?)",
		s.ID, s.Title, s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return s, nil
}

func (c *sqliteConn) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	var created string
	err := c.conn.QueryRowContext(ctx,
		"SELECT id, title, created_at FROM sessions WHERE id = ?", id).
		Scan(&s.ID, &s.Title, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &s, nil
}

func (c *sqliteConn) CreateNode(ctx context.Context, p CreateNodeParams) (*Node, error) {
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
	_, err := c.conn.ExecContext(ctx,
		"INSERT INTO nodes (id, session_id, parent_id, role, content, model, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		n.ID, n.SessionID, nullable(n.ParentID), string(n.Role), n.Content,
		nullable(n.Model), n.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: create node: %w", err)
	}
	return n, nil
}

func (c *sqliteConn) UpdateNodeContent(ctx context.Context, id, content string) (*Node, error) {
	res, err := c.conn.ExecContext(ctx, "UPDATE nodes SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return nil, fmt.Errorf("store: update node: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	return c.GetNode(ctx, id)
}

func (c *sqliteConn) DeleteNode(ctx context.Context, id string) ([]string, error) {
	if _, err := c.GetNode(ctx, id); err != nil {
		return nil, err
	}

	// Collect the subtree first so callers can invalidate each removed node.
	rows, err := c.conn.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id FROM nodes n JOIN subtree s ON n.parent_id = s.id
		)
		SELECT id FROM subtree`, id)
	if err != nil {
		return nil, fmt.Errorf("store: collect subtree: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var nid string
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		ids = append(ids, nid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = c.conn.ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id FROM nodes n JOIN subtree s ON n.parent_id = s.id
		)
		DELETE FROM nodes WHERE id IN (SELECT id FROM subtree)`, id)
	if err != nil {
		return nil, fmt.Errorf("store: delete subtree: %w", err)
	}
	return ids, nil
}

func (c *sqliteConn) DeleteSession(ctx context.Context, id string) ([]string, error) {
	nodes, err := c.ListSessionNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}

	res, err := c.conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: delete session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	// Node rows cascade via the foreign key.
	return ids, nil
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqliteConn) Close() error {
	return c.conn.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
