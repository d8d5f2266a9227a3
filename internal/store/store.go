// Package store defines the branching-conversation node model and the
// connection contract the rest of the engine consumes.
//
// Two backends implement the contract: SQLite (the default, see sqlite.go)
// and Redis (redis.go). Callers never hold a backend directly — they lease
// a Conn from the connection pool and give it back when done.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Role identifies who produced a node.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleNote      Role = "note"
)

// ValidRole reports whether r is one of the four known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleNote:
		return true
	}
	return false
}

// Node is one message/turn in a branching conversation tree.
// A node with an empty ParentID is the root of its tree.
type Node struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"` // empty for user-authored nodes
	CreatedAt time.Time `json:"created_at"`
}

// ShortID returns the trailing 8 characters of the node id, the form used
// when referencing a node from prompt text.
func (n *Node) ShortID() string {
	if len(n.ID) <= 8 {
		return n.ID
	}
	return n.ID[len(n.ID)-8:]
}

// Session owns a tree (or forest) of nodes.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateNodeParams holds the input for creating a new node.
type CreateNodeParams struct {
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// ErrNotFound is returned when a node or session does not exist.
var ErrNotFound = errors.New("store: not found")

// ─── Contracts ───────────────────────────────────────────────────────────────

// Conn is a single leased connection to the node store. A Conn is not safe
// for concurrent use; the pool hands each lease to exactly one caller at a
// time. Reads are consistent with writes made earlier in the same session.
type Conn interface {
	// GetNode returns the node with the given full id, or ErrNotFound.
	GetNode(ctx context.Context, id string) (*Node, error)

	// GetChildren returns the direct children of a node, oldest first.
	GetChildren(ctx context.Context, id string) ([]*Node, error)

	// FindBySessionAndSuffix returns every node in the session whose id
	// ends with suffix. A full id is its own suffix, so exact lookups go
	// through here too — which keeps resolution session-scoped.
	FindBySessionAndSuffix(ctx context.Context, sessionID, suffix string) ([]*Node, error)

	// ListSessionNodes returns every node in the session, oldest first.
	ListSessionNodes(ctx context.Context, sessionID string) ([]*Node, error)

	// CreateSession creates a new empty session.
	CreateSession(ctx context.Context, title string) (*Session, error)

	// GetSession returns the session with the given id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// CreateNode appends a node to a session. The parent, when set, must
	// exist and belong to the same session.
	CreateNode(ctx context.Context, p CreateNodeParams) (*Node, error)

	// UpdateNodeContent replaces a node's content and returns the updated node.
	UpdateNodeContent(ctx context.Context, id, content string) (*Node, error)

	// DeleteNode deletes a node and all of its descendants, returning the
	// ids that were removed (the node itself first).
	DeleteNode(ctx context.Context, id string) ([]string, error)

	// DeleteSession deletes a session and every node it owns, returning
	// the removed node ids.
	DeleteSession(ctx context.Context, id string) ([]string, error)

	// Ping probes backend liveness. Used by the pool's reaper.
	Ping(ctx context.Context) error

	// Close releases the connection's backend resources.
	Close() error
}

// Dialer opens store connections on behalf of the pool.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Close() error
}

// ─── Identifiers ─────────────────────────────────────────────────────────────

// NewID returns a fresh 32-character lowercase hex identifier.
// Reference syntaxes address nodes by hex suffix, so ids carry no dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
