package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/quirehq/quire/errors"
)

// Node is one registered worker endpoint.
type Node struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
}

// NodeStore persists the set of known worker nodes. Nodes register on
// startup and heartbeat periodically; entries that stop heartbeating
// age out of the active set and are eventually pruned.
type NodeStore struct {
	db *sql.DB
}

// NewNodeStore creates a node store.
func NewNodeStore(db *sql.DB) *NodeStore {
	return &NodeStore{db: db}
}

// Register upserts a node by identifier.
func (s *NodeStore) Register(ctx context.Context, id, url string) error {
	if id == "" || url == "" {
		return errors.New("node id and url cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, url, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, last_seen = excluded.last_seen
	`, id, url, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to register node %s", id)
	}
	return nil
}

// Heartbeat refreshes a node's last-seen timestamp.
func (s *NodeStore) Heartbeat(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE nodes SET last_seen = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat node %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("node %s", id)
	}
	return nil
}

// ListActive returns nodes seen within maxAge.
func (s *NodeStore) ListActive(ctx context.Context, maxAge time.Duration) ([]*Node, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, url, last_seen FROM nodes WHERE last_seen >= ? ORDER BY id", cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active nodes")
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var node Node
		if err := rows.Scan(&node.ID, &node.URL, &node.LastSeen); err != nil {
			return nil, errors.Wrap(err, "failed to scan node")
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// Prune removes nodes not seen within maxAge and returns how many were
// removed.
func (s *NodeStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE last_seen < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune nodes")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// Remove deletes a node explicitly, for clean shutdown.
func (s *NodeStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to remove node %s", id)
	}
	return nil
}
