package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/collective/mindgraph-engine/internal/graph"
)

// GraphNode is a persisted tree node, one per approved transcript.
type GraphNode struct {
	NodeID         string
	EventID        string
	SessionID      string
	TranscriptID   string
	ParentNodeID   *string
	BranchType     string
	BranchSlot     *int
	NodeText       string
	OverrideReason string
	CreatedAt      time.Time
}

// AsGraphNode projects the persisted row down to the minimal shape the
// pure attachment/hashing rules operate on.
func (n GraphNode) AsGraphNode() graph.Node {
	return graph.Node{
		NodeID:       n.NodeID,
		ParentNodeID: n.ParentNodeID,
		BranchType:   n.BranchType,
		BranchSlot:   n.BranchSlot,
		NodeText:     n.NodeText,
		CreatedAt:    n.CreatedAt.UnixNano(),
	}
}

// InsertGraphNode writes a new node, returning false when transcript_id was
// already written — the graph writer's idempotency key, guarding against
// reprocessing the same approved transcript twice.
func (db *DB) InsertGraphNode(ctx context.Context, n GraphNode) (bool, error) {
	var returned string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO graph_nodes (
			node_id, event_id, session_id, transcript_id, parent_node_id,
			branch_type, branch_slot, node_text, override_reason, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transcript_id) DO NOTHING
		RETURNING node_id
	`, n.NodeID, n.EventID, n.SessionID, n.TranscriptID, n.ParentNodeID,
		n.BranchType, n.BranchSlot, n.NodeText, n.OverrideReason, n.CreatedAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanGraphNodes(rows pgx.Rows, sessionID string) ([]GraphNode, error) {
	var out []GraphNode
	for rows.Next() {
		var n GraphNode
		n.SessionID = sessionID
		if err := rows.Scan(&n.NodeID, &n.TranscriptID, &n.ParentNodeID, &n.BranchType, &n.BranchSlot, &n.NodeText, &n.OverrideReason, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentNodes returns the most recently created nodes for a session, newest
// first — the window the LLM orchestrator feeds as conversational context.
func (db *DB) RecentNodes(ctx context.Context, sessionID string, limit int) ([]GraphNode, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT node_id, transcript_id, parent_node_id, branch_type, branch_slot, node_text, override_reason, created_at
		FROM graph_nodes
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGraphNodes(rows, sessionID)
}

// AllNodes returns every node for a session, oldest first — the full tree
// used by the consistency agent's attachment decisions and by snapshot
// hashing.
func (db *DB) AllNodes(ctx context.Context, sessionID string) ([]GraphNode, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT node_id, transcript_id, parent_node_id, branch_type, branch_slot, node_text, override_reason, created_at
		FROM graph_nodes
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGraphNodes(rows, sessionID)
}
