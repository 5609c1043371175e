package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Snapshot is a single recorded content hash of a session's tree at a
// bucketed point in time.
type Snapshot struct {
	SnapshotID       string
	EventID          string
	SessionID        string
	SnapshotBucketTS time.Time
	NodeCount        int
	HashSHA256       string
	CreatedAt        time.Time
}

// StoreSnapshot upserts a snapshot for (session_id, snapshot_bucket_ts).
// Returns false when the bucket already holds an identical node_count and
// hash — the snapshot agent's idempotency key, so re-publishing the same
// unchanged tree state doesn't spam downstream subscribers.
func (db *DB) StoreSnapshot(ctx context.Context, s Snapshot) (bool, error) {
	var returned string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO snapshots (snapshot_id, event_id, session_id, snapshot_bucket_ts, node_count, hash_sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, snapshot_bucket_ts) DO UPDATE
		SET snapshot_id = EXCLUDED.snapshot_id,
		    event_id = EXCLUDED.event_id,
		    node_count = EXCLUDED.node_count,
		    hash_sha256 = EXCLUDED.hash_sha256,
		    created_at = EXCLUDED.created_at,
		    inserted_at = now()
		WHERE snapshots.node_count <> EXCLUDED.node_count
		   OR snapshots.hash_sha256 <> EXCLUDED.hash_sha256
		RETURNING snapshot_id
	`, s.SnapshotID, s.EventID, s.SessionID, s.SnapshotBucketTS, s.NodeCount, s.HashSHA256, s.CreatedAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestSnapshot returns the most recent snapshot, optionally scoped to a
// single session. sessionID == "" means "across all sessions". Returns
// nil, nil when there is no snapshot yet.
func (db *DB) LatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	query := `
		SELECT snapshot_id, session_id, snapshot_bucket_ts, node_count, hash_sha256, created_at
		FROM snapshots
	`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var s Snapshot
	err := db.Pool.QueryRow(ctx, query, args...).Scan(
		&s.SnapshotID, &s.SessionID, &s.SnapshotBucketTS, &s.NodeCount, &s.HashSHA256, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
