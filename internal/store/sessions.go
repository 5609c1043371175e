package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session is a sessions row joined with its session_state companion row —
// the shape every read path (dashboard, CLI, consistency, LLM and snapshot
// agents) actually wants.
type Session struct {
	SessionID             string
	DeviceID              string
	Status                string
	StartedAt             time.Time
	StoppedAt             *time.Time
	UpdatedAt             time.Time
	CurrentMainTailNodeID *string
	MainBranchSummary     string
	LastSnapshotAt        *time.Time
}

const sessionSelectColumns = `
	s.session_id, s.device_id, s.status, s.started_at, s.stopped_at, s.updated_at,
	ss.current_main_tail_node_id, ss.main_branch_summary, ss.last_snapshot_at
`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var mainBranchSummary *string
	err := row.Scan(
		&s.SessionID, &s.DeviceID, &s.Status, &s.StartedAt, &s.StoppedAt, &s.UpdatedAt,
		&s.CurrentMainTailNodeID, &mainBranchSummary, &s.LastSnapshotAt,
	)
	if mainBranchSummary != nil {
		s.MainBranchSummary = *mainBranchSummary
	}
	return s, err
}

// StartSession marks a session active, creating it (and its empty state
// row) if this is the first time it's been seen. Returns true only when the
// session actually transitioned into "active" — a duplicate start for an
// already-active session is a no-op, matching the bus's at-least-once
// redelivery semantics.
func (db *DB) StartSession(ctx context.Context, sessionID, deviceID string, startedAt time.Time) (bool, error) {
	var returned string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO sessions (session_id, device_id, status, started_at, updated_at)
		VALUES ($1, $2, 'active', $3, now())
		ON CONFLICT (session_id) DO UPDATE
		SET status = 'active',
		    device_id = EXCLUDED.device_id,
		    started_at = LEAST(sessions.started_at, EXCLUDED.started_at),
		    stopped_at = NULL,
		    updated_at = now()
		WHERE sessions.status <> 'active'
		RETURNING session_id
	`, sessionID, deviceID, startedAt).Scan(&returned)

	started := true
	if errors.Is(err, pgx.ErrNoRows) {
		started, err = false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO session_state (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID); err != nil {
		return false, err
	}
	return started, nil
}

// StopSession marks a session stopped. Returns true only if the session
// wasn't already stopped.
func (db *DB) StopSession(ctx context.Context, sessionID string, stoppedAt time.Time) (bool, error) {
	var returned string
	err := db.Pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = 'stopped', stopped_at = $1, updated_at = now()
		WHERE session_id = $2 AND status <> 'stopped'
		RETURNING session_id
	`, stoppedAt, sessionID).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetSession returns nil, nil when the session doesn't exist.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+sessionSelectColumns+`
		FROM sessions s
		LEFT JOIN session_state ss ON ss.session_id = s.session_id
		WHERE s.session_id = $1
	`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the most recently updated sessions, most recent
// first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionSelectColumns+`
		FROM sessions s
		LEFT JOIN session_state ss ON ss.session_id = s.session_id
		ORDER BY s.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveSessions returns every session currently in "active" status.
func (db *DB) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionSelectColumns+`
		FROM sessions s
		LEFT JOIN session_state ss ON ss.session_id = s.session_id
		WHERE s.status = 'active'
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionState upserts the per-session scratch state the graph-writer
// agent maintains: the current main-tail node and its
// rolling summary. last_snapshot_at is left untouched when nil.
func (db *DB) UpdateSessionState(ctx context.Context, sessionID string, currentMainTailNodeID *string, mainBranchSummary string, lastSnapshotAt *time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO session_state (session_id, current_main_tail_node_id, main_branch_summary, last_snapshot_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE
		SET current_main_tail_node_id = EXCLUDED.current_main_tail_node_id,
		    main_branch_summary = EXCLUDED.main_branch_summary,
		    last_snapshot_at = COALESCE(EXCLUDED.last_snapshot_at, session_state.last_snapshot_at),
		    updated_at = now()
	`, sessionID, currentMainTailNodeID, mainBranchSummary, lastSnapshotAt)
	return err
}

// MarkSnapshotTime records when a changed snapshot was last stored for
// sessionID.
func (db *DB) MarkSnapshotTime(ctx context.Context, sessionID string, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE session_state SET last_snapshot_at = $1, updated_at = now()
		WHERE session_id = $2
	`, at, sessionID)
	return err
}
