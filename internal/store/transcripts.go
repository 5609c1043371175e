package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Transcript is one STT result for a single audio segment.
type Transcript struct {
	TranscriptID string
	EventID      string
	SessionID    string
	DeviceID     string
	SegmentID    string
	Text         string
	Confidence   float64
	CreatedAt    time.Time
}

// InsertTranscript stores a transcript, returning false when
// (session_id, segment_id) was already seen — the STT agent's own
// idempotency key, absorbing at-least-once redelivery of the same segment.
func (db *DB) InsertTranscript(ctx context.Context, t Transcript) (bool, error) {
	var returned string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcripts (transcript_id, event_id, session_id, device_id, segment_id, text, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, segment_id) DO NOTHING
		RETURNING transcript_id
	`, t.TranscriptID, t.EventID, t.SessionID, t.DeviceID, t.SegmentID, t.Text, t.Confidence, t.CreatedAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestTranscripts returns the most recent transcripts for a session,
// newest first.
func (db *DB) LatestTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT transcript_id, segment_id, text, confidence, created_at
		FROM transcripts
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		t.SessionID = sessionID
		if err := rows.Scan(&t.TranscriptID, &t.SegmentID, &t.Text, &t.Confidence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
