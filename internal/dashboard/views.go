package dashboard

import (
	"time"

	"github.com/collective/mindgraph-engine/internal/store"
)

// sessionView is the JSON shape returned for both the list and detail
// endpoints — matches the fields the static dashboard page renders.
type sessionView struct {
	SessionID             string     `json:"session_id"`
	DeviceID              string     `json:"device_id"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	StoppedAt             *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
	CurrentMainTailNodeID *string    `json:"current_main_tail_node_id,omitempty"`
	MainBranchSummary     string     `json:"main_branch_summary"`
	LastSnapshotAt        *time.Time `json:"last_snapshot_at,omitempty"`
}

func toSessionView(s store.Session) sessionView {
	return sessionView{
		SessionID:             s.SessionID,
		DeviceID:              s.DeviceID,
		Status:                s.Status,
		StartedAt:             s.StartedAt,
		StoppedAt:             s.StoppedAt,
		UpdatedAt:             s.UpdatedAt,
		CurrentMainTailNodeID: s.CurrentMainTailNodeID,
		MainBranchSummary:     s.MainBranchSummary,
		LastSnapshotAt:        s.LastSnapshotAt,
	}
}

func toSessionViews(sessions []store.Session) []sessionView {
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionView(s))
	}
	return out
}

type nodeView struct {
	NodeID         string    `json:"node_id"`
	TranscriptID   string    `json:"transcript_id"`
	ParentNodeID   *string   `json:"parent_node_id,omitempty"`
	BranchType     string    `json:"branch_type"`
	BranchSlot     *int      `json:"branch_slot,omitempty"`
	NodeText       string    `json:"node_text"`
	OverrideReason string    `json:"override_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toNodeViews(nodes []store.GraphNode) []nodeView {
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{
			NodeID:         n.NodeID,
			TranscriptID:   n.TranscriptID,
			ParentNodeID:   n.ParentNodeID,
			BranchType:     n.BranchType,
			BranchSlot:     n.BranchSlot,
			NodeText:       n.NodeText,
			OverrideReason: n.OverrideReason,
			CreatedAt:      n.CreatedAt,
		})
	}
	return out
}

type transcriptView struct {
	TranscriptID string    `json:"transcript_id"`
	SegmentID    string    `json:"segment_id"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

func toTranscriptViews(transcripts []store.Transcript) []transcriptView {
	out := make([]transcriptView, 0, len(transcripts))
	for _, t := range transcripts {
		out = append(out, transcriptView{
			TranscriptID: t.TranscriptID,
			SegmentID:    t.SegmentID,
			Text:         t.Text,
			Confidence:   t.Confidence,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out
}

type sessionDetailView struct {
	Session     sessionView      `json:"session"`
	Nodes       []nodeView       `json:"nodes"`
	Transcripts []transcriptView `json:"transcripts"`
}

type snapshotView struct {
	SnapshotID       string    `json:"snapshot_id"`
	SessionID        string    `json:"session_id"`
	SnapshotBucketTS time.Time `json:"snapshot_bucket_ts"`
	NodeCount        int       `json:"node_count"`
	HashSHA256       string    `json:"hash_sha256"`
	CreatedAt        time.Time `json:"created_at"`
}

func toSnapshotView(s store.Snapshot) snapshotView {
	return snapshotView{
		SnapshotID:       s.SnapshotID,
		SessionID:        s.SessionID,
		SnapshotBucketTS: s.SnapshotBucketTS,
		NodeCount:        s.NodeCount,
		HashSHA256:       s.HashSHA256,
		CreatedAt:        s.CreatedAt,
	}
}
