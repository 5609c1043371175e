// Package graphwriter implements the graph writer agent: it persists each
// tree.approved event as a graph_nodes row and keeps the session's main
// tail and main-branch summary in sync, using transcript_id as the
// idempotency key that absorbs redelivery.
package graphwriter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/graph"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

// Store is the subset of *store.DB this agent needs.
type Store interface {
	InsertGraphNode(ctx context.Context, n store.GraphNode) (bool, error)
	AllNodes(ctx context.Context, sessionID string) ([]store.GraphNode, error)
	UpdateSessionState(ctx context.Context, sessionID string, currentMainTailNodeID *string, mainBranchSummary string, lastSnapshotAt *time.Time) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// Agent persists approved tree attachments and recomputes derived
// session state after every write.
type Agent struct {
	store     Store
	heartbeat Toucher
	log       zerolog.Logger
}

// New constructs an Agent. heartbeat may be nil in tests.
func New(st Store, heartbeat Toucher, log zerolog.Logger) *Agent {
	return &Agent{store: st, heartbeat: heartbeat, log: log}
}

// HandleEvent processes tree.approved events; any other topic is ignored.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	if topic != envelope.TopicTreeApproved {
		return
	}

	nodeID := stringField(env.Payload, "node_id")
	transcriptID := stringField(env.Payload, "transcript_id")
	parentNodeID := stringPtrField(env.Payload, "parent_node_id")
	branchType := stringField(env.Payload, "branch_type")
	branchSlot := intPtrField(env.Payload, "branch_slot")
	nodeText := stringField(env.Payload, "node_text")
	overrideReason := stringField(env.Payload, "override_reason")

	inserted, err := a.store.InsertGraphNode(ctx, store.GraphNode{
		NodeID:         nodeID,
		EventID:        env.EventID,
		SessionID:      env.SessionID,
		TranscriptID:   transcriptID,
		ParentNodeID:   parentNodeID,
		BranchType:     branchType,
		BranchSlot:     branchSlot,
		NodeText:       nodeText,
		OverrideReason: overrideReason,
		CreatedAt:      env.CreatedAt,
	})
	if err != nil {
		a.log.Error().Err(err).Str("transcript_id", transcriptID).Msg("insert_graph_node failed")
		return
	}
	if !inserted {
		a.log.Info().Str("transcript_id", transcriptID).Msg("approved node already written, skipping")
		return
	}
	metrics.GraphAttachmentsTotal.WithLabelValues(branchType, overrideReason).Inc()

	rows, err := a.store.AllNodes(ctx, env.SessionID)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("all_nodes failed after write")
		return
	}
	nodes := make([]graph.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, r.AsGraphNode())
	}

	mainTail := graph.FindMainTail(nodes)
	var mainTailPtr *string
	if mainTail != "" {
		mainTailPtr = &mainTail
	}
	summary := graph.BuildMainBranchSummary(nodes)

	if err := a.store.UpdateSessionState(ctx, env.SessionID, mainTailPtr, summary, nil); err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("update_session_state failed")
		return
	}

	a.log.Info().
		Str("node_id", nodeID).
		Str("session_id", env.SessionID).
		Str("main_tail", mainTail).
		Msg("graph node written")
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func stringPtrField(payload map[string]any, key string) *string {
	switch v := payload[key].(type) {
	case *string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return &v
	}
	return nil
}

func intPtrField(payload map[string]any, key string) *int {
	switch v := payload[key].(type) {
	case *int:
		return v
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	}
	return nil
}
