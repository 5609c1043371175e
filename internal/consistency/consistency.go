// Package consistency implements the consistency agent: it takes a
// candidate tree placement from tree.proposal.created and runs it through
// the deterministic attachment rules, publishing the repaired result as
// tree.approved.
package consistency

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/graph"
	"github.com/collective/mindgraph-engine/internal/ids"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

// Store is the subset of *store.DB this agent needs.
type Store interface {
	AllNodes(ctx context.Context, sessionID string) ([]store.GraphNode, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
}

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// Agent applies the pure attachment rules to each proposed node.
type Agent struct {
	store     Store
	bus       Bus
	heartbeat Toucher
	log       zerolog.Logger
}

// New constructs an Agent. heartbeat may be nil in tests.
func New(st Store, busClient Bus, heartbeat Toucher, log zerolog.Logger) *Agent {
	return &Agent{store: st, bus: busClient, heartbeat: heartbeat, log: log}
}

// HandleEvent processes tree.proposal.created events; any other topic is
// ignored.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	if topic != envelope.TopicTreeProposalCreated {
		return
	}

	rows, err := a.store.AllNodes(ctx, env.SessionID)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("all_nodes failed")
		return
	}
	session, err := a.store.GetSession(ctx, env.SessionID)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("get_session failed")
		return
	}

	nodes := make([]graph.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, r.AsGraphNode())
	}

	var currentMainTailNodeID *string
	if session != nil {
		currentMainTailNodeID = session.CurrentMainTailNodeID
	}

	candidateParentID, _ := env.Payload["candidate_parent_id"].(*string)
	if candidateParentID == nil {
		if s, ok := env.Payload["candidate_parent_id"].(string); ok && s != "" {
			candidateParentID = &s
		}
	}
	branchPreference := stringFieldOr(env.Payload, "branch_preference", "main")

	nodeID := ids.New("node")
	attachment := graph.ChooseAttachment(nodes, candidateParentID, branchPreference, nodeID, currentMainTailNodeID)
	metrics.GraphAttachmentsTotal.WithLabelValues(attachment.BranchType, attachment.OverrideReason).Inc()

	out := envelope.CausedBy(env, envelope.TopicTreeApproved, map[string]any{
		"proposal_id":     env.Payload["proposal_id"],
		"transcript_id":   env.Payload["transcript_id"],
		"node_id":         nodeID,
		"parent_node_id":  attachment.ParentNodeID,
		"branch_type":     attachment.BranchType,
		"branch_slot":     attachment.BranchSlot,
		"node_text":       env.Payload["node_text"],
		"override_reason": attachment.OverrideReason,
	})
	if err := a.bus.Publish(ctx, envelope.TopicTreeApproved, out); err != nil {
		a.log.Error().Err(err).Msg("failed to publish tree.approved")
		return
	}
	a.log.Info().
		Str("node_id", nodeID).
		Str("branch_type", attachment.BranchType).
		Str("override_reason", attachment.OverrideReason).
		Msg("tree node approved")
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

func stringFieldOr(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
