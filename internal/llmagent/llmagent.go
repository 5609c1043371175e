// Package llmagent implements the LLM orchestrator agent: for each
// stt.transcript.created event it calls the external tree-generation
// service with the session's recent context and publishes the resulting
// candidate placement as tree.proposal.created.
package llmagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/ids"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

const callTimeout = 10 * time.Second

// recentNodesWindow bounds how much prior tree context is sent to the LLM
// service on every call.
const recentNodesWindow = 20

// Store is the subset of *store.DB this agent needs.
type Store interface {
	InsertTranscript(ctx context.Context, t store.Transcript) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	RecentNodes(ctx context.Context, sessionID string, limit int) ([]store.GraphNode, error)
}

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// generateResult is the shape the external LLM service returns.
type generateResult struct {
	CandidateParentID *string `json:"candidate_parent_id"`
	BranchPreference  string  `json:"branch_preference"`
	NodeText          string  `json:"node_text"`
	Rationale         string  `json:"rationale"`
}

// Agent calls the LLM tree-generation service and proposes a tree
// attachment for each transcript.
type Agent struct {
	serviceURL string
	httpClient *http.Client
	store      Store
	bus        Bus
	heartbeat  Toucher
	log        zerolog.Logger
}

// New constructs an Agent. heartbeat may be nil in tests.
func New(serviceURL string, st Store, busClient Bus, heartbeat Toucher, log zerolog.Logger) *Agent {
	return &Agent{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: callTimeout},
		store:      st,
		bus:        busClient,
		heartbeat:  heartbeat,
		log:        log,
	}
}

// HandleEvent processes stt.transcript.created events; any other topic is
// ignored.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	if topic != envelope.TopicSTTTranscriptCreated {
		return
	}

	transcriptID := stringField(env.Payload, "transcript_id")
	confidence, _ := env.Payload["confidence"].(float64)
	text := stringField(env.Payload, "text")

	// The STT agent normally wrote this transcript already, but
	// InsertTranscript is idempotent on (session_id, segment_id), so a
	// duplicate here is a harmless no-op and direct-transcript fixtures
	// that bypass STT still land a row.
	if _, err := a.store.InsertTranscript(ctx, store.Transcript{
		TranscriptID: transcriptID,
		EventID:      env.EventID,
		SessionID:    env.SessionID,
		DeviceID:     env.DeviceID,
		SegmentID:    stringField(env.Payload, "segment_id"),
		Text:         text,
		Confidence:   confidence,
		CreatedAt:    env.CreatedAt,
	}); err != nil {
		a.log.Error().Err(err).Str("transcript_id", transcriptID).Msg("insert_transcript failed")
		return
	}

	session, err := a.store.GetSession(ctx, env.SessionID)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("get_session failed")
		return
	}
	recentNodes, err := a.store.RecentNodes(ctx, env.SessionID, recentNodesWindow)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("recent_nodes failed")
		return
	}

	result, err := a.generate(ctx, env, session, recentNodes)
	if err != nil {
		metrics.LLMOutcomesTotal.WithLabelValues("failed").Inc()
		a.log.Error().Err(err).Str("transcript_id", transcriptID).Msg("llm generate call failed")
		return
	}
	metrics.LLMOutcomesTotal.WithLabelValues("ok").Inc()

	nodeText := result.NodeText
	if nodeText == "" {
		nodeText = text
	}
	branchPreference := result.BranchPreference
	if branchPreference == "" {
		branchPreference = "main"
	}
	rationale := result.Rationale
	if rationale == "" {
		rationale = "mock llm output"
	}

	out := envelope.CausedBy(env, envelope.TopicTreeProposalCreated, map[string]any{
		"proposal_id":          ids.New("proposal"),
		"transcript_id":        transcriptID,
		"candidate_parent_id":  result.CandidateParentID,
		"branch_preference":    branchPreference,
		"node_text":            nodeText,
		"rationale":            rationale,
	})
	if err := a.bus.Publish(ctx, envelope.TopicTreeProposalCreated, out); err != nil {
		a.log.Error().Err(err).Msg("failed to publish tree.proposal.created")
		return
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

func (a *Agent) generate(ctx context.Context, env envelope.Envelope, session *store.Session, recentNodes []store.GraphNode) (*generateResult, error) {
	var mainBranchSummary string
	var currentMainTailNodeID *string
	if session != nil {
		mainBranchSummary = session.MainBranchSummary
		currentMainTailNodeID = session.CurrentMainTailNodeID
	}

	nodes := make([]map[string]any, 0, len(recentNodes))
	for _, n := range recentNodes {
		nodes = append(nodes, map[string]any{
			"node_id":          n.NodeID,
			"parent_node_id":   n.ParentNodeID,
			"branch_type":      n.BranchType,
			"branch_slot":      n.BranchSlot,
			"node_text":        n.NodeText,
			"created_at":       n.CreatedAt.Format(time.RFC3339Nano),
		})
	}

	request := map[string]any{
		"session_id":                env.SessionID,
		"device_id":                 env.DeviceID,
		"transcript":                env.Payload,
		"recent_nodes":              nodes,
		"main_branch_summary":       mainBranchSummary,
		"current_main_tail_node_id": currentMainTailNodeID,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serviceURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, respBody)
	}

	var result generateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	return &result, nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
