package dashboard

import (
	"sync"
	"time"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

// AgentStatus is the most recently observed heartbeat for one agent.
type AgentStatus struct {
	AgentName       string    `json:"agent_name"`
	Status          string    `json:"status"`
	LastProcessedAt *string   `json:"last_processed_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// AgentBoard keeps the latest agent.heartbeat seen for each agent name,
// the data backing GET /api/agents. Agents that stop heartbeating are
// left in place with a stale last_seen_at rather than evicted — a silent
// agent is exactly what an operator wants to see here.
type AgentBoard struct {
	mu     sync.Mutex
	agents map[string]AgentStatus
}

// NewAgentBoard builds an empty board.
func NewAgentBoard() *AgentBoard {
	return &AgentBoard{agents: make(map[string]AgentStatus)}
}

// HandleEvent records topic's envelope if it's an agent.heartbeat; every
// other topic is ignored. Safe to wire directly as a bus.Handler.
func (b *AgentBoard) HandleEvent(topic string, env envelope.Envelope) {
	if topic != envelope.TopicAgentHeartbeat {
		return
	}
	name, _ := env.Payload["agent_name"].(string)
	if name == "" {
		name = env.DeviceID
	}
	status, _ := env.Payload["status"].(string)

	var lastProcessedAt *string
	if v, ok := env.Payload["last_processed_at"].(string); ok && v != "" {
		lastProcessedAt = &v
	}

	b.mu.Lock()
	b.agents[name] = AgentStatus{
		AgentName:       name,
		Status:          status,
		LastProcessedAt: lastProcessedAt,
		LastSeenAt:      env.CreatedAt,
	}
	b.mu.Unlock()
}

// Snapshot returns every agent's latest status, most recently seen first.
func (b *AgentBoard) Snapshot() []AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AgentStatus, 0, len(b.agents))
	for _, s := range b.agents {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeenAt.After(out[j-1].LastSeenAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
