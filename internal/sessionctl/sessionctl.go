// Package sessionctl implements the session controller agent: it turns
// session.control.start/stop commands into durable session rows and
// announces the transition on session.started/session.stopped.
package sessionctl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

// Store is the subset of *store.DB this agent needs.
type Store interface {
	StartSession(ctx context.Context, sessionID, deviceID string, startedAt time.Time) (bool, error)
	StopSession(ctx context.Context, sessionID string, stoppedAt time.Time) (bool, error)
}

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// Agent wires the store and bus together behind the envelope handler
// registered on the bus client.
type Agent struct {
	store     Store
	bus       Bus
	heartbeat Toucher
	log       zerolog.Logger
}

// New constructs an Agent. heartbeat may be nil in tests that don't care
// about liveness reporting.
func New(store Store, busClient Bus, heartbeat Toucher, log zerolog.Logger) *Agent {
	return &Agent{store: store, bus: busClient, heartbeat: heartbeat, log: log}
}

// HandleEvent dispatches on topic; any other topic is ignored.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	switch topic {
	case envelope.TopicSessionControlStart:
		a.handleStart(ctx, env)
	case envelope.TopicSessionControlStop:
		a.handleStop(ctx, env)
	}
}

func (a *Agent) handleStart(ctx context.Context, env envelope.Envelope) {
	startedAt := parseTimestamp(stringField(env.Payload, "started_at"), env.CreatedAt)

	started, err := a.store.StartSession(ctx, env.SessionID, env.DeviceID, startedAt)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("start_session failed")
		return
	}
	if !started {
		a.log.Info().Str("session_id", env.SessionID).Msg("ignored duplicate session start")
		return
	}

	out := envelope.CausedBy(env, envelope.TopicSessionStarted, map[string]any{
		"session_id": env.SessionID,
		"device_id":  env.DeviceID,
		"status":     "active",
		"started_at": startedAt.Format(time.RFC3339Nano),
	})
	if err := a.bus.Publish(ctx, envelope.TopicSessionStarted, out); err != nil {
		a.log.Error().Err(err).Msg("failed to publish session.started")
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

func (a *Agent) handleStop(ctx context.Context, env envelope.Envelope) {
	stoppedAt := parseTimestamp(stringField(env.Payload, "stopped_at"), env.CreatedAt)

	stopped, err := a.store.StopSession(ctx, env.SessionID, stoppedAt)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", env.SessionID).Msg("stop_session failed")
		return
	}
	if !stopped {
		a.log.Info().Str("session_id", env.SessionID).Msg("ignored duplicate session stop")
		return
	}

	out := envelope.CausedBy(env, envelope.TopicSessionStopped, map[string]any{
		"session_id": env.SessionID,
		"device_id":  env.DeviceID,
		"status":     "stopped",
		"stopped_at": stoppedAt.Format(time.RFC3339Nano),
	})
	if err := a.bus.Publish(ctx, envelope.TopicSessionStopped, out); err != nil {
		a.log.Error().Err(err).Msg("failed to publish session.stopped")
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// parseTimestamp parses an RFC3339 timestamp, falling back to fallback when
// raw is empty or malformed.
func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return fallback
}
