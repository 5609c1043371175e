// Package frameagg implements the frame aggregator agent: it buffers
// audio/frame events per (session, device) until a silence timeout or a
// speech_final flag closes the segment, then emits one
// audio.segment.created event with the concatenated audio.
package frameagg

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/ids"
)

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// frameBuffer accumulates one in-progress audio segment.
type frameBuffer struct {
	sessionID    string
	deviceID     string
	encoding     string
	startedAt    time.Time
	lastAt       time.Time
	chunks       [][]byte
	seenFrameSeq map[int64]struct{}
}

// Aggregator holds the per-(session,device) buffers and flushes them on a
// silence timeout or an explicit speech_final frame.
type Aggregator struct {
	bus            Bus
	heartbeat      Toucher
	log            zerolog.Logger
	silenceTimeout time.Duration

	mu      sync.Mutex
	buffers map[string]*frameBuffer
}

// New constructs an Aggregator. heartbeat may be nil in tests.
func New(busClient Bus, heartbeat Toucher, silenceTimeout time.Duration, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		bus:            busClient,
		heartbeat:      heartbeat,
		silenceTimeout: silenceTimeout,
		log:            log,
		buffers:        make(map[string]*frameBuffer),
	}
}

func bufferKey(sessionID, deviceID string) string {
	return sessionID + ":" + deviceID
}

// HandleEvent dispatches audio/frame and session.stopped events.
func (a *Aggregator) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	switch topic {
	case envelope.TopicSessionStopped:
		a.flush(ctx, bufferKey(env.SessionID, env.DeviceID), env.TraceID, env.EventID)
	case envelope.TopicAudioFrame:
		a.handleFrame(ctx, env)
	}
}

func (a *Aggregator) handleFrame(ctx context.Context, env envelope.Envelope) {
	seq, _ := intField(env.Payload, "frame_seq")
	key := bufferKey(env.SessionID, env.DeviceID)

	var shouldFlush bool
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok {
		buf = &frameBuffer{
			sessionID:    env.SessionID,
			deviceID:     env.DeviceID,
			encoding:     stringFieldOr(env.Payload, "encoding", "wav_pcm16"),
			startedAt:    env.CreatedAt,
			lastAt:       env.CreatedAt,
			seenFrameSeq: make(map[int64]struct{}),
		}
		a.buffers[key] = buf
	}
	if _, dup := buf.seenFrameSeq[seq]; dup {
		a.mu.Unlock()
		a.log.Info().Int64("frame_seq", seq).Msg("duplicate frame ignored")
		return
	}
	buf.seenFrameSeq[seq] = struct{}{}

	if raw := stringFieldOr(env.Payload, "audio_b64", ""); raw != "" {
		if chunk, err := base64.StdEncoding.DecodeString(raw); err == nil {
			buf.chunks = append(buf.chunks, chunk)
		} else {
			a.log.Warn().Err(err).Msg("failed to decode audio_b64 frame")
		}
	}
	buf.lastAt = env.CreatedAt
	if enc := stringFieldOr(env.Payload, "encoding", ""); enc != "" {
		buf.encoding = enc
	}
	speechFinal, _ := env.Payload["speech_final"].(bool)
	shouldFlush = speechFinal && len(buf.chunks) > 0
	a.mu.Unlock()

	if shouldFlush {
		a.flush(ctx, key, env.TraceID, env.EventID)
	}
}

// flush closes out the buffer at key, if any, and publishes the
// accumulated segment.
func (a *Aggregator) flush(ctx context.Context, key, traceID, causationID string) {
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok || len(buf.chunks) == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, key)
	a.mu.Unlock()

	segmentBytes := joinChunks(buf.chunks)
	env := envelope.Build(envelope.TopicAudioSegmentCreated, buf.sessionID, buf.deviceID, map[string]any{
		"segment_id": ids.New("segment"),
		"encoding":   buf.encoding,
		"started_at": buf.startedAt.Format(time.RFC3339Nano),
		"ended_at":   buf.lastAt.Format(time.RFC3339Nano),
		"audio_b64":  base64.StdEncoding.EncodeToString(segmentBytes),
	}, envelope.BuildOpts{TraceID: traceID, CausationID: causationID})

	if err := a.bus.Publish(ctx, envelope.TopicAudioSegmentCreated, env); err != nil {
		a.log.Error().Err(err).Msg("failed to publish audio.segment.created")
		return
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

// RunSilenceSweep runs until ctx is done, checking every pollInterval for
// buffers that have gone quiet longer than the configured silence timeout
// and flushing them.
func (a *Aggregator) RunSilenceSweep(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepExpired(ctx)
		}
	}
}

func (a *Aggregator) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	var expired []string
	a.mu.Lock()
	for key, buf := range a.buffers {
		if now.Sub(buf.lastAt) >= a.silenceTimeout {
			expired = append(expired, key)
		}
	}
	a.mu.Unlock()

	for _, key := range expired {
		a.flush(ctx, key, "", "")
	}
}

func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func stringFieldOr(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return fallback
}

func intField(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
