// Package sttagent implements the STT agent: it calls out to the external
// speech-to-text service for each audio.segment.created event, persists
// the resulting transcript, and publishes stt.transcript.created.
package sttagent

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

const (
	maxAttempts  = 3
	retryBackoff = time.Second
	callTimeout  = 10 * time.Second
)

// Store is the subset of *store.DB this agent needs.
type Store interface {
	InsertTranscript(ctx context.Context, t store.Transcript) (bool, error)
}

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// transcribeResult is the shape the external STT service returns.
type transcribeResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// UnmarshalJSON tolerates a non-numeric confidence field, coercing it to
// 0.0 instead of failing the whole response.
func (r *transcribeResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text       string          `json:"text"`
		Confidence json.RawMessage `json:"confidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Text = raw.Text
	r.Confidence = 0
	if len(raw.Confidence) > 0 {
		var f float64
		if err := json.Unmarshal(raw.Confidence, &f); err == nil {
			r.Confidence = f
		}
	}
	return nil
}

// Agent calls the STT service and writes the resulting transcript.
type Agent struct {
	serviceURL string
	httpClient *http.Client
	store      Store
	bus        Bus
	heartbeat  Toucher
	log        zerolog.Logger
}

// New constructs an Agent. heartbeat may be nil in tests.
func New(serviceURL string, store Store, busClient Bus, heartbeat Toucher, log zerolog.Logger) *Agent {
	return &Agent{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: callTimeout},
		store:      store,
		bus:        busClient,
		heartbeat:  heartbeat,
		log:        log,
	}
}

// HandleEvent processes audio.segment.created events; any other topic is
// ignored.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	if topic != envelope.TopicAudioSegmentCreated {
		return
	}

	segmentID := stringField(env.Payload, "segment_id")
	result, err := a.transcribeSegment(ctx, env)
	if err != nil {
		metrics.STTOutcomesTotal.WithLabelValues("failed").Inc()
		a.log.Error().Err(err).Str("segment_id", segmentID).Msg("stt failed after retries")
		return
	}
	metrics.STTOutcomesTotal.WithLabelValues("ok").Inc()

	transcriptID := ids.New("transcript")
	inserted, err := a.store.InsertTranscript(ctx, store.Transcript{
		TranscriptID: transcriptID,
		EventID:      env.EventID,
		SessionID:    env.SessionID,
		DeviceID:     env.DeviceID,
		SegmentID:    segmentID,
		Text:         result.Text,
		Confidence:   result.Confidence,
		CreatedAt:    env.CreatedAt,
	})
	if err != nil {
		a.log.Error().Err(err).Str("segment_id", segmentID).Msg("insert_transcript failed")
		return
	}
	if !inserted {
		a.log.Info().Str("segment_id", segmentID).Msg("duplicate segment ignored")
		return
	}

	out := envelope.CausedBy(env, envelope.TopicSTTTranscriptCreated, map[string]any{
		"transcript_id": transcriptID,
		"segment_id":    segmentID,
		"text":          result.Text,
		"confidence":    result.Confidence,
	})
	if err := a.bus.Publish(ctx, envelope.TopicSTTTranscriptCreated, out); err != nil {
		a.log.Error().Err(err).Msg("failed to publish stt.transcript.created")
		return
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

// transcribeSegment calls the STT service, retrying transient failures up
// to maxAttempts times with a fixed backoff between attempts.
func (a *Agent) transcribeSegment(ctx context.Context, env envelope.Envelope) (*transcribeResult, error) {
	request := map[string]any{
		"session_id": env.SessionID,
		"device_id":  env.DeviceID,
		"segment_id": env.Payload["segment_id"],
		"encoding":   env.Payload["encoding"],
		"audio_b64":  env.Payload["audio_b64"],
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode stt request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := a.callOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		a.log.Warn().Err(err).Int("attempt", attempt).Msg("stt request attempt failed")
		if attempt < maxAttempts {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("stt failed after %d attempts: %w", maxAttempts, lastErr)
}

func (a *Agent) callOnce(ctx context.Context, body []byte) (*transcribeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serviceURL+"/transcribe", bytes.NewReader(body))
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
		return nil, fmt.Errorf("stt service returned %d: %s", resp.StatusCode, respBody)
	}

	var result transcribeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	return &result, nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
