package sttagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/store"
)

type fakeStore struct {
	insertResult bool
	insertCalls  int
	lastText     string
}

func (f *fakeStore) InsertTranscript(_ context.Context, t store.Transcript) (bool, error) {
	f.insertCalls++
	f.lastText = t.Text
	return f.insertResult, nil
}

type fakeBus struct {
	published []envelope.Envelope
	topics    []string
}

func (f *fakeBus) Publish(_ context.Context, topic string, env envelope.Envelope) error {
	f.topics = append(f.topics, topic)
	f.published = append(f.published, env)
	return nil
}

type fakeToucher struct{ touched int }

func (f *fakeToucher) Touch() { f.touched++ }

func segmentEnvelope() envelope.Envelope {
	return envelope.Build(envelope.TopicAudioSegmentCreated, "sess-1", "device-1", map[string]any{
		"segment_id": "segment-1",
		"encoding":   "wav_pcm16",
		"audio_b64":  "YWJj",
	}, envelope.BuildOpts{})
}

func TestHandleEvent_SuccessfulTranscriptionPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcribeResult{Text: "hello world", Confidence: 0.92})
	}))
	defer srv.Close()

	fs := &fakeStore{insertResult: true}
	bus := &fakeBus{}
	hb := &fakeToucher{}
	agent := New(srv.URL, fs, bus, hb, zerolog.Nop())

	cause := segmentEnvelope()
	agent.HandleEvent(context.Background(), envelope.TopicAudioSegmentCreated, cause)

	if fs.insertCalls != 1 {
		t.Fatalf("expected InsertTranscript called once, got %d", fs.insertCalls)
	}
	if fs.lastText != "hello world" {
		t.Fatalf("expected transcribed text to reach the store, got %q", fs.lastText)
	}
	if len(bus.published) != 1 || bus.topics[0] != envelope.TopicSTTTranscriptCreated {
		t.Fatalf("expected a stt.transcript.created publish, got %v", bus.topics)
	}
	if bus.published[0].CausationID == nil || *bus.published[0].CausationID != cause.EventID {
		t.Errorf("expected causation_id to chain to the triggering event")
	}
	if bus.published[0].TraceID != cause.TraceID {
		t.Errorf("expected trace_id to propagate")
	}
	if hb.touched != 1 {
		t.Errorf("expected heartbeat touched once, got %d", hb.touched)
	}
}

func TestHandleEvent_DuplicateSegmentSkipsPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcribeResult{Text: "hello again", Confidence: 0.5})
	}))
	defer srv.Close()

	fs := &fakeStore{insertResult: false}
	bus := &fakeBus{}
	agent := New(srv.URL, fs, bus, nil, zerolog.Nop())

	agent.HandleEvent(context.Background(), envelope.TopicAudioSegmentCreated, segmentEnvelope())

	if len(bus.published) != 0 {
		t.Fatalf("expected no publish for a duplicate segment, got %d", len(bus.published))
	}
}

func TestHandleEvent_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(transcribeResult{Text: "third time lucky", Confidence: 0.7})
	}))
	defer srv.Close()

	agent := New(srv.URL, &fakeStore{insertResult: true}, &fakeBus{}, nil, zerolog.Nop())
	// Bound each attempt with a short HTTP timeout; the retry backoff itself
	// is a constant and is left as is (the elapsed-time check below relies on it).
	agent.httpClient.Timeout = 2 * time.Second

	start := time.Now()
	result, err := agent.transcribeSegment(context.Background(), segmentEnvelope())
	if err != nil {
		t.Fatalf("expected eventual success after retries, got error: %v", err)
	}
	if result.Text != "third time lucky" {
		t.Fatalf("unexpected result text %q", result.Text)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls.Load())
	}
	if time.Since(start) < 2*retryBackoff {
		t.Errorf("expected at least two backoff sleeps between three attempts")
	}
}

func TestHandleEvent_ExhaustsRetriesAndFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := &fakeStore{insertResult: true}
	bus := &fakeBus{}
	agent := New(srv.URL, fs, bus, nil, zerolog.Nop())

	agent.HandleEvent(context.Background(), envelope.TopicAudioSegmentCreated, segmentEnvelope())

	if calls.Load() != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, calls.Load())
	}
	if fs.insertCalls != 0 || len(bus.published) != 0 {
		t.Fatalf("expected no store or bus interaction when the stt service never succeeds")
	}
}

func TestTranscribeResult_NonNumericConfidenceCoercedToZero(t *testing.T) {
	var result transcribeResult
	if err := json.Unmarshal([]byte(`{"text":"hello","confidence":"high"}`), &result); err != nil {
		t.Fatalf("expected non-numeric confidence to be tolerated, got %v", err)
	}
	if result.Text != "hello" {
		t.Errorf("Text = %q, want hello", result.Text)
	}
	if result.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 for a non-numeric value", result.Confidence)
	}

	if err := json.Unmarshal([]byte(`{"text":"hello","confidence":0.73}`), &result); err != nil {
		t.Fatalf("unmarshal numeric confidence: %v", err)
	}
	if result.Confidence != 0.73 {
		t.Errorf("Confidence = %v, want 0.73", result.Confidence)
	}
}

func TestHandleEvent_UnknownTopicIgnored(t *testing.T) {
	fs := &fakeStore{}
	bus := &fakeBus{}
	agent := New("http://unused.invalid", fs, bus, nil, zerolog.Nop())

	env := envelope.Build("some.other.topic", "sess-1", "device-1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), "some.other.topic", env)

	if fs.insertCalls != 0 || len(bus.published) != 0 {
		t.Fatal("expected no store or bus interaction for unknown topic")
	}
}
