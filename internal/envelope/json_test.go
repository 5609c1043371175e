package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCanonicalJSON_SortsKeysAndStaysASCII(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"zeta":  1,
		"alpha": "héllo",
		"mid":   "日本",
	})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	s := string(got)

	if !strings.Contains(s, `"alpha"`) || strings.Index(s, `"alpha"`) > strings.Index(s, `"zeta"`) {
		t.Errorf("expected sorted keys, got %s", s)
	}
	for _, r := range s {
		if r > 127 {
			t.Fatalf("expected ASCII-only output, found %q in %s", r, s)
		}
	}
	if !strings.Contains(s, `\u00e9`) {
		t.Errorf("expected é escaped as \\u00e9, got %s", s)
	}
	if strings.Contains(s, ": ") || strings.Contains(s, ", ") {
		t.Errorf("expected compact separators, got %s", s)
	}
}

func TestCanonicalJSON_SurrogatePairsForAstralRunes(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"emoji": "😀"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !strings.Contains(string(got), `\ud83d\ude00`) {
		t.Errorf("expected a UTF-16 surrogate pair escape, got %s", got)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	in := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
	first, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	second, err := CanonicalJSON(map[string]any{"c": []any{"x", "y"}, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("expected identical encodings, got %s vs %s", first, second)
	}
}

func TestEnvelope_RoundTripPreservesFields(t *testing.T) {
	cause := Build(TopicAudioFrame, "sess-1", "dev-1", map[string]any{"frame_seq": float64(7)}, BuildOpts{})
	env := CausedBy(cause, TopicAudioSegmentCreated, map[string]any{"segment_id": "seg-1"})

	raw, err := CanonicalJSON(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}

	if back.EventID != env.EventID || back.EventType != env.EventType || back.EventVersion != env.EventVersion {
		t.Errorf("identity fields changed across the round trip: %+v vs %+v", back, env)
	}
	if back.TraceID != cause.TraceID {
		t.Errorf("TraceID = %q, want the cause's %q", back.TraceID, cause.TraceID)
	}
	if back.CausationID == nil || *back.CausationID != cause.EventID {
		t.Errorf("CausationID = %v, want the cause's event id", back.CausationID)
	}
	if back.SessionID != "sess-1" || back.DeviceID != "dev-1" {
		t.Errorf("session/device changed: %s/%s", back.SessionID, back.DeviceID)
	}
	if !back.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", back.CreatedAt, env.CreatedAt)
	}
	if _, offset := back.CreatedAt.Zone(); offset != 0 {
		t.Errorf("expected a UTC timestamp after the round trip, got offset %d", offset)
	}
	if back.Payload["segment_id"] != "seg-1" {
		t.Errorf("payload lost across the round trip: %v", back.Payload)
	}
}

func TestBuild_MintsTraceForRootStimulus(t *testing.T) {
	env := Build(TopicSessionControlStart, "sess-1", "dev-1", nil, BuildOpts{})
	if env.TraceID == "" {
		t.Error("expected a minted trace_id for a root stimulus")
	}
	if env.CausationID != nil {
		t.Errorf("expected nil causation_id for a root stimulus, got %v", *env.CausationID)
	}
	if env.EventVersion != 1 {
		t.Errorf("EventVersion = %d, want 1", env.EventVersion)
	}
	if env.CreatedAt.Location() != time.UTC {
		t.Errorf("expected UTC created_at, got %v", env.CreatedAt.Location())
	}
}
