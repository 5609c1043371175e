package frameagg

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

type fakeBus struct {
	published []envelope.Envelope
}

func (f *fakeBus) Publish(_ context.Context, _ string, env envelope.Envelope) error {
	f.published = append(f.published, env)
	return nil
}

func frameEnvelope(sessionID, deviceID string, seq int, audio string, speechFinal bool) envelope.Envelope {
	return envelope.Build(envelope.TopicAudioFrame, sessionID, deviceID, map[string]any{
		"frame_seq":    float64(seq),
		"encoding":     "wav_pcm16",
		"audio_b64":    audio,
		"speech_final": speechFinal,
	}, envelope.BuildOpts{})
}

func TestHandleFrame_SpeechFinalFlushesSegment(t *testing.T) {
	bus := &fakeBus{}
	agg := New(bus, nil, time.Second, zerolog.Nop())

	a := base64.StdEncoding.EncodeToString([]byte("abc"))
	b := base64.StdEncoding.EncodeToString([]byte("def"))

	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, a, false))
	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 2, b, true))

	if len(bus.published) != 1 {
		t.Fatalf("expected 1 published segment, got %d", len(bus.published))
	}
	env := bus.published[0]
	if env.EventType != envelope.TopicAudioSegmentCreated {
		t.Fatalf("expected audio.segment.created, got %s", env.EventType)
	}
	gotAudio, _ := env.Payload["audio_b64"].(string)
	decoded, err := base64.StdEncoding.DecodeString(gotAudio)
	if err != nil {
		t.Fatalf("decode segment audio: %v", err)
	}
	if string(decoded) != "abcdef" {
		t.Fatalf("expected concatenated audio abcdef, got %q", decoded)
	}
}

func TestHandleFrame_DuplicateSeqIgnored(t *testing.T) {
	bus := &fakeBus{}
	agg := New(bus, nil, time.Second, zerolog.Nop())

	a := base64.StdEncoding.EncodeToString([]byte("abc"))
	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, a, false))
	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, a, true))

	if len(bus.published) != 0 {
		t.Fatalf("expected duplicate seq with speech_final still not to flush (dup frame dropped before the flag is honored), got %d publishes", len(bus.published))
	}
}

func TestSessionStopped_FlushesBuffer(t *testing.T) {
	bus := &fakeBus{}
	agg := New(bus, nil, time.Second, zerolog.Nop())

	a := base64.StdEncoding.EncodeToString([]byte("abc"))
	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, a, false))

	stop := envelope.Build(envelope.TopicSessionStopped, "sess-1", "dev-1", map[string]any{}, envelope.BuildOpts{})
	agg.HandleEvent(context.Background(), envelope.TopicSessionStopped, stop)

	if len(bus.published) != 1 {
		t.Fatalf("expected session stop to flush the open buffer, got %d publishes", len(bus.published))
	}
}

func TestSweepExpired_FlushesOnSilenceTimeout(t *testing.T) {
	bus := &fakeBus{}
	agg := New(bus, nil, 10*time.Millisecond, zerolog.Nop())

	a := base64.StdEncoding.EncodeToString([]byte("abc"))
	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, a, false))

	time.Sleep(20 * time.Millisecond)
	agg.sweepExpired(context.Background())

	if len(bus.published) != 1 {
		t.Fatalf("expected silence timeout to flush the buffer, got %d publishes", len(bus.published))
	}
}

func TestHandleFrame_EmptyChunksNeverFlush(t *testing.T) {
	bus := &fakeBus{}
	agg := New(bus, nil, time.Second, zerolog.Nop())

	agg.HandleEvent(context.Background(), envelope.TopicAudioFrame, frameEnvelope("sess-1", "dev-1", 1, "", true))

	if len(bus.published) != 0 {
		t.Fatalf("expected no publish when the buffer never accumulated audio, got %d", len(bus.published))
	}
}
