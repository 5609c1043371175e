package sessionctl

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

type fakeStore struct {
	startResult bool
	stopResult  bool
	startCalls  int
	stopCalls   int
}

func (f *fakeStore) StartSession(ctx context.Context, sessionID, deviceID string, startedAt time.Time) (bool, error) {
	f.startCalls++
	return f.startResult, nil
}

func (f *fakeStore) StopSession(ctx context.Context, sessionID string, stoppedAt time.Time) (bool, error) {
	f.stopCalls++
	return f.stopResult, nil
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

func TestHandleStart_PublishesSessionStarted(t *testing.T) {
	store := &fakeStore{startResult: true}
	bus := &fakeBus{}
	hb := &fakeToucher{}
	agent := New(store, bus, hb, zerolog.Nop())

	cause := envelope.Build(envelope.TopicSessionControlStart, "sess-1", "device-1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), envelope.TopicSessionControlStart, cause)

	if store.startCalls != 1 {
		t.Fatalf("expected StartSession called once, got %d", store.startCalls)
	}
	if len(bus.published) != 1 || bus.topics[0] != envelope.TopicSessionStarted {
		t.Fatalf("expected a session.started publish, got %v", bus.topics)
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

func TestHandleStart_DuplicateIsNoop(t *testing.T) {
	store := &fakeStore{startResult: false}
	bus := &fakeBus{}
	agent := New(store, bus, nil, zerolog.Nop())

	cause := envelope.Build(envelope.TopicSessionControlStart, "sess-1", "device-1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), envelope.TopicSessionControlStart, cause)

	if len(bus.published) != 0 {
		t.Fatalf("expected no publish on duplicate start, got %d", len(bus.published))
	}
}

func TestHandleStop_PublishesSessionStopped(t *testing.T) {
	store := &fakeStore{stopResult: true}
	bus := &fakeBus{}
	agent := New(store, bus, nil, zerolog.Nop())

	cause := envelope.Build(envelope.TopicSessionControlStop, "sess-1", "device-1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), envelope.TopicSessionControlStop, cause)

	if len(bus.published) != 1 || bus.topics[0] != envelope.TopicSessionStopped {
		t.Fatalf("expected a session.stopped publish, got %v", bus.topics)
	}
}

func TestHandleEvent_UnknownTopicIgnored(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	agent := New(store, bus, nil, zerolog.Nop())

	env := envelope.Build("some.other.topic", "sess-1", "device-1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), "some.other.topic", env)

	if store.startCalls != 0 || store.stopCalls != 0 || len(bus.published) != 0 {
		t.Fatal("expected no store or bus interaction for unknown topic")
	}
}
