package snapshotagent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/store"
)

type fakeStore struct {
	activeSessions []store.Session
	nodes          []store.GraphNode
	storeResult    bool
	storeCalls     int
	markCalls      int
}

func (f *fakeStore) ListActiveSessions(_ context.Context) ([]store.Session, error) {
	return f.activeSessions, nil
}

func (f *fakeStore) AllNodes(_ context.Context, _ string) ([]store.GraphNode, error) {
	return f.nodes, nil
}

func (f *fakeStore) StoreSnapshot(_ context.Context, _ store.Snapshot) (bool, error) {
	f.storeCalls++
	return f.storeResult, nil
}

func (f *fakeStore) MarkSnapshotTime(_ context.Context, _ string, _ time.Time) error {
	f.markCalls++
	return nil
}

type fakeBus struct {
	published []envelope.Envelope
}

func (f *fakeBus) Publish(_ context.Context, _ string, env envelope.Envelope) error {
	f.published = append(f.published, env)
	return nil
}

type fakeToucher struct{ touched int }

func (f *fakeToucher) Touch() { f.touched++ }

func TestBootstrap_SeedsRegistryFromStore(t *testing.T) {
	fs := &fakeStore{activeSessions: []store.Session{{SessionID: "s1", DeviceID: "d1"}}}
	agent := New(fs, &fakeBus{}, nil, 10*time.Second, "", zerolog.Nop())

	if err := agent.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.active["s1"] != "d1" {
		t.Errorf("expected s1 registered with device d1, got %q", agent.active["s1"])
	}
}

func TestHandleEvent_StartThenStopEmitsFinalSnapshot(t *testing.T) {
	fs := &fakeStore{storeResult: true}
	bus := &fakeBus{}
	hb := &fakeToucher{}
	agent := New(fs, bus, hb, 10*time.Second, "", zerolog.Nop())

	start := envelope.Build(envelope.TopicSessionStarted, "s1", "d1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), envelope.TopicSessionStarted, start)

	agent.mu.Lock()
	_, active := agent.active["s1"]
	agent.mu.Unlock()
	if !active {
		t.Fatal("expected session registered as active after session.started")
	}

	stop := envelope.Build(envelope.TopicSessionStopped, "s1", "d1", map[string]any{}, envelope.BuildOpts{})
	agent.HandleEvent(context.Background(), envelope.TopicSessionStopped, stop)

	agent.mu.Lock()
	_, stillActive := agent.active["s1"]
	agent.mu.Unlock()
	if stillActive {
		t.Error("expected session removed from registry after session.stopped")
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one final snapshot published, got %d", len(bus.published))
	}
	if bus.published[0].Payload["snapshot_id"] == "" {
		t.Error("expected snapshot_id set")
	}
	if fs.markCalls != 1 {
		t.Errorf("expected last_snapshot_at marked once for the stored snapshot, got %d", fs.markCalls)
	}
	if hb.touched != 1 {
		t.Errorf("expected heartbeat touched once, got %d", hb.touched)
	}
}

func TestSnapshotOne_UnchangedHashSkipsPublish(t *testing.T) {
	fs := &fakeStore{storeResult: false}
	bus := &fakeBus{}
	agent := New(fs, bus, nil, 10*time.Second, "", zerolog.Nop())

	agent.snapshotOne(context.Background(), "s1", "", "")

	if fs.storeCalls != 1 {
		t.Fatalf("expected store_snapshot called once, got %d", fs.storeCalls)
	}
	if fs.markCalls != 0 {
		t.Errorf("expected last_snapshot_at untouched when the hash is unchanged, got %d mark calls", fs.markCalls)
	}
	if len(bus.published) != 0 {
		t.Errorf("expected no publish when store reports unchanged, got %d", len(bus.published))
	}
}

func TestBucketTimestamp_QuantizesToIntervalBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 37, 0, time.UTC)
	got := bucketTimestamp(now, 10*time.Second)
	want := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("bucketTimestamp(%v, 10s) = %v, want %v", now, got, want)
	}
}
