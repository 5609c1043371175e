// Package snapshotagent implements the snapshot agent: it keeps an
// in-memory registry of active (session_id -> device_id) pairs, emits one
// final snapshot when a session stops, and ticks a snapshot for every
// active session on a fixed interval (or an operator-supplied cron
// expression), bucketing and de-duplicating by content hash.
package snapshotagent

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/graph"
	"github.com/collective/mindgraph-engine/internal/ids"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

// Store is the subset of *store.DB this agent needs.
type Store interface {
	ListActiveSessions(ctx context.Context) ([]store.Session, error)
	AllNodes(ctx context.Context, sessionID string) ([]store.GraphNode, error)
	StoreSnapshot(ctx context.Context, s store.Snapshot) (bool, error)
	MarkSnapshotTime(ctx context.Context, sessionID string, at time.Time) error
}

// Bus is the subset of *bus.Client this agent needs.
type Bus interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Toucher records agent liveness; satisfied by *heartbeat.Publisher.
type Toucher interface {
	Touch()
}

// Agent tracks currently active sessions and periodically fingerprints
// each one's graph, publishing snapshot.hash for the first snapshot of each
// bucket and whenever the content changes within a bucket.
type Agent struct {
	store     Store
	bus       Bus
	heartbeat Toucher
	interval  time.Duration
	cronExpr  string
	gron      *gronx.Gronx
	log       zerolog.Logger

	mu     sync.Mutex
	active map[string]string // session_id -> device_id
}

// New constructs an Agent. The registry starts empty; call Bootstrap to
// seed it from the store at startup. heartbeat may be nil in tests.
// cronExpr overrides interval when non-empty and is validated at
// construction time — an invalid expression falls back to interval.
func New(st Store, busClient Bus, heartbeat Toucher, interval time.Duration, cronExpr string, log zerolog.Logger) *Agent {
	a := &Agent{
		store:     st,
		bus:       busClient,
		heartbeat: heartbeat,
		interval:  interval,
		gron:      gronx.New(),
		log:       log,
		active:    make(map[string]string),
	}
	if cronExpr != "" {
		if gronx.IsValid(cronExpr) {
			a.cronExpr = cronExpr
		} else {
			log.Warn().Str("cron", cronExpr).Msg("invalid SNAPSHOT_CRON, falling back to fixed interval")
		}
	}
	return a
}

// Bootstrap seeds the active-session registry from the store, matching the
// "list active sessions" query run once at startup.
func (a *Agent) Bootstrap(ctx context.Context) error {
	sessions, err := a.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	for _, s := range sessions {
		a.active[s.SessionID] = s.DeviceID
	}
	a.mu.Unlock()
	return nil
}

// HandleEvent dispatches session.started and session.stopped events.
func (a *Agent) HandleEvent(ctx context.Context, topic string, env envelope.Envelope) {
	switch topic {
	case envelope.TopicSessionStarted:
		a.mu.Lock()
		a.active[env.SessionID] = env.DeviceID
		a.mu.Unlock()
	case envelope.TopicSessionStopped:
		a.mu.Lock()
		delete(a.active, env.SessionID)
		a.mu.Unlock()
		a.snapshotOne(ctx, env.SessionID, env.TraceID, env.EventID)
	}
}

// Run ticks every ~1s (fine enough to resolve both the fixed-interval and
// cron cases) until ctx is done, emitting one snapshot per active session
// whenever the current tick is due.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastBucket := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !a.due(now, &lastBucket) {
				continue
			}
			a.snapshotActive(ctx)
		}
	}
}

// due reports whether now triggers a snapshot round, consulting the cron
// expression when configured and otherwise the fixed interval's bucket
// boundary (tracked via lastBucket so a single wall-clock second isn't
// double-fired).
func (a *Agent) due(now time.Time, lastBucket *int64) bool {
	if a.cronExpr != "" {
		ok, _ := a.gron.IsDue(a.cronExpr, now)
		return ok
	}
	bucket := bucketize(now, a.interval)
	if bucket == *lastBucket {
		return false
	}
	*lastBucket = bucket
	return true
}

func (a *Agent) snapshotActive(ctx context.Context) {
	a.mu.Lock()
	sessionIDs := make([]string, 0, len(a.active))
	for id := range a.active {
		sessionIDs = append(sessionIDs, id)
	}
	a.mu.Unlock()

	for _, sessionID := range sessionIDs {
		a.snapshotOne(ctx, sessionID, "", "")
	}
}

// snapshotOne computes, buckets, and (if changed) stores and publishes one
// snapshot for sessionID. traceID/causationID are empty for anonymous
// ticker-driven snapshots and carried through for a stop-triggered final
// snapshot.
func (a *Agent) snapshotOne(ctx context.Context, sessionID, traceID, causationID string) {
	rows, err := a.store.AllNodes(ctx, sessionID)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", sessionID).Msg("all_nodes failed")
		return
	}
	nodes := make([]graph.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, r.AsGraphNode())
	}

	hash, err := graph.SnapshotHash(nodes)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", sessionID).Msg("snapshot_hash failed")
		return
	}

	now := time.Now().UTC()
	bucketTS := bucketTimestamp(now, a.interval)

	snapshot := store.Snapshot{
		SnapshotID:       ids.New("snapshot"),
		SessionID:        sessionID,
		SnapshotBucketTS: bucketTS,
		NodeCount:        len(nodes),
		HashSHA256:       hash,
		CreatedAt:        now,
	}
	env := envelope.Build(envelope.TopicSnapshotHash, sessionID, "", map[string]any{
		"snapshot_id":        snapshot.SnapshotID,
		"node_count":         snapshot.NodeCount,
		"hash_sha256":        snapshot.HashSHA256,
		"snapshot_bucket_ts": bucketTS.Format(time.RFC3339),
	}, envelope.BuildOpts{TraceID: traceID, CausationID: causationID})
	snapshot.EventID = env.EventID

	stored, err := a.store.StoreSnapshot(ctx, snapshot)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", sessionID).Msg("store_snapshot failed")
		return
	}
	if !stored {
		return
	}
	if err := a.store.MarkSnapshotTime(ctx, sessionID, now); err != nil {
		a.log.Warn().Err(err).Str("session_id", sessionID).Msg("mark_snapshot_time failed")
	}
	metrics.SnapshotsStoredTotal.WithLabelValues(sessionID).Inc()

	if err := a.bus.Publish(ctx, envelope.TopicSnapshotHash, env); err != nil {
		a.log.Error().Err(err).Msg("failed to publish snapshot.hash")
		return
	}
	if a.heartbeat != nil {
		a.heartbeat.Touch()
	}
}

// bucketize returns the interval-quantized bucket index for now, used only
// to detect a fresh bucket boundary on the ticker path.
func bucketize(now time.Time, interval time.Duration) int64 {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return now.Unix() / int64(interval.Seconds())
}

// bucketTimestamp quantizes now down to the start of its interval bucket,
// converted back to UTC — the (session_id, snapshot_bucket_ts) key every
// snapshot is de-duplicated against.
func bucketTimestamp(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	secs := int64(interval.Seconds())
	if secs <= 0 {
		secs = 10
	}
	bucket := (now.Unix() / secs) * secs
	return time.Unix(bucket, 0).UTC()
}
