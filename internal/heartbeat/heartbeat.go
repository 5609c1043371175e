// Package heartbeat periodically announces agent liveness on the bus so
// the dashboard's agent board can show which agents are up and when they
// last did useful work.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

const protocolVersion = "1"

// busClient is the slice of *bus.Client the publisher needs — narrowed to
// an interface so tests can swap in a fake.
type busClient interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) error
}

// Publisher ticks agent.heartbeat events onto the bus at a fixed interval,
// reporting the timestamp of the last piece of work Touch recorded.
type Publisher struct {
	agentName string
	client    busClient
	interval  time.Duration
	log       zerolog.Logger

	lastProcessedAt atomic.Int64 // unix nanos; 0 means "never"

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Publisher. Call Start to begin ticking.
func New(agentName string, client busClient, interval time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{
		agentName: agentName,
		client:    client,
		interval:  interval,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Touch records that the agent just did something useful. The next
// heartbeat reports this timestamp as last_processed_at.
func (p *Publisher) Touch() {
	p.lastProcessedAt.Store(time.Now().UTC().UnixNano())
}

// Start begins the background ticking goroutine. Stop must be called to
// release it.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the background goroutine to exit and waits for it.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.publishOnce(ctx)
		select {
		case <-ticker.C:
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) {
	// Stays an untyped nil until Touch has been called, so the payload value
	// compares equal to nil instead of holding a nil *string.
	var lastProcessedAt any
	if nanos := p.lastProcessedAt.Load(); nanos != 0 {
		formatted := time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
		lastProcessedAt = &formatted
	}

	env := envelope.Build(envelope.TopicAgentHeartbeat, "system", p.agentName, map[string]any{
		"agent_name":        p.agentName,
		"status":            "ok",
		"last_processed_at": lastProcessedAt,
		"version":           protocolVersion,
	}, envelope.BuildOpts{})

	if err := p.client.Publish(ctx, envelope.TopicAgentHeartbeat, env); err != nil {
		p.log.Warn().Err(err).Msg("failed to publish heartbeat")
	}
}
