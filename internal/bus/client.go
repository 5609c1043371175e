// Package bus wraps the paho MQTT client with envelope-aware
// publish/subscribe and the one behavioral rule that matters for this
// pipeline: Publish only blocks for a broker ack when it is *not* called
// from the client's own network callback goroutine. Blocking there would
// deadlock, since that goroutine is also the one responsible for reading
// the ack off the wire.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/metrics"
)

// Handler processes one envelope delivered on topic. Handlers run on the
// mqtt client's callback goroutine — keep them fast, and use Publish's
// automatic non-blocking behavior rather than spawning new goroutines to
// dodge the deadlock.
type Handler func(topic string, env envelope.Envelope)

// Options configure Connect.
type Options struct {
	ClientID      string
	Host          string
	Port          int
	QoS           byte
	Subscriptions []string
	Log           zerolog.Logger
}

// Client is a connected MQTT session bound to one envelope handler.
type Client struct {
	conn      mqtt.Client
	qos       byte
	topics    []string
	handler   Handler
	log       zerolog.Logger
	connected atomic.Bool

	// networkGoroutineID is stored again every time onConnect or onMessage
	// fires, so it holds the goroutine of the most recent callback.
	networkGoroutineID atomic.Uint64
}

// Connect dials the broker, blocking until the connection succeeds or the
// 10s connect timeout elapses. Messages that arrive before SetHandler
// installs a handler are dropped.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		qos:    opts.QoS,
		topics: opts.Subscriptions,
		log:    opts.Log,
	}

	broker := fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)
	clientOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("bus: timed out connecting to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", broker, err)
	}

	return c, nil
}

// SetHandler installs the envelope handler invoked for every subscribed
// topic. Messages delivered while no handler is set are dropped.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

func (c *Client) onConnect(client mqtt.Client) {
	c.networkGoroutineID.Store(currentGoroutineID())
	c.connected.Store(true)
	c.log.Info().Strs("topics", c.topics).Msg("bus connected, subscribing")

	for _, topic := range c.topics {
		token := client.Subscribe(topic, c.qos, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("bus subscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("bus connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.networkGoroutineID.Store(currentGoroutineID())

	if c.handler == nil {
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		c.log.Error().Err(err).Str("topic", msg.Topic()).Msg("failed to decode envelope")
		return
	}
	metrics.BusMessagesReceivedTotal.WithLabelValues(msg.Topic()).Inc()
	c.handler(msg.Topic(), env)
}

// Publish encodes env as canonical JSON and publishes it to topic. When
// called from any goroutine other than the client's own network callback
// goroutine, Publish blocks until the broker acknowledges delivery (or ctx
// is done). When called from that callback goroutine itself — i.e. from
// inside a Handler — Publish fires the send and returns immediately,
// because waiting there would block the very goroutine needed to read the
// ack off the wire.
func (c *Client) Publish(ctx context.Context, topic string, env envelope.Envelope) error {
	payload, err := envelope.CanonicalJSON(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}

	token := c.conn.Publish(topic, c.qos, false, payload)
	metrics.BusMessagesPublishedTotal.WithLabelValues(topic).Inc()

	if c.networkGoroutineID.Load() == currentGoroutineID() {
		return nil
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports the client's last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects from the broker, waiting up to 1s for in-flight work to
// drain.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting bus client")
	c.conn.Disconnect(1000)
}
