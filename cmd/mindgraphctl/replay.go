package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/collective/mindgraph-engine/internal/bus"
	"github.com/collective/mindgraph-engine/internal/envelope"
)

// fixtureEvent is one entry of a replay fixture file's JSON array: a topic to publish on
// plus the envelope fields to build. SessionID/DeviceID default to the
// command's --session-id/--device-id flags when left blank, so a fixture
// can omit them for brevity.
type fixtureEvent struct {
	Topic     string         `json:"topic"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload"`
	DelayMS   int            `json:"delay_ms"`
}

func replayCmd() *cobra.Command {
	var sessionID, deviceID string
	cmd := &cobra.Command{
		Use:   "replay <fixture-file>",
		Short: "Replay a fixture file of frame or transcript events onto the bus",
		Long:  "replay reads a JSON array of {topic, event_type, payload} objects and publishes one envelope per entry, in order, honoring each entry's delay_ms — a way to drive the pipeline end to end without a live audio source.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixture file: %w", err)
			}

			var events []fixtureEvent
			if err := json.Unmarshal(raw, &events); err != nil {
				return fmt.Errorf("parse fixture file: %w", err)
			}

			cfg := loadConfig()
			log := cliLogger()
			busClient, err := bus.Connect(bus.Options{
				ClientID: "mindgraphctl-replay",
				Host:     cfg.MQTTHost,
				Port:     cfg.MQTTPort,
				QoS:      byte(cfg.MQTTQoS),
				Log:      log,
			})
			if err != nil {
				return fmt.Errorf("connect to bus: %w", err)
			}
			defer busClient.Close()

			ctx := context.Background()
			var lastEventID string
			for i, ev := range events {
				if ev.DelayMS > 0 {
					time.Sleep(time.Duration(ev.DelayMS) * time.Millisecond)
				}

				sid := ev.SessionID
				if sid == "" {
					sid = sessionID
				}
				did := ev.DeviceID
				if did == "" {
					did = deviceID
				}

				env := envelope.Build(ev.EventType, sid, did, ev.Payload, envelope.BuildOpts{
					CausationID: lastEventID,
				})
				if err := busClient.Publish(ctx, ev.Topic, env); err != nil {
					return fmt.Errorf("publish event %d (%s): %w", i, ev.Topic, err)
				}
				lastEventID = env.EventID
				log.Info().Int("index", i).Str("topic", ev.Topic).Str("event_id", env.EventID).Msg("replayed fixture event")
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "replay-session", "default session_id for fixture entries that omit one")
	cmd.Flags().StringVar(&deviceID, "device-id", "replay-device", "default device_id for fixture entries that omit one")
	return cmd
}
