// Command frameagg runs the frame aggregator agent as a standalone
// process: it buffers audio/frame events per session/device and emits
// audio.segment.created once a segment closes.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"

	mindgraph "github.com/collective/mindgraph-engine"
	"github.com/collective/mindgraph-engine/internal/bootstrap"
	"github.com/collective/mindgraph-engine/internal/bus"
	"github.com/collective/mindgraph-engine/internal/config"
	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/frameagg"
	"github.com/collective/mindgraph-engine/internal/heartbeat"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/store"
)

const agentName = "frameagg"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	flag.StringVar(&overrides.MQTTHost, "mqtt-host", "", "MQTT broker host (overrides MQTT_HOST)")
	flag.StringVar(&overrides.PostgresDSN, "postgres-dsn", "", "postgres connection string (overrides POSTGRES_DSN)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "directory of frame fixture files to ingest (overrides WATCH_DIR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Str("agent", agentName).Logger().Level(level)

	group, ctx := bootstrap.New()

	db, err := store.Connect(ctx, store.Options{
		DSN:      cfg.PostgresDSN,
		MaxConns: cfg.PostgresMaxConns,
		MinConns: cfg.PostgresMinConns,
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx, mindgraph.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	busClient, err := bus.Connect(bus.Options{
		ClientID:      agentName,
		Host:          cfg.MQTTHost,
		Port:          cfg.MQTTPort,
		QoS:           byte(cfg.MQTTQoS),
		Subscriptions: []string{envelope.TopicAudioFrame, envelope.TopicSessionStopped},
		Log:           log.With().Str("component", "bus").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer busClient.Close()

	hb := heartbeat.New(agentName, busClient, time.Duration(cfg.HeartbeatIntervalSeconds*float64(time.Second)), log)
	hb.Start(ctx)
	defer hb.Stop()

	silenceTimeout := time.Duration(cfg.FrameSilenceTimeoutSeconds * float64(time.Second))
	agg := frameagg.New(busClient, hb, silenceTimeout, log)
	busClient.SetHandler(func(topic string, env envelope.Envelope) {
		start := time.Now()
		agg.HandleEvent(ctx, topic, env)
		metrics.PipelineStageDuration.WithLabelValues(agentName).Observe(time.Since(start).Seconds())
	})

	group.Go(func() error {
		agg.RunSilenceSweep(ctx, silenceTimeout/4)
		return nil
	})

	if cfg.WatchDir != "" {
		watchDir := cfg.WatchDir
		group.Go(func() error {
			return agg.WatchFixtures(ctx, watchDir)
		})
	}

	log.Info().Dur("silence_timeout", silenceTimeout).Msg("frameagg ready")

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("frameagg stopped with error")
	}
	log.Info().Msg("frameagg stopped")
}
