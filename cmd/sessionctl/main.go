// Command sessionctl runs the session controller agent as a standalone
// process: it subscribes to session.control.start/stop, writes the
// resulting session rows, and announces session.started/session.stopped.
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
	"github.com/collective/mindgraph-engine/internal/healthsrv"
	"github.com/collective/mindgraph-engine/internal/heartbeat"
	"github.com/collective/mindgraph-engine/internal/metrics"
	"github.com/collective/mindgraph-engine/internal/sessionctl"
	"github.com/collective/mindgraph-engine/internal/store"
)

const agentName = "sessionctl"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	flag.StringVar(&overrides.MQTTHost, "mqtt-host", "", "MQTT broker host (overrides MQTT_HOST)")
	flag.StringVar(&overrides.PostgresDSN, "postgres-dsn", "", "postgres connection string (overrides POSTGRES_DSN)")
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
		ClientID: agentName,
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		QoS:      byte(cfg.MQTTQoS),
		Subscriptions: []string{
			envelope.TopicSessionControlStart,
			envelope.TopicSessionControlStop,
		},
		Log: log.With().Str("component", "bus").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer busClient.Close()

	hb := heartbeat.New(agentName, busClient, time.Duration(cfg.HeartbeatIntervalSeconds*float64(time.Second)), log)
	hb.Start(ctx)
	defer hb.Stop()

	agent := sessionctl.New(db, busClient, hb, log)
	busClient.SetHandler(func(topic string, env envelope.Envelope) {
		start := time.Now()
		agent.HandleEvent(ctx, topic, env)
		metrics.PipelineStageDuration.WithLabelValues(agentName).Observe(time.Since(start).Seconds())
	})

	group.Go(func() error {
		return healthsrv.Serve(ctx, cfg.HealthPort, db, busClient, log.With().Str("component", "healthz").Logger())
	})

	log.Info().Int("health_port", cfg.HealthPort).Msg("sessionctl ready")

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("sessionctl stopped with error")
	}
	log.Info().Msg("sessionctl stopped")
}
