// Command dashboard serves the read-only HTTP dashboard: session
// listings, a session's approved tree, the latest snapshot, and the
// agent heartbeat board fed by subscribing to agent.heartbeat.
package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"

	mindgraph "github.com/collective/mindgraph-engine"
	"github.com/collective/mindgraph-engine/internal/bootstrap"
	"github.com/collective/mindgraph-engine/internal/bus"
	"github.com/collective/mindgraph-engine/internal/config"
	"github.com/collective/mindgraph-engine/internal/dashboard"
	"github.com/collective/mindgraph-engine/internal/envelope"
	"github.com/collective/mindgraph-engine/internal/store"
)

const agentName = "dashboard"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	flag.StringVar(&overrides.MQTTHost, "mqtt-host", "", "MQTT broker host (overrides MQTT_HOST)")
	flag.StringVar(&overrides.PostgresDSN, "postgres-dsn", "", "postgres connection string (overrides POSTGRES_DSN)")
	flag.IntVar(&overrides.DashboardPort, "port", 0, "HTTP listen port (overrides DASHBOARD_PORT)")
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

	board := dashboard.NewAgentBoard()

	busClient, err := bus.Connect(bus.Options{
		ClientID:      agentName,
		Host:          cfg.MQTTHost,
		Port:          cfg.MQTTPort,
		QoS:           byte(cfg.MQTTQoS),
		Subscriptions: []string{envelope.TopicAgentHeartbeat},
		Log:           log.With().Str("component", "bus").Logger(),
	})
	var busChecker dashboard.BusChecker
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to bus, agent board will stay empty")
	} else {
		defer busClient.Close()
		busClient.SetHandler(func(topic string, env envelope.Envelope) {
			board.HandleEvent(topic, env)
		})
		busChecker = busClient
	}

	if cfg.AuthEnabled && cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	} else if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — dashboard API is open to anyone who can reach it")
	}

	srv := dashboard.NewServer(dashboard.Options{
		Config:   cfg,
		Store:    db,
		Bus:      busChecker,
		Board:    board,
		WebFiles: mindgraph.WebFiles,
		Log:      log.With().Str("component", "http").Logger(),
	})

	group.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info().Int("port", cfg.DashboardPort).Msg("dashboard ready")

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("dashboard stopped with error")
	}
	log.Info().Msg("dashboard stopped")
}
