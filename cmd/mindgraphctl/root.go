package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/collective/mindgraph-engine/internal/config"
)

var (
	postgresDSN string
	mqttHost    string
	mqttPort    int
	envFile     string
)

var rootCmd = &cobra.Command{
	Use:   "mindgraphctl",
	Short: "Operator CLI for the mindgraph engine pipeline",
	Long:  "mindgraphctl inspects session state and replays fixture events onto the bus, so the pipeline can be driven end to end without live edge devices.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "postgres connection string (overrides POSTGRES_DSN)")
	rootCmd.PersistentFlags().StringVar(&mqttHost, "mqtt-host", "", "MQTT broker host (overrides MQTT_HOST)")
	rootCmd.PersistentFlags().IntVar(&mqttPort, "mqtt-port", 0, "MQTT broker port")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to .env file (default: .env)")

	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(replayCmd())
}

func loadConfig() *config.Config {
	cfg, err := config.Load(config.Overrides{
		EnvFile:     envFile,
		PostgresDSN: postgresDSN,
		MQTTHost:    mqttHost,
	})
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if mqttPort != 0 {
		cfg.MQTTPort = mqttPort
	}
	return cfg
}

func cliLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
