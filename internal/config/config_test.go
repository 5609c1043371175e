package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"MQTT_HOST":    "broker.local",
		"POSTGRES_DSN": "postgresql://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AppName != "mindgraph" {
			t.Errorf("AppName = %q, want mindgraph", cfg.AppName)
		}
		if cfg.MQTTPort != 1883 {
			t.Errorf("MQTTPort = %d, want 1883", cfg.MQTTPort)
		}
		if cfg.MQTTQoS != 1 {
			t.Errorf("MQTTQoS = %d, want 1", cfg.MQTTQoS)
		}
		if cfg.HeartbeatIntervalSeconds != 5 {
			t.Errorf("HeartbeatIntervalSeconds = %v, want 5", cfg.HeartbeatIntervalSeconds)
		}
		if cfg.SnapshotIntervalSeconds != 10 {
			t.Errorf("SnapshotIntervalSeconds = %v, want 10", cfg.SnapshotIntervalSeconds)
		}
		if cfg.FrameSilenceTimeoutSeconds != 1.2 {
			t.Errorf("FrameSilenceTimeoutSeconds = %v, want 1.2", cfg.FrameSilenceTimeoutSeconds)
		}
		if cfg.PostgresMaxConns != 8 || cfg.PostgresMinConns != 2 {
			t.Errorf("pool bounds = %d/%d, want 8/2", cfg.PostgresMaxConns, cfg.PostgresMinConns)
		}
		if cfg.DashboardPort != 8000 {
			t.Errorf("DashboardPort = %d, want 8000", cfg.DashboardPort)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:       "nonexistent.env",
			MQTTHost:      "override-host",
			PostgresDSN:   "postgresql://override/db",
			LLMServiceURL: "http://override-llm:9000",
			DashboardPort: 9191,
			LogLevel:      "debug",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTHost != "override-host" {
			t.Errorf("MQTTHost = %q, want override-host", cfg.MQTTHost)
		}
		if cfg.PostgresDSN != "postgresql://override/db" {
			t.Errorf("PostgresDSN = %q, want override", cfg.PostgresDSN)
		}
		if cfg.LLMServiceURL != "http://override-llm:9000" {
			t.Errorf("LLMServiceURL = %q, want override", cfg.LLMServiceURL)
		}
		if cfg.DashboardPort != 9191 {
			t.Errorf("DashboardPort = %d, want 9191", cfg.DashboardPort)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTHost != "broker.local" {
			t.Errorf("MQTTHost = %q, want broker.local", cfg.MQTTHost)
		}
		if cfg.PostgresDSN != "postgresql://localhost/test" {
			t.Errorf("PostgresDSN = %q, want postgresql://localhost/test", cfg.PostgresDSN)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PostgresDSN != "postgresql://localhost/test" {
			t.Errorf("PostgresDSN = %q, want env value", cfg.PostgresDSN)
		}
	})
}

func TestLoadAuthTokenAutoGenerated(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"AUTH_TOKEN":   "",
		"AUTH_ENABLED": "true",
	})
	defer cleanup()
	os.Unsetenv("AUTH_TOKEN")

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken == "" {
		t.Error("expected an auto-generated auth token")
	}
	if !cfg.AuthTokenGenerated {
		t.Error("expected AuthTokenGenerated to be true")
	}
}

func TestLoadAuthDisabledClearsToken(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"AUTH_ENABLED": "false",
		"AUTH_TOKEN":   "some-token",
	})
	defer cleanup()

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "" {
		t.Errorf("AuthToken = %q, want empty when auth disabled", cfg.AuthToken)
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
