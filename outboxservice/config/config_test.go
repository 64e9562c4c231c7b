package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-outbox-dispatcher/outboxservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var overrideKeys = []string{
	"PROJECT_ID", "PORT", "FIREBASE_SERVICE_ACCOUNT", "DISPATCH_TIMEOUT",
	"OUTBOX_BACKEND", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
	"SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "DATABASE_URL", "TARGETS_BACKEND",
	"GATEWAY_MODE", "FCM_BASE_URL", "GATEWAY_TIMEOUT",
	"SUBSCRIPTION_ID", "NUM_PIPELINE_WORKERS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_ENABLED", "REDIS_TTL",
}

// clearEnv blanks every key the loader reads; an empty value counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range overrideKeys {
		t.Setenv(k, "")
	}
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:      "base-project",
			ServiceAccount: `{"client_email":"x"}`,
			Outbox:         config.OutboxConfig{Backend: config.BackendPostgREST},
			Supabase:       config.SupabaseConfig{URL: "https://base.supabase.co", ServiceRoleKey: "base-key"},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("FIREBASE_SERVICE_ACCOUNT", `{"client_email":"env"}`)
		t.Setenv("OUTBOX_BACKEND", "postgres")
		t.Setenv("DATABASE_URL", "postgres://env")
		t.Setenv("OUTBOX_BATCH_SIZE", "25")
		t.Setenv("OUTBOX_MAX_RETRIES", "5")
		t.Setenv("TARGETS_BACKEND", "firestore")
		t.Setenv("GATEWAY_MODE", "sdk")
		t.Setenv("GATEWAY_TIMEOUT", "3s")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("NUM_PIPELINE_WORKERS", "4")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_TTL", "30s")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, `{"client_email":"env"}`, finalCfg.ServiceAccount)
		assert.Equal(t, config.BackendPostgres, finalCfg.Outbox.Backend)
		assert.Equal(t, "postgres://env", finalCfg.Postgres.DSN)
		assert.Equal(t, 25, finalCfg.Outbox.BatchSize)
		assert.Equal(t, 5, finalCfg.Outbox.MaxRetries)
		assert.Equal(t, config.TargetsFromFirestore, finalCfg.TargetsBackend)
		assert.Equal(t, config.GatewaySDK, finalCfg.Gateway.Mode)
		assert.Equal(t, 3*time.Second, finalCfg.Gateway.Timeout)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		require.NotNil(t, finalCfg.PubsubConsumerConfig)
		assert.Equal(t, 4, finalCfg.NumPipelineWorkers)
		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, 30*time.Second, finalCfg.Redis.TTL)
	})

	t.Run("Success - Defaults filled", func(t *testing.T) {
		clearEnv(t)
		finalCfg, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 10, finalCfg.Outbox.BatchSize)
		assert.Equal(t, 3, finalCfg.Outbox.MaxRetries)
		assert.Equal(t, config.TargetsFromStore, finalCfg.TargetsBackend)
		assert.Equal(t, config.GatewayHTTP, finalCfg.Gateway.Mode)
		assert.Equal(t, 10*time.Second, finalCfg.Gateway.Timeout)
		assert.Equal(t, 5*time.Minute, finalCfg.Redis.TTL)
		assert.Equal(t, 2*time.Minute, finalCfg.DispatchTimeout)
		assert.False(t, finalCfg.Redis.Enabled)
		assert.Equal(t, 1, finalCfg.NumPipelineWorkers)
		assert.Nil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Invalid numeric override is ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OUTBOX_BATCH_SIZE", "lots")
		finalCfg, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		require.NoError(t, err)
		assert.Equal(t, 10, finalCfg.Outbox.BatchSize)
	})

	t.Run("Validation Failure - Missing service account", func(t *testing.T) {
		clearEnv(t)
		cfg := baseConfig()
		cfg.ServiceAccount = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "FIREBASE_SERVICE_ACCOUNT")
	})

	t.Run("Validation Failure - PostgREST without credentials", func(t *testing.T) {
		clearEnv(t)
		cfg := baseConfig()
		cfg.Supabase.ServiceRoleKey = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "SUPABASE_SERVICE_ROLE_KEY")
	})

	t.Run("Validation Failure - Postgres without DSN", func(t *testing.T) {
		clearEnv(t)
		cfg := baseConfig()
		cfg.Outbox.Backend = config.BackendPostgres
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("Validation Failure - Unknown gateway mode", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("GATEWAY_MODE", "carrier-pigeon")
		_, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Redis enabled without address", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REDIS_ENABLED", "true")
		_, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		assert.ErrorContains(t, err, "REDIS_ADDR")
	})
}
