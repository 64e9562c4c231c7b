package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

const (
	BackendPostgREST = "postgrest"
	BackendPostgres  = "postgres"

	TargetsFromStore     = "store"
	TargetsFromFirestore = "firestore"

	GatewayHTTP = "http"
	GatewaySDK  = "sdk"
)

type OutboxConfig struct {
	Backend    string
	BatchSize  int
	MaxRetries int
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	Mode             string
	BaseURL          string
	Timeout          time.Duration
	ClickAction      string
	AndroidSound     string
	AndroidChannelID string
	APNSSound        string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID       string
	ListenAddr      string
	ServiceAccount  string
	DispatchTimeout time.Duration

	Outbox         OutboxConfig
	Supabase       SupabaseConfig
	Postgres       PostgresConfig
	TargetsBackend string
	Redis          RedisConfig
	Gateway        GatewayConfig

	SubscriptionID       string
	NumPipelineWorkers   int
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// LogValue keeps secrets out of structured logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("project_id", c.ProjectID),
		slog.String("listen_addr", c.ListenAddr),
		slog.String("outbox_backend", c.Outbox.Backend),
		slog.String("targets_backend", c.TargetsBackend),
		slog.String("gateway_mode", c.Gateway.Mode),
		slog.Bool("redis_enabled", c.Redis.Enabled),
		slog.String("subscription_id", c.SubscriptionID),
	)
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	overrideString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = val
		}
	}
	overrideInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				logger.Warn("Ignoring invalid integer override", "key", key, "err", err)
				return
			}
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = n
		}
	}
	overrideDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				logger.Warn("Ignoring invalid duration override", "key", key, "err", err)
				return
			}
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = d
		}
	}

	// 1. Apply Environment Overrides
	overrideString("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	overrideString("FIREBASE_SERVICE_ACCOUNT", &cfg.ServiceAccount)
	overrideDuration("DISPATCH_TIMEOUT", &cfg.DispatchTimeout)

	overrideString("OUTBOX_BACKEND", &cfg.Outbox.Backend)
	overrideInt("OUTBOX_BATCH_SIZE", &cfg.Outbox.BatchSize)
	overrideInt("OUTBOX_MAX_RETRIES", &cfg.Outbox.MaxRetries)
	overrideString("SUPABASE_URL", &cfg.Supabase.URL)
	overrideString("SUPABASE_SERVICE_ROLE_KEY", &cfg.Supabase.ServiceRoleKey)
	overrideString("DATABASE_URL", &cfg.Postgres.DSN)
	overrideString("TARGETS_BACKEND", &cfg.TargetsBackend)

	overrideString("GATEWAY_MODE", &cfg.Gateway.Mode)
	overrideString("FCM_BASE_URL", &cfg.Gateway.BaseURL)
	overrideDuration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)

	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}
	overrideDuration("REDIS_TTL", &cfg.Redis.TTL)

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if cfg.ServiceAccount == "" {
		return nil, fmt.Errorf("service_account is required (set via YAML or FIREBASE_SERVICE_ACCOUNT env var)")
	}
	switch cfg.Outbox.Backend {
	case BackendPostgREST:
		if cfg.Supabase.URL == "" {
			return nil, fmt.Errorf("supabase.url is required (set via YAML or SUPABASE_URL env var)")
		}
		if cfg.Supabase.ServiceRoleKey == "" {
			return nil, fmt.Errorf("supabase.service_role_key is required (set via YAML or SUPABASE_SERVICE_ROLE_KEY env var)")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres.dsn is required (set via YAML or DATABASE_URL env var)")
		}
	default:
		return nil, fmt.Errorf("unknown outbox.backend %q (want %s or %s)", cfg.Outbox.Backend, BackendPostgREST, BackendPostgres)
	}
	if cfg.TargetsBackend != TargetsFromStore && cfg.TargetsBackend != TargetsFromFirestore {
		return nil, fmt.Errorf("unknown targets.backend %q (want %s or %s)", cfg.TargetsBackend, TargetsFromStore, TargetsFromFirestore)
	}
	if cfg.Gateway.Mode != GatewayHTTP && cfg.Gateway.Mode != GatewaySDK {
		return nil, fmt.Errorf("unknown gateway.mode %q (want %s or %s)", cfg.Gateway.Mode, GatewayHTTP, GatewaySDK)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required when redis is enabled (set via YAML or REDIS_ADDR env var)")
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}
	if cfg.Outbox.Backend == "" {
		cfg.Outbox.Backend = BackendPostgREST
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 10
	}
	if cfg.Outbox.MaxRetries <= 0 {
		cfg.Outbox.MaxRetries = 3
	}
	if cfg.TargetsBackend == "" {
		cfg.TargetsBackend = TargetsFromStore
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = GatewayHTTP
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
}
