package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

type YamlOutboxConfig struct {
	Backend    string `yaml:"backend"`
	BatchSize  int    `yaml:"batch_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type YamlSupabaseConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
}

type YamlPostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlTargetsConfig struct {
	Backend string `yaml:"backend"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlGatewayConfig struct {
	Mode             string `yaml:"mode"`
	BaseURL          string `yaml:"base_url"`
	Timeout          string `yaml:"timeout"`
	ClickAction      string `yaml:"click_action"`
	AndroidSound     string `yaml:"android_sound"`
	AndroidChannelID string `yaml:"android_channel_id"`
	APNSSound        string `yaml:"apns_sound"`
}

type YamlTriggerConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
	NumWorkers     int    `yaml:"num_workers"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID       string             `yaml:"project_id"`
	ListenAddr      string             `yaml:"listen_addr"`
	ServiceAccount  string             `yaml:"service_account"`
	DispatchTimeout string             `yaml:"dispatch_timeout"`
	Outbox          YamlOutboxConfig   `yaml:"outbox"`
	Supabase        YamlSupabaseConfig `yaml:"supabase"`
	Postgres        YamlPostgresConfig `yaml:"postgres"`
	Targets         YamlTargetsConfig  `yaml:"targets"`
	Redis           YamlRedisConfig    `yaml:"redis"`
	Gateway         YamlGatewayConfig  `yaml:"gateway"`
	Trigger         YamlTriggerConfig  `yaml:"trigger"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	dispatchTimeout, err := parseDuration("dispatch_timeout", baseCfg.DispatchTimeout)
	if err != nil {
		return nil, err
	}
	redisTTL, err := parseDuration("redis.ttl", baseCfg.Redis.TTL)
	if err != nil {
		return nil, err
	}
	gatewayTimeout, err := parseDuration("gateway.timeout", baseCfg.Gateway.Timeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:       baseCfg.ProjectID,
		ListenAddr:      baseCfg.ListenAddr,
		ServiceAccount:  baseCfg.ServiceAccount,
		DispatchTimeout: dispatchTimeout,
		Outbox: OutboxConfig{
			Backend:    baseCfg.Outbox.Backend,
			BatchSize:  baseCfg.Outbox.BatchSize,
			MaxRetries: baseCfg.Outbox.MaxRetries,
		},
		Supabase: SupabaseConfig{
			URL:            baseCfg.Supabase.URL,
			ServiceRoleKey: baseCfg.Supabase.ServiceRoleKey,
		},
		Postgres:       PostgresConfig{DSN: baseCfg.Postgres.DSN},
		TargetsBackend: baseCfg.Targets.Backend,
		Redis: RedisConfig{
			Addr:     baseCfg.Redis.Addr,
			Password: baseCfg.Redis.Password,
			DB:       baseCfg.Redis.DB,
			Enabled:  baseCfg.Redis.Enabled,
			TTL:      redisTTL,
		},
		Gateway: GatewayConfig{
			Mode:             baseCfg.Gateway.Mode,
			BaseURL:          baseCfg.Gateway.BaseURL,
			Timeout:          gatewayTimeout,
			ClickAction:      baseCfg.Gateway.ClickAction,
			AndroidSound:     baseCfg.Gateway.AndroidSound,
			AndroidChannelID: baseCfg.Gateway.AndroidChannelID,
			APNSSound:        baseCfg.Gateway.APNSSound,
		},
		SubscriptionID:     baseCfg.Trigger.SubscriptionID,
		NumPipelineWorkers: baseCfg.Trigger.NumWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"outbox_backend", cfg.Outbox.Backend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
