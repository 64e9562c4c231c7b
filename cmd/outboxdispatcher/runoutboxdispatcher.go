package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/credentials"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/platform/fcm"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/firestore"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/postgres"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/postgrest"
	"github.com/tinywideclouds/go-outbox-dispatcher/outboxservice"
	"github.com/tinywideclouds/go-outbox-dispatcher/outboxservice/config"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A local .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-outbox-dispatcher")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Credentials ---
	saKey, err := credentials.ParseServiceAccountKey([]byte(cfg.ServiceAccount))
	if err != nil {
		logger.Error("Service account key rejected", "err", err)
		os.Exit(1)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = saKey.ProjectID
	}
	logger.Info("Configuration loaded", "config", cfg, "service_account", saKey)

	// --- Outbox Store and Targets ---
	outboxStore, targets, closeStore, err := newStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		targets = cache.NewCachedTargetStore(targets, redisClient, cfg.Redis.TTL, logger)
		logger.Info("Target resolver upgraded", "type", "redis_cached", "ttl", cfg.Redis.TTL)
	}

	// --- Gateway ---
	sender, err := newSender(ctx, cfg, saKey, logger)
	if err != nil {
		logger.Error("Gateway initialization failed", "err", err)
		os.Exit(1)
	}

	// --- Dispatcher ---
	dispatcher, err := pipeline.NewDispatcher(outboxStore, targets, sender, pipeline.DispatcherConfig{
		BatchSize:  cfg.Outbox.BatchSize,
		MaxRetries: cfg.Outbox.MaxRetries,
	}, logger)
	if err != nil {
		logger.Error("Dispatcher creation failed", "err", err)
		os.Exit(1)
	}

	// --- Optional Pub/Sub Trigger ---
	var consumer messagepipeline.MessageConsumer
	if cfg.SubscriptionID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newTriggerConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Trigger consumer failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := outboxservice.New(cfg, dispatcher, consumer, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...", "addr", cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- service.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service stopped with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	}
}

// newStores builds the outbox store and the base target resolver for the configured backends.
func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.OutboxStore, dispatch.TargetResolver, func(), error) {
	var (
		store   dispatch.OutboxStore
		targets dispatch.TargetResolver
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Outbox.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, closeAll, err
		}
		closers = append(closers, pool.Close)
		store = postgres.NewOutboxStore(pool)
		targets = postgres.NewTargetStore(pool)
		logger.Info("Outbox store initialized", "type", "postgres")
	default:
		client, err := postgrest.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey)
		if err != nil {
			return nil, nil, closeAll, err
		}
		store = postgrest.NewOutboxStore(client)
		targets = postgrest.NewTargetStore(client)
		logger.Info("Outbox store initialized", "type", "postgrest")
	}

	if cfg.TargetsBackend == config.TargetsFromFirestore {
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, fmt.Errorf("firestore client failed: %w", err)
		}
		closers = append(closers, func() { _ = fsClient.Close() })
		targets = fsStore.NewTargetStore(fsClient)
		logger.Info("Target resolver initialized", "type", "firestore")
	}

	return store, targets, closeAll, nil
}

func newSender(ctx context.Context, cfg *config.Config, saKey *credentials.ServiceAccountKey, logger *slog.Logger) (dispatch.Sender, error) {
	opts := messageOptions(cfg.Gateway)

	if cfg.Gateway.Mode == config.GatewaySDK {
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID},
			option.WithCredentialsJSON([]byte(cfg.ServiceAccount)))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		messagingClient, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		logger.Info("Gateway initialized", "mode", config.GatewaySDK)
		return fcm.NewSDKClient(messagingClient, opts, logger), nil
	}

	minter := credentials.NewMinter(saKey, &http.Client{Timeout: cfg.Gateway.Timeout}, logger)
	tokens := credentials.NewCachingTokenSource(minter, credentials.DefaultRefreshSkew)
	client, err := fcm.NewClient(fcm.ClientConfig{
		BaseURL:   cfg.Gateway.BaseURL,
		ProjectID: cfg.ProjectID,
		Timeout:   cfg.Gateway.Timeout,
		Options:   opts,
	}, tokens, nil, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Gateway initialized", "mode", config.GatewayHTTP)
	return client, nil
}

// messageOptions starts from the app defaults and applies any configured replacements.
func messageOptions(g config.GatewayConfig) fcm.MessageOptions {
	opts := fcm.DefaultMessageOptions()
	if g.ClickAction != "" {
		opts.ClickAction = g.ClickAction
	}
	if g.AndroidSound != "" {
		opts.AndroidSound = g.AndroidSound
	}
	if g.AndroidChannelID != "" {
		opts.AndroidChannelID = g.AndroidChannelID
	}
	if g.APNSSound != "" {
		opts.APNSSound = g.APNSSound
	}
	return opts
}

func newTriggerConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)

	// The subscription is created out of band; only check that it is reachable.
	_, err := psClient.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subName})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("trigger subscription %s does not exist", subName)
		}
		logger.Warn("Could not verify trigger subscription", "sub", subName, "err", err)
	}

	return messagepipeline.NewGooglePubsubConsumer(cfg.PubsubConsumerConfig, psClient, logger)
}
