package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/felthorpe/acsp-members/pkg/api"
	"github.com/felthorpe/acsp-members/pkg/config"
	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/notify"
	"github.com/felthorpe/acsp-members/pkg/observability"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger("info", nil).WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, nil)
	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.OTelEnabled {
		tp, err := observability.InitTracing(ctx, observability.OTelConfig{
			Enabled:     true,
			Endpoint:    cfg.Observability.OTelEndpoint,
			ServiceName: cfg.Observability.OTelServiceName,
			Insecure:    cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize tracing")
			os.Exit(1)
		}
		defer observability.ShutdownTracing(context.Background(), tp, logger)
	}

	db, err := sql.Open("postgres", cfg.Store.PostgresURL)
	if err != nil {
		logger.WithError(err).Error("failed to open membership store")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Error("membership store is unreachable")
		os.Exit(1)
	}
	if err := members.RunMigrations(ctx, db, logger); err != nil {
		logger.WithError(err).Error("failed to run store migrations")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.RateLimitEnabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Error("invalid redis URL")
			os.Exit(1)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	store := members.NewPostgresStore(db, cfg.Store.QueryTimeout, metrics)
	users := profiles.NewUserClient(cfg.Collaborators, metrics, logger)
	orgs := profiles.NewOrgClient(cfg.Collaborators, metrics, logger)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Collaborators.EmailAPIURL != "" {
		notifier = notify.NewEmailNotifier(cfg.Collaborators, metrics, logger)
	}

	service := members.NewService(store, users, orgs, notifier, metrics, logger)

	server := api.NewServer(cfg, api.Dependencies{
		Service: service,
		Store:   store,
		Users:   users,
		Redis:   redisClient,
		Metrics: metrics,
		Logger:  logger,
	})

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
