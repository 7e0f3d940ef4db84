package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/platefleet-backend/internal/cron"
	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/internal/notifications"
	"github.com/angelmondragon/platefleet-backend/internal/tracking"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	"github.com/angelmondragon/platefleet-backend/pkg/migrate"
	"github.com/angelmondragon/platefleet-backend/pkg/ordersvc"
	"github.com/angelmondragon/platefleet-backend/pkg/outbox"
	"github.com/angelmondragon/platefleet-backend/pkg/realtime"
	"github.com/angelmondragon/platefleet-backend/pkg/redis"
)

const lockKeyFormat = "plf:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	dispatchMetrics := metrics.NewDispatchMetrics(prometheus.DefaultRegisterer)
	broadcaster := realtime.NewRedisBroadcaster(redisClient, cfg.Tracking.DeliveryChannelPrefix, cfg.Tracking.AdminChannel)
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	notificationsService, err := notifications.NewService(notifications.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create notifications service", err)
		os.Exit(1)
	}

	deliveriesRepo := deliveries.NewRepository(dbClient.DB())
	trackingService, err := tracking.NewService(
		tracking.NewRepository(dbClient.DB()),
		redisClient,
		deliveriesRepo,
		broadcaster,
		cfg.Tracking,
		cfg.Dispatch,
		logg,
		dispatchMetrics,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create tracking service", err)
		os.Exit(1)
	}

	mirror := deliveries.NewNoopMirror()
	if cfg.OrderSync.Enabled() {
		orderClient, err := ordersvc.NewClient(cfg.OrderSync)
		if err != nil {
			logg.Error(context.Background(), "failed to create order service client", err)
			os.Exit(1)
		}
		mirror = deliveries.NewOrderServiceMirror(orderClient, logg, dispatchMetrics)
	}

	deliveryService, err := deliveries.NewService(
		deliveriesRepo,
		dbClient,
		outboxService,
		trackingService,
		notificationsService,
		mirror,
		broadcaster,
		cfg.Dispatch,
		logg,
		dispatchMetrics,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery service", err)
		os.Exit(1)
	}

	assignRetryJob, err := cron.NewAssignRetryJob(cron.AssignRetryJobParams{
		Logger:   logg,
		Pending:  deliveriesRepo,
		Assigner: deliveryService,
		Dispatch: cfg.Dispatch,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create assign retry job", err)
		os.Exit(1)
	}

	staleAgentJob, err := cron.NewStaleAgentJob(cron.StaleAgentJobParams{
		Logger:  logg,
		Sweeper: trackingService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stale agent job", err)
		os.Exit(1)
	}

	cleanupJob, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:        logg,
		Pruner:        notificationsService,
		Notifications: cfg.Notifications,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification cleanup job", err)
		os.Exit(1)
	}

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), cfg.Dispatch.RetryInterval*2)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(assignRetryJob, staleAgentJob, cleanupJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Dispatch.RetryInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
