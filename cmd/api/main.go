package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/platefleet-backend/api/routes"
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

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, deliveryService, trackingService, notificationsService),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
