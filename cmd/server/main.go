package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sweetshop/config"
	"sweetshop/internal/api"
	"sweetshop/internal/broker"
	"sweetshop/internal/gateway"
	"sweetshop/internal/redisclient"
	"sweetshop/internal/service"
	"sweetshop/internal/store"
	"sweetshop/internal/store/memstore"
	"sweetshop/internal/util"
	"sweetshop/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is the storage surface shared by the Postgres and in-memory stores
type backend interface {
	service.SweetStore
	service.LedgerStore
	service.OrderStore
	service.AuditStore
	api.Pinger
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting sweetshop order service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer("sweetshop-orders", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var db backend
	switch cfg.Database.Driver {
	case "memory":
		db = memstore.New()
		logger.Warn("Using in-memory store; data is lost on restart")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		db = pg
		logger.Info("Database connected")
	}

	dependencies := map[string]api.Pinger{"store": db}

	var (
		locker      service.Locker
		drift       service.DriftFlagger
		idempotency service.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		locker, drift, idempotency = redisClient, redisClient, redisClient
		dependencies["redis"] = redisClient
		logger.Info("Redis connected")
	} else {
		logger.Warn("Redis disabled; idempotency keys and cross-instance verification locks are off")
	}

	var paymentGateway service.PaymentGateway
	switch cfg.Gateway.Mode {
	case "fake":
		paymentGateway = gateway.NewFake(cfg.Gateway.KeySecret)
		logger.Warn("Using fake payment gateway")
	default:
		paymentGateway = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool := worker.NewPool(worker.NewLogMailer(), worker.PoolConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
	})
	pool.Start(workerCtx)

	var (
		notifier           service.Notifier = pool
		notificationWorker *worker.NotificationWorker
	)
	if cfg.Notify.Transport == "kafka" {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification)
		defer producer.Close()
		notifier = broker.NewNotificationPublisher(producer, cfg.Notify.PublishTimeout)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification, cfg.Kafka.ConsumerGroup)
		notificationWorker = worker.NewNotificationWorker(consumer, pool)
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Notification worker error", zap.Error(err))
			}
		}()
		logger.Info("Kafka notification transport initialized")
	}

	ledger := service.NewInventoryLedger(db, drift, cfg.Database.Timeout)
	orderService := service.NewOrderService(db, db, ledger, paymentGateway, db, idempotency, service.OrderConfig{
		Currency:       cfg.Business.Currency,
		GatewayTimeout: cfg.Gateway.Timeout,
		StoreTimeout:   cfg.Database.Timeout,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	})
	paymentService := service.NewPaymentService(db, db, ledger, paymentGateway, notifier, locker, service.NotifyConfig{
		LowStockThreshold: cfg.Business.LowStockThreshold,
		AdminRecipient:    cfg.Notify.AdminRecipient,
		LockTTL:           cfg.Business.VerifyLockTTL,
		StoreTimeout:      cfg.Database.Timeout,
	})
	adminService := service.NewAdminService(db, ledger, db, cfg.Database.Timeout)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, adminService, dependencies)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if notificationWorker != nil {
		if err := notificationWorker.Stop(); err != nil {
			logger.Error("Error stopping notification worker", zap.Error(err))
		}
	}
	pool.Stop()
	workerCancel()

	logger.Info("Server exited")
}
