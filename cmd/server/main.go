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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("instance_id", cfg.Server.InstanceID))

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to apply database schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Server.InstanceID)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCheckout))

	eventPublisher := broker.NewEventPublisher(producer)

	eventsClient := gateway.NewEventsClient(cfg.Events.BaseURL, cfg.Events.Timeout)
	catalog := service.NewCatalogService(eventsClient, redisClient, cfg.Checkout.CatalogCacheTTL)
	sessions := service.NewSessionManager(eventsClient, catalog, eventPublisher, redisClient, service.ManagerConfig{
		MaxTicketsPerOrder: cfg.Checkout.MaxTicketsPerOrder,
		ClockTick:          cfg.Checkout.ClockTick,
		IdleTimeout:        cfg.Checkout.SessionIdleTimeout,
		Retention:          cfg.Checkout.SessionRetention,
		ServiceToken:       cfg.Events.ServiceToken,
	})

	if released, err := sessions.ReleaseOrphanedHolds(ctx); err != nil {
		logger.Error("Failed to release orphaned holds", zap.Error(err))
	} else if released > 0 {
		logger.Info("Released holds left by a previous run", zap.Int("count", released))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go sessions.Run(workerCtx)

	recorder := service.NewOutcomeRecorder(db)
	auditConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	auditWorker := worker.NewCheckoutAuditWorker(auditConsumer, recorder)
	go func() {
		if err := auditWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Audit worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(sessions, db, map[string]api.ReadinessCheck{
		"postgres": db.Ping,
		"redis":    redisClient.Ping,
	})
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// release open holds before the broker goes away so their events still publish
	sessions.Shutdown(shutdownCtx)

	workerCancel()
	if err := auditWorker.Stop(); err != nil {
		logger.Error("Failed to stop audit worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
