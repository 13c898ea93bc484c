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

	"supply-orders/config"
	"supply-orders/internal/api"
	"supply-orders/internal/broker"
	"supply-orders/internal/hub"
	"supply-orders/internal/redisclient"
	"supply-orders/internal/service"
	"supply-orders/internal/store"
	"supply-orders/internal/util"
	"supply-orders/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting supply order backend")

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("supply-orders-server", cfg.Observ.JaegerEndpoint)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory order store; data is lost on restart")
	default:
		if err := store.Migrate(cfg.Database.URL); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		repo = db
		logger.Info("Database connected")
	}
	defer repo.Close()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	statusHub := hub.NewHub()
	defer statusHub.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var publisher service.StatusPublisher = statusHub
	var statusWorker *worker.StatusWorker
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStatus)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicStatus))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicStatus, cfg.Kafka.GroupID())
		statusWorker = worker.NewStatusWorker(consumer, statusHub)
		go func() {
			if err := statusWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Status worker error", zap.Error(err))
			}
		}()
	}

	orderService := service.NewOrderService(repo, publisher)
	cartService := service.NewCartService(redisClient, cfg.Business.CartSnapshotTTL)

	sweeper := worker.NewOrphanSweeper(orderService, redisClient,
		cfg.Business.OrphanSweepInterval, cfg.Business.OrphanMaxAge)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Orphan sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, cartService, statusHub)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	_ = sweeper.Stop()
	if statusWorker != nil {
		_ = statusWorker.Stop()
	}

	logger.Info("Server exited")
}
