package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-svc/cart"
	"settlement-svc/config"
	"settlement-svc/database"
	"settlement-svc/handlers"
	"settlement-svc/kafka"
	"settlement-svc/middleware"
	"settlement-svc/payment"
	settlement "settlement-svc/proto/settlement"
	"settlement-svc/reconciliation"
	"settlement-svc/repository"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and gRPC APIs, the refund consumer and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(config.Load())
		},
	}
}

func runServe(cfg *config.Config) error {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Initialize database
	db, err := database.InitDB(cfg.PostgresDSN(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	store := repository.NewPostgresStore(db, logger)

	// Initialize Redis for carts and job locks
	redisClient, err := cart.InitRedis(cfg.RedisAddr(), cfg.RedisPassword, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	carts := cart.NewRedisStore(redisClient, cfg.CartTTL, logger)

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(cfg.KafkaBroker, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	events := kafka.NewPublisher(producer, cfg.KafkaPaymentTopic, logger)

	// Initialize Kafka consumer
	consumer, err := kafka.InitConsumer(cfg.KafkaBroker, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	registry := buildRegistry(cfg, logger)
	executor := payment.NewExecutor(store, registry, carts, events, cfg.DefaultCurrency, logger)
	refunds := payment.NewRefundEngine(store, registry, events, logger)
	ingress := payment.NewIngress(registry, executor, refunds, logger)

	// Start Kafka refund consumer in background
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go func() {
		if err := kafka.StartConsumer(consumerCtx, consumer, cfg.KafkaRefundTopic, refunds, logger); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Start scheduled reconciliation and ledger verification
	reconciler := reconciliation.NewReconciler(store, registry, store.Ledger(), executor, logger)
	scheduler := reconciliation.NewScheduler(reconciler, reconciliation.NewRedsync(redisClient), logger)
	if err := scheduler.Start(cfg.ReconcileCron, cfg.LedgerVerifyCron, registry.Names()); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	paymentHandler := handlers.NewPaymentHandler(executor, refunds, ingress, store.Ledger(), logger)
	paymentHandler.Register(router)

	restSrv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Settlement Service REST API started", zap.String("port", cfg.HTTPPort))

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	settlement.RegisterPaymentServiceServer(grpcServer, handlers.NewPaymentService(executor, logger))

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Settlement Service gRPC server started", zap.String("port", cfg.GRPCPort))

	gracefulShutdown(shutdownDeps{
		restSrv:         restSrv,
		grpcServer:      grpcServer,
		scheduler:       scheduler,
		stopConsumer:    stopConsumer,
		consumer:        consumer,
		producer:        producer,
		db:              db,
		redisClient:     redisClient,
		shutdownTracing: shutdownTracing,
	}, logger)
	return nil
}

type shutdownDeps struct {
	restSrv         *http.Server
	grpcServer      *grpc.Server
	scheduler       *reconciliation.Scheduler
	stopConsumer    context.CancelFunc
	consumer        sarama.Consumer
	producer        sarama.SyncProducer
	db              *sql.DB
	redisClient     *redis.Client
	shutdownTracing func()
}

// gracefulShutdown handles SIGINT/SIGTERM and shuts down all services gracefully
func gracefulShutdown(d shutdownDeps, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop REST server
	if err := d.restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	} else {
		logger.Info("REST server stopped gracefully")
	}

	// Stop gRPC server
	d.grpcServer.GracefulStop()
	logger.Info("gRPC server stopped gracefully")

	d.scheduler.Stop(ctx)
	logger.Info("Scheduler stopped")

	// Stop Kafka consumer before the producer it may publish through
	d.stopConsumer()
	if err := d.consumer.Close(); err != nil {
		logger.Error("Failed to close Kafka consumer", zap.Error(err))
	}
	if err := d.producer.Close(); err != nil {
		logger.Error("Failed to close Kafka producer", zap.Error(err))
	} else {
		logger.Info("Kafka closed gracefully")
	}

	// Close database
	if err := d.db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	} else {
		logger.Info("Database connection closed gracefully")
	}

	// Close Redis
	if err := d.redisClient.Close(); err != nil {
		logger.Error("Failed to close Redis", zap.Error(err))
	} else {
		logger.Info("Redis closed gracefully")
	}

	// Shutdown tracing
	d.shutdownTracing()
	logger.Info("Settlement Service exited gracefully")
}
