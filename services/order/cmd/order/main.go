package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brokerx/brokerx/libs/health"
	"github.com/brokerx/brokerx/libs/httpmiddleware"
	"github.com/brokerx/brokerx/libs/kafka"
	"github.com/brokerx/brokerx/libs/logging"
	"github.com/brokerx/brokerx/libs/metrics"
	"github.com/brokerx/brokerx/libs/ratelimit"
	"github.com/brokerx/brokerx/libs/trace"
	"github.com/brokerx/brokerx/services/order/internal/audit"
	"github.com/brokerx/brokerx/services/order/internal/config"
	"github.com/brokerx/brokerx/services/order/internal/consumer"
	"github.com/brokerx/brokerx/services/order/internal/gateway"
	"github.com/brokerx/brokerx/services/order/internal/handlers"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/brokerx/brokerx/services/order/internal/service"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/brokerx/brokerx/services/order/internal/validation"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type orderStore interface {
	service.OrderStore
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	orderMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	var (
		store orderStore
		pool  *pgxpool.Pool
	)
	switch cfg.Storage {
	case "postgres":
		if cfg.Migrate {
			if err := migrate(cfg, logger); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		pool, err = connectDB(cfg)
		if err != nil {
			logger.Error("db connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = storage.New(pool)
	default:
		logger.Warn("using in-memory order store; orders do not survive restarts")
		store = storage.NewMemory()
	}
	ready.AddCheck("order_store", store.Ping)

	var gw gateway.Gateway
	gatewayMetrics := gateway.NewMetrics(registry)
	switch cfg.Gateway.Mode {
	case "postgres":
		gw = gateway.NewPostgres(pool, cfg.Gateway.Timeout, gatewayMetrics)
	default:
		gw = gateway.NewHTTP(gateway.HTTPConfig{
			AccountURL:       cfg.Gateway.AccountURL,
			WalletURL:        cfg.Gateway.WalletURL,
			Timeout:          cfg.Gateway.Timeout,
			BreakerThreshold: cfg.Gateway.BreakerThreshold,
			BreakerCooldown:  cfg.Gateway.BreakerCooldown,
		}, nil, logger, gatewayMetrics)
	}

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		producerMetrics := kafka.NewProducerMetrics(registry)
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger).WithMetrics(producerMetrics)
	}

	sink, closeSink, err := buildAuditSink(cfg, publisher, logger)
	if err != nil {
		logger.Error("audit sink init failed", "error", err)
		os.Exit(1)
	}
	defer closeSink()
	recorder := audit.NewAsyncRecorder(sink, cfg.Audit.BufferSize, logger, audit.NewMetrics(registry))

	ledger := reservation.New(cfg.Policy.MarketCeiling)
	service.RegisterLedgerGauges(registry, ledger)

	validator := validation.New(validation.Policy{
		AllowedSymbols: cfg.Policy.AllowedSymbols,
		MinPrice:       cfg.Policy.MinPrice,
		MaxPrice:       cfg.Policy.MaxPrice,
		TickSize:       cfg.Policy.TickSize,
		MinQuantity:    cfg.Policy.MinQuantity,
		MaxQuantity:    cfg.Policy.MaxQuantity,
		MaxOrderValue:  cfg.Policy.MaxOrderValue,
	})

	orderSvc := service.NewOrderService(store, gw, ledger, validator, recorder, logger, orderMetrics)

	rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := orderSvc.RebuildReservations(rebuildCtx)
	rebuildCancel()
	if err != nil {
		logger.Error("reservation rebuild failed", "error", err)
		os.Exit(1)
	}
	logger.Info("reservations rebuilt", "orders", restored)

	limiter, err := buildLimiter(cfg, ready)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	if closer, ok := limiter.(io.Closer); ok {
		defer closer.Close()
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(orderSvc, logger).Register(router, []byte(cfg.JWTSecret), limiter)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key", httpmiddleware.RequestIDHeader},
		ExposedHeaders:   []string{httpmiddleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled {
		fills, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
			kafka.WithDLQ(publisher, cfg.Kafka.Topics.DeadLetter),
			kafka.WithRetry(cfg.Kafka.MaxAttempts, 500*time.Millisecond),
		)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer fills.Close()

		go func() {
			logger.Info("order fill consumer starting", "topic", cfg.Kafka.Topics.OrderFills)
			if err := fills.Consume(consumerCtx, []string{cfg.Kafka.Topics.OrderFills}, consumer.NewFillConsumer(orderSvc, logger)); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	go func() {
		logger.Info("order grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("order http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, consumerCancel, cfg.App.HTTP.ShutdownTimeout, logger)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := recorder.Close(drainCtx); err != nil {
		logger.Warn("audit drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func migrate(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator, err := storage.NewMigrator(ctx, cfg.DB.DSN(), logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Migrate(ctx)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DB.MaxConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildAuditSink(cfg *config.Config, publisher kafka.Publisher, logger *slog.Logger) (audit.Sink, func(), error) {
	switch cfg.Audit.Driver {
	case "kafka":
		return audit.NewKafkaSink(publisher, cfg.Kafka.Topics.AuditEvents), func() {}, nil
	case "amqp":
		sink, err := audit.NewAMQPSink(cfg.Audit.AMQPURL, cfg.Audit.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("amqp close failed", "error", err)
			}
		}, nil
	default:
		return audit.NewLogSink(logger), func() {}, nil
	}
}

func buildLimiter(cfg *config.Config, ready *health.Manager) (ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	if cfg.RateLimit.Driver != "redis" {
		return ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, "brokerx:order:ratelimit:"), nil
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
