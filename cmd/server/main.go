package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"orderflow/cmd/server/config"
	"orderflow/internal/httpapi"
	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/messaging"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"
	"orderflow/internal/reliability"
	"orderflow/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Tracing.ServiceName)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	persist, err := buildPersistence(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := persist.close(); err != nil {
			logger.Warn("close database", zap.Error(err))
		}
	}()
	if persist.db == nil {
		logger.Warn("DATABASE_URL not set, orders are kept in memory")
	}

	redisClient, err := buildRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var (
		replayCache idempotency.RedisClient
		deduper     messaging.Deduper
	)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}()
		replayCache = redisClient
		deduper = messaging.NewRedisDeduper(redisClient, cfg.Redis.DedupeTTL)
	} else {
		logger.Warn("REDIS_URL not set, idempotency cache and message de-duplication disabled")
	}

	dial := messaging.DialURL(cfg.AMQP.URL)
	pubCfg := messaging.DefaultPublisherConfig()
	pubCfg.ConfirmTimeout = cfg.AMQP.PublishTimeout
	pubCfg.MaxReconnectAttempts = cfg.AMQP.ReconnectMaxAttempts
	publisher := messaging.NewPublisher(dial, pubCfg, metrics, logger.Named("publisher"))
	if err := publisher.Connect(ctx); err != nil {
		logger.Warn("broker unavailable at startup, publishing will reconnect lazily", zap.Error(err))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close publisher", zap.Error(err))
		}
	}()

	hub := realtime.NewHub(logger.Named("realtime"))
	go hub.Run(ctx)

	orchestrator := orders.NewOrchestrator(
		persist.store,
		buildStockChecker(cfg.Inventory, logger.Named("inventory")),
		publisher,
		logger.Named("saga"),
		orders.WithNotifier(hub),
		orders.WithCounter(metrics),
	)
	service := orders.NewService(
		persist.store,
		orchestrator,
		orders.NewRandomDeclineGateway(cfg.Payment.DeclineRate, time.Now().UnixNano()),
		persist.ledger,
		logger.Named("orders"),
	)

	consCfg := messaging.DefaultConsumerConfig()
	consCfg.MaxReconnectAttempts = cfg.AMQP.ReconnectMaxAttempts
	consumer := messaging.NewConsumer(dial, consCfg, deduper, metrics, logger.Named("consumer"))
	messaging.RegisterSagaHandlers(consumer, orchestrator)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", zap.Error(err))
		}
	}()

	checks := map[string]httpapi.HealthCheck{
		"database": persist.ping,
		"broker":   brokerCheck(publisher.Healthy, consumer.Healthy),
	}
	if redisClient != nil {
		checks["redis"] = redisPing(redisClient)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Initiator: orchestrator,
		Orders:    service,
		Guard:     idempotency.NewGuard(persist.store, replayCache, cfg.Redis.IdempotencyTTL, logger.Named("idempotency")),
		Stream:    hub,
		Limiter:   reliability.NewRateLimiter(cfg.RateLimit.Interval, cfg.RateLimit.Burst),
		Metrics:   metrics,
		Health:    checks,
		Auth:      httpapi.AuthConfig{Secret: []byte(cfg.Auth.JWTSecret), Disabled: cfg.Auth.Disabled},
		Logger:    logger.Named("http"),
	})
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled, callers are taken from X-User-Id")
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           otelhttp.NewHandler(api.Router(), "order-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcLimiter := reliability.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst).
		OnWait(func(time.Duration) { metrics.AddRateLimited() })
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(rateLimitUnaryInterceptor(grpcLimiter, metrics, logger.Named("grpc"))),
		grpc.StreamInterceptor(rateLimitStreamInterceptor(grpcLimiter, metrics, logger.Named("grpc"))),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	if cfg.AppEnv != "production" {
		reflection.Register(grpcSrv)
		logger.Info("gRPC reflection enabled", zap.String("app_env", cfg.AppEnv))
	}
	go watchHealth(ctx, healthServer, checks, cfg.GRPC.HealthInterval, logger.Named("health"))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	obsSrv := startObservabilityServer(cfg.Observability, metrics, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("order service listening", zap.String("http_addr", cfg.HTTP.Addr), zap.String("grpc_addr", cfg.GRPC.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	healthServer.Shutdown()
	metrics.MarkShutdown(metrics.Snapshot().InFlight)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := obsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}

func buildStockChecker(cfg config.InventoryConfig, logger *zap.Logger) orders.StockChecker {
	if cfg.Mock {
		logger.Warn("INVENTORY_MOCK enabled, stock checks always succeed")
		return inventory.Mock{}
	}
	exec := cfg.Reliability.Executor()
	exec.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying inventory call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return inventory.NewClient(cfg.URL, cfg.Timeout, exec, logger)
}

func redisPing(client *redis.Client) httpapi.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func startObservabilityServer(cfg config.ObservabilityConfig, metrics *observability.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("observability server error", zap.Error(err))
		}
	}()
	return srv
}
