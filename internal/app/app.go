package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/commerce/internal/health"
	"github.com/vladislavdragonenkov/commerce/internal/httpapi"
	"github.com/vladislavdragonenkov/commerce/internal/service/outbox"
	"github.com/vladislavdragonenkov/commerce/internal/service/settlement"
	"github.com/vladislavdragonenkov/commerce/internal/service/webhook"
	"github.com/vladislavdragonenkov/commerce/internal/version"
)

const (
	shutdownTimeout     = 5 * time.Second
	healthWatchInterval = 10 * time.Second
)

// Run поднимает gRPC health, HTTP (callback-и, /metrics, /healthz) и фоновые воркеры.
// Возвращает ctx.Err() после штатной остановки по сигналу.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to release dependencies")
		}
	}()

	healthHandler := health.NewHandler(version.GetVersion())
	for name, checker := range deps.checks {
		if name == "storage" {
			healthHandler.RegisterChecker(name, checker)
			continue
		}
		healthHandler.RegisterOptional(name, checker)
	}

	grpcServer, grpcHealth := newGRPCServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	httpServer := &http.Server{
		Handler: httpapi.NewRouter(httpapi.RouterOptions{
			Logger:   logger.WithField("component", "http"),
			Webhooks: deps.services.Payments,
			Health:   healthHandler,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	outboxWorker := outbox.NewWorker(deps.store.Outbox(), deps.publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(deps.dlq),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	retention := outbox.NewRetentionWorker(deps.store.Outbox(),
		outbox.WithRetentionLogger(logger.WithField("component", "outbox-retention")),
		outbox.WithRetentionInterval(cfg.OutboxRetentionInterval),
		outbox.WithKeep(cfg.OutboxRetention),
	)
	scheduler := webhook.NewScheduler(deps.store, deps.services.Payments,
		webhook.WithLogger(logger.WithField("component", "webhook-scheduler")),
		webhook.WithMetrics(deps.metrics),
		webhook.WithInterval(cfg.WebhookRetryInterval),
		webhook.WithBatchSize(cfg.WebhookRetryBatch),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithBackoff(cfg.WebhookBackoffBase, cfg.WebhookBackoffMax),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("HTTP слушает %s: /webhooks/payments/{provider}, /metrics, /healthz, /readyz, /livez", httpLis.Addr())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { outboxWorker.Run(gctx); return nil })
	g.Go(func() error { retention.Run(gctx); return nil })
	g.Go(func() error { scheduler.Run(gctx); return nil })
	g.Go(func() error { watchHealth(gctx, healthHandler, grpcHealth); return nil })

	if cfg.PayoutRunnerEnabled {
		runner := settlement.NewPayoutRunner(deps.services.Settlement, deps.locker,
			settlement.WithRunnerLogger(logger.WithField("component", "payout-runner")),
			settlement.WithRunInterval(cfg.PayoutRunInterval),
			settlement.WithRunBatch(cfg.PayoutRunBatch),
			settlement.WithLockTTL(cfg.PayoutLockTTL),
		)
		g.Go(func() error { runner.Run(gctx); return nil })
	}
	if deps.consumer != nil {
		if err := deps.consumer.Start(gctx); err != nil {
			logger.WithError(err).Warn("kafka webhook consumer did not start")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		grpcHealth.Shutdown()
		stopGRPC(grpcServer, logger)
		shutdownHTTP(httpServer, logger)
		if deps.consumer != nil {
			if err := deps.consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop kafka consumer")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// newGRPCServer собирает gRPC-сервер со стандартным health-сервисом и метриками.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(version.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return server, healthServer
}

// watchHealth переносит результат HTTP-проверок в статус gRPC health.
func watchHealth(ctx context.Context, checks *health.Handler, server *grpchealth.Server) {
	ticker := time.NewTicker(healthWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if checks.Evaluate(ctx).Status == health.StatusUnhealthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			server.SetServingStatus(version.ServiceName, status)
		}
	}
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
