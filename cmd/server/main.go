package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/yourorg/storefront-payments/internal/adapter"
	"github.com/yourorg/storefront-payments/internal/adapter/chapa"
	"github.com/yourorg/storefront-payments/internal/adapter/santimpay"
	"github.com/yourorg/storefront-payments/internal/adapter/telebirr"
	"github.com/yourorg/storefront-payments/internal/circuitbreaker"
	"github.com/yourorg/storefront-payments/internal/config"
	"github.com/yourorg/storefront-payments/internal/events"
	"github.com/yourorg/storefront-payments/internal/httpapi"
	"github.com/yourorg/storefront-payments/internal/logging"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/reporting"
	"github.com/yourorg/storefront-payments/internal/store"
	"github.com/yourorg/storefront-payments/internal/store/memory"
	"github.com/yourorg/storefront-payments/internal/store/postgres"
)

// app holds the wired service and everything that must be released on exit.
type app struct {
	router  *gin.Engine
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context, logger *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

// setupRouter wires storage, events, provider gateways and the orchestrator
// from cfg and returns the HTTP router serving them.
func setupRouter(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}

	if cfg.TracingEnabled {
		shutdown, err := setupTracing(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		a.close(ctx, logger)
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	var pub events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			a.close(ctx, logger)
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		pub = kp
		logger.Info("publishing status changes to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })

	orch := orchestrator.New(st, buildGateways(cfg, logger), pub, logger, orchestrator.Config{
		VerifyMaxAttempts:    cfg.VerifyMaxAttempts,
		VerifyInitialBackoff: cfg.VerifyInitialBackoff,
	})
	reporter := reporting.NewRetrospectiveReporter(cfg.ReportStaleAfter)
	a.router = httpapi.NewRouter(httpapi.NewHandler(orch, st, reporter, logger), cfg.ServiceName)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(context.Context) error, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("POSTGRES_DSN not set, transactions are kept in memory")
		return memory.New(), func(context.Context) error { return nil }, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("using postgres transaction store")
	return postgres.New(pool), func(context.Context) error { pool.Close(); return nil }, nil
}

// buildGateways constructs each provider adapter behind a shared circuit
// breaker. A provider with missing credentials is still registered so that
// its calls fail with a configuration error instead of a network attempt.
func buildGateways(cfg config.Config, logger *zap.Logger) orchestrator.Gateways {
	opts := cfg.AdapterOptions()
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		ResetTimeout:     cfg.CBOpenTimeout,
		OnStateChange: func(provider string, from, to circuitbreaker.State) {
			circuitbreaker.MetricsObserver(provider, from, to)
			logger.Warn("circuit state changed",
				zap.String("provider", provider),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	wrap := func(m payment.Method, g adapter.Gateway, err error) adapter.Gateway {
		if err != nil {
			logger.Warn("payment provider not configured", zap.String("provider", string(m)), zap.Error(err))
			g = adapter.NewUnconfigured(m, err)
		}
		return circuitbreaker.Wrap(g, cb)
	}

	ch, err := chapa.New(cfg.Chapa, opts)
	chapaGW := wrap(payment.MethodChapa, ch, err)
	tb, err := telebirr.New(cfg.Telebirr, opts)
	telebirrGW := wrap(payment.MethodTelebirr, tb, err)
	sp, err := santimpay.New(cfg.SantimPay, opts)
	santimGW := wrap(payment.MethodSantimPay, sp, err)

	return orchestrator.Gateways{Chapa: chapaGW, Telebirr: telebirrGW, SantimPay: santimGW}
}

func setupTracing(cfg config.Config) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.AppEnv),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := setupRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.close(context.Background(), logger)
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	a.close(shutdownCtx, logger)
	return nil
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Env:         cfg.AppEnv,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	if cfg.AppEnv != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logging.Sync(logger)
		os.Exit(1)
	}
}
