package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/adapters/clover"
	"github.com/clubhoops/payment-service/internal/adapters/paypal"
	"github.com/clubhoops/payment-service/internal/adapters/postgres"
	"github.com/clubhoops/payment-service/internal/adapters/processor"
	"github.com/clubhoops/payment-service/internal/adapters/resend"
	"github.com/clubhoops/payment-service/internal/adapters/square"
	"github.com/clubhoops/payment-service/internal/adapters/stripe"
	"github.com/clubhoops/payment-service/internal/api"
	"github.com/clubhoops/payment-service/internal/config"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/internal/handlers/payment"
	"github.com/clubhoops/payment-service/internal/handlers/paymentconfig"
	refundhandler "github.com/clubhoops/payment-service/internal/handlers/refund"
	"github.com/clubhoops/payment-service/internal/services/charge"
	"github.com/clubhoops/payment-service/internal/services/reconcile"
	refundservice "github.com/clubhoops/payment-service/internal/services/refund"
	"github.com/clubhoops/payment-service/internal/services/registry"
	"github.com/clubhoops/payment-service/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connected")

	db := postgres.NewDBExecutor(pool)
	paymentRepo := postgres.NewPaymentRepository(db)
	configRepo := postgres.NewConfigRepository(db)
	rosterRepo := postgres.NewRosterRepository(db)

	clientCfg := processor.ClientConfig{
		Timeout:    cfg.Processor.Timeout,
		MaxRetries: cfg.Processor.MaxRetries,
	}
	factory := gatewayFactory(clientCfg, logger)

	reg := registry.New(db, configRepo, factory, cfg.FallbackConfigs(), logger)

	var mailer ports.Mailer
	if cfg.Mail.ResendAPIKey != "" {
		mailer = resend.NewMailer(cfg.Mail.ResendAPIKey, cfg.Mail.FromAddress, logger)
	} else {
		logger.Warn("no mail credentials, email disabled")
		mailer = noopMailer{logger: logger}
	}

	chargeService := charge.NewService(db, paymentRepo, rosterRepo, reg, mailer, logger)
	refundService := refundservice.NewService(db, paymentRepo, rosterRepo, reg, mailer, logger)
	reconciler := reconcile.New(db, paymentRepo, reg, cfg.Reconciler.CallsPerSecond, logger)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Reconciler.Schedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if _, err := reconciler.SyncAll(runCtx); err != nil {
			logger.Error("scheduled reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("invalid reconciler schedule",
			zap.String("schedule", cfg.Reconciler.Schedule), zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()
	logger.Info("reconciler scheduled", zap.String("schedule", cfg.Reconciler.Schedule))

	responder := api.NewResponder(logger, !cfg.IsProduction())
	router := api.NewRouter(logger,
		payment.NewHandler(chargeService, paymentRepo, reconciler, responder, logger),
		refundhandler.NewHandler(refundService, paymentRepo, responder, logger),
		paymentconfig.NewHandler(reg, responder, logger),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsSrv := observability.NewServer(cfg.Server.MetricsPort, pool, logger)
	go metricsSrv.Start()

	go func() {
		logger.Info("api server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// gatewayFactory builds the per-configuration processor adapters
func gatewayFactory(clientCfg processor.ClientConfig, logger *zap.Logger) registry.GatewayFactory {
	return func(cfg *domain.ProcessorConfig) (ports.ProcessorGateway, error) {
		scoped := logger.With(
			zap.String("processor", string(cfg.Kind)),
			zap.String("configuration_id", cfg.ID),
		)
		switch cfg.Kind {
		case domain.ProcessorSquare:
			return square.New(cfg, clientCfg, scoped), nil
		case domain.ProcessorClover:
			return clover.New(cfg, clientCfg, scoped), nil
		case domain.ProcessorStripe:
			return stripe.New(cfg, clientCfg, scoped), nil
		case domain.ProcessorPayPal:
			return paypal.New(cfg, clientCfg, scoped), nil
		default:
			return nil, domain.ErrConfigurationError.
				WithDetail("reason", "unsupported processor kind").
				WithDetail("kind", string(cfg.Kind))
		}
	}
}

// noopMailer drops email when no mail vendor is configured
type noopMailer struct {
	logger *zap.Logger
}

func (m noopMailer) SendReceipt(_ context.Context, email ports.ReceiptEmail) error {
	m.logger.Info("receipt email skipped", zap.String("to", email.To))
	return nil
}

func (m noopMailer) SendRefundNotice(_ context.Context, email ports.RefundEmail) error {
	m.logger.Info("refund email skipped", zap.String("to", email.To))
	return nil
}
