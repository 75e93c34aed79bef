package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/gearbox-erp/gearbox-erp/internal/app"
	"github.com/gearbox-erp/gearbox-erp/internal/coupon"
	"github.com/gearbox-erp/gearbox-erp/internal/invoice"
	"github.com/gearbox-erp/gearbox-erp/internal/jobcard"
	"github.com/gearbox-erp/gearbox-erp/internal/mechanic"
	"github.com/gearbox-erp/gearbox-erp/internal/notify"
	"github.com/gearbox-erp/gearbox-erp/internal/observability"
	"github.com/gearbox-erp/gearbox-erp/internal/payments"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/cache"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/db"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
	"github.com/gearbox-erp/gearbox-erp/jobs"
	"github.com/gearbox-erp/gearbox-erp/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	enqueuer := notify.NewEnqueuer(asynqClient)

	validate := validator.New()
	auditLogger := shared.NewAuditLogger(pool)

	couponRepo := coupon.NewRepository(pool)
	couponCache := coupon.NewCache(redisClient, cfg.CouponCacheTTL)
	couponService := coupon.NewService(couponRepo, couponCache, logger)
	couponHandler := coupon.NewHandler(logger, couponService, validate)

	invoiceRepo := invoice.NewRepository(pool)

	gateway := payments.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret)
	paymentRepo := payments.NewRepository(pool)
	paymentService := payments.NewService(paymentRepo, invoiceRepo, gateway, enqueuer, auditLogger, logger)
	paymentHandler := payments.NewHandler(logger, paymentService, validate)

	jobCardRepo := jobcard.NewRepository(pool)
	mechanics := mechanic.NewDirectory(pool)
	jobCardService := jobcard.NewService(jobCardRepo, couponService, paymentService, enqueuer, mechanics, auditLogger, logger, cfg.TaxRatePercent)
	jobCardHandler := jobcard.NewHandler(logger, jobCardService, validate)

	reportClient := report.NewClient(cfg.GotenbergURL)
	renderer := invoice.NewPDFRenderer(reportClient)
	invoiceService := invoice.NewService(invoiceRepo, jobCardRepo, renderer, paymentService, auditLogger, logger)
	invoiceHandler := invoice.NewHandler(logger, invoiceService, validate)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		JobCardHandler: jobCardHandler,
		InvoiceHandler: invoiceHandler,
		PaymentHandler: paymentHandler,
		CouponHandler:  couponHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
