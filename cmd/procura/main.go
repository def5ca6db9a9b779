package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/procura-erp/procura/internal/app"
	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/platform/cache"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/vendors"
)

func main() {
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
		logger.Warn("redis unavailable, availability cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	var sink shared.EventSink = shared.NewAsynqSink(asynqClient, logger)
	if redisClient == nil {
		sink = shared.NewLogSink(logger)
	}

	resolver := identity.NewPGResolver(pool)
	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	budgetRepo := budget.NewRepository(pool)
	ledger := budget.NewLedger(budgetRepo, logger)
	availabilityCache := budget.NewAvailabilityCache(redisClient, 15*time.Second)

	router := approval.NewRouter(approval.DefaultChainSpec(cfg.ApprovalTier2, cfg.ApprovalTier3), resolver)
	approvals := approval.NewService(router, logger)
	approvalRepo := approval.NewRepository(pool)

	procureRepo := procurement.NewRepository(pool)
	procureService, err := procurement.NewService(procurement.ServiceConfig{
		Store:       procureRepo,
		Ledger:      ledger,
		Approvals:   approvals,
		Resolver:    resolver,
		Roles:       resolver,
		Tolerance:   recon.Tolerance{PctBps: cfg.MatchTolerancePctBps, MinAbs: cfg.MatchToleranceMinAbs},
		Sink:        sink,
		Audit:       auditLogger,
		Idempotency: idempotency,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("init procurement", slog.Any("error", err))
		os.Exit(1)
	}

	vendorService, err := vendors.NewService(vendors.NewRepository(pool), sink, logger)
	if err != nil {
		logger.Error("init vendors", slog.Any("error", err))
		os.Exit(1)
	}

	rfqService, err := rfq.NewService(rfq.NewRepository(pool), ledger, sink, logger)
	if err != nil {
		logger.Error("init rfq", slog.Any("error", err))
		os.Exit(1)
	}

	handler := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Pool:               pool,
		ProcurementHandler: procurement.NewHandler(logger, procureService),
		VendorHandler:      vendors.NewHandler(logger, vendorService),
		RFQHandler:         rfq.NewHandler(logger, rfqService),
		BudgetHandler:      budget.NewHandler(logger, ledger, availabilityCache),
		ApprovalHandler:    approval.NewHandler(logger, approvalRepo),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      handler,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
