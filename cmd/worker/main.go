package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/app"
	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/jobs"
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

	resolver := identity.NewPGResolver(pool)
	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	ledger := budget.NewLedger(budget.NewRepository(pool), logger)
	router := approval.NewRouter(approval.DefaultChainSpec(cfg.ApprovalTier2, cfg.ApprovalTier3), resolver)
	approvals := approval.NewService(router, logger)
	approvalRepo := approval.NewRepository(pool)

	sink := shared.NewLogSink(logger)

	procureService, err := procurement.NewService(procurement.ServiceConfig{
		Store:       procurement.NewRepository(pool),
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

	rfqService, err := rfq.NewService(rfq.NewRepository(pool), ledger, sink, logger)
	if err != nil {
		logger.Error("init rfq", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: &jobs.Handlers{
			Logger:           logger,
			Approvals:        approvalRepo,
			Procurement:      procureService,
			RFQs:             rfqService,
			Idempotency:      idempotency,
			EscalationWindow: cfg.EscalationWindow,
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}
