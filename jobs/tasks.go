package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeEscalationScan sweeps stale approval steps and times them
	// out onto the next chain level.
	TaskTypeEscalationScan = "approvals:escalation_scan"
	// TaskTypeRFQDeadline closes open RFQs whose deadline has passed.
	TaskTypeRFQDeadline = "rfq:close_expired"
	// TaskTypeOrderCloseScan replays order closes lost between the final
	// payment commit and the close commit.
	TaskTypeOrderCloseScan = "orders:close_settled"
	// TaskTypeIdempotencyCleanup prunes old idempotency keys.
	TaskTypeIdempotencyCleanup = "idempotency:cleanup"
)

// Handlers carries the dependencies of the background task handlers.
type Handlers struct {
	Logger           *slog.Logger
	Approvals        *approval.Repository
	Procurement      *procurement.Service
	RFQs             *rfq.Service
	Idempotency      *shared.IdempotencyStore
	EscalationWindow time.Duration
}

// HandleNotify dispatches a committed transition event. Notification
// delivery is a stub for now; the event is logged with full context so
// operators can follow document flow from the worker logs.
func (h *Handlers) HandleNotify(ctx context.Context, t *asynq.Task) error {
	var evt shared.TransitionEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	h.Logger.Info("transition notification",
		slog.String("event_id", evt.ID.String()),
		slog.String("entity_type", string(evt.EntityType)),
		slog.Int64("entity_id", evt.EntityID),
		slog.String("from", evt.FromState),
		slog.String("to", evt.ToState),
		slog.Int64("actor_id", evt.ActorID))
	return nil
}

// HandleEscalationScan times out every approval step that has been the
// current pending level longer than the window. Each escalation runs
// through the normal sequential advance path, one entity at a time, so a
// failure on one chain never blocks the rest of the sweep.
func (h *Handlers) HandleEscalationScan(ctx context.Context, _ *asynq.Task) error {
	stale, err := h.Approvals.ListStalePending(ctx, h.EscalationWindow)
	if err != nil {
		return err
	}
	escalated := 0
	for _, step := range stale {
		if _, err := h.Procurement.Escalate(ctx, step.Entity.Type, step.Entity.ID, step.Level); err != nil {
			h.Logger.Error("escalate stale approval",
				slog.String("entity", step.Entity.String()),
				slog.Int("level", step.Level),
				slog.Any("error", err))
			continue
		}
		escalated++
	}
	h.Logger.Info("escalation scan complete",
		slog.Int("stale", len(stale)),
		slog.Int("escalated", escalated))
	return nil
}

// HandleOrderCloseScan closes fulfilled orders whose invoices are all
// paid. PayInvoice tries the close in the same call as the payment, but
// those are two commits; an order stranded between them stays FULFILLED
// with its reservation held until this sweep replays the close.
func (h *Handlers) HandleOrderCloseScan(ctx context.Context, _ *asynq.Task) error {
	closed, err := h.Procurement.CloseSettledOrders(ctx)
	if err != nil {
		return err
	}
	h.Logger.Info("order close sweep complete", slog.Int("closed", closed))
	return nil
}

// HandleRFQDeadline sweeps open RFQs past their deadline.
func (h *Handlers) HandleRFQDeadline(ctx context.Context, _ *asynq.Task) error {
	processed, err := h.RFQs.CloseExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	h.Logger.Info("rfq deadline sweep complete", slog.Int("processed", processed))
	return nil
}

// HandleIdempotencyCleanup prunes keys older than 30 days.
func (h *Handlers) HandleIdempotencyCleanup(ctx context.Context, _ *asynq.Task) error {
	return h.Idempotency.Cleanup(ctx, 30*24*time.Hour)
}
