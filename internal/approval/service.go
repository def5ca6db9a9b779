package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

// TxStore exposes approval row operations inside one atomic unit of work.
// The pg implementation locks the chain rows so concurrent advances on
// the same entity serialise.
type TxStore interface {
	// InsertChain persists the steps as PENDING approvals.
	InsertChain(ctx context.Context, entity shared.EntityRef, steps []ChainStep) ([]Approval, error)
	// PendingForUpdate returns PENDING approvals for the entity ordered
	// by level, locked for the transaction.
	PendingForUpdate(ctx context.Context, entity shared.EntityRef) ([]Approval, error)
	// SetStatus records a decision on one approval row.
	SetStatus(ctx context.Context, id int64, status Status, decidedBy int64, note string) error
	// VoidPending voids every remaining PENDING approval for the entity.
	VoidPending(ctx context.Context, entity shared.EntityRef) error
}

// Service persists chains and enforces the sequential advance invariant.
type Service struct {
	router *Router
	logger *slog.Logger
}

// NewService constructs the approval service.
func NewService(router *Router, logger *slog.Logger) *Service {
	return &Service{router: router, logger: logger}
}

// Router exposes the underlying chain computation.
func (s *Service) Router() *Router {
	return s.router
}

// StartChain builds and persists the chain for an entity. The caller runs
// it inside the same transaction as the submit transition.
func (s *Service) StartChain(ctx context.Context, tx TxStore, entity shared.EntityRef, amount int64, rctx identity.Context) ([]Approval, error) {
	steps, err := s.router.BuildChain(ctx, entity.Type, amount, rctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.InsertChain(ctx, entity, steps)
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval chain started",
		slog.String("entity", entity.String()),
		slog.Int64("amount", amount),
		slog.Int("levels", len(rows)))
	return rows, nil
}

// Advance acts on the approval at the minimum PENDING level. Any other
// level fails with ErrOutOfSequence; nothing is mutated on a failed
// guard. Rejection voids all remaining PENDING levels in the same
// transaction — the caller releases the budget reservation in that same
// transaction too, so a crash cannot leave a rejected entity with funds
// still held.
func (s *Service) Advance(ctx context.Context, tx TxStore, entity shared.EntityRef, submitterID int64, d Decision) (Outcome, error) {
	pending, err := tx.PendingForUpdate(ctx, entity)
	if err != nil {
		return Outcome{}, err
	}
	if len(pending) == 0 {
		return Outcome{}, ErrNoPendingApproval
	}
	current := pending[0]
	if d.Level != current.Level {
		return Outcome{}, ErrOutOfSequence
	}
	if d.Action != ActionEscalate {
		if err := VerifyNotSelfApproval(d.ActorID, submitterID); err != nil {
			return Outcome{}, err
		}
		if current.ApproverID == nil {
			return Outcome{}, UnassignedApproverError{Entity: entity, Level: current.Level, Role: current.Role}
		}
		if *current.ApproverID != d.ActorID {
			return Outcome{}, ErrNotCurrentApprover
		}
	}

	switch d.Action {
	case ActionApprove:
		if err := tx.SetStatus(ctx, current.ID, StatusApproved, d.ActorID, d.Note); err != nil {
			return Outcome{}, err
		}
		if len(pending) == 1 {
			return Outcome{Final: true}, nil
		}
		next := pending[1]
		return Outcome{Next: &next}, nil
	case ActionReject:
		if err := tx.SetStatus(ctx, current.ID, StatusRejected, d.ActorID, d.Note); err != nil {
			return Outcome{}, err
		}
		if err := tx.VoidPending(ctx, entity); err != nil {
			return Outcome{}, err
		}
		return Outcome{Rejected: true}, nil
	case ActionEscalate:
		if err := tx.SetStatus(ctx, current.ID, StatusTimedOut, d.ActorID, d.Note); err != nil {
			return Outcome{}, err
		}
		if len(pending) == 1 {
			return Outcome{Exhausted: true}, nil
		}
		next := pending[1]
		s.logger.Warn("approval escalated",
			slog.String("entity", entity.String()),
			slog.Int("timed_out_level", current.Level),
			slog.Int("next_level", next.Level))
		return Outcome{Next: &next}, nil
	default:
		return Outcome{}, fmt.Errorf("approval: unknown decision action %q", d.Action)
	}
}

// Void cancels every remaining PENDING level without a decision. Used
// when the submitter withdraws the entity while its chain is open.
func (s *Service) Void(ctx context.Context, tx TxStore, entity shared.EntityRef) error {
	if err := tx.VoidPending(ctx, entity); err != nil {
		return err
	}
	s.logger.Info("approval chain voided", slog.String("entity", entity.String()))
	return nil
}
