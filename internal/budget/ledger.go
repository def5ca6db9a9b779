package budget

import (
	"context"
	"errors"
	"log/slog"

	"github.com/procura-erp/procura/internal/shared"
)

// TxStore exposes row operations inside one atomic unit of work. The pg
// implementation locks budget rows with SELECT ... FOR UPDATE and runs
// at read committed, so the availability sum taken after the lock is
// granted counts reservations committed while this transaction waited.
// The lock alone does not serialise reservers at snapshot isolation
// levels; the statement-level visibility is part of the contract.
type TxStore interface {
	// BudgetForUpdate loads and exclusively locks the budget row.
	BudgetForUpdate(ctx context.Context, key Key) (Budget, error)
	// CommittedTotal sums COMMITTED reservation amounts for the budget.
	CommittedTotal(ctx context.Context, budgetID int64) (int64, error)
	// ActiveReservation returns the COMMITTED reservation for the owner,
	// or ErrNoActiveReservation.
	ActiveReservation(ctx context.Context, owner shared.EntityRef) (Reservation, error)
	// InsertReservation persists a reservation. ErrDuplicateReservation
	// when the owner already holds an active one.
	InsertReservation(ctx context.Context, res Reservation) (Reservation, error)
	// SetReservationStatus flips a reservation's status.
	SetReservationStatus(ctx context.Context, id int64, status ReservationStatus) error
	// AddSpent increases Budget.Spent. Negative deltas are credit
	// adjustments and the only path by which Spent decreases.
	AddSpent(ctx context.Context, budgetID int64, delta int64) error
	// AdjustTotal moves headroom during reallocation.
	AdjustTotal(ctx context.Context, budgetID int64, delta int64) error
}

// Store provides transactional access plus read helpers.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetBudget(ctx context.Context, key Key) (Budget, error)
}

// Ledger owns funds availability and the reservation lifecycle. Every
// mutating method has a Tx variant so a workflow transition and its
// ledger effect commit in the same atomic unit.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// CheckAndReserveTx checks availability under the budget row lock and
// creates a COMMITTED reservation. available = total - spent - sum of
// COMMITTED reservations; exact integer comparison, no rounding.
func (l *Ledger) CheckAndReserveTx(ctx context.Context, tx TxStore, key Key, amount int64, owner shared.EntityRef) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, ErrInvalidAmount
	}
	b, err := tx.BudgetForUpdate(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	committed, err := tx.CommittedTotal(ctx, b.ID)
	if err != nil {
		return Reservation{}, err
	}
	available := b.Total - b.Spent - committed
	if available < amount {
		return Reservation{}, ExceededError{Key: key, Available: available, Requested: amount}
	}
	if _, err := tx.ActiveReservation(ctx, owner); err == nil {
		return Reservation{}, ErrDuplicateReservation
	} else if !errors.Is(err, ErrNoActiveReservation) {
		return Reservation{}, err
	}
	res, err := tx.InsertReservation(ctx, Reservation{
		BudgetID: b.ID,
		Owner:    owner,
		Amount:   amount,
		Status:   ReservationCommitted,
	})
	if err != nil {
		return Reservation{}, err
	}
	l.logger.Info("budget reserved",
		slog.String("budget", key.String()),
		slog.String("owner", owner.String()),
		slog.Int64("amount", amount),
		slog.Int64("available_before", available))
	return res, nil
}

// ReleaseTx transitions the owner's active reservation to RELEASED.
// Idempotent: releasing an already released or nonexistent reservation is
// a no-op, so callers can replay after partial failures.
func (l *Ledger) ReleaseTx(ctx context.Context, tx TxStore, owner shared.EntityRef) error {
	res, err := tx.ActiveReservation(ctx, owner)
	if err != nil {
		if errors.Is(err, ErrNoActiveReservation) {
			return nil
		}
		return err
	}
	if err := tx.SetReservationStatus(ctx, res.ID, ReservationReleased); err != nil {
		return err
	}
	l.logger.Info("budget released",
		slog.String("owner", owner.String()),
		slog.Int64("amount", res.Amount))
	return nil
}

// CommitSpendTx transitions the owner's active reservation to SPENT and
// increases Budget.Spent in the same atomic unit, so funds never appear
// both reserved and not yet spent.
func (l *Ledger) CommitSpendTx(ctx context.Context, tx TxStore, owner shared.EntityRef) error {
	res, err := tx.ActiveReservation(ctx, owner)
	if err != nil {
		return err
	}
	if err := tx.SetReservationStatus(ctx, res.ID, ReservationSpent); err != nil {
		return err
	}
	if err := tx.AddSpent(ctx, res.BudgetID, res.Amount); err != nil {
		return err
	}
	l.logger.Info("budget spend committed",
		slog.String("owner", owner.String()),
		slog.Int64("amount", res.Amount))
	return nil
}

// ReallocateTx moves headroom from one budget to another. Both rows are
// locked in ascending key order; concurrent reallocations in opposite
// directions therefore cannot deadlock.
func (l *Ledger) ReallocateTx(ctx context.Context, tx TxStore, from, to Key, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrInvalidAmount
	}
	first, second := from, to
	if second.Less(first) {
		first, second = second, first
	}
	locked := make(map[Key]Budget, 2)
	for _, key := range []Key{first, second} {
		b, err := tx.BudgetForUpdate(ctx, key)
		if err != nil {
			return err
		}
		locked[key] = b
	}
	src := locked[from]
	committed, err := tx.CommittedTotal(ctx, src.ID)
	if err != nil {
		return err
	}
	available := src.Total - src.Spent - committed
	if available < amount {
		return InsufficientAvailableError{Key: from, Available: available, Requested: amount}
	}
	if err := tx.AdjustTotal(ctx, src.ID, -amount); err != nil {
		return err
	}
	if err := tx.AdjustTotal(ctx, locked[to].ID, amount); err != nil {
		return err
	}
	l.logger.Info("budget reallocated",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int64("amount", amount))
	return nil
}

// CheckAndReserve runs CheckAndReserveTx in its own transaction.
func (l *Ledger) CheckAndReserve(ctx context.Context, key Key, amount int64, owner shared.EntityRef) (Reservation, error) {
	var res Reservation
	err := l.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		res, err = l.CheckAndReserveTx(ctx, tx, key, amount, owner)
		return err
	})
	return res, err
}

// Release runs ReleaseTx in its own transaction.
func (l *Ledger) Release(ctx context.Context, owner shared.EntityRef) error {
	return l.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return l.ReleaseTx(ctx, tx, owner)
	})
}

// CommitSpend runs CommitSpendTx in its own transaction.
func (l *Ledger) CommitSpend(ctx context.Context, owner shared.EntityRef) error {
	return l.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return l.CommitSpendTx(ctx, tx, owner)
	})
}

// Reallocate runs ReallocateTx in its own transaction.
func (l *Ledger) Reallocate(ctx context.Context, from, to Key, amount int64) error {
	return l.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return l.ReallocateTx(ctx, tx, from, to, amount)
	})
}

// Available reports current headroom for a budget. Read-only; the figure
// may be stale the moment it is returned and is for display only.
func (l *Ledger) Available(ctx context.Context, key Key) (int64, error) {
	var available int64
	err := l.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		b, err := tx.BudgetForUpdate(ctx, key)
		if err != nil {
			return err
		}
		committed, err := tx.CommittedTotal(ctx, b.ID)
		if err != nil {
			return err
		}
		available = b.Total - b.Spent - committed
		return nil
	})
	return available, err
}
