package budget

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/shared"
)

// Repository provides PostgreSQL backed persistence for budgets and
// reservations. Reservation uniqueness per owner relies on the partial
// unique index uq_reservations_active ON reservations (owner_type,
// owner_id) WHERE status = 'COMMITTED'.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txStore struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

// TxStoreFor adapts an externally owned transaction. Used by the unit of
// work so ledger effects share the workflow transition's transaction.
func TxStoreFor(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

// GetBudget loads a budget without locking.
func (r *Repository) GetBudget(ctx context.Context, key Key) (Budget, error) {
	return scanBudget(ctx, r.pool, key, "")
}

func (s *txStore) BudgetForUpdate(ctx context.Context, key Key) (Budget, error) {
	return scanBudget(ctx, s.tx, key, " FOR UPDATE")
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBudget(ctx context.Context, q rowQuerier, key Key, suffix string) (Budget, error) {
	var b Budget
	err := q.QueryRow(ctx,
		`SELECT id, department, year, quarter, total, spent, version FROM budgets WHERE department=$1 AND year=$2 AND quarter=$3`+suffix,
		key.Department, key.Year, key.Quarter).
		Scan(&b.ID, &b.Key.Department, &b.Key.Year, &b.Key.Quarter, &b.Total, &b.Spent, &b.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Budget{}, NotFoundError{Key: key}
		}
		return Budget{}, err
	}
	return b, nil
}

func (s *txStore) CommittedTotal(ctx context.Context, budgetID int64) (int64, error) {
	var total int64
	err := s.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE budget_id=$1 AND status='COMMITTED'`,
		budgetID).Scan(&total)
	return total, err
}

func (s *txStore) ActiveReservation(ctx context.Context, owner shared.EntityRef) (Reservation, error) {
	var res Reservation
	var status string
	err := s.tx.QueryRow(ctx,
		`SELECT id, budget_id, owner_type, owner_id, amount, status, created_at
FROM reservations WHERE owner_type=$1 AND owner_id=$2 AND status='COMMITTED'`,
		string(owner.Type), owner.ID).
		Scan(&res.ID, &res.BudgetID, &res.Owner.Type, &res.Owner.ID, &res.Amount, &status, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNoActiveReservation
		}
		return Reservation{}, err
	}
	res.Status = ReservationStatus(status)
	return res, nil
}

func (s *txStore) InsertReservation(ctx context.Context, res Reservation) (Reservation, error) {
	err := s.tx.QueryRow(ctx,
		`INSERT INTO reservations (budget_id, owner_type, owner_id, amount, status, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		res.BudgetID, string(res.Owner.Type), res.Owner.ID, res.Amount, string(res.Status)).
		Scan(&res.ID, &res.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Reservation{}, ErrDuplicateReservation
		}
		return Reservation{}, err
	}
	return res, nil
}

func (s *txStore) SetReservationStatus(ctx context.Context, id int64, status ReservationStatus) error {
	tag, err := s.tx.Exec(ctx, `UPDATE reservations SET status=$2 WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *txStore) AddSpent(ctx context.Context, budgetID int64, delta int64) error {
	// The CHECK constraint on budgets (spent BETWEEN 0 AND total) backs
	// up the ledger invariant at the storage layer.
	tag, err := s.tx.Exec(ctx,
		`UPDATE budgets SET spent = spent + $2, version = version + 1 WHERE id=$1`, budgetID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *txStore) AdjustTotal(ctx context.Context, budgetID int64, delta int64) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE budgets SET total = total + $2, version = version + 1 WHERE id=$1`, budgetID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
