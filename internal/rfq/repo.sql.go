package rfq

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Repository provides PostgreSQL backed persistence for RFQs and bids.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type pgStores struct {
	tx pgx.Tx
}

func (s *pgStores) Entities() workflow.EntityStore { return &entityStore{tx: s.tx} }
func (s *pgStores) Budgets() budget.TxStore        { return budget.TxStoreFor(s.tx) }
func (s *pgStores) Approvals() approval.TxStore    { return approval.TxStoreFor(s.tx) }
func (s *pgStores) RFQs() TxStore                  { return &txStore{q: s.tx} }

// Execute runs fn in a repeatable-read transaction.
func (r *Repository) Execute(ctx context.Context, fn func(ctx context.Context, tx workflow.Stores) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgStores{tx: tx})
	})
}

type entityStore struct {
	tx pgx.Tx
}

func (s *entityStore) GetForUpdate(ctx context.Context, ref shared.EntityRef) (workflow.EntityRecord, error) {
	record := workflow.EntityRecord{Ref: ref}
	err := s.tx.QueryRow(ctx,
		`SELECT status, version, created_by, department, year, quarter FROM rfqs WHERE id=$1 FOR UPDATE`, ref.ID).
		Scan(&record.Status, &record.Version, &record.SubmitterID,
			&record.BudgetKey.Department, &record.BudgetKey.Year, &record.BudgetKey.Quarter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.EntityRecord{}, shared.ErrNotFound
		}
		return workflow.EntityRecord{}, err
	}
	return record, nil
}

func (s *entityStore) SetStatus(ctx context.Context, ref shared.EntityRef, to workflow.Status, expectedVersion int64) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE rfqs SET status=$1, version=version+1, updated_at=NOW() WHERE id=$2 AND version=$3`,
		string(to), ref.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrConcurrentModification
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txStore struct {
	q querier
}

func (s *txStore) GetRFQ(ctx context.Context, id int64) (RFQ, error) {
	var r RFQ
	err := s.q.QueryRow(ctx,
		`SELECT id, number, title, department, year, quarter, deadline, created_by, status, version, winning_bid_id, created_at, updated_at
FROM rfqs WHERE id=$1`, id).
		Scan(&r.ID, &r.Number, &r.Title, &r.Department, &r.Year, &r.Quarter, &r.Deadline,
			&r.CreatedBy, &r.Status, &r.Version, &r.WinningBidID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RFQ{}, shared.ErrNotFound
		}
		return RFQ{}, err
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, rfq_id, line_no, description, qty FROM rfq_lines WHERE rfq_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return RFQ{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.RFQID, &line.LineNo, &line.Description, &line.Qty); err != nil {
			return RFQ{}, err
		}
		r.Lines = append(r.Lines, line)
	}
	return r, rows.Err()
}

func (s *txStore) CountBids(ctx context.Context, rfqID int64) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM bids WHERE rfq_id=$1`, rfqID).Scan(&count)
	return count, err
}

func (s *txStore) GetBid(ctx context.Context, rfqID, bidID int64) (Bid, error) {
	var bid Bid
	err := s.q.QueryRow(ctx,
		`SELECT id, rfq_id, vendor_id, amount, note, submitted_at FROM bids WHERE id=$1 AND rfq_id=$2`,
		bidID, rfqID).
		Scan(&bid.ID, &bid.RFQID, &bid.VendorID, &bid.Amount, &bid.Note, &bid.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, err
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, bid_id, line_no, unit_price FROM bid_lines WHERE bid_id=$1 ORDER BY line_no`, bid.ID)
	if err != nil {
		return Bid{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line BidLine
		if err := rows.Scan(&line.ID, &line.BidID, &line.LineNo, &line.UnitPrice); err != nil {
			return Bid{}, err
		}
		bid.Lines = append(bid.Lines, line)
	}
	return bid, rows.Err()
}

func (s *txStore) SetWinningBid(ctx context.Context, rfqID, bidID int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE rfqs SET winning_bid_id=$2, updated_at=NOW() WHERE id=$1`, rfqID, bidID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *txStore) InsertAwardOrder(ctx context.Context, order AwardOrder) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx,
		`INSERT INTO orders (number, request_id, rfq_id, vendor_id, department, year, quarter, created_by, status, version, total_amount, created_at, updated_at)
VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, 'ISSUED', 1, $8, NOW(), NOW()) RETURNING id`,
		order.Number, order.RFQID, order.VendorID, order.Department, order.Year, order.Quarter,
		order.CreatedBy, order.TotalAmount).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, line := range order.Lines {
		_, err := s.q.Exec(ctx,
			`INSERT INTO order_lines (order_id, line_no, description, qty, unit_price, received_qty, invoiced_qty)
VALUES ($1, $2, $3, $4, $5, 0, 0)`,
			id, line.LineNo, line.Description, line.Qty, line.UnitPrice)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Pool-level operations.

func (r *Repository) CreateRFQ(ctx context.Context, rfq RFQ) (RFQ, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RFQ{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	err = tx.QueryRow(ctx,
		`INSERT INTO rfqs (number, title, department, year, quarter, deadline, created_by, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		rfq.Number, rfq.Title, rfq.Department, rfq.Year, rfq.Quarter, rfq.Deadline,
		rfq.CreatedBy, string(rfq.Status)).Scan(&rfq.ID, &rfq.CreatedAt, &rfq.UpdatedAt)
	if err != nil {
		return RFQ{}, err
	}
	rfq.Version = 1
	for i := range rfq.Lines {
		line := &rfq.Lines[i]
		line.RFQID = rfq.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO rfq_lines (rfq_id, line_no, description, qty) VALUES ($1, $2, $3, $4) RETURNING id`,
			rfq.ID, line.LineNo, line.Description, line.Qty).Scan(&line.ID)
		if err != nil {
			return RFQ{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return RFQ{}, err
	}
	return rfq, nil
}

func (r *Repository) GetRFQ(ctx context.Context, id int64) (RFQ, error) {
	return (&txStore{q: r.pool}).GetRFQ(ctx, id)
}

func (r *Repository) InsertBid(ctx context.Context, bid Bid) (Bid, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Bid{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	err = tx.QueryRow(ctx,
		`INSERT INTO bids (rfq_id, vendor_id, amount, note, submitted_at) VALUES ($1, $2, $3, $4, NOW())
RETURNING id, submitted_at`,
		bid.RFQID, bid.VendorID, bid.Amount, bid.Note).Scan(&bid.ID, &bid.SubmittedAt)
	if err != nil {
		return Bid{}, err
	}
	for i := range bid.Lines {
		line := &bid.Lines[i]
		line.BidID = bid.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO bid_lines (bid_id, line_no, unit_price) VALUES ($1, $2, $3) RETURNING id`,
			bid.ID, line.LineNo, line.UnitPrice).Scan(&line.ID)
		if err != nil {
			return Bid{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Bid{}, err
	}
	return bid, nil
}

func (r *Repository) ListBids(ctx context.Context, rfqID int64) ([]Bid, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, rfq_id, vendor_id, amount, note, submitted_at FROM bids WHERE rfq_id=$1 ORDER BY amount`, rfqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		var bid Bid
		if err := rows.Scan(&bid.ID, &bid.RFQID, &bid.VendorID, &bid.Amount, &bid.Note, &bid.SubmittedAt); err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func (r *Repository) ListExpiredOpen(ctx context.Context, asOf time.Time) (map[int64]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, COUNT(b.id) FROM rfqs r LEFT JOIN bids b ON b.rfq_id = r.id
WHERE r.status = 'OPEN' AND r.deadline < $1 GROUP BY r.id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	expired := make(map[int64]int)
	for rows.Next() {
		var (
			id    int64
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		expired[id] = count
	}
	return expired, rows.Err()
}
