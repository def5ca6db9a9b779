package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Repository provides PostgreSQL backed persistence for requests,
// orders, receipts and invoices, and the unit of work that ties a
// workflow transition, its ledger effects and its approval effects into
// one transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// pgStores backs one transition's transaction. It satisfies both
// workflow.Stores and the wider procurement Stores.
type pgStores struct {
	tx pgx.Tx
}

func (s *pgStores) Entities() workflow.EntityStore { return &entityStore{tx: s.tx} }
func (s *pgStores) Budgets() budget.TxStore        { return budget.TxStoreFor(s.tx) }
func (s *pgStores) Approvals() approval.TxStore    { return approval.TxStoreFor(s.tx) }
func (s *pgStores) Docs() TxStore                  { return &docStore{q: s.tx} }

// Execute runs fn in a repeatable-read transaction.
func (r *Repository) Execute(ctx context.Context, fn func(ctx context.Context, tx workflow.Stores) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgStores{tx: tx})
	})
}

// entityStore is the engine's locked view of documents.
type entityStore struct {
	tx pgx.Tx
}

func (s *entityStore) GetForUpdate(ctx context.Context, ref shared.EntityRef) (workflow.EntityRecord, error) {
	record := workflow.EntityRecord{Ref: ref}
	var err error
	switch ref.Type {
	case shared.EntityRequest:
		err = s.tx.QueryRow(ctx,
			`SELECT status, version, submitter_id, total_amount, department, year, quarter, vendor_id
FROM requests WHERE id=$1 FOR UPDATE`, ref.ID).
			Scan(&record.Status, &record.Version, &record.SubmitterID, &record.Amount,
				&record.BudgetKey.Department, &record.BudgetKey.Year, &record.BudgetKey.Quarter, &record.VendorID)
	case shared.EntityOrder:
		err = s.tx.QueryRow(ctx,
			`SELECT status, version, created_by, total_amount, department, year, quarter, vendor_id
FROM orders WHERE id=$1 FOR UPDATE`, ref.ID).
			Scan(&record.Status, &record.Version, &record.SubmitterID, &record.Amount,
				&record.BudgetKey.Department, &record.BudgetKey.Year, &record.BudgetKey.Quarter, &record.VendorID)
	case shared.EntityInvoice:
		err = s.tx.QueryRow(ctx,
			`SELECT i.status, i.version, i.uploaded_by, i.total_amount, o.department, o.year, o.quarter, i.vendor_id
FROM invoices i JOIN orders o ON o.id = i.order_id WHERE i.id=$1 FOR UPDATE OF i`, ref.ID).
			Scan(&record.Status, &record.Version, &record.SubmitterID, &record.Amount,
				&record.BudgetKey.Department, &record.BudgetKey.Year, &record.BudgetKey.Quarter, &record.VendorID)
	default:
		return workflow.EntityRecord{}, fmt.Errorf("procurement: unsupported entity type %s", ref.Type)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.EntityRecord{}, shared.ErrNotFound
		}
		return workflow.EntityRecord{}, err
	}
	return record, nil
}

func (s *entityStore) SetStatus(ctx context.Context, ref shared.EntityRef, to workflow.Status, expectedVersion int64) error {
	var table string
	switch ref.Type {
	case shared.EntityRequest:
		table = "requests"
	case shared.EntityOrder:
		table = "orders"
	case shared.EntityInvoice:
		table = "invoices"
	default:
		return fmt.Errorf("procurement: unsupported entity type %s", ref.Type)
	}
	tag, err := s.tx.Exec(ctx,
		`UPDATE `+table+` SET status=$1, version=version+1, updated_at=NOW() WHERE id=$2 AND version=$3`,
		string(to), ref.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrConcurrentModification
	}
	return nil
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so the document
// scans below serve the unit of work and pool-level reads alike.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// docStore is the document TxStore over a transaction or the pool.
type docStore struct {
	q querier
}

func (s *docStore) GetRequest(ctx context.Context, id int64) (Request, error) {
	var req Request
	err := s.q.QueryRow(ctx,
		`SELECT id, number, department, year, quarter, vendor_id, submitter_id, description, status, version, total_amount
FROM requests WHERE id=$1`, id).
		Scan(&req.ID, &req.Number, &req.Department, &req.Year, &req.Quarter, &req.VendorID,
			&req.SubmitterID, &req.Description, &req.Status, &req.Version, &req.TotalAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, shared.ErrNotFound
		}
		return Request{}, err
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, request_id, line_no, description, qty, unit_price FROM request_lines WHERE request_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Request{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line RequestLine
		if err := rows.Scan(&line.ID, &line.RequestID, &line.LineNo, &line.Description, &line.Qty, &line.UnitPrice); err != nil {
			return Request{}, err
		}
		req.Lines = append(req.Lines, line)
	}
	return req, rows.Err()
}

func (s *docStore) GetOrder(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := s.q.QueryRow(ctx,
		`SELECT id, number, request_id, rfq_id, vendor_id, department, year, quarter, created_by, status, version, total_amount
FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.Number, &o.RequestID, &o.RFQID, &o.VendorID, &o.Department, &o.Year, &o.Quarter,
			&o.CreatedBy, &o.Status, &o.Version, &o.TotalAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, shared.ErrNotFound
		}
		return Order{}, err
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, order_id, line_no, description, qty, unit_price, received_qty, invoiced_qty
FROM order_lines WHERE order_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.LineNo, &line.Description, &line.Qty,
			&line.UnitPrice, &line.ReceivedQty, &line.InvoicedQty); err != nil {
			return Order{}, err
		}
		o.Lines = append(o.Lines, line)
	}
	return o, rows.Err()
}

func (s *docStore) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	var (
		inv        Invoice
		exceptions []byte
	)
	err := s.q.QueryRow(ctx,
		`SELECT id, number, order_id, vendor_id, uploaded_by, status, version, total_amount, due_at,
COALESCE(exceptions, '[]'), override_reason, override_by, paid_at
FROM invoices WHERE id=$1`, id).
		Scan(&inv.ID, &inv.Number, &inv.OrderID, &inv.VendorID, &inv.UploadedBy, &inv.Status, &inv.Version,
			&inv.TotalAmount, &inv.DueAt, &exceptions, &inv.OverrideReason, &inv.OverrideBy, &inv.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.ErrNotFound
		}
		return Invoice{}, err
	}
	if err := json.Unmarshal(exceptions, &inv.Exceptions); err != nil {
		return Invoice{}, fmt.Errorf("procurement: decode exceptions for invoice %d: %w", id, err)
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, invoice_id, line_no, order_line_no, description, qty, unit_price
FROM invoice_lines WHERE invoice_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.LineNo, &line.OrderLineNo,
			&line.Description, &line.Qty, &line.UnitPrice); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

func (s *docStore) OrderForRequest(ctx context.Context, requestID int64) (Order, error) {
	var id int64
	err := s.q.QueryRow(ctx,
		`SELECT id FROM orders WHERE request_id=$1 AND status <> 'CANCELLED' ORDER BY id DESC LIMIT 1`,
		requestID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, shared.ErrNotFound
		}
		return Order{}, err
	}
	return s.GetOrder(ctx, id)
}

func (s *docStore) InsertOrder(ctx context.Context, order Order) (Order, error) {
	err := s.q.QueryRow(ctx,
		`INSERT INTO orders (number, request_id, rfq_id, vendor_id, department, year, quarter, created_by, status, version, total_amount, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, NOW(), NOW()) RETURNING id`,
		order.Number, order.RequestID, order.RFQID, order.VendorID, order.Department, order.Year,
		order.Quarter, order.CreatedBy, string(order.Status), order.TotalAmount).Scan(&order.ID)
	if err != nil {
		return Order{}, err
	}
	order.Version = 1
	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := s.q.QueryRow(ctx,
			`INSERT INTO order_lines (order_id, line_no, description, qty, unit_price, received_qty, invoiced_qty)
VALUES ($1, $2, $3, $4, $5, 0, 0) RETURNING id`,
			order.ID, line.LineNo, line.Description, line.Qty, line.UnitPrice).Scan(&line.ID)
		if err != nil {
			return Order{}, err
		}
	}
	return order, nil
}

func (s *docStore) InsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error) {
	err := s.q.QueryRow(ctx,
		`INSERT INTO receipts (number, order_id, received_by, received_at, note, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id`,
		receipt.Number, receipt.OrderID, receipt.ReceivedBy, receipt.ReceivedAt, receipt.Note).Scan(&receipt.ID)
	if err != nil {
		return Receipt{}, err
	}
	for i := range receipt.Lines {
		line := &receipt.Lines[i]
		line.ReceiptID = receipt.ID
		err := s.q.QueryRow(ctx,
			`INSERT INTO receipt_lines (receipt_id, order_line_no, qty) VALUES ($1, $2, $3) RETURNING id`,
			receipt.ID, line.OrderLineNo, line.Qty).Scan(&line.ID)
		if err != nil {
			return Receipt{}, err
		}
	}
	return receipt, nil
}

func (s *docStore) AddReceivedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE order_lines SET received_qty = received_qty + $3 WHERE order_id=$1 AND line_no=$2`,
		orderID, lineNo, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *docStore) AddInvoicedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE order_lines SET invoiced_qty = invoiced_qty + $3 WHERE order_id=$1 AND line_no=$2`,
		orderID, lineNo, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *docStore) ReceiptLinesForOrder(ctx context.Context, orderID int64) ([]ReceiptLine, error) {
	rows, err := s.q.Query(ctx,
		`SELECT rl.id, rl.receipt_id, rl.order_line_no, rl.qty
FROM receipt_lines rl JOIN receipts r ON r.id = rl.receipt_id
WHERE r.order_id=$1 ORDER BY rl.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ReceiptLine
	for rows.Next() {
		var line ReceiptLine
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.OrderLineNo, &line.Qty); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *docStore) InvoicedQtyExcluding(ctx context.Context, orderID, excludeInvoiceID int64) (map[int]int64, error) {
	rows, err := s.q.Query(ctx,
		`SELECT il.order_line_no, SUM(il.qty)
FROM invoice_lines il JOIN invoices i ON i.id = il.invoice_id
WHERE i.order_id=$1 AND i.id <> $2 AND i.status IN ('MATCHED', 'APPROVED', 'PAID') AND il.order_line_no > 0
GROUP BY il.order_line_no`, orderID, excludeInvoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	prior := make(map[int]int64)
	for rows.Next() {
		var (
			lineNo int
			qty    int64
		)
		if err := rows.Scan(&lineNo, &qty); err != nil {
			return nil, err
		}
		prior[lineNo] = qty
	}
	return prior, rows.Err()
}

func (s *docStore) InsertInvoice(ctx context.Context, invoice Invoice) (Invoice, error) {
	err := s.q.QueryRow(ctx,
		`INSERT INTO invoices (number, order_id, vendor_id, uploaded_by, status, version, total_amount, due_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, $6, $7, NOW(), NOW()) RETURNING id`,
		invoice.Number, invoice.OrderID, invoice.VendorID, invoice.UploadedBy, string(invoice.Status),
		invoice.TotalAmount, invoice.DueAt).Scan(&invoice.ID)
	if err != nil {
		return Invoice{}, err
	}
	invoice.Version = 1
	for i := range invoice.Lines {
		line := &invoice.Lines[i]
		line.InvoiceID = invoice.ID
		err := s.q.QueryRow(ctx,
			`INSERT INTO invoice_lines (invoice_id, line_no, order_line_no, description, qty, unit_price)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			invoice.ID, line.LineNo, line.OrderLineNo, line.Description, line.Qty, line.UnitPrice).Scan(&line.ID)
		if err != nil {
			return Invoice{}, err
		}
	}
	return invoice, nil
}

func (s *docStore) StoreMatchResult(ctx context.Context, invoiceID int64, verdict recon.Verdict) error {
	exceptions, err := json.Marshal(verdict.Exceptions)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE invoices SET matched=$2, exceptions=$3, matched_at=NOW(), updated_at=NOW() WHERE id=$1`,
		invoiceID, verdict.Matched, exceptions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *docStore) SetOverride(ctx context.Context, invoiceID, actorID int64, reason string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE invoices SET override_reason=$3, override_by=$2, overridden_at=NOW(), updated_at=NOW() WHERE id=$1`,
		invoiceID, actorID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *docStore) SetInvoicePaid(ctx context.Context, invoiceID int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE invoices SET paid_at=NOW(), updated_at=NOW() WHERE id=$1`, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *docStore) ListInvoicesForOrder(ctx context.Context, orderID int64) ([]Invoice, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, number, order_id, vendor_id, uploaded_by, status, version, total_amount, due_at, paid_at
FROM invoices WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoiceHeaders(rows)
}

func (s *docStore) VendorStatus(ctx context.Context, vendorID int64) (workflow.Status, error) {
	var status string
	err := s.q.QueryRow(ctx, `SELECT status FROM vendors WHERE id=$1`, vendorID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return workflow.Status(status), nil
}

// Pool-level reads for handlers and reporting.

func (r *Repository) CreateRequest(ctx context.Context, req Request) (Request, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Request{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	err = tx.QueryRow(ctx,
		`INSERT INTO requests (number, department, year, quarter, vendor_id, submitter_id, description, status, version, total_amount, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, NOW(), NOW()) RETURNING id`,
		req.Number, req.Department, req.Year, req.Quarter, req.VendorID, req.SubmitterID,
		req.Description, string(req.Status), req.TotalAmount).Scan(&req.ID)
	if err != nil {
		return Request{}, err
	}
	req.Version = 1
	for i := range req.Lines {
		line := &req.Lines[i]
		line.RequestID = req.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO request_lines (request_id, line_no, description, qty, unit_price)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			req.ID, line.LineNo, line.Description, line.Qty, line.UnitPrice).Scan(&line.ID)
		if err != nil {
			return Request{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r *Repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	return (&docStore{q: r.pool}).GetRequest(ctx, id)
}

func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return (&docStore{q: r.pool}).GetOrder(ctx, id)
}

func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return (&docStore{q: r.pool}).GetInvoice(ctx, id)
}

// ListOpenInvoices returns every invoice not yet paid or resolved, for
// the aging report.
func (r *Repository) ListOpenInvoices(ctx context.Context) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, order_id, vendor_id, uploaded_by, status, version, total_amount, due_at, paid_at
FROM invoices WHERE status <> 'PAID' ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoiceHeaders(rows)
}

// ListSettledFulfilledOrders returns fulfilled orders whose invoices are
// all paid. Close normally happens in the same call as the last payment;
// this feeds the sweep that replays a close lost between the payment
// commit and the close commit.
func (r *Repository) ListSettledFulfilledOrders(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id FROM orders o
WHERE o.status = 'FULFILLED'
  AND EXISTS (SELECT 1 FROM invoices i WHERE i.order_id = o.id)
  AND NOT EXISTS (SELECT 1 FROM invoices i WHERE i.order_id = o.id AND i.status <> 'PAID')
ORDER BY o.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectInvoiceHeaders(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.OrderID, &inv.VendorID, &inv.UploadedBy,
			&inv.Status, &inv.Version, &inv.TotalAmount, &inv.DueAt, &inv.PaidAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}
