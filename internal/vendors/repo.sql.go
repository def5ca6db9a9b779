package vendors

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// Repository provides PostgreSQL backed persistence for vendors.
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
func (s *pgStores) Vendors() TxStore               { return &txStore{q: s.tx} }

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
	record := workflow.EntityRecord{Ref: ref, VendorID: ref.ID}
	err := s.tx.QueryRow(ctx,
		`SELECT status, version, created_by FROM vendors WHERE id=$1 FOR UPDATE`, ref.ID).
		Scan(&record.Status, &record.Version, &record.SubmitterID)
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
		`UPDATE vendors SET status=$1, version=version+1, updated_at=NOW() WHERE id=$2 AND version=$3`,
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

const vendorColumns = `id, code, name, tax_id, contact_email, bank_account,
registration_doc_ref, tax_doc_ref, bank_proof_ref, status, version, status_reason, created_by, created_at, updated_at`

func scanVendor(row pgx.Row) (Vendor, error) {
	var v Vendor
	err := row.Scan(&v.ID, &v.Code, &v.Name, &v.TaxID, &v.ContactEmail, &v.BankAccount,
		&v.RegistrationDocRef, &v.TaxDocRef, &v.BankProofRef, &v.Status, &v.Version,
		&v.StatusReason, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, shared.ErrNotFound
		}
		return Vendor{}, err
	}
	return v, nil
}

func (s *txStore) GetVendor(ctx context.Context, id int64) (Vendor, error) {
	return scanVendor(s.q.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id=$1`, id))
}

func (s *txStore) SetStatusReason(ctx context.Context, id int64, reason string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE vendors SET status_reason=$2, updated_at=NOW() WHERE id=$1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Pool-level operations.

func (r *Repository) CreateVendor(ctx context.Context, v Vendor) (Vendor, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO vendors (code, name, tax_id, contact_email, bank_account,
registration_doc_ref, tax_doc_ref, bank_proof_ref, status, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		v.Code, v.Name, v.TaxID, v.ContactEmail, v.BankAccount,
		v.RegistrationDocRef, v.TaxDocRef, v.BankProofRef, string(v.Status), v.CreatedBy).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Vendor{}, err
	}
	v.Version = 1
	return v, nil
}

func (r *Repository) UpdateVendor(ctx context.Context, v Vendor) (Vendor, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE vendors SET name=$2, tax_id=$3, contact_email=$4, bank_account=$5,
registration_doc_ref=$6, tax_doc_ref=$7, bank_proof_ref=$8, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$9`,
		v.ID, v.Name, v.TaxID, v.ContactEmail, v.BankAccount,
		v.RegistrationDocRef, v.TaxDocRef, v.BankProofRef, v.Version)
	if err != nil {
		return Vendor{}, err
	}
	if tag.RowsAffected() == 0 {
		return Vendor{}, shared.ErrConcurrentModification
	}
	return r.GetVendor(ctx, v.ID)
}

func (r *Repository) GetVendor(ctx context.Context, id int64) (Vendor, error) {
	return (&txStore{q: r.pool}).GetVendor(ctx, id)
}

func (r *Repository) ListVendors(ctx context.Context, status workflow.Status, limit, offset int) ([]Vendor, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM vendors WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+vendorColumns+` FROM vendors WHERE ($1 = '' OR status = $1) ORDER BY name LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var vendors []Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, 0, err
		}
		vendors = append(vendors, v)
	}
	return vendors, total, rows.Err()
}
