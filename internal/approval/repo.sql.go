package approval

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

// txStore is the PostgreSQL TxStore over an externally owned transaction.
type txStore struct {
	tx pgx.Tx
}

// TxStoreFor adapts a transaction owned by the unit of work.
func TxStoreFor(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

func (s *txStore) InsertChain(ctx context.Context, entity shared.EntityRef, steps []ChainStep) ([]Approval, error) {
	rows := make([]Approval, 0, len(steps))
	for _, step := range steps {
		a := Approval{
			Entity:     entity,
			Level:      step.Level,
			Role:       step.Role,
			ApproverID: step.ApproverID,
			Status:     StatusPending,
		}
		err := s.tx.QueryRow(ctx,
			`INSERT INTO approvals (entity_type, entity_id, level, role, approver_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'PENDING', NOW()) RETURNING id, created_at`,
			string(entity.Type), entity.ID, step.Level, string(step.Role), step.ApproverID).
			Scan(&a.ID, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		rows = append(rows, a)
	}
	return rows, nil
}

func (s *txStore) PendingForUpdate(ctx context.Context, entity shared.EntityRef) ([]Approval, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT id, entity_type, entity_id, level, role, approver_id, status, decided_by, decided_at, note, created_at
FROM approvals WHERE entity_type=$1 AND entity_id=$2 AND status='PENDING' ORDER BY level FOR UPDATE`,
		string(entity.Type), entity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		var a Approval
		var role, status string
		if err := rows.Scan(&a.ID, &a.Entity.Type, &a.Entity.ID, &a.Level, &role, &a.ApproverID, &status, &a.DecidedBy, &a.DecidedAt, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = identity.Role(role)
		a.Status = Status(status)
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return approvals, nil
}

func (s *txStore) SetStatus(ctx context.Context, id int64, status Status, decidedBy int64, note string) error {
	tag, err := s.tx.Exec(ctx,
		`UPDATE approvals SET status=$2, decided_by=$3, decided_at=NOW(), note=$4 WHERE id=$1 AND status='PENDING'`,
		id, string(status), decidedBy, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *txStore) VoidPending(ctx context.Context, entity shared.EntityRef) error {
	_, err := s.tx.Exec(ctx,
		`UPDATE approvals SET status='VOID' WHERE entity_type=$1 AND entity_id=$2 AND status='PENDING'`,
		string(entity.Type), entity.ID)
	return err
}
