package approval

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

// Repository provides pool-level reads used by handlers and the
// escalation scan job.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByEntity returns the full chain for an entity ordered by level.
func (r *Repository) ListByEntity(ctx context.Context, entity shared.EntityRef) ([]Approval, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, level, role, approver_id, status, decided_by, decided_at, note, created_at
FROM approvals WHERE entity_type=$1 AND entity_id=$2 ORDER BY level`,
		string(entity.Type), entity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListStalePending returns the currently pending step of every chain
// whose step has been waiting longer than the window. Only the minimum
// pending level per entity is returned, so escalation feeds through the
// same sequential advance path as a normal decision.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Duration) ([]Approval, error) {
	cutoff := time.Now().Add(-olderThan)
	// A step becomes current when the previous level is decided, so the
	// inactivity clock starts there, not at chain creation.
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (a.entity_type, a.entity_id)
    a.id, a.entity_type, a.entity_id, a.level, a.role, a.approver_id, a.status, a.decided_by, a.decided_at, a.note, a.created_at
FROM approvals a
LEFT JOIN approvals prev
  ON prev.entity_type = a.entity_type AND prev.entity_id = a.entity_id AND prev.level = a.level - 1
WHERE a.status='PENDING' AND COALESCE(prev.decided_at, a.created_at) < $1
ORDER BY a.entity_type, a.entity_id, a.level`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Approval, error) {
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
