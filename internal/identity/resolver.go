// Package identity resolves approver roles to concrete user identities.
// The core never walks organisational structure itself; it asks this
// collaborator and accepts that a role may be unfilled.
package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role names an approver role in a chain.
type Role string

const (
	RoleDeptManager Role = "DEPT_MANAGER"
	RoleFinanceHead Role = "FINANCE_HEAD"
	RoleCFO         Role = "CFO"
	RoleAPClerk     Role = "AP_CLERK"
	RoleController  Role = "CONTROLLER"
)

// Context carries the organisational scope for a resolution.
type Context struct {
	Department  string
	RequesterID int64
}

// Resolver maps a role to a user id within a context. A nil id with a nil
// error means the role is currently unfilled; the chain is still built
// with a placeholder and cannot be advanced past that step.
type Resolver interface {
	Resolve(ctx context.Context, role Role, rctx Context) (*int64, error)
}

// RoleChecker answers whether a user currently holds any of the given
// roles. Used to gate elevated operations like match overrides.
type RoleChecker interface {
	HasAnyRole(ctx context.Context, userID int64, roles ...Role) (bool, error)
}

// PGResolver resolves roles from role_assignments. The department manager
// relationship is a plain foreign key on departments, looked up by name,
// never an in-memory object cycle.
type PGResolver struct {
	pool *pgxpool.Pool
}

// NewPGResolver constructs a PGResolver.
func NewPGResolver(pool *pgxpool.Pool) *PGResolver {
	return &PGResolver{pool: pool}
}

// Resolve looks up the current holder of role. Department-scoped roles
// resolve within rctx.Department; finance roles are company wide.
func (r *PGResolver) Resolve(ctx context.Context, role Role, rctx Context) (*int64, error) {
	var (
		userID int64
		err    error
	)
	switch role {
	case RoleDeptManager:
		err = r.pool.QueryRow(ctx,
			`SELECT manager_user_id FROM departments WHERE name = $1 AND manager_user_id IS NOT NULL`,
			rctx.Department).Scan(&userID)
	default:
		err = r.pool.QueryRow(ctx,
			`SELECT user_id FROM role_assignments WHERE role = $1 AND active ORDER BY assigned_at DESC LIMIT 1`,
			string(role)).Scan(&userID)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &userID, nil
}

// HasAnyRole checks active role_assignments for the user.
func (r *PGResolver) HasAnyRole(ctx context.Context, userID int64, roles ...Role) (bool, error) {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	var held bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM role_assignments WHERE user_id = $1 AND active AND role = ANY($2))`,
		userID, names).Scan(&held)
	if err != nil {
		return false, err
	}
	return held, nil
}

// StaticResolver serves fixed assignments. Used in tests and seed tooling.
type StaticResolver struct {
	// Department-scoped manager assignments keyed by department name.
	Managers map[string]int64
	// Company-wide role holders.
	Holders map[Role]int64
}

// Resolve returns the configured assignment, nil when unfilled.
func (r *StaticResolver) Resolve(_ context.Context, role Role, rctx Context) (*int64, error) {
	if r == nil {
		return nil, nil
	}
	if role == RoleDeptManager {
		if id, ok := r.Managers[rctx.Department]; ok {
			return &id, nil
		}
		return nil, nil
	}
	if id, ok := r.Holders[role]; ok {
		return &id, nil
	}
	return nil, nil
}

// HasAnyRole checks the fixed assignments.
func (r *StaticResolver) HasAnyRole(_ context.Context, userID int64, roles ...Role) (bool, error) {
	if r == nil {
		return false, nil
	}
	for _, role := range roles {
		if role == RoleDeptManager {
			for _, id := range r.Managers {
				if id == userID {
					return true, nil
				}
			}
			continue
		}
		if id, ok := r.Holders[role]; ok && id == userID {
			return true, nil
		}
	}
	return false, nil
}
