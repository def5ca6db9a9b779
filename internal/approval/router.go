package approval

import (
	"context"
	"fmt"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

// RoleTier binds a role to the amount at which it joins the chain.
// Thresholds are configuration, not code.
type RoleTier struct {
	Role identity.Role
	// MinAmount is the inclusive minor-unit amount from which this role
	// is required. The first tier is conventionally zero.
	MinAmount int64
}

// ChainSpec maps entity types to their ordered role tiers. A chain for an
// amount is the prefix of the sequence whose tiers the amount has crossed.
type ChainSpec map[shared.EntityType][]RoleTier

// DefaultChainSpec builds the chain spec from tier boundaries. tier2 and tier3
// are the request-path boundaries; invoice chains reuse the finance tail.
func DefaultChainSpec(tier2, tier3 int64) ChainSpec {
	return ChainSpec{
		shared.EntityRequest: {
			{Role: identity.RoleDeptManager, MinAmount: 0},
			{Role: identity.RoleFinanceHead, MinAmount: tier2},
			{Role: identity.RoleCFO, MinAmount: tier3},
		},
		shared.EntityInvoice: {
			{Role: identity.RoleAPClerk, MinAmount: 0},
			{Role: identity.RoleController, MinAmount: tier3},
		},
	}
}

// Router computes ordered approver chains. It is a pure computation over
// the chain spec plus the identity collaborator; it performs no persistence.
type Router struct {
	spec     ChainSpec
	resolver identity.Resolver
}

// NewRouter constructs a Router.
func NewRouter(spec ChainSpec, resolver identity.Resolver) *Router {
	return &Router{spec: spec, resolver: resolver}
}

// BuildChain returns the ordered steps required for the entity type and
// amount. Unresolved roles keep a nil approver: the chain is still built,
// and advancement stalls at the placeholder until assignment.
func (r *Router) BuildChain(ctx context.Context, entityType shared.EntityType, amount int64, rctx identity.Context) ([]ChainStep, error) {
	tiers, ok := r.spec[entityType]
	if !ok {
		return nil, fmt.Errorf("approval: no chain spec for entity type %s", entityType)
	}
	var steps []ChainStep
	for _, tier := range tiers {
		if amount < tier.MinAmount {
			break
		}
		approverID, err := r.resolver.Resolve(ctx, tier.Role, rctx)
		if err != nil {
			return nil, fmt.Errorf("approval: resolve %s: %w", tier.Role, err)
		}
		steps = append(steps, ChainStep{
			Level:      len(steps) + 1,
			Role:       tier.Role,
			ApproverID: approverID,
		})
	}
	return steps, nil
}

// VerifyNotSelfApproval rejects an approver equal to the submitter,
// including the case where the submitter fills the assigned role.
func VerifyNotSelfApproval(approverID, submitterID int64) error {
	if approverID != 0 && approverID == submitterID {
		return ErrSelfApproval
	}
	return nil
}
