package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/shared"
)

func testRouter() *Router {
	resolver := &identity.StaticResolver{
		Managers: map[string]int64{"ENGINEERING": 101},
		Holders: map[identity.Role]int64{
			identity.RoleFinanceHead: 201,
			identity.RoleCFO:         202,
			identity.RoleAPClerk:     301,
			identity.RoleController:  203,
		},
	}
	return NewRouter(DefaultChainSpec(1_000_000, 10_000_000), resolver)
}

func TestBuildChainTierPrefix(t *testing.T) {
	router := testRouter()
	rctx := identity.Context{Department: "ENGINEERING", RequesterID: 1}

	tests := []struct {
		name   string
		amount int64
		roles  []identity.Role
	}{
		{"below tier2", 999_999, []identity.Role{identity.RoleDeptManager}},
		{"at tier2 boundary", 1_000_000, []identity.Role{identity.RoleDeptManager, identity.RoleFinanceHead}},
		{"between tiers", 5_000_000, []identity.Role{identity.RoleDeptManager, identity.RoleFinanceHead}},
		{"at tier3 boundary", 10_000_000, []identity.Role{identity.RoleDeptManager, identity.RoleFinanceHead, identity.RoleCFO}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			steps, err := router.BuildChain(context.Background(), shared.EntityRequest, tc.amount, rctx)
			require.NoError(t, err)
			require.Len(t, steps, len(tc.roles))
			for i, role := range tc.roles {
				require.Equal(t, i+1, steps[i].Level)
				require.Equal(t, role, steps[i].Role)
				require.NotNil(t, steps[i].ApproverID)
			}
		})
	}
}

func TestBuildChainInvoiceTiers(t *testing.T) {
	router := testRouter()
	rctx := identity.Context{Department: "ENGINEERING"}

	steps, err := router.BuildChain(context.Background(), shared.EntityInvoice, 500_000, rctx)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, identity.RoleAPClerk, steps[0].Role)

	steps, err = router.BuildChain(context.Background(), shared.EntityInvoice, 12_000_000, rctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, identity.RoleController, steps[1].Role)
}

func TestBuildChainUnfilledRolePlaceholder(t *testing.T) {
	// No CFO assigned: the chain is still three levels, with a nil
	// approver at the top.
	resolver := &identity.StaticResolver{
		Managers: map[string]int64{"ENGINEERING": 101},
		Holders:  map[identity.Role]int64{identity.RoleFinanceHead: 201},
	}
	router := NewRouter(DefaultChainSpec(1_000_000, 10_000_000), resolver)

	steps, err := router.BuildChain(context.Background(), shared.EntityRequest, 15_000_000,
		identity.Context{Department: "ENGINEERING"})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Nil(t, steps[2].ApproverID)
}

func TestBuildChainUnknownEntityType(t *testing.T) {
	router := testRouter()
	_, err := router.BuildChain(context.Background(), shared.EntityVendor, 100, identity.Context{})
	require.Error(t, err)
}

func TestVerifyNotSelfApproval(t *testing.T) {
	require.ErrorIs(t, VerifyNotSelfApproval(7, 7), ErrSelfApproval)
	require.NoError(t, VerifyNotSelfApproval(7, 8))
	require.NoError(t, VerifyNotSelfApproval(0, 0))
}
