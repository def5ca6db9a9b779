package vendors

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// memStore is an in-memory vendor store. Execute restores a snapshot when
// the unit of work fails, like the postgres transaction rollback.
type memStore struct {
	vendors map[int64]*Vendor
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{vendors: map[int64]*Vendor{}}
}

func (m *memStore) Execute(ctx context.Context, fn func(ctx context.Context, tx workflow.Stores) error) error {
	snap := make(map[int64]Vendor, len(m.vendors))
	for id, v := range m.vendors {
		snap[id] = *v
	}
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.vendors = make(map[int64]*Vendor, len(snap))
		for id := range snap {
			v := snap[id]
			m.vendors[id] = &v
		}
		return err
	}
	return nil
}

func (m *memStore) CreateVendor(ctx context.Context, vendor Vendor) (Vendor, error) {
	m.nextID++
	vendor.ID = m.nextID
	vendor.Version = 1
	stored := vendor
	m.vendors[vendor.ID] = &stored
	return vendor, nil
}

func (m *memStore) UpdateVendor(ctx context.Context, vendor Vendor) (Vendor, error) {
	current, ok := m.vendors[vendor.ID]
	if !ok || current.Version != vendor.Version {
		return Vendor{}, shared.ErrConcurrentModification
	}
	vendor.Status = current.Status
	vendor.Version = current.Version + 1
	stored := vendor
	m.vendors[vendor.ID] = &stored
	return vendor, nil
}

func (m *memStore) GetVendor(ctx context.Context, id int64) (Vendor, error) {
	v, ok := m.vendors[id]
	if !ok {
		return Vendor{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memStore) ListVendors(ctx context.Context, status workflow.Status, limit, offset int) ([]Vendor, int64, error) {
	var out []Vendor
	for _, v := range m.vendors {
		if status == "" || v.Status == status {
			out = append(out, *v)
		}
	}
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

type memTx struct {
	m *memStore
}

func (t *memTx) Entities() workflow.EntityStore { return t }
func (t *memTx) Budgets() budget.TxStore        { return nil }
func (t *memTx) Approvals() approval.TxStore    { return nil }
func (t *memTx) Vendors() TxStore               { return t }

func (t *memTx) GetForUpdate(ctx context.Context, ref shared.EntityRef) (workflow.EntityRecord, error) {
	v, ok := t.m.vendors[ref.ID]
	if !ok {
		return workflow.EntityRecord{}, shared.ErrNotFound
	}
	return workflow.EntityRecord{Ref: ref, Status: v.Status, Version: v.Version}, nil
}

func (t *memTx) SetStatus(ctx context.Context, ref shared.EntityRef, to workflow.Status, expectedVersion int64) error {
	v, ok := t.m.vendors[ref.ID]
	if !ok || v.Version != expectedVersion {
		return shared.ErrConcurrentModification
	}
	v.Status = to
	v.Version++
	return nil
}

func (t *memTx) GetVendor(ctx context.Context, id int64) (Vendor, error) {
	return t.m.GetVendor(ctx, id)
}

func (t *memTx) SetStatusReason(ctx context.Context, id int64, reason string) error {
	v, ok := t.m.vendors[id]
	if !ok {
		return shared.ErrNotFound
	}
	v.StatusReason = &reason
	return nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(store, nil, logger)
	require.NoError(t, err)
	return svc, store
}

func completeInput() CreateVendorInput {
	return CreateVendorInput{
		Name:               "Northwind Supplies",
		TaxID:              "TAX-7781",
		ContactEmail:       "ap@northwind.example",
		BankAccount:        "NL91ABNA0417164300",
		RegistrationDocRef: "doc://registration/1",
		TaxDocRef:          "doc://tax/1",
		BankProofRef:       "doc://bank/1",
		CreatedBy:          11,
	}
}

func activeVendor(t *testing.T, svc *Service) Vendor {
	t.Helper()
	ctx := context.Background()
	vendor, err := svc.Create(ctx, completeInput())
	require.NoError(t, err)
	_, err = svc.Transition(ctx, vendor.ID, 11, workflow.ActionSubmit, "")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionActivate, "")
	require.NoError(t, err)
	return vendor
}

func TestCreateGeneratesCode(t *testing.T) {
	svc, _ := newTestService(t)
	vendor, err := svc.Create(context.Background(), completeInput())
	require.NoError(t, err)
	require.NotEmpty(t, vendor.Code)
	require.Equal(t, workflow.VendorDraft, vendor.Status)
}

func TestCreateRequiresName(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateVendorInput{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateDraftOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	vendor, err := svc.Create(ctx, completeInput())
	require.NoError(t, err)

	vendor.ContactEmail = "billing@northwind.example"
	updated, err := svc.Update(ctx, vendor)
	require.NoError(t, err)
	require.Equal(t, "billing@northwind.example", updated.ContactEmail)

	_, err = svc.Transition(ctx, vendor.ID, 11, workflow.ActionSubmit, "")
	require.NoError(t, err)
	_, err = svc.Update(ctx, updated)
	require.ErrorIs(t, err, ErrNotDraft)
}

func TestActivateRequiresCompleteDocs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := completeInput()
	input.BankProofRef = ""
	vendor, err := svc.Create(ctx, input)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, vendor.ID, 11, workflow.ActionSubmit, "")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionActivate, "")
	require.ErrorIs(t, err, ErrDocsIncomplete)

	// The vendor stays under review so the missing proof can be added.
	got, err := svc.Get(ctx, vendor.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.VendorPendingReview, got.Status)
}

func TestActivateWithCompleteDocs(t *testing.T) {
	svc, _ := newTestService(t)
	vendor := activeVendor(t, svc)
	got, err := svc.Get(context.Background(), vendor.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.VendorActive, got.Status)
}

func TestReturnToDraftRequiresReason(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	vendor, err := svc.Create(ctx, completeInput())
	require.NoError(t, err)
	_, err = svc.Transition(ctx, vendor.ID, 11, workflow.ActionSubmit, "")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionReturnDraft, "")
	require.ErrorIs(t, err, ErrReasonRequired)

	result, err := svc.Transition(ctx, vendor.ID, 12, workflow.ActionReturnDraft, "tax document expired")
	require.NoError(t, err)
	require.Equal(t, workflow.VendorDraft, result.To)
}

func TestBlockAndUnblock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	vendor := activeVendor(t, svc)

	_, err := svc.Transition(ctx, vendor.ID, 12, workflow.ActionBlock, "")
	require.ErrorIs(t, err, ErrReasonRequired)

	result, err := svc.Transition(ctx, vendor.ID, 12, workflow.ActionBlock, "failed compliance audit")
	require.NoError(t, err)
	require.Equal(t, workflow.VendorBlocked, result.To)

	got, err := svc.Get(ctx, vendor.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StatusReason)
	require.Equal(t, "failed compliance audit", *got.StatusReason)

	result, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionUnblock, "")
	require.NoError(t, err)
	require.Equal(t, workflow.VendorActive, result.To)
}

func TestSuspendAndReinstate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	vendor := activeVendor(t, svc)

	result, err := svc.Transition(ctx, vendor.ID, 12, workflow.ActionSuspend, "pending fraud investigation")
	require.NoError(t, err)
	require.Equal(t, workflow.VendorSuspended, result.To)

	result, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionReinstate, "")
	require.NoError(t, err)
	require.Equal(t, workflow.VendorActive, result.To)
}

func TestInvalidLifecycleAction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	vendor, err := svc.Create(ctx, completeInput())
	require.NoError(t, err)

	_, err = svc.Transition(ctx, vendor.ID, 12, workflow.ActionActivate, "")
	var invalid workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, workflow.VendorDraft, invalid.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	activeVendor(t, svc)
	_, err := svc.Create(ctx, completeInput())
	require.NoError(t, err)

	active, total, err := svc.List(ctx, workflow.VendorActive, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, active, 1)
	require.Equal(t, workflow.VendorActive, active[0].Status)
}
