package procurement

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/identity"
	"github.com/procura-erp/procura/internal/recon"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// fakeStore is an in-memory implementation of Store plus the budget and
// approval transaction stores. Execute snapshots all state up front and
// restores it when the unit of work fails, mirroring the transactional
// rollback of the postgres store.
type fakeStore struct {
	requests     map[int64]*Request
	orders       map[int64]*Order
	invoices     map[int64]*Invoice
	receiptLines map[int64][]ReceiptLine
	vendors      map[int64]workflow.Status
	budgets      map[budget.Key]*budget.Budget
	reservations []*budget.Reservation
	approvals    []*approval.Approval
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests:     map[int64]*Request{},
		orders:       map[int64]*Order{},
		invoices:     map[int64]*Invoice{},
		receiptLines: map[int64][]ReceiptLine{},
		vendors:      map[int64]workflow.Status{},
		budgets:      map[budget.Key]*budget.Budget{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

type fakeSnapshot struct {
	requests     map[int64]Request
	orders       map[int64]Order
	invoices     map[int64]Invoice
	receiptLines map[int64][]ReceiptLine
	budgets      map[budget.Key]budget.Budget
	reservations []budget.Reservation
	approvals    []approval.Approval
	nextID       int64
}

func (f *fakeStore) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		requests:     map[int64]Request{},
		orders:       map[int64]Order{},
		invoices:     map[int64]Invoice{},
		receiptLines: map[int64][]ReceiptLine{},
		budgets:      map[budget.Key]budget.Budget{},
		nextID:       f.nextID,
	}
	for id, r := range f.requests {
		s.requests[id] = cloneRequest(*r)
	}
	for id, o := range f.orders {
		s.orders[id] = cloneOrder(*o)
	}
	for id, inv := range f.invoices {
		s.invoices[id] = cloneInvoice(*inv)
	}
	for id, lines := range f.receiptLines {
		s.receiptLines[id] = append([]ReceiptLine(nil), lines...)
	}
	for key, b := range f.budgets {
		s.budgets[key] = *b
	}
	for _, r := range f.reservations {
		s.reservations = append(s.reservations, *r)
	}
	for _, a := range f.approvals {
		s.approvals = append(s.approvals, *a)
	}
	return s
}

func (f *fakeStore) restore(s fakeSnapshot) {
	f.requests = map[int64]*Request{}
	for id := range s.requests {
		r := cloneRequest(s.requests[id])
		f.requests[id] = &r
	}
	f.orders = map[int64]*Order{}
	for id := range s.orders {
		o := cloneOrder(s.orders[id])
		f.orders[id] = &o
	}
	f.invoices = map[int64]*Invoice{}
	for id := range s.invoices {
		inv := cloneInvoice(s.invoices[id])
		f.invoices[id] = &inv
	}
	f.receiptLines = map[int64][]ReceiptLine{}
	for id, lines := range s.receiptLines {
		f.receiptLines[id] = append([]ReceiptLine(nil), lines...)
	}
	f.budgets = map[budget.Key]*budget.Budget{}
	for key := range s.budgets {
		b := s.budgets[key]
		f.budgets[key] = &b
	}
	f.reservations = nil
	for i := range s.reservations {
		r := s.reservations[i]
		f.reservations = append(f.reservations, &r)
	}
	f.approvals = nil
	for i := range s.approvals {
		a := s.approvals[i]
		f.approvals = append(f.approvals, &a)
	}
	f.nextID = s.nextID
}

func cloneRequest(r Request) Request {
	r.Lines = append([]RequestLine(nil), r.Lines...)
	return r
}

func cloneOrder(o Order) Order {
	o.Lines = append([]OrderLine(nil), o.Lines...)
	return o
}

func cloneInvoice(inv Invoice) Invoice {
	inv.Lines = append([]InvoiceLine(nil), inv.Lines...)
	inv.Exceptions = append([]recon.Exception(nil), inv.Exceptions...)
	return inv
}

// Execute implements workflow.UnitOfWork.
func (f *fakeStore) Execute(ctx context.Context, fn func(ctx context.Context, tx workflow.Stores) error) error {
	snap := f.snapshot()
	if err := fn(ctx, &fakeTx{f: f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

// WithTx implements budget.Store so the ledger's standalone methods work
// against the same state.
func (f *fakeStore) WithTx(ctx context.Context, fn func(context.Context, budget.TxStore) error) error {
	snap := f.snapshot()
	if err := fn(ctx, &fakeTx{f: f}); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeStore) GetBudget(ctx context.Context, key budget.Key) (budget.Budget, error) {
	b, ok := f.budgets[key]
	if !ok {
		return budget.Budget{}, budget.NotFoundError{Key: key}
	}
	return *b, nil
}

// fakeTx satisfies Stores: the entity, budget, approval and document
// stores of one unit of work. The entity and approval stores are split
// into wrapper types because their SetStatus signatures differ.
type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) Entities() workflow.EntityStore { return &entityTx{f: t.f} }
func (t *fakeTx) Budgets() budget.TxStore        { return t }
func (t *fakeTx) Approvals() approval.TxStore    { return &approvalTx{f: t.f} }
func (t *fakeTx) Docs() TxStore                  { return t }

type entityTx struct {
	f *fakeStore
}

func (t *entityTx) GetForUpdate(ctx context.Context, ref shared.EntityRef) (workflow.EntityRecord, error) {
	record := workflow.EntityRecord{Ref: ref}
	switch ref.Type {
	case shared.EntityRequest:
		r, ok := t.f.requests[ref.ID]
		if !ok {
			return record, shared.ErrNotFound
		}
		record.Status = r.Status
		record.Version = r.Version
		record.SubmitterID = r.SubmitterID
		record.Amount = r.TotalAmount
		record.BudgetKey = r.BudgetKey()
		record.VendorID = r.VendorID
	case shared.EntityOrder:
		o, ok := t.f.orders[ref.ID]
		if !ok {
			return record, shared.ErrNotFound
		}
		record.Status = o.Status
		record.Version = o.Version
		record.SubmitterID = o.CreatedBy
		record.Amount = o.TotalAmount
		record.BudgetKey = o.BudgetKey()
		record.VendorID = o.VendorID
	case shared.EntityInvoice:
		inv, ok := t.f.invoices[ref.ID]
		if !ok {
			return record, shared.ErrNotFound
		}
		order, ok := t.f.orders[inv.OrderID]
		if !ok {
			return record, shared.ErrNotFound
		}
		record.Status = inv.Status
		record.Version = inv.Version
		record.SubmitterID = inv.UploadedBy
		record.Amount = inv.TotalAmount
		record.BudgetKey = order.BudgetKey()
		record.VendorID = inv.VendorID
	default:
		return record, shared.ErrNotFound
	}
	return record, nil
}

func (t *entityTx) SetStatus(ctx context.Context, ref shared.EntityRef, to workflow.Status, expectedVersion int64) error {
	switch ref.Type {
	case shared.EntityRequest:
		r := t.f.requests[ref.ID]
		if r == nil || r.Version != expectedVersion {
			return shared.ErrConcurrentModification
		}
		r.Status = to
		r.Version++
	case shared.EntityOrder:
		o := t.f.orders[ref.ID]
		if o == nil || o.Version != expectedVersion {
			return shared.ErrConcurrentModification
		}
		o.Status = to
		o.Version++
	case shared.EntityInvoice:
		inv := t.f.invoices[ref.ID]
		if inv == nil || inv.Version != expectedVersion {
			return shared.ErrConcurrentModification
		}
		inv.Status = to
		inv.Version++
	default:
		return shared.ErrNotFound
	}
	return nil
}

// budget.TxStore

func (t *fakeTx) BudgetForUpdate(ctx context.Context, key budget.Key) (budget.Budget, error) {
	b, ok := t.f.budgets[key]
	if !ok {
		return budget.Budget{}, budget.NotFoundError{Key: key}
	}
	return *b, nil
}

func (t *fakeTx) CommittedTotal(ctx context.Context, budgetID int64) (int64, error) {
	var total int64
	for _, r := range t.f.reservations {
		if r.BudgetID == budgetID && r.Status == budget.ReservationCommitted {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *fakeTx) ActiveReservation(ctx context.Context, owner shared.EntityRef) (budget.Reservation, error) {
	for _, r := range t.f.reservations {
		if r.Owner == owner && r.Status == budget.ReservationCommitted {
			return *r, nil
		}
	}
	return budget.Reservation{}, budget.ErrNoActiveReservation
}

func (t *fakeTx) InsertReservation(ctx context.Context, res budget.Reservation) (budget.Reservation, error) {
	for _, r := range t.f.reservations {
		if r.Owner == res.Owner && r.Status == budget.ReservationCommitted {
			return budget.Reservation{}, budget.ErrDuplicateReservation
		}
	}
	res.ID = t.f.id()
	stored := res
	t.f.reservations = append(t.f.reservations, &stored)
	return res, nil
}

func (t *fakeTx) SetReservationStatus(ctx context.Context, id int64, status budget.ReservationStatus) error {
	for _, r := range t.f.reservations {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return budget.ErrNoActiveReservation
}

func (t *fakeTx) AddSpent(ctx context.Context, budgetID int64, delta int64) error {
	for _, b := range t.f.budgets {
		if b.ID == budgetID {
			b.Spent += delta
			return nil
		}
	}
	return budget.NotFoundError{}
}

func (t *fakeTx) AdjustTotal(ctx context.Context, budgetID int64, delta int64) error {
	for _, b := range t.f.budgets {
		if b.ID == budgetID {
			b.Total += delta
			return nil
		}
	}
	return budget.NotFoundError{}
}

type approvalTx struct {
	f *fakeStore
}

func (t *approvalTx) InsertChain(ctx context.Context, entity shared.EntityRef, steps []approval.ChainStep) ([]approval.Approval, error) {
	rows := make([]approval.Approval, 0, len(steps))
	for _, step := range steps {
		row := &approval.Approval{
			ID:         t.f.id(),
			Entity:     entity,
			Level:      step.Level,
			Role:       step.Role,
			ApproverID: step.ApproverID,
			Status:     approval.StatusPending,
			CreatedAt:  time.Now(),
		}
		t.f.approvals = append(t.f.approvals, row)
		rows = append(rows, *row)
	}
	return rows, nil
}

func (t *approvalTx) PendingForUpdate(ctx context.Context, entity shared.EntityRef) ([]approval.Approval, error) {
	var pending []approval.Approval
	for _, a := range t.f.approvals {
		if a.Entity == entity && a.Status == approval.StatusPending {
			pending = append(pending, *a)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Level < pending[j].Level })
	return pending, nil
}

func (t *approvalTx) SetStatus(ctx context.Context, id int64, status approval.Status, decidedBy int64, note string) error {
	for _, a := range t.f.approvals {
		if a.ID == id {
			now := time.Now()
			a.Status = status
			a.DecidedBy = &decidedBy
			a.DecidedAt = &now
			a.Note = note
			return nil
		}
	}
	return approval.ErrNoPendingApproval
}

func (t *approvalTx) VoidPending(ctx context.Context, entity shared.EntityRef) error {
	for _, a := range t.f.approvals {
		if a.Entity == entity && a.Status == approval.StatusPending {
			a.Status = approval.StatusVoid
		}
	}
	return nil
}

// TxStore (documents)

func (t *fakeTx) GetRequest(ctx context.Context, id int64) (Request, error) {
	r, ok := t.f.requests[id]
	if !ok {
		return Request{}, shared.ErrNotFound
	}
	return cloneRequest(*r), nil
}

func (t *fakeTx) GetOrder(ctx context.Context, id int64) (Order, error) {
	o, ok := t.f.orders[id]
	if !ok {
		return Order{}, shared.ErrNotFound
	}
	return cloneOrder(*o), nil
}

func (t *fakeTx) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.f.invoices[id]
	if !ok {
		return Invoice{}, shared.ErrNotFound
	}
	return cloneInvoice(*inv), nil
}

func (t *fakeTx) OrderForRequest(ctx context.Context, requestID int64) (Order, error) {
	var found *Order
	for _, o := range t.f.orders {
		if o.RequestID == nil || *o.RequestID != requestID || o.Status == workflow.OrderCancelled {
			continue
		}
		if found == nil || o.ID > found.ID {
			found = o
		}
	}
	if found == nil {
		return Order{}, shared.ErrNotFound
	}
	return cloneOrder(*found), nil
}

func (t *fakeTx) InsertOrder(ctx context.Context, order Order) (Order, error) {
	order.ID = t.f.id()
	order.Version = 1
	for i := range order.Lines {
		order.Lines[i].ID = t.f.id()
		order.Lines[i].OrderID = order.ID
	}
	stored := cloneOrder(order)
	t.f.orders[order.ID] = &stored
	return order, nil
}

func (t *fakeTx) InsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error) {
	receipt.ID = t.f.id()
	for i := range receipt.Lines {
		receipt.Lines[i].ID = t.f.id()
		receipt.Lines[i].ReceiptID = receipt.ID
	}
	t.f.receiptLines[receipt.OrderID] = append(t.f.receiptLines[receipt.OrderID], receipt.Lines...)
	return receipt, nil
}

func (t *fakeTx) AddReceivedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error {
	o, ok := t.f.orders[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range o.Lines {
		if o.Lines[i].LineNo == lineNo {
			o.Lines[i].ReceivedQty += qty
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *fakeTx) AddInvoicedQty(ctx context.Context, orderID int64, lineNo int, qty int64) error {
	o, ok := t.f.orders[orderID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range o.Lines {
		if o.Lines[i].LineNo == lineNo {
			o.Lines[i].InvoicedQty += qty
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *fakeTx) ReceiptLinesForOrder(ctx context.Context, orderID int64) ([]ReceiptLine, error) {
	return append([]ReceiptLine(nil), t.f.receiptLines[orderID]...), nil
}

func (t *fakeTx) InvoicedQtyExcluding(ctx context.Context, orderID, excludeInvoiceID int64) (map[int]int64, error) {
	out := map[int]int64{}
	for _, inv := range t.f.invoices {
		if inv.OrderID != orderID || inv.ID == excludeInvoiceID {
			continue
		}
		switch inv.Status {
		case workflow.InvoiceMatched, workflow.InvoiceApproved, workflow.InvoicePaid:
		default:
			continue
		}
		for _, line := range inv.Lines {
			if line.OrderLineNo > 0 {
				out[line.OrderLineNo] += line.Qty
			}
		}
	}
	return out, nil
}

func (t *fakeTx) InsertInvoice(ctx context.Context, invoice Invoice) (Invoice, error) {
	invoice.ID = t.f.id()
	invoice.Version = 1
	for i := range invoice.Lines {
		invoice.Lines[i].ID = t.f.id()
		invoice.Lines[i].InvoiceID = invoice.ID
	}
	stored := cloneInvoice(invoice)
	t.f.invoices[invoice.ID] = &stored
	return invoice, nil
}

func (t *fakeTx) StoreMatchResult(ctx context.Context, invoiceID int64, verdict recon.Verdict) error {
	inv, ok := t.f.invoices[invoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	inv.Exceptions = append([]recon.Exception(nil), verdict.Exceptions...)
	return nil
}

func (t *fakeTx) SetOverride(ctx context.Context, invoiceID, actorID int64, reason string) error {
	inv, ok := t.f.invoices[invoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	inv.OverrideReason = &reason
	inv.OverrideBy = &actorID
	return nil
}

func (t *fakeTx) SetInvoicePaid(ctx context.Context, invoiceID int64) error {
	inv, ok := t.f.invoices[invoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	now := time.Now()
	inv.PaidAt = &now
	return nil
}

func (t *fakeTx) ListInvoicesForOrder(ctx context.Context, orderID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range t.f.invoices {
		if inv.OrderID == orderID {
			out = append(out, cloneInvoice(*inv))
		}
	}
	return out, nil
}

func (t *fakeTx) VendorStatus(ctx context.Context, vendorID int64) (workflow.Status, error) {
	status, ok := t.f.vendors[vendorID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return status, nil
}

// Pool-level Store methods.

func (f *fakeStore) CreateRequest(ctx context.Context, req Request) (Request, error) {
	req.ID = f.id()
	req.Version = 1
	for i := range req.Lines {
		req.Lines[i].ID = f.id()
		req.Lines[i].RequestID = req.ID
	}
	stored := cloneRequest(req)
	f.requests[req.ID] = &stored
	return req, nil
}

func (f *fakeStore) GetRequest(ctx context.Context, id int64) (Request, error) {
	return (&fakeTx{f: f}).GetRequest(ctx, id)
}

func (f *fakeStore) GetOrder(ctx context.Context, id int64) (Order, error) {
	return (&fakeTx{f: f}).GetOrder(ctx, id)
}

func (f *fakeStore) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return (&fakeTx{f: f}).GetInvoice(ctx, id)
}

func (f *fakeStore) ListOpenInvoices(ctx context.Context) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range f.invoices {
		if inv.Status != workflow.InvoicePaid {
			out = append(out, cloneInvoice(*inv))
		}
	}
	return out, nil
}

func (f *fakeStore) ListSettledFulfilledOrders(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, o := range f.orders {
		if o.Status != workflow.OrderFulfilled {
			continue
		}
		invoices, err := (&fakeTx{f: f}).ListInvoicesForOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(invoices) == 0 {
			continue
		}
		settled := true
		for _, inv := range invoices {
			if inv.Status != workflow.InvoicePaid {
				settled = false
				break
			}
		}
		if settled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memIdempotency struct {
	keys map[string]bool
}

func (m *memIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

const (
	submitterID = int64(5)
	managerID   = int64(101)
	financeID   = int64(201)
	apClerkID   = int64(301)
	vendorID    = int64(9)
	buyerID     = int64(6)
	warehouseID = int64(7)
)

var engQ1 = budget.Key{Department: "ENGINEERING", Year: 2026, Quarter: 1}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	store.budgets[engQ1] = &budget.Budget{ID: 1, Key: engQ1, Total: 10_000_000}
	store.vendors[vendorID] = workflow.VendorActive
	store.nextID = 100

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := &identity.StaticResolver{
		Managers: map[string]int64{"ENGINEERING": managerID},
		Holders: map[identity.Role]int64{
			identity.RoleFinanceHead: financeID,
			identity.RoleCFO:         202,
			identity.RoleAPClerk:     apClerkID,
			identity.RoleController:  203,
		},
	}
	svc, err := NewService(ServiceConfig{
		Store:       store,
		Ledger:      budget.NewLedger(store, logger),
		Approvals:   approval.NewService(approval.NewRouter(approval.DefaultChainSpec(1_000_000, 10_000_000), resolver), logger),
		Resolver:    resolver,
		Roles:       resolver,
		Tolerance:   recon.Tolerance{PctBps: 200, MinAbs: 1000},
		Audit:       nil,
		Idempotency: &memIdempotency{keys: map[string]bool{}},
		Logger:      logger,
	})
	require.NoError(t, err)
	return svc, store
}

func createRequest(t *testing.T, svc *Service) Request {
	t.Helper()
	req, err := svc.CreateRequest(context.Background(), CreateRequestInput{
		Department:  "ENGINEERING",
		Year:        2026,
		Quarter:     1,
		VendorID:    vendorID,
		SubmitterID: submitterID,
		Description: "workstation refresh",
		Lines: []RequestLineInput{
			{Description: "laptop", Qty: 10, UnitPrice: 100_000},
		},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.RequestDraft, req.Status)
	require.Equal(t, int64(1_000_000), req.TotalAmount)
	return req
}

// approveRequest walks the two-level chain built for a 1,000,000 request.
func approveRequest(t *testing.T, svc *Service, requestID int64) Order {
	t.Helper()
	ctx := context.Background()

	result, err := svc.Approve(ctx, shared.EntityRequest, requestID, managerID, 1, "")
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, result.To)

	result, err = svc.Approve(ctx, shared.EntityRequest, requestID, financeID, 2, "")
	require.NoError(t, err)
	require.Equal(t, workflow.RequestApproved, result.To)

	svcStore := svc.store.(*fakeStore)
	order, err := (&fakeTx{f: svcStore}).OrderForRequest(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderDraft, order.Status)
	return order
}

func TestRequestSubmitReservesAndBuildsChain(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)

	result, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, result.To)

	owner := shared.EntityRef{Type: shared.EntityRequest, ID: req.ID}
	res, err := (&fakeTx{f: store}).ActiveReservation(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), res.Amount)

	pending, err := (&approvalTx{f: store}).PendingForUpdate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, identity.RoleDeptManager, pending[0].Role)
	require.Equal(t, identity.RoleFinanceHead, pending[1].Role)
}

func TestRequestSubmitWithoutLines(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	req := Request{
		Number: "REQ-EMPTY", Department: "ENGINEERING", Year: 2026, Quarter: 1,
		VendorID: vendorID, SubmitterID: submitterID, Status: workflow.RequestDraft,
	}
	created, err := store.CreateRequest(ctx, req)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, created.ID, submitterID)
	require.ErrorIs(t, err, ErrNoLineItems)

	// The failed submit left no reservation behind.
	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityRequest, ID: created.ID})
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)
}

func TestRequestSubmitBudgetExceeded(t *testing.T) {
	svc, store := newTestService(t)
	store.budgets[engQ1].Total = 500_000
	ctx := context.Background()
	req := createRequest(t, svc)

	_, err := svc.Submit(ctx, req.ID, submitterID)
	var exceeded budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, int64(500_000), exceeded.Available)

	// A failed reservation leaves the request in DRAFT.
	got, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestDraft, got.Status)
}

func TestRequestApprovalChainToDraftOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)

	// The intermediate level keeps the request pending and drafts nothing.
	result, err := svc.Approve(ctx, shared.EntityRequest, req.ID, managerID, 1, "within plan")
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, result.To)
	_, err = (&fakeTx{f: store}).OrderForRequest(ctx, req.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	result, err = svc.Approve(ctx, shared.EntityRequest, req.ID, financeID, 2, "")
	require.NoError(t, err)
	require.Equal(t, workflow.RequestApproved, result.To)

	order, err := (&fakeTx{f: store}).OrderForRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderDraft, order.Status)
	require.Equal(t, req.ID, *order.RequestID)
	require.Equal(t, int64(1_000_000), order.TotalAmount)
	require.Len(t, order.Lines, 1)
}

func TestRequestApprovalSequenceAndIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, shared.EntityRequest, req.ID, financeID, 2, "")
	require.ErrorIs(t, err, approval.ErrOutOfSequence)

	_, err = svc.Approve(ctx, shared.EntityRequest, req.ID, financeID, 1, "")
	require.ErrorIs(t, err, approval.ErrNotCurrentApprover)
}

func TestRequestSelfApprovalBlocked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// The department manager submits a request of their own.
	req, err := svc.CreateRequest(ctx, CreateRequestInput{
		Department: "ENGINEERING", Year: 2026, Quarter: 1,
		VendorID: vendorID, SubmitterID: managerID,
		Lines: []RequestLineInput{{Description: "chair", Qty: 1, UnitPrice: 50_000}},
	})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, req.ID, managerID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, shared.EntityRequest, req.ID, managerID, 1, "")
	require.ErrorIs(t, err, approval.ErrSelfApproval)
}

func TestRequestRejectReleasesBudget(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)

	result, err := svc.Reject(ctx, shared.EntityRequest, req.ID, managerID, 1, "duplicate of another request")
	require.NoError(t, err)
	require.Equal(t, workflow.RequestRejected, result.To)

	owner := shared.EntityRef{Type: shared.EntityRequest, ID: req.ID}
	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, owner)
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)

	pending, err := (&approvalTx{f: store}).PendingForUpdate(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRequestCancelPendingVoidsChain(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)

	result, err := svc.Cancel(ctx, shared.EntityRequest, req.ID, submitterID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestCancelled, result.To)

	owner := shared.EntityRef{Type: shared.EntityRequest, ID: req.ID}
	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, owner)
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)
	for _, a := range store.approvals {
		if a.Entity == owner {
			require.Equal(t, approval.StatusVoid, a.Status)
		}
	}
}

func TestRequestCancelBlockedAfterOrderIssued(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	order := approveRequest(t, svc, req.ID)

	_, err = svc.IssueOrder(ctx, order.ID, buyerID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, shared.EntityRequest, req.ID, submitterID)
	require.ErrorIs(t, err, ErrOrderAlreadyIssued)
}

func TestRequestCancelAllowedWhileOrderDraft(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	approveRequest(t, svc, req.ID)

	// The drafted order has not reached the vendor, so the requester can
	// still withdraw and free the reservation.
	result, err := svc.Cancel(ctx, shared.EntityRequest, req.ID, submitterID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestCancelled, result.To)

	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityRequest, ID: req.ID})
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)
}

func TestOrderIssueRequiresActiveVendor(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	order := approveRequest(t, svc, req.ID)

	store.vendors[vendorID] = workflow.VendorBlocked
	_, err = svc.IssueOrder(ctx, order.ID, buyerID)
	require.ErrorIs(t, err, ErrVendorNotActive)
}

func TestOrderIssueRebindsReservation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	order := approveRequest(t, svc, req.ID)

	result, err := svc.IssueOrder(ctx, order.ID, buyerID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderIssued, result.To)

	tx := &fakeTx{f: store}
	_, err = tx.ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityRequest, ID: req.ID})
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)
	res, err := tx.ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: order.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), res.Amount)
}

func issueAndAcknowledge(t *testing.T, svc *Service, orderID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.IssueOrder(ctx, orderID, buyerID)
	require.NoError(t, err)
	_, err = svc.AcknowledgeOrder(ctx, orderID, buyerID)
	require.NoError(t, err)
}

func TestReceiptFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	order := approveRequest(t, svc, req.ID)
	issueAndAcknowledge(t, svc, order.ID)

	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		ReceivedBy: warehouseID,
		Lines:      []ReceiptLineInput{{OrderLineNo: 1, Qty: 6}},
	})
	require.NoError(t, err)
	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderPartiallyFulfilled, got.Status)
	require.Equal(t, int64(6), got.Lines[0].ReceivedQty)

	// Over-receipt on the remaining quantity is rejected whole.
	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		ReceivedBy: warehouseID,
		Lines:      []ReceiptLineInput{{OrderLineNo: 1, Qty: 5}},
	})
	var exceeds ReceiptExceedsOrderedError
	require.ErrorAs(t, err, &exceeds)
	require.Equal(t, int64(10), exceeds.Ordered)
	require.Equal(t, int64(6), exceeds.Received)

	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		ReceivedBy: warehouseID,
		Lines:      []ReceiptLineInput{{OrderLineNo: 1, Qty: 4}},
	})
	require.NoError(t, err)
	got, err = svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderFulfilled, got.Status)
}

func fulfilledOrder(t *testing.T, svc *Service) (Request, Order) {
	t.Helper()
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)
	order := approveRequest(t, svc, req.ID)
	issueAndAcknowledge(t, svc, order.ID)
	_, err = svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		ReceivedBy: warehouseID,
		Lines:      []ReceiptLineInput{{OrderLineNo: 1, Qty: 10}},
	})
	require.NoError(t, err)
	return req, order
}

func TestInvoiceCleanMatchThroughPayment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, verdict, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		DueAt:      time.Now().Add(30 * 24 * time.Hour),
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 100_000}},
	})
	require.NoError(t, err)
	require.True(t, verdict.Matched)

	got, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.InvoiceMatched, got.Status)

	// Clean match advanced the invoiced bookkeeping.
	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), gotOrder.Lines[0].InvoicedQty)

	// One approval level for a 1,000,000 invoice: the AP clerk.
	_, err = svc.Approve(ctx, shared.EntityInvoice, invoice.ID, apClerkID, 1, "")
	require.NoError(t, err)

	_, err = svc.PayInvoice(ctx, invoice.ID, apClerkID)
	require.NoError(t, err)
	got, err = svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.InvoicePaid, got.Status)
	require.NotNil(t, got.PaidAt)

	// Paying the only invoice closed the order and committed the spend.
	gotOrder, err = svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderClosed, gotOrder.Status)
	require.Equal(t, int64(1_000_000), store.budgets[engQ1].Spent)
	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: order.ID})
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)
}

func TestInvoicePriceVarianceFlagsException(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, verdict, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 105_000}},
	})
	require.NoError(t, err)
	require.False(t, verdict.Matched)
	require.Len(t, verdict.Exceptions, 1)
	require.Equal(t, recon.CodePriceVariance, verdict.Exceptions[0].Code)

	got, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.InvoiceException, got.Status)
	require.Len(t, got.Exceptions, 1)

	// The exception invoice advanced no bookkeeping.
	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Zero(t, gotOrder.Lines[0].InvoicedQty)
}

func TestInvoiceOverrideRequiresRoleAndReason(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, _, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 105_000}},
	})
	require.NoError(t, err)

	_, err = svc.OverrideException(ctx, invoice.ID, warehouseID, "vendor price list updated")
	require.ErrorIs(t, err, ErrElevatedRoleRequired)

	_, err = svc.OverrideException(ctx, invoice.ID, financeID, "")
	require.ErrorIs(t, err, ErrReasonRequired)

	result, err := svc.OverrideException(ctx, invoice.ID, financeID, "vendor price list updated")
	require.NoError(t, err)
	require.Equal(t, workflow.InvoiceMatched, result.To)

	got, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OverrideReason)
	require.Equal(t, financeID, *got.OverrideBy)

	// The override advanced the bookkeeping for the referenced line.
	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), gotOrder.Lines[0].InvoicedQty)
}

func TestInvoiceOverrideSkipsUnknownOrderLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, verdict, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines: []InvoiceLineInput{
			{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 100_000},
			{OrderLineNo: 9, Description: "freight", Qty: 1, UnitPrice: 25_000},
		},
	})
	require.NoError(t, err)
	require.False(t, verdict.Matched)

	result, err := svc.OverrideException(ctx, invoice.ID, financeID, "freight surcharge accepted")
	require.NoError(t, err)
	require.Equal(t, workflow.InvoiceMatched, result.To)

	// Only the line that resolves to a real order line advances the
	// bookkeeping; the off-order charge is accepted without one.
	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), gotOrder.Lines[0].InvoicedQty)
}

func TestInvoiceOverrideClampsOverbilledQty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, verdict, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 12, UnitPrice: 100_000}},
	})
	require.NoError(t, err)
	require.False(t, verdict.Matched)

	_, err = svc.OverrideException(ctx, invoice.ID, financeID, "over-billed units credited separately")
	require.NoError(t, err)

	// Invoiced quantity stays bounded by what was received.
	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), gotOrder.Lines[0].InvoicedQty)
}

func TestInvoiceDispute(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, _, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 12, UnitPrice: 100_000}},
	})
	require.NoError(t, err)

	result, err := svc.DisputeInvoice(ctx, invoice.ID, buyerID, "billed more than received")
	require.NoError(t, err)
	require.Equal(t, workflow.InvoiceDisputed, result.To)
}

func TestUploadInvoiceReplayRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	input := UploadInvoiceInput{
		Number:     "INV-REPLAY",
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 100_000}},
	}
	_, _, err := svc.UploadInvoice(ctx, input)
	require.NoError(t, err)

	_, _, err = svc.UploadInvoice(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestCloseSettledOrdersReplaysLostClose(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, order := fulfilledOrder(t, svc)

	invoice, verdict, err := svc.UploadInvoice(ctx, UploadInvoiceInput{
		OrderID:    order.ID,
		UploadedBy: vendorID,
		Lines:      []InvoiceLineInput{{OrderLineNo: 1, Description: "laptop", Qty: 10, UnitPrice: 100_000}},
	})
	require.NoError(t, err)
	require.True(t, verdict.Matched)
	_, err = svc.Approve(ctx, shared.EntityInvoice, invoice.ID, apClerkID, 1, "")
	require.NoError(t, err)

	// The payment committed but the follow-up close never did, as after
	// a crash between the two transactions.
	now := time.Now()
	store.invoices[invoice.ID].Status = workflow.InvoicePaid
	store.invoices[invoice.ID].PaidAt = &now
	store.invoices[invoice.ID].Version++

	closed, err := svc.CloseSettledOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	gotOrder, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderClosed, gotOrder.Status)
	require.Equal(t, int64(1_000_000), store.budgets[engQ1].Spent)
	_, err = (&fakeTx{f: store}).ActiveReservation(ctx, shared.EntityRef{Type: shared.EntityOrder, ID: order.ID})
	require.ErrorIs(t, err, budget.ErrNoActiveReservation)

	// A second sweep finds nothing left to close.
	closed, err = svc.CloseSettledOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, closed)
}

func TestEscalateAdvancesChain(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := createRequest(t, svc)
	_, err := svc.Submit(ctx, req.ID, submitterID)
	require.NoError(t, err)

	result, err := svc.Escalate(ctx, shared.EntityRequest, req.ID, 1)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, result.To)

	owner := shared.EntityRef{Type: shared.EntityRequest, ID: req.ID}
	pending, err := (&approvalTx{f: store}).PendingForUpdate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Level)

	// An exhausted chain stays pending for manual handling.
	result, err = svc.Escalate(ctx, shared.EntityRequest, req.ID, 2)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, result.To)
	got, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestPending, got.Status)
}

func TestCalculateAging(t *testing.T) {
	svc, store := newTestService(t)
	asOf := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	due := func(daysOverdue int) time.Time { return asOf.AddDate(0, 0, -daysOverdue) }
	invoices := []Invoice{
		{Status: workflow.InvoiceMatched, TotalAmount: 100, DueAt: due(-5)},
		{Status: workflow.InvoiceApproved, TotalAmount: 200, DueAt: due(10)},
		{Status: workflow.InvoiceException, TotalAmount: 300, DueAt: due(45)},
		{Status: workflow.InvoiceDisputed, TotalAmount: 400, DueAt: due(75)},
		{Status: workflow.InvoiceMatched, TotalAmount: 500, DueAt: due(200)},
		{Status: workflow.InvoicePaid, TotalAmount: 999, DueAt: due(10)},
	}
	for i := range invoices {
		inv := invoices[i]
		inv.ID = store.id()
		store.invoices[inv.ID] = &inv
	}

	bucket, err := svc.CalculateAging(context.Background(), asOf)
	require.NoError(t, err)
	require.Equal(t, int64(100), bucket.Current)
	require.Equal(t, int64(200), bucket.Bucket30)
	require.Equal(t, int64(300), bucket.Bucket60)
	require.Equal(t, int64(400), bucket.Bucket90)
	require.Equal(t, int64(500), bucket.Bucket120)
}
