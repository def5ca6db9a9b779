package rfq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// memStore backs the service with maps. Execute restores a snapshot when
// the unit of work fails, like the postgres transaction rollback.
type memStore struct {
	rfqs         map[int64]*RFQ
	bids         []*Bid
	budgets      map[budget.Key]*budget.Budget
	reservations []*budget.Reservation
	orders       []AwardOrder
	nextID       int64
}

func newMemStore() *memStore {
	return &memStore{
		rfqs:    map[int64]*RFQ{},
		budgets: map[budget.Key]*budget.Budget{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

type memSnapshot struct {
	rfqs         map[int64]RFQ
	bids         []Bid
	budgets      map[budget.Key]budget.Budget
	reservations []budget.Reservation
	orders       []AwardOrder
	nextID       int64
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		rfqs:    map[int64]RFQ{},
		budgets: map[budget.Key]budget.Budget{},
		orders:  append([]AwardOrder(nil), m.orders...),
		nextID:  m.nextID,
	}
	for id, r := range m.rfqs {
		cp := *r
		cp.Lines = append([]Line(nil), r.Lines...)
		s.rfqs[id] = cp
	}
	for _, b := range m.bids {
		s.bids = append(s.bids, *b)
	}
	for key, b := range m.budgets {
		s.budgets[key] = *b
	}
	for _, r := range m.reservations {
		s.reservations = append(s.reservations, *r)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.rfqs = map[int64]*RFQ{}
	for id := range s.rfqs {
		r := s.rfqs[id]
		m.rfqs[id] = &r
	}
	m.bids = nil
	for i := range s.bids {
		b := s.bids[i]
		m.bids = append(m.bids, &b)
	}
	m.budgets = map[budget.Key]*budget.Budget{}
	for key := range s.budgets {
		b := s.budgets[key]
		m.budgets[key] = &b
	}
	m.reservations = nil
	for i := range s.reservations {
		r := s.reservations[i]
		m.reservations = append(m.reservations, &r)
	}
	m.orders = append([]AwardOrder(nil), s.orders...)
	m.nextID = s.nextID
}

func (m *memStore) Execute(ctx context.Context, fn func(ctx context.Context, tx workflow.Stores) error) error {
	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, budget.TxStore) error) error {
	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) GetBudget(ctx context.Context, key budget.Key) (budget.Budget, error) {
	b, ok := m.budgets[key]
	if !ok {
		return budget.Budget{}, budget.NotFoundError{Key: key}
	}
	return *b, nil
}

func (m *memStore) CreateRFQ(ctx context.Context, r RFQ) (RFQ, error) {
	r.ID = m.id()
	r.Version = 1
	for i := range r.Lines {
		r.Lines[i].ID = m.id()
		r.Lines[i].RFQID = r.ID
	}
	stored := r
	stored.Lines = append([]Line(nil), r.Lines...)
	m.rfqs[r.ID] = &stored
	return r, nil
}

func (m *memStore) GetRFQ(ctx context.Context, id int64) (RFQ, error) {
	r, ok := m.rfqs[id]
	if !ok {
		return RFQ{}, shared.ErrNotFound
	}
	cp := *r
	cp.Lines = append([]Line(nil), r.Lines...)
	return cp, nil
}

func (m *memStore) InsertBid(ctx context.Context, bid Bid) (Bid, error) {
	bid.ID = m.id()
	bid.SubmittedAt = time.Now()
	for i := range bid.Lines {
		bid.Lines[i].ID = m.id()
		bid.Lines[i].BidID = bid.ID
	}
	stored := bid
	m.bids = append(m.bids, &stored)
	return bid, nil
}

func (m *memStore) ListBids(ctx context.Context, rfqID int64) ([]Bid, error) {
	var out []Bid
	for _, b := range m.bids {
		if b.RFQID == rfqID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredOpen(ctx context.Context, asOf time.Time) (map[int64]int, error) {
	out := map[int64]int{}
	for id, r := range m.rfqs {
		if r.Status != workflow.RFQOpen || r.Deadline.After(asOf) {
			continue
		}
		count := 0
		for _, b := range m.bids {
			if b.RFQID == id {
				count++
			}
		}
		out[id] = count
	}
	return out, nil
}

// memTx satisfies Stores. The entity, budget and RFQ store methods do not
// collide, so one type serves all three.
type memTx struct {
	m *memStore
}

func (t *memTx) Entities() workflow.EntityStore { return t }
func (t *memTx) Budgets() budget.TxStore        { return t }
func (t *memTx) Approvals() approval.TxStore    { return nil }
func (t *memTx) RFQs() TxStore                  { return t }

func (t *memTx) GetForUpdate(ctx context.Context, ref shared.EntityRef) (workflow.EntityRecord, error) {
	r, ok := t.m.rfqs[ref.ID]
	if !ok {
		return workflow.EntityRecord{}, shared.ErrNotFound
	}
	return workflow.EntityRecord{Ref: ref, Status: r.Status, Version: r.Version}, nil
}

func (t *memTx) SetStatus(ctx context.Context, ref shared.EntityRef, to workflow.Status, expectedVersion int64) error {
	r, ok := t.m.rfqs[ref.ID]
	if !ok || r.Version != expectedVersion {
		return shared.ErrConcurrentModification
	}
	r.Status = to
	r.Version++
	return nil
}

func (t *memTx) BudgetForUpdate(ctx context.Context, key budget.Key) (budget.Budget, error) {
	return t.m.GetBudget(ctx, key)
}

func (t *memTx) CommittedTotal(ctx context.Context, budgetID int64) (int64, error) {
	var total int64
	for _, r := range t.m.reservations {
		if r.BudgetID == budgetID && r.Status == budget.ReservationCommitted {
			total += r.Amount
		}
	}
	return total, nil
}

func (t *memTx) ActiveReservation(ctx context.Context, owner shared.EntityRef) (budget.Reservation, error) {
	for _, r := range t.m.reservations {
		if r.Owner == owner && r.Status == budget.ReservationCommitted {
			return *r, nil
		}
	}
	return budget.Reservation{}, budget.ErrNoActiveReservation
}

func (t *memTx) InsertReservation(ctx context.Context, res budget.Reservation) (budget.Reservation, error) {
	res.ID = t.m.id()
	stored := res
	t.m.reservations = append(t.m.reservations, &stored)
	return res, nil
}

func (t *memTx) SetReservationStatus(ctx context.Context, id int64, status budget.ReservationStatus) error {
	for _, r := range t.m.reservations {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return budget.ErrNoActiveReservation
}

func (t *memTx) AddSpent(ctx context.Context, budgetID int64, delta int64) error {
	for _, b := range t.m.budgets {
		if b.ID == budgetID {
			b.Spent += delta
			return nil
		}
	}
	return budget.NotFoundError{}
}

func (t *memTx) AdjustTotal(ctx context.Context, budgetID int64, delta int64) error {
	for _, b := range t.m.budgets {
		if b.ID == budgetID {
			b.Total += delta
			return nil
		}
	}
	return budget.NotFoundError{}
}

func (t *memTx) GetRFQ(ctx context.Context, id int64) (RFQ, error) {
	return t.m.GetRFQ(ctx, id)
}

func (t *memTx) CountBids(ctx context.Context, rfqID int64) (int, error) {
	count := 0
	for _, b := range t.m.bids {
		if b.RFQID == rfqID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) GetBid(ctx context.Context, rfqID, bidID int64) (Bid, error) {
	for _, b := range t.m.bids {
		if b.RFQID == rfqID && b.ID == bidID {
			return *b, nil
		}
	}
	return Bid{}, ErrBidNotFound
}

func (t *memTx) SetWinningBid(ctx context.Context, rfqID, bidID int64) error {
	r, ok := t.m.rfqs[rfqID]
	if !ok {
		return shared.ErrNotFound
	}
	r.WinningBidID = &bidID
	return nil
}

func (t *memTx) InsertAwardOrder(ctx context.Context, order AwardOrder) (int64, error) {
	t.m.orders = append(t.m.orders, order)
	return t.m.id(), nil
}

var opsQ3 = budget.Key{Department: "OPERATIONS", Year: 2026, Quarter: 3}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	store.budgets[opsQ3] = &budget.Budget{ID: 1, Key: opsQ3, Total: 5_000_000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(store, budget.NewLedger(store, logger), nil, logger)
	require.NoError(t, err)
	return svc, store
}

func createInput(deadline time.Time) CreateRFQInput {
	input := CreateRFQInput{
		Title:      "forklift fleet",
		Department: "OPERATIONS",
		Year:       2026,
		Quarter:    3,
		Deadline:   deadline,
		CreatedBy:  21,
	}
	input.Lines = append(input.Lines, struct {
		Description string
		Qty         int64
	}{Description: "forklift", Qty: 4})
	return input
}

func openRFQ(t *testing.T, svc *Service, deadline time.Time) RFQ {
	t.Helper()
	ctx := context.Background()
	r, err := svc.Create(ctx, createInput(deadline))
	require.NoError(t, err)
	_, err = svc.Open(ctx, r.ID, 21)
	require.NoError(t, err)
	return r
}

func submitBid(t *testing.T, svc *Service, rfqID, vendorID, unitPrice int64) Bid {
	t.Helper()
	bid, err := svc.SubmitBid(context.Background(), SubmitBidInput{
		RFQID:    rfqID,
		VendorID: vendorID,
		Lines:    []BidLine{{LineNo: 1, UnitPrice: unitPrice}},
	})
	require.NoError(t, err)
	return bid
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := createInput(time.Time{})
	_, err := svc.Create(ctx, input)
	require.ErrorIs(t, err, ErrValidation)

	input = createInput(time.Now().Add(time.Hour))
	input.Lines = nil
	_, err = svc.Create(ctx, input)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitBidOnlyWhileOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, createInput(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = svc.SubmitBid(ctx, SubmitBidInput{
		RFQID:    r.ID,
		VendorID: 9,
		Lines:    []BidLine{{LineNo: 1, UnitPrice: 900_000}},
	})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestSubmitBidAfterDeadline(t *testing.T) {
	svc, _ := newTestService(t)
	r := openRFQ(t, svc, time.Now().Add(-time.Minute))

	_, err := svc.SubmitBid(context.Background(), SubmitBidInput{
		RFQID:    r.ID,
		VendorID: 9,
		Lines:    []BidLine{{LineNo: 1, UnitPrice: 900_000}},
	})
	require.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestSubmitBidAmountFromRFQQuantities(t *testing.T) {
	svc, _ := newTestService(t)
	r := openRFQ(t, svc, time.Now().Add(time.Hour))

	bid := submitBid(t, svc, r.ID, 9, 900_000)
	require.Equal(t, int64(3_600_000), bid.Amount)

	// A bid line with no matching RFQ line is rejected.
	_, err := svc.SubmitBid(context.Background(), SubmitBidInput{
		RFQID:    r.ID,
		VendorID: 10,
		Lines:    []BidLine{{LineNo: 5, UnitPrice: 100}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCloseRequiresBids(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := openRFQ(t, svc, time.Now().Add(time.Hour))

	_, err := svc.Close(ctx, r.ID, 21)
	require.ErrorIs(t, err, ErrNoBids)

	submitBid(t, svc, r.ID, 9, 900_000)
	result, err := svc.Close(ctx, r.ID, 21)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQClosed, result.To)
}

func TestAwardDraftsOrderAndReserves(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	r := openRFQ(t, svc, time.Now().Add(time.Hour))
	submitBid(t, svc, r.ID, 9, 1_100_000)
	winning := submitBid(t, svc, r.ID, 10, 900_000)
	_, err := svc.Close(ctx, r.ID, 21)
	require.NoError(t, err)

	result, err := svc.Award(ctx, r.ID, winning.ID, 21)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQAwarded, result.To)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WinningBidID)
	require.Equal(t, winning.ID, *got.WinningBidID)

	require.Len(t, store.orders, 1)
	order := store.orders[0]
	require.Equal(t, r.ID, order.RFQID)
	require.Equal(t, int64(10), order.VendorID)
	require.Equal(t, int64(3_600_000), order.TotalAmount)
	require.Len(t, order.Lines, 1)
	require.Equal(t, int64(900_000), order.Lines[0].UnitPrice)

	// The reservation belongs to the drafted order from the start.
	require.Len(t, store.reservations, 1)
	res := store.reservations[0]
	require.Equal(t, shared.EntityOrder, res.Owner.Type)
	require.Equal(t, int64(3_600_000), res.Amount)
	require.Equal(t, budget.ReservationCommitted, res.Status)
}

func TestAwardRequiresOwnBid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := openRFQ(t, svc, time.Now().Add(time.Hour))
	submitBid(t, svc, r.ID, 9, 900_000)
	_, err := svc.Close(ctx, r.ID, 21)
	require.NoError(t, err)

	_, err = svc.Award(ctx, r.ID, 0, 21)
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Award(ctx, r.ID, 9999, 21)
	require.ErrorIs(t, err, ErrBidNotFound)
}

func TestAwardRollsBackWhenBudgetExceeded(t *testing.T) {
	svc, store := newTestService(t)
	store.budgets[opsQ3].Total = 1_000_000
	ctx := context.Background()
	r := openRFQ(t, svc, time.Now().Add(time.Hour))
	bid := submitBid(t, svc, r.ID, 9, 900_000)
	_, err := svc.Close(ctx, r.ID, 21)
	require.NoError(t, err)

	_, err = svc.Award(ctx, r.ID, bid.ID, 21)
	var exceeded budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, int64(1_000_000), exceeded.Available)

	// The failed award left no winner, no order and no reservation.
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQClosed, got.Status)
	require.Nil(t, got.WinningBidID)
	require.Empty(t, store.orders)
	require.Empty(t, store.reservations)
}

func TestCancelOpenRFQ(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r := openRFQ(t, svc, time.Now().Add(time.Hour))

	result, err := svc.Cancel(ctx, r.ID, 21)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQCancelled, result.To)

	// A cancelled RFQ takes no more lifecycle actions.
	_, err = svc.Close(ctx, r.ID, 21)
	var invalid workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestCloseExpiredSweep(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	asOf := time.Now()

	withBids := openRFQ(t, svc, asOf.Add(-time.Hour))
	withoutBids := openRFQ(t, svc, asOf.Add(-time.Hour))
	stillOpen := openRFQ(t, svc, asOf.Add(time.Hour))

	// The bid predates the deadline; the sweep runs after it passed.
	_, err := svc.SubmitBid(ctx, SubmitBidInput{
		RFQID:    withBids.ID,
		VendorID: 9,
		Lines:    []BidLine{{LineNo: 1, UnitPrice: 900_000}},
	})
	require.ErrorIs(t, err, ErrDeadlinePassed)
	_, err = svc.store.InsertBid(ctx, Bid{RFQID: withBids.ID, VendorID: 9, Amount: 3_600_000})
	require.NoError(t, err)

	processed, err := svc.CloseExpired(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	got, err := svc.Get(ctx, withBids.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQClosed, got.Status)

	got, err = svc.Get(ctx, withoutBids.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQCancelled, got.Status)

	got, err = svc.Get(ctx, stillOpen.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RFQOpen, got.Status)
}
