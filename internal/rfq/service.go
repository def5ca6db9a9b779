package rfq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/workflow"
)

// AwardOrder is the purchase order drafted from a winning bid. The rfq
// package persists it through its own store so the procurement package
// stays independent; both write the same orders tables.
type AwardOrder struct {
	Number      string
	RFQID       int64
	VendorID    int64
	Department  string
	Year        int
	Quarter     int
	CreatedBy   int64
	TotalAmount int64
	Lines       []AwardOrderLine
}

// AwardOrderLine is one line of an awarded order.
type AwardOrderLine struct {
	LineNo      int
	Description string
	Qty         int64
	UnitPrice   int64
}

// TxStore exposes RFQ row operations inside one atomic unit of work.
type TxStore interface {
	GetRFQ(ctx context.Context, id int64) (RFQ, error)
	CountBids(ctx context.Context, rfqID int64) (int, error)
	GetBid(ctx context.Context, rfqID, bidID int64) (Bid, error)
	SetWinningBid(ctx context.Context, rfqID, bidID int64) error
	// InsertAwardOrder drafts the purchase order in ISSUED state and
	// returns its id.
	InsertAwardOrder(ctx context.Context, order AwardOrder) (int64, error)
}

// Stores widens workflow.Stores with the RFQ store.
type Stores interface {
	workflow.Stores
	RFQs() TxStore
}

func rfqStore(tx workflow.Stores) (TxStore, error) {
	s, ok := tx.(Stores)
	if !ok {
		return nil, fmt.Errorf("rfq: store %T does not expose rfqs", tx)
	}
	return s.RFQs(), nil
}

// Store provides the unit of work plus pool-level operations.
type Store interface {
	workflow.UnitOfWork
	CreateRFQ(ctx context.Context, r RFQ) (RFQ, error)
	GetRFQ(ctx context.Context, id int64) (RFQ, error)
	InsertBid(ctx context.Context, bid Bid) (Bid, error)
	ListBids(ctx context.Context, rfqID int64) ([]Bid, error)
	// ListExpiredOpen returns open RFQs whose deadline has passed, with
	// their bid counts.
	ListExpiredOpen(ctx context.Context, asOf time.Time) (map[int64]int, error)
}

// Service owns the RFQ lifecycle and bid intake.
type Service struct {
	store  Store
	ledger *budget.Ledger
	engine *workflow.Engine
	logger *slog.Logger
}

// NewService constructs the service and its workflow engine.
func NewService(store Store, ledger *budget.Ledger, sink shared.EventSink, logger *slog.Logger) (*Service, error) {
	s := &Service{store: store, ledger: ledger, logger: logger}
	engine, err := workflow.New(workflow.Config{
		UnitOfWork: store,
		Tables:     []workflow.Table{workflow.RFQTable()},
		Guards: map[workflow.Guard]workflow.GuardFunc{
			workflow.GuardHasBids:            s.guardHasBids,
			workflow.GuardWinningBidSelected: s.guardWinningBidSelected,
		},
		Effects: map[workflow.Effect]workflow.EffectFunc{
			workflow.EffectCreateOrderFromBid: s.effectCreateOrderFromBid,
		},
		Sink:   sink,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// CreateRFQInput describes a draft RFQ.
type CreateRFQInput struct {
	Number     string
	Title      string
	Department string
	Year       int
	Quarter    int
	Deadline   time.Time
	CreatedBy  int64
	Lines      []struct {
		Description string
		Qty         int64
	}
}

// Create persists a draft RFQ with numbered lines.
func (s *Service) Create(ctx context.Context, input CreateRFQInput) (RFQ, error) {
	if input.Title == "" || input.Department == "" || input.Deadline.IsZero() || len(input.Lines) == 0 {
		return RFQ{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = fmt.Sprintf("RFQ-%d", time.Now().UnixNano())
	}
	r := RFQ{
		Number:     input.Number,
		Title:      input.Title,
		Department: input.Department,
		Year:       input.Year,
		Quarter:    input.Quarter,
		Deadline:   input.Deadline,
		CreatedBy:  input.CreatedBy,
		Status:     workflow.RFQDraft,
	}
	for i, line := range input.Lines {
		if line.Qty <= 0 {
			return RFQ{}, ErrValidation
		}
		r.Lines = append(r.Lines, Line{LineNo: i + 1, Description: line.Description, Qty: line.Qty})
	}
	return s.store.CreateRFQ(ctx, r)
}

// Open publishes the RFQ for bidding.
func (s *Service) Open(ctx context.Context, rfqID, actorID int64) (workflow.Result, error) {
	return s.engine.Apply(ctx, shared.EntityRef{Type: shared.EntityRFQ, ID: rfqID}, workflow.ActionOpen, actorID, workflow.Input{})
}

// Close ends the bidding window. Requires at least one bid.
func (s *Service) Close(ctx context.Context, rfqID, actorID int64) (workflow.Result, error) {
	return s.engine.Apply(ctx, shared.EntityRef{Type: shared.EntityRFQ, ID: rfqID}, workflow.ActionClose, actorID, workflow.Input{})
}

// Award selects the winning bid and drafts the purchase order with its
// budget reservation in the same atomic step.
func (s *Service) Award(ctx context.Context, rfqID, bidID, actorID int64) (workflow.Result, error) {
	return s.engine.Apply(ctx, shared.EntityRef{Type: shared.EntityRFQ, ID: rfqID}, workflow.ActionAward, actorID, workflow.Input{WinningBidID: bidID})
}

// Cancel withdraws a draft or open RFQ.
func (s *Service) Cancel(ctx context.Context, rfqID, actorID int64) (workflow.Result, error) {
	return s.engine.Apply(ctx, shared.EntityRef{Type: shared.EntityRFQ, ID: rfqID}, workflow.ActionCancel, actorID, workflow.Input{})
}

// SubmitBidInput describes a vendor's response.
type SubmitBidInput struct {
	RFQID    int64
	VendorID int64
	Note     string
	Lines    []BidLine
}

// SubmitBid records a bid on an open RFQ before its deadline.
func (s *Service) SubmitBid(ctx context.Context, input SubmitBidInput) (Bid, error) {
	if input.RFQID == 0 || input.VendorID == 0 || len(input.Lines) == 0 {
		return Bid{}, ErrValidation
	}
	r, err := s.store.GetRFQ(ctx, input.RFQID)
	if err != nil {
		return Bid{}, err
	}
	if r.Status != workflow.RFQOpen {
		return Bid{}, ErrNotOpen
	}
	if time.Now().After(r.Deadline) {
		return Bid{}, ErrDeadlinePassed
	}
	qtyByLine := make(map[int]int64, len(r.Lines))
	for _, line := range r.Lines {
		qtyByLine[line.LineNo] = line.Qty
	}
	bid := Bid{RFQID: input.RFQID, VendorID: input.VendorID, Note: input.Note, Lines: input.Lines}
	for _, line := range input.Lines {
		qty, ok := qtyByLine[line.LineNo]
		if !ok || line.UnitPrice < 0 {
			return Bid{}, ErrValidation
		}
		bid.Amount += qty * line.UnitPrice
	}
	return s.store.InsertBid(ctx, bid)
}

// Get returns an RFQ with lines.
func (s *Service) Get(ctx context.Context, id int64) (RFQ, error) {
	return s.store.GetRFQ(ctx, id)
}

// Bids returns all bids on an RFQ.
func (s *Service) Bids(ctx context.Context, rfqID int64) ([]Bid, error) {
	return s.store.ListBids(ctx, rfqID)
}

// CloseExpired sweeps open RFQs past their deadline: ones with bids are
// closed, ones without are cancelled. Returns the number processed.
func (s *Service) CloseExpired(ctx context.Context, asOf time.Time) (int, error) {
	expired, err := s.store.ListExpiredOpen(ctx, asOf)
	if err != nil {
		return 0, err
	}
	processed := 0
	for id, bids := range expired {
		var applyErr error
		if bids > 0 {
			_, applyErr = s.Close(ctx, id, 0)
		} else {
			_, applyErr = s.Cancel(ctx, id, 0)
		}
		if applyErr != nil {
			s.logger.Error("close expired rfq", slog.Int64("rfq_id", id), slog.Any("error", applyErr))
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Service) guardHasBids(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := rfqStore(tx)
	if err != nil {
		return err
	}
	count, err := store.CountBids(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNoBids
	}
	return nil
}

func (s *Service) guardWinningBidSelected(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	if req.Input.WinningBidID == 0 {
		return ErrValidation
	}
	store, err := rfqStore(tx)
	if err != nil {
		return err
	}
	_, err = store.GetBid(ctx, req.Entity.ID, req.Input.WinningBidID)
	return err
}

// effectCreateOrderFromBid records the winner, reserves the RFQ budget
// for the new order and drafts it in ISSUED state. The order owns its
// reservation from the start, unlike request-sourced orders which rebind
// at issue.
func (s *Service) effectCreateOrderFromBid(ctx context.Context, tx workflow.Stores, req *workflow.Request) error {
	store, err := rfqStore(tx)
	if err != nil {
		return err
	}
	r, err := store.GetRFQ(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	bid, err := store.GetBid(ctx, req.Entity.ID, req.Input.WinningBidID)
	if err != nil {
		return err
	}
	if err := store.SetWinningBid(ctx, r.ID, bid.ID); err != nil {
		return err
	}
	priceByLine := make(map[int]int64, len(bid.Lines))
	for _, line := range bid.Lines {
		priceByLine[line.LineNo] = line.UnitPrice
	}
	order := AwardOrder{
		Number:      fmt.Sprintf("PO-%d", time.Now().UnixNano()),
		RFQID:       r.ID,
		VendorID:    bid.VendorID,
		Department:  r.Department,
		Year:        r.Year,
		Quarter:     r.Quarter,
		CreatedBy:   req.ActorID,
		TotalAmount: bid.Amount,
	}
	for _, line := range r.Lines {
		order.Lines = append(order.Lines, AwardOrderLine{
			LineNo:      line.LineNo,
			Description: line.Description,
			Qty:         line.Qty,
			UnitPrice:   priceByLine[line.LineNo],
		})
	}
	orderID, err := store.InsertAwardOrder(ctx, order)
	if err != nil {
		return err
	}
	_, err = s.ledger.CheckAndReserveTx(ctx, tx.Budgets(), r.BudgetKey(), bid.Amount,
		shared.EntityRef{Type: shared.EntityOrder, ID: orderID})
	return err
}
